package kangaroo

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kangaroocache/kangaroo/pkg/device"
	"github.com/kangaroocache/kangaroo/pkg/logging"
	"github.com/kangaroocache/kangaroo/pkg/metrics"
)

const tZone = 16 * 1024

// departTracker records destructor invocations.
type departTracker struct {
	mu       sync.Mutex
	byReason map[Reason]int
	keys     map[string]int
}

func newDepartTracker() *departTracker {
	return &departTracker{
		byReason: make(map[Reason]int),
		keys:     make(map[string]int),
	}
}

func (d *departTracker) cb(hk HashedKey, value []byte, reason Reason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byReason[reason]++
	d.keys[string(hk.Key)]++
}

func (d *departTracker) count(reason Reason) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byReason[reason]
}

func (d *departTracker) sawKey(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keys[key] > 0
}

// newTestEngine builds an engine over a MemDevice. The log region sits at
// device offset zero, the set regions after it.
func newTestEngine(t *testing.T, mutate func(*Config)) (*Kangaroo, *device.MemDevice, *departTracker) {
	t.Helper()
	tracker := newDepartTracker()
	cfg := Config{
		BucketSize:            4096,
		TotalSetSize:          1 << 20,
		CacheBaseOffset:       64 << 10,
		LogSize:               64 << 10,
		LogBaseOffset:         0,
		LogPhysicalPartitions: 1,
		MergeThreads:          2,
		Logger:                logging.NewNopLogger(),
		Metrics:               metrics.NewRegistry(),
		DestructorCb:          tracker.cb,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	devSize := cfg.CacheBaseOffset + cfg.TotalSetSize + cfg.HotSetSize + 2*tZone
	dev := device.NewMemDevice(devSize, tZone, tZone)
	cfg.Device = dev

	k, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(k.Close)
	return k, dev, tracker
}

func counterMap(k *Kangaroo) map[string]uint64 {
	out := make(map[string]uint64)
	k.GetCounters(func(name string, value uint64) {
		out[name] = value
	})
	return out
}

// keysForBucket generates n distinct keys that all route to bid.
func keysForBucket(k *Kangaroo, bid uint32, n int) []HashedKey {
	keys := make([]HashedKey, 0, n)
	for i := 0; len(keys) < n; i++ {
		hk := MakeHashedKey([]byte(fmt.Sprintf("bkey-%d", i)))
		if k.bucketID(hk) == bid {
			keys = append(keys, hk)
		}
	}
	return keys
}

// TestEngine_LogHit is the insert-then-immediate-lookup path: the value is
// served from the log without any set-zone write.
func TestEngine_LogHit(t *testing.T) {
	k, dev, _ := newTestEngine(t, nil)

	require.Equal(t, Ok, k.Insert(MakeHashedKey([]byte("k1")), []byte("v1")))

	v, s := k.Lookup(MakeHashedKey([]byte("k1")))
	require.Equal(t, Ok, s)
	assert.Equal(t, "v1", string(v))

	assert.EqualValues(t, 0, dev.WriteCount.Load(), "nothing should reach the device yet")
	c := counterMap(k)
	assert.EqualValues(t, 1, c["log_hits"])
	assert.EqualValues(t, 1, c["items"])
	assert.EqualValues(t, 1, c["log_items"])
	assert.EqualValues(t, 0, c["set_items"])
}

// TestEngine_FlushPromotion floods one bucket with far more keys than it
// can hold. After flushing, the surviving subset is the most recently
// inserted and every other key departed through the destructor callback
// exactly once.
func TestEngine_FlushPromotion(t *testing.T) {
	k, _, tracker := newTestEngine(t, nil)

	const total = 10000
	keys := keysForBucket(k, 7, total)
	for _, hk := range keys {
		require.Equal(t, Ok, k.Insert(hk, []byte("payload-"+string(hk.Key))))
	}
	k.Flush()

	evicted := tracker.count(Evicted)
	require.Greater(t, evicted, 0, "one bucket cannot hold ten thousand keys")

	okCount := 0
	for _, hk := range keys {
		_, s := k.Lookup(hk)
		if s == Ok {
			okCount++
			assert.False(t, tracker.sawKey(string(hk.Key)),
				"key %s both survived and departed", hk.Key)
		}
	}
	assert.Equal(t, total-okCount, evicted,
		"departures must account for exactly the non-survivors")

	// RRIP with no hits ages out the oldest first, so the survivors are
	// a suffix of the insert order.
	for _, hk := range keys[total-okCount:] {
		_, s := k.Lookup(hk)
		assert.Equal(t, Ok, s, "recently inserted key %s missing", hk.Key)
	}

	c := counterMap(k)
	assert.Equal(t, c["items"], c["log_items"]+c["set_items"])
}

// TestEngine_ZoneWrap sizes the cold region at four erase units, fills
// three, and watches GC advance the erase pointer without losing a key.
func TestEngine_ZoneWrap(t *testing.T) {
	k, _, _ := newTestEngine(t, func(cfg *Config) {
		cfg.TotalSetSize = 4 * tZone
	})
	require.EqualValues(t, 4, k.cold.NumEus())

	// One key in each of 12 distinct buckets: flushing writes exactly 12
	// set buckets, filling erase units 0..2.
	var keys []HashedKey
	for bid := uint32(0); bid < 12; bid++ {
		keys = append(keys, keysForBucket(k, bid, 1)...)
	}
	for _, hk := range keys {
		require.Equal(t, Ok, k.Insert(hk, []byte("v")))
	}
	k.Flush()

	assert.True(t, k.cold.ShouldClean(0.25))

	// The cleaner notices the exhausted ring and reclaims a unit.
	require.Eventually(t, func() bool {
		_, _, eraseEu := k.cold.Cursors()
		return eraseEu != 3
	}, 2*time.Second, 5*time.Millisecond, "GC never advanced the erase pointer")

	for _, hk := range keys {
		_, s := k.Lookup(hk)
		assert.Equal(t, Ok, s, "key %s lost across GC", hk.Key)
	}
}

// TestEngine_BloomRejection is the empty-cache miss: no device reads at
// all.
func TestEngine_BloomRejection(t *testing.T) {
	k, dev, _ := newTestEngine(t, nil)

	_, s := k.Lookup(MakeHashedKey([]byte("absent")))
	assert.Equal(t, NotFound, s)
	assert.EqualValues(t, 0, dev.ReadCount.Load())
	assert.EqualValues(t, 1, k.BfRejectCount())
}

// TestEngine_ChecksumCorruption corrupts a written bucket on the device.
// Lookups in it degrade to NotFound and the bucket is usable again
// afterwards.
func TestEngine_ChecksumCorruption(t *testing.T) {
	k, dev, _ := newTestEngine(t, nil)

	keys := keysForBucket(k, 3, 2)
	for _, hk := range keys {
		require.Equal(t, Ok, k.Insert(hk, []byte("v")))
	}
	k.Flush()

	// The first flushed bucket landed at the start of the cold region.
	dev.CorruptByte(k.cfg.CacheBaseOffset + 100)

	_, s := k.Lookup(keys[0])
	assert.Equal(t, NotFound, s)
	assert.EqualValues(t, 1, counterMap(k)["checksum_errors"])

	// A fresh insert into the same bucket works fine.
	fresh := keysForBucket(k, 3, 3)[2]
	require.Equal(t, Ok, k.Insert(fresh, []byte("new")))
	k.Flush()
	v, s := k.Lookup(fresh)
	require.Equal(t, Ok, s)
	assert.Equal(t, "new", string(v))
}

func TestEngine_RemoveFromLog(t *testing.T) {
	k, _, tracker := newTestEngine(t, nil)
	hk := MakeHashedKey([]byte("gone"))

	require.Equal(t, Ok, k.Insert(hk, []byte("v")))
	require.Equal(t, Ok, k.Remove(hk))

	_, s := k.Lookup(hk)
	assert.Equal(t, NotFound, s)
	assert.Equal(t, NotFound, k.Remove(hk), "second remove finds nothing")
	assert.Equal(t, 1, tracker.count(Removed))
}

func TestEngine_RemoveFromSet(t *testing.T) {
	k, _, tracker := newTestEngine(t, nil)
	hk := MakeHashedKey([]byte("set-resident"))

	require.Equal(t, Ok, k.Insert(hk, []byte("v")))
	k.Flush()
	require.Equal(t, Ok, k.Remove(hk))

	_, s := k.Lookup(hk)
	assert.Equal(t, NotFound, s, "tombstone must shadow the set copy")
	assert.Equal(t, 1, tracker.count(Removed))

	// After the tombstone is applied by a rewrite the key stays gone.
	k.Flush()
	_, s = k.Lookup(hk)
	assert.Equal(t, NotFound, s)

	c := counterMap(k)
	assert.Equal(t, c["items"], c["log_items"]+c["set_items"])
	assert.EqualValues(t, 0, c["items"])
}

func TestEngine_CouldExist(t *testing.T) {
	k, dev, _ := newTestEngine(t, nil)
	hk := MakeHashedKey([]byte("maybe"))

	assert.False(t, k.CouldExist(hk))

	require.Equal(t, Ok, k.Insert(hk, []byte("v")))
	assert.True(t, k.CouldExist(hk), "log index must admit the key")

	k.Flush()
	reads := dev.ReadCount.Load()
	assert.True(t, k.CouldExist(hk), "bloom filter must admit the flushed key")
	assert.Equal(t, reads, dev.ReadCount.Load(), "couldExist must not read the device")
}

func TestEngine_OversizedValueRejected(t *testing.T) {
	k, dev, _ := newTestEngine(t, nil)

	big := make([]byte, k.GetMaxItemSize()+1)
	assert.Equal(t, Rejected, k.Insert(MakeHashedKey([]byte("big")), big))
	assert.EqualValues(t, 0, dev.WriteCount.Load())
	assert.EqualValues(t, 0, dev.ReadCount.Load())
}

func TestEngine_OverwriteReturnsNewest(t *testing.T) {
	k, _, _ := newTestEngine(t, nil)
	hk := MakeHashedKey([]byte("k"))

	require.Equal(t, Ok, k.Insert(hk, []byte("one")))
	require.Equal(t, Ok, k.Insert(hk, []byte("two")))
	v, s := k.Lookup(hk)
	require.Equal(t, Ok, s)
	assert.Equal(t, "two", string(v))

	k.Flush()
	require.Equal(t, Ok, k.Insert(hk, []byte("three")))
	v, s = k.Lookup(hk)
	require.Equal(t, Ok, s)
	assert.Equal(t, "three", string(v), "log copy must shadow the set copy")

	// The set copy and the log copy both count until the next rewrite
	// merges them and fires the Replaced callback.
	k.Flush()
	c := counterMap(k)
	assert.EqualValues(t, 1, c["items"], "flush must merge the duplicate copies")
}

// TestEngine_HotPromotion enables the hot/cold split and checks that a key
// hit between rewrites moves into the hot region.
func TestEngine_HotPromotion(t *testing.T) {
	k, _, _ := newTestEngine(t, func(cfg *Config) {
		cfg.HotColdSep = true
		cfg.HotBucketSize = 2048
		cfg.HotSetSize = 4 * tZone
	})
	require.NotNil(t, k.hot)

	keys := keysForBucket(k, 5, 3)
	for _, hk := range keys {
		require.Equal(t, Ok, k.Insert(hk, []byte("v")))
	}
	k.Flush() // everything lands cold

	_, s := k.Lookup(keys[0]) // sets the hit bit
	require.Equal(t, Ok, s)

	// The next rewrite of this bucket promotes the hit key.
	extra := keysForBucket(k, 5, 4)[3]
	require.Equal(t, Ok, k.Insert(extra, []byte("v")))
	k.Flush()

	_, s = k.Lookup(keys[0])
	require.Equal(t, Ok, s)
	c := counterMap(k)
	assert.EqualValues(t, 1, c["hot_set_hits"], "promoted key should be served hot")
}

func TestEngine_Reset(t *testing.T) {
	k, _, _ := newTestEngine(t, nil)

	for i := 0; i < 50; i++ {
		require.Equal(t, Ok, k.Insert(MakeHashedKey([]byte(fmt.Sprintf("k%d", i))), []byte("v")))
	}
	k.Flush()
	k.Reset()

	assert.EqualValues(t, 0, k.ItemCount())
	for i := 0; i < 50; i++ {
		_, s := k.Lookup(MakeHashedKey([]byte(fmt.Sprintf("k%d", i))))
		assert.Equal(t, NotFound, s)
	}
}

// TestEngine_ConcurrentSmoke hammers the engine from several goroutines.
// It exists to run under the race detector.
func TestEngine_ConcurrentSmoke(t *testing.T) {
	k, _, _ := newTestEngine(t, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := []byte(fmt.Sprintf("g%d-k%d", g, i%100))
				hk := MakeHashedKey(key)
				switch i % 5 {
				case 0, 1, 2:
					k.Insert(hk, []byte(fmt.Sprintf("v%d", i)))
				case 3:
					k.Lookup(hk)
				case 4:
					k.Remove(hk)
				}
			}
		}(g)
	}
	wg.Wait()

	c := counterMap(k)
	assert.Equal(t, c["items"], c["log_items"]+c["set_items"])
}
