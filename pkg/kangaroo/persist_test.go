package kangaroo

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kangaroocache/kangaroo/pkg/device"
	"github.com/kangaroocache/kangaroo/pkg/logging"
	"github.com/kangaroocache/kangaroo/pkg/metrics"
)

// rebuildEngine constructs a second engine over the same device, the way a
// process restart would.
func rebuildEngine(t *testing.T, dev *device.MemDevice, mutate func(*Config)) *Kangaroo {
	t.Helper()
	cfg := Config{
		BucketSize:            4096,
		TotalSetSize:          1 << 20,
		CacheBaseOffset:       64 << 10,
		LogSize:               64 << 10,
		LogPhysicalPartitions: 1,
		MergeThreads:          2,
		Logger:                logging.NewNopLogger(),
		Metrics:               metrics.NewRegistry(),
		Device:                dev,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	k, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(k.Close)
	return k
}

// TestPersistRecover_RoundTrip persists a populated engine and recovers it
// in a fresh instance over the same device.
func TestPersistRecover_RoundTrip(t *testing.T) {
	k, dev, _ := newTestEngine(t, nil)

	const total = 1000
	for i := 0; i < total; i++ {
		hk := MakeHashedKey([]byte(fmt.Sprintf("persist-%04d", i)))
		require.Equal(t, Ok, k.Insert(hk, []byte(fmt.Sprintf("value-%04d", i))))
	}
	// Leave a realistic mix: some keys flushed into sets, some in the log.
	k.flushPartitionSync(0)
	for i := 0; i < 100; i++ {
		hk := MakeHashedKey([]byte(fmt.Sprintf("late-%04d", i)))
		require.Equal(t, Ok, k.Insert(hk, []byte(fmt.Sprintf("latev-%04d", i))))
	}

	var state bytes.Buffer
	require.NoError(t, k.Persist(NewStreamRecordWriter(&state)))
	wantItems := k.ItemCount()
	k.Close()

	k2 := rebuildEngine(t, dev, nil)
	require.True(t, k2.Recover(NewStreamRecordReader(bytes.NewReader(state.Bytes()))))
	assert.Equal(t, wantItems, k2.ItemCount())

	for i := 0; i < total; i++ {
		hk := MakeHashedKey([]byte(fmt.Sprintf("persist-%04d", i)))
		v, s := k2.Lookup(hk)
		require.Equal(t, Ok, s, "key persist-%04d lost across recovery", i)
		assert.Equal(t, fmt.Sprintf("value-%04d", i), string(v))
	}
	for i := 0; i < 100; i++ {
		hk := MakeHashedKey([]byte(fmt.Sprintf("late-%04d", i)))
		v, s := k2.Lookup(hk)
		require.Equal(t, Ok, s, "log-resident key late-%04d lost across recovery", i)
		assert.Equal(t, fmt.Sprintf("latev-%04d", i), string(v))
	}
}

// TestPersistRecover_TablesMatch compares the identifier tables across the
// round trip.
func TestPersistRecover_TablesMatch(t *testing.T) {
	k, dev, _ := newTestEngine(t, nil)

	for i := 0; i < 300; i++ {
		hk := MakeHashedKey([]byte(fmt.Sprintf("key-%04d", i)))
		require.Equal(t, Ok, k.Insert(hk, []byte("v")))
	}
	k.Flush()

	var state bytes.Buffer
	require.NoError(t, k.Persist(NewStreamRecordWriter(&state)))
	table := k.cold.MarshalTable()
	k.Close()

	k2 := rebuildEngine(t, dev, nil)
	require.True(t, k2.Recover(NewStreamRecordReader(bytes.NewReader(state.Bytes()))))
	assert.Equal(t, table, k2.cold.MarshalTable())
}

func TestRecover_ConfigMismatch(t *testing.T) {
	k, dev, _ := newTestEngine(t, nil)
	require.Equal(t, Ok, k.Insert(MakeHashedKey([]byte("k")), []byte("v")))

	var state bytes.Buffer
	require.NoError(t, k.Persist(NewStreamRecordWriter(&state)))
	k.Close()

	// Half the set region means a different bucket count: recovery must
	// refuse and come up empty.
	k2 := rebuildEngine(t, dev, func(cfg *Config) {
		cfg.TotalSetSize = 512 << 10
	})
	assert.False(t, k2.Recover(NewStreamRecordReader(bytes.NewReader(state.Bytes()))))
	assert.EqualValues(t, 0, k2.ItemCount())
}

func TestRecover_Garbage(t *testing.T) {
	k, dev, _ := newTestEngine(t, nil)
	k.Close()

	k2 := rebuildEngine(t, dev, nil)
	garbage := bytes.NewReader([]byte("this is not a record stream at all"))
	assert.False(t, k2.Recover(NewStreamRecordReader(garbage)))

	// The engine is still usable after a failed recovery.
	require.Equal(t, Ok, k2.Insert(MakeHashedKey([]byte("k")), []byte("v")))
	v, s := k2.Lookup(MakeHashedKey([]byte("k")))
	require.Equal(t, Ok, s)
	assert.Equal(t, "v", string(v))
}

func TestRecord_ChecksumValidated(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamRecordWriter(&buf)
	require.NoError(t, w.WriteRecord(recHeader, []byte("payload payload payload")))

	raw := buf.Bytes()
	raw[10] ^= 0xff // corrupt the compressed body

	r := NewStreamRecordReader(bytes.NewReader(raw))
	_, _, err := r.ReadRecord()
	assert.Error(t, err)
}

func TestRecord_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamRecordWriter(&buf)
	require.NoError(t, w.WriteRecord(5, []byte("hello")))
	require.NoError(t, w.WriteRecord(9, bytes.Repeat([]byte("abc"), 1000)))

	r := NewStreamRecordReader(bytes.NewReader(buf.Bytes()))
	kind, data, err := r.ReadRecord()
	require.NoError(t, err)
	assert.EqualValues(t, 5, kind)
	assert.Equal(t, "hello", string(data))

	kind, data, err = r.ReadRecord()
	require.NoError(t, err)
	assert.EqualValues(t, 9, kind)
	assert.Len(t, data, 3000)
}
