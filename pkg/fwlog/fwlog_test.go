package fwlog

import (
	"errors"
	"fmt"
	"testing"

	"github.com/kangaroocache/kangaroo/pkg/bucket"
	"github.com/kangaroocache/kangaroo/pkg/device"
	"github.com/kangaroocache/kangaroo/pkg/logging"
)

const testPageSize = 512

func hk(key string) bucket.HashedKey {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return bucket.HashedKey{Key: []byte(key), Hash: h}
}

// newTestLog builds a log with the given page budget in one partition.
func newTestLog(t *testing.T, pages, numSetBuckets uint64) (*FwLog, *device.MemDevice) {
	t.Helper()
	dev := device.NewMemDevice(pages*testPageSize, pages*testPageSize, pages*testPageSize)
	f, err := New(dev, logging.NewNopLogger(), Config{
		LogSize:                    pages * testPageSize,
		PageSize:                   testPageSize,
		PhysicalPartitions:         1,
		IndexPartitionsPerPhysical: 2,
		AvgSmallObjectSize:         32,
		NumSetBuckets:              numSetBuckets,
		FlushingThreshold:          0.5,
	})
	if err != nil {
		t.Fatalf("building log: %v", err)
	}
	return f, dev
}

func TestFwLog_InsertLookup(t *testing.T) {
	f, dev := newTestLog(t, 8, 16)

	if err := f.Insert(hk("k1"), []byte("v1")); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	v, tomb, found, err := f.Lookup(hk("k1"))
	if err != nil || !found || tomb {
		t.Fatalf("lookup: found=%v tomb=%v err=%v", found, tomb, err)
	}
	if string(v) != "v1" {
		t.Errorf("value %q, want v1", v)
	}
	if dev.WriteCount.Load() != 0 {
		t.Error("single insert reached the device; it should sit in the active page")
	}
	if f.ItemCount() != 1 {
		t.Errorf("item count %d, want 1", f.ItemCount())
	}
}

func TestFwLog_OverwriteKeepsOneItem(t *testing.T) {
	f, _ := newTestLog(t, 8, 16)

	f.Insert(hk("k"), []byte("old"))
	f.Insert(hk("k"), []byte("new"))

	v, _, found, _ := f.Lookup(hk("k"))
	if !found || string(v) != "new" {
		t.Errorf("lookup after overwrite: found=%v value=%q", found, v)
	}
	if f.ItemCount() != 1 {
		t.Errorf("item count %d after overwrite, want 1", f.ItemCount())
	}
}

func TestFwLog_TombstoneShadows(t *testing.T) {
	f, _ := newTestLog(t, 8, 16)

	f.Insert(hk("k"), []byte("v"))
	if err := f.InsertTombstone(hk("k")); err != nil {
		t.Fatalf("tombstone failed: %v", err)
	}

	_, tomb, found, _ := f.Lookup(hk("k"))
	if !found || !tomb {
		t.Errorf("tombstone not visible: found=%v tomb=%v", found, tomb)
	}
	if f.ItemCount() != 0 {
		t.Errorf("item count %d after tombstone, want 0", f.ItemCount())
	}

	// Re-insert brings the key back.
	f.Insert(hk("k"), []byte("again"))
	v, tomb, found, _ := f.Lookup(hk("k"))
	if !found || tomb || string(v) != "again" {
		t.Errorf("lookup after re-insert: found=%v tomb=%v value=%q", found, tomb, v)
	}
	if f.ItemCount() != 1 {
		t.Errorf("item count %d, want 1", f.ItemCount())
	}
}

// TestFwLog_SealedPagesReadable drives enough entries through one
// partition to seal pages onto the device and read entries back from them.
func TestFwLog_SealedPagesReadable(t *testing.T) {
	f, dev := newTestLog(t, 8, 16)

	// 29 bytes per entry, 512 byte pages: 50 entries span several pages.
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if err := f.Insert(hk(key), []byte(fmt.Sprintf("value-%03d", i))); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}
	if dev.WriteCount.Load() == 0 {
		t.Fatal("no page was sealed to the device")
	}

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%03d", i)
		v, _, found, err := f.Lookup(hk(key))
		if err != nil || !found {
			t.Fatalf("lookup %s: found=%v err=%v", key, found, err)
		}
		if want := fmt.Sprintf("value-%03d", i); string(v) != want {
			t.Errorf("lookup %s = %q, want %q", key, v, want)
		}
	}
}

func TestFwLog_FullRingBackpressure(t *testing.T) {
	f, _ := newTestLog(t, 2, 16)

	var err error
	inserted := 0
	for i := 0; i < 200; i++ {
		err = f.Insert(hk(fmt.Sprintf("key-%03d", i)), []byte("0123456789"))
		if err != nil {
			break
		}
		inserted++
	}
	if !errors.Is(err, ErrLogFull) {
		t.Fatalf("filling the ring ended with %v, want ErrLogFull", err)
	}

	// Draining a bucket frees pages and lets inserts proceed.
	drained := 0
	for bid := uint32(0); bid < 16; bid++ {
		entries, err := f.CollectForBucket(bid)
		if err != nil {
			t.Fatalf("collect failed: %v", err)
		}
		drained += len(entries)
	}
	if drained != inserted {
		t.Errorf("drained %d entries, inserted %d", drained, inserted)
	}
	if err := f.Insert(hk("late"), []byte("v")); err != nil {
		t.Errorf("insert after drain failed: %v", err)
	}
}

func TestFwLog_CollectForBucket(t *testing.T) {
	f, _ := newTestLog(t, 16, 4)

	byBid := make(map[uint32][]string)
	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("key-%03d", i)
		bid := uint32(hk(key).Hash % 4)
		byBid[bid] = append(byBid[bid], key)
		if err := f.Insert(hk(key), []byte("value")); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	target := uint32(0)
	entries, err := f.CollectForBucket(target)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(entries) != len(byBid[target]) {
		t.Fatalf("collected %d entries, want %d", len(entries), len(byBid[target]))
	}
	for _, e := range entries {
		if uint32(e.Hash%4) != target {
			t.Errorf("collected entry for bucket %d", e.Hash%4)
		}
	}

	// Collected entries are gone from the log.
	for _, key := range byBid[target] {
		if _, _, found, _ := f.Lookup(hk(key)); found {
			t.Errorf("%s still in the log after collection", key)
		}
	}
	// Other buckets are untouched.
	for _, key := range byBid[1] {
		if _, _, found, _ := f.Lookup(hk(key)); !found {
			t.Errorf("%s lost by someone else's collection", key)
		}
	}
	if got, want := f.ItemCount(), uint64(40-len(byBid[target])); got != want {
		t.Errorf("item count %d, want %d", got, want)
	}
}

// TestFwLog_CollectNewestWins inserts two generations of one key and
// expects collection to deliver only the newer.
func TestFwLog_CollectNewestWins(t *testing.T) {
	f, _ := newTestLog(t, 16, 4)

	f.Insert(hk("k"), []byte("old"))
	f.Insert(hk("k"), []byte("new"))
	bid := uint32(hk("k").Hash % 4)

	entries, err := f.CollectForBucket(bid)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("collected %d entries, want 1", len(entries))
	}
	if string(entries[0].Value) != "new" {
		t.Errorf("collected %q, want the newer value", entries[0].Value)
	}
}

func TestFwLog_CollectDeliversTombstones(t *testing.T) {
	f, _ := newTestLog(t, 16, 4)

	f.Insert(hk("k"), []byte("v"))
	f.InsertTombstone(hk("k"))
	bid := uint32(hk("k").Hash % 4)

	entries, err := f.CollectForBucket(bid)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(entries) != 1 || !entries[0].Tombstone {
		t.Fatalf("collect returned %d entries (tombstone=%v), want 1 tombstone",
			len(entries), len(entries) > 0 && entries[0].Tombstone)
	}
}

func TestFwLog_ShouldFlush(t *testing.T) {
	f, _ := newTestLog(t, 8, 16)

	if f.ShouldFlush() {
		t.Error("empty log wants flushing")
	}
	for i := 0; f.Occupancy() < 0.5; i++ {
		if err := f.Insert(hk(fmt.Sprintf("key-%04d", i)), []byte("0123456789abcdef")); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	if !f.ShouldFlush() {
		t.Error("log past its threshold does not want flushing")
	}
}

func TestFwLog_MayContain(t *testing.T) {
	f, _ := newTestLog(t, 8, 16)
	f.Insert(hk("present"), []byte("v"))

	if !f.MayContain(hk("present")) {
		t.Error("index lost an inserted key")
	}
	if f.MayContain(hk("absent")) {
		t.Error("index admits a key never inserted")
	}
}

func TestFwLog_PersistRoundTrip(t *testing.T) {
	f, dev := newTestLog(t, 16, 4)

	for i := 0; i < 60; i++ {
		if err := f.Insert(hk(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("value-%03d", i))); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	f.InsertTombstone(hk("key-007"))

	state, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	// Same device: sealed pages survive in place, only memory state moves.
	f2, err := New(dev, logging.NewNopLogger(), f.cfg)
	if err != nil {
		t.Fatalf("rebuilding log: %v", err)
	}
	if err := f2.UnmarshalBinary(state); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if f2.ItemCount() != f.ItemCount() {
		t.Errorf("item count %d after restore, want %d", f2.ItemCount(), f.ItemCount())
	}
	for i := 0; i < 60; i++ {
		key := fmt.Sprintf("key-%03d", i)
		v, tomb, found, err := f2.Lookup(hk(key))
		if err != nil {
			t.Fatalf("lookup %s: %v", key, err)
		}
		if i == 7 {
			if !found || !tomb {
				t.Errorf("restored log lost the tombstone for %s", key)
			}
			continue
		}
		if !found || tomb || string(v) != fmt.Sprintf("value-%03d", i) {
			t.Errorf("lookup %s after restore: found=%v tomb=%v value=%q", key, found, tomb, v)
		}
	}
}
