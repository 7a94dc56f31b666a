package bitvector

import (
	"testing"
)

func TestBitVector_SetGetClear(t *testing.T) {
	bv := New(16, 32)

	if bv.GetHit(3, 5) {
		t.Fatal("fresh vector reports a hit")
	}
	bv.SetHit(3, 5)
	if !bv.GetHit(3, 5) {
		t.Fatal("set bit not visible")
	}
	if bv.GetHit(3, 6) || bv.GetHit(4, 5) {
		t.Error("neighboring bits disturbed")
	}

	bv.ClearBucket(3)
	if bv.GetHit(3, 5) {
		t.Error("bit survived ClearBucket")
	}
}

func TestBitVector_ClearBucketIsPerBucket(t *testing.T) {
	bv := New(8, 64)
	bv.SetHit(1, 63)
	bv.SetHit(2, 0)

	bv.ClearBucket(1)
	if bv.GetHit(1, 63) {
		t.Error("cleared bucket still has its bit")
	}
	if !bv.GetHit(2, 0) {
		t.Error("clearing bucket 1 disturbed bucket 2")
	}
}

func TestBitVector_UntrackedSlots(t *testing.T) {
	bv := New(4, 16)
	// Out-of-range slots are silently untracked, never a panic.
	bv.SetHit(0, 16)
	bv.SetHit(0, 1000)
	if bv.GetHit(0, 16) || bv.GetHit(0, 1000) {
		t.Error("untracked slot reported a hit")
	}
}

func TestBitVector_MarshalRoundTrip(t *testing.T) {
	bv := New(8, 32)
	bv.SetHit(0, 0)
	bv.SetHit(7, 31)
	bv.SetHit(4, 17)

	data := bv.MarshalBinary()
	bv2 := New(8, 32)
	if err := bv2.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, c := range []struct{ bid, slot uint32 }{{0, 0}, {7, 31}, {4, 17}} {
		if !bv2.GetHit(c.bid, c.slot) {
			t.Errorf("restored vector lost bit (%d,%d)", c.bid, c.slot)
		}
	}
	if bv2.GetHit(1, 1) {
		t.Error("restored vector invented a bit")
	}

	if err := bv2.UnmarshalBinary(data[1:]); err == nil {
		t.Error("unmarshal accepted a truncated payload")
	}
}
