// Package bitvector tracks per-slot hit bits for set buckets. One bit per
// (bucket, slot) records whether the entry in that slot was hit since the
// bucket's last rewrite; the rewrite path reads the bits to decide which
// entries deserve the hot region and then clears them.
package bitvector

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// BitVector holds slotsPerBucket hit bits for each of numBuckets buckets.
// Hit bits are advisory: a lost update costs at most one mistaken cold
// placement, so a single lock striped across the whole vector is enough.
type BitVector struct {
	mu             sync.Mutex
	numBuckets     uint64
	slotsPerBucket uint32
	words          []uint64
}

// New creates a hit bit-vector for numBuckets buckets with up to
// slotsPerBucket tracked slots each. Slots past slotsPerBucket are not
// tracked and read as not hit.
func New(numBuckets uint64, slotsPerBucket uint32) *BitVector {
	bitsPer := (uint64(slotsPerBucket) + 63) / 64 * 64
	return &BitVector{
		numBuckets:     numBuckets,
		slotsPerBucket: slotsPerBucket,
		words:          make([]uint64, numBuckets*bitsPer/64),
	}
}

// SlotsPerBucket returns the number of tracked slots per bucket.
func (bv *BitVector) SlotsPerBucket() uint32 {
	return bv.slotsPerBucket
}

// SetHit records a hit on (bucketID, slot).
func (bv *BitVector) SetHit(bucketID uint32, slot uint32) {
	if slot >= bv.slotsPerBucket {
		return
	}
	word, mask := bv.locate(bucketID, slot)
	bv.mu.Lock()
	bv.words[word] |= mask
	bv.mu.Unlock()
}

// GetHit reports whether (bucketID, slot) was hit since the last clear.
func (bv *BitVector) GetHit(bucketID uint32, slot uint32) bool {
	if slot >= bv.slotsPerBucket {
		return false
	}
	word, mask := bv.locate(bucketID, slot)
	bv.mu.Lock()
	defer bv.mu.Unlock()
	return bv.words[word]&mask != 0
}

// ClearBucket zeroes every hit bit of bucketID, after a rewrite.
func (bv *BitVector) ClearBucket(bucketID uint32) {
	wordsPer := bv.wordsPerBucket()
	base := uint64(bucketID) * wordsPer
	bv.mu.Lock()
	for i := base; i < base+wordsPer; i++ {
		bv.words[i] = 0
	}
	bv.mu.Unlock()
}

// Reset zeroes the whole vector.
func (bv *BitVector) Reset() {
	bv.mu.Lock()
	for i := range bv.words {
		bv.words[i] = 0
	}
	bv.mu.Unlock()
}

func (bv *BitVector) wordsPerBucket() uint64 {
	return (uint64(bv.slotsPerBucket) + 63) / 64
}

func (bv *BitVector) locate(bucketID uint32, slot uint32) (word uint64, mask uint64) {
	word = uint64(bucketID)*bv.wordsPerBucket() + uint64(slot)/64
	mask = 1 << (slot % 64)
	return word, mask
}

// MarshalBinary serializes the vector's bits.
func (bv *BitVector) MarshalBinary() []byte {
	bv.mu.Lock()
	defer bv.mu.Unlock()
	out := make([]byte, 8*len(bv.words))
	for i, w := range bv.words {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

// UnmarshalBinary restores bits from MarshalBinary output taken from a
// vector with identical geometry.
func (bv *BitVector) UnmarshalBinary(data []byte) error {
	bv.mu.Lock()
	defer bv.mu.Unlock()
	if len(data) != 8*len(bv.words) {
		return fmt.Errorf("bit-vector size mismatch: have %d bytes, want %d", len(data), 8*len(bv.words))
	}
	for i := range bv.words {
		bv.words[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return nil
}
