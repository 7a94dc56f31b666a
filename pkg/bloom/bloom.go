// Package bloom provides a bank of small Bloom filters, one per set bucket.
// A filter answers "might this key be in its bucket" so a lookup can skip
// the device read entirely on a definite miss.
// - False positives possible (filter admits, bucket read comes back empty)
// - False negatives impossible while the rewrite protocol rebuilds the
//   filter before the bucket write lock is released
package bloom

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FilterBank is a dense array of equally sized filters addressed by bucket
// id. All filter bits live in one contiguous word slice so the bank
// serializes as a single region.
type FilterBank struct {
	numFilters    uint64
	bitsPerFilter uint64
	hashCount     int
	words         []uint64
}

// NewFilterBank creates numFilters filters, each sized for expectedItems
// entries at the target falsePositiveRate.
func NewFilterBank(numFilters uint64, expectedItems int, falsePositiveRate float64) *FilterBank {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2), k = (m/n) * ln(2)
	bits := uint64(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if bits < 8 {
		bits = 8
	}
	hashCount := int(math.Ceil(float64(bits) / float64(expectedItems) * math.Ln2))
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > 16 {
		hashCount = 16
	}

	// Round up to whole words so filters never share a word.
	words := (bits + 63) / 64
	return &FilterBank{
		numFilters:    numFilters,
		bitsPerFilter: words * 64,
		hashCount:     hashCount,
		words:         make([]uint64, numFilters*words),
	}
}

// NumFilters returns the number of filters in the bank.
func (fb *FilterBank) NumFilters() uint64 {
	return fb.numFilters
}

// BitsPerFilter returns the size of each filter in bits.
func (fb *FilterBank) BitsPerFilter() uint64 {
	return fb.bitsPerFilter
}

// Insert sets keyHash's bits in the filter for bucketID.
func (fb *FilterBank) Insert(bucketID uint32, keyHash uint64) {
	base := uint64(bucketID) * (fb.bitsPerFilter / 64)
	h1, h2 := splitHash(keyHash)
	for i := 0; i < fb.hashCount; i++ {
		bit := (h1 + uint64(i)*h2) % fb.bitsPerFilter
		fb.words[base+bit/64] |= 1 << (bit % 64)
	}
}

// MayContain reports whether keyHash might be present in bucketID's filter.
func (fb *FilterBank) MayContain(bucketID uint32, keyHash uint64) bool {
	base := uint64(bucketID) * (fb.bitsPerFilter / 64)
	h1, h2 := splitHash(keyHash)
	for i := 0; i < fb.hashCount; i++ {
		bit := (h1 + uint64(i)*h2) % fb.bitsPerFilter
		if fb.words[base+bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Clear zeroes the filter for bucketID, ahead of a rebuild from the
// bucket's surviving entries.
func (fb *FilterBank) Clear(bucketID uint32) {
	wordsPer := fb.bitsPerFilter / 64
	base := uint64(bucketID) * wordsPer
	for i := base; i < base+wordsPer; i++ {
		fb.words[i] = 0
	}
}

// Reset zeroes every filter in the bank.
func (fb *FilterBank) Reset() {
	for i := range fb.words {
		fb.words[i] = 0
	}
}

// splitHash derives the two independent hashes for double hashing from the
// caller-supplied 64-bit digest. h2 is forced odd so probes cover the
// filter.
func splitHash(keyHash uint64) (h1, h2 uint64) {
	h1 = keyHash
	h2 = keyHash>>33 ^ keyHash*0x9e3779b97f4a7c15
	h2 |= 1
	return h1, h2
}

// MarshalBinary serializes the bank's bits.
func (fb *FilterBank) MarshalBinary() []byte {
	out := make([]byte, 8*len(fb.words))
	for i, w := range fb.words {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

// UnmarshalBinary restores the bank's bits from MarshalBinary output. The
// bank must have been constructed with identical geometry.
func (fb *FilterBank) UnmarshalBinary(data []byte) error {
	if len(data) != 8*len(fb.words) {
		return fmt.Errorf("bloom bank size mismatch: have %d bytes, want %d", len(data), 8*len(fb.words))
	}
	for i := range fb.words {
		fb.words[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return nil
}
