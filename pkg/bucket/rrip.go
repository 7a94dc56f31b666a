package bucket

// RripBucket is a decoded set bucket. Entries stay in insertion order; the
// slot index of an entry is its position in that order and is what the hit
// bit-vector is keyed on.
type RripBucket struct {
	generation uint32
	capacity   int
	used       int
	entries    []Entry
}

// NewRripBucket returns an empty set bucket for a buffer of capacity bytes.
func NewRripBucket(capacity uint64, generation uint32) *RripBucket {
	return &RripBucket{
		generation: generation,
		capacity:   int(capacity),
		used:       headerSize,
	}
}

// DecodeRripBucket parses a device buffer. A checksum failure surfaces as
// ErrChecksum; the caller counts it and proceeds on a fresh bucket.
func DecodeRripBucket(buf []byte) (*RripBucket, error) {
	generation, entries, err := decodeEntries(buf)
	if err != nil {
		return nil, err
	}
	b := &RripBucket{
		generation: generation,
		capacity:   len(buf),
		used:       headerSize,
		entries:    entries,
	}
	for i := range b.entries {
		b.entries[i].Rrip &= rripMax
		b.used += b.entries[i].Size()
	}
	return b, nil
}

// Generation returns the bucket's generation counter.
func (b *RripBucket) Generation() uint32 {
	return b.generation
}

// SetGeneration stamps the generation written by the next Encode.
func (b *RripBucket) SetGeneration(gen uint32) {
	b.generation = gen
}

// Count returns the number of live entries.
func (b *RripBucket) Count() int {
	return len(b.entries)
}

// Entries returns the live entries in slot order. The slice is owned by the
// bucket.
func (b *RripBucket) Entries() []Entry {
	return b.entries
}

// Find looks hk up, returning its value and slot index. A hit resets the
// entry's RRIP counter; the change persists at the next rewrite.
func (b *RripBucket) Find(hk HashedKey) (value []byte, slot int, ok bool) {
	for i := range b.entries {
		if b.entries[i].matches(hk) {
			b.entries[i].Rrip = 0
			return b.entries[i].Value, i, true
		}
	}
	return nil, 0, false
}

// Contains reports whether hk is present without touching RRIP state.
func (b *RripBucket) Contains(hk HashedKey) bool {
	for i := range b.entries {
		if b.entries[i].matches(hk) {
			return true
		}
	}
	return false
}

// Insert adds an entry, replacing any entry with the same key and evicting
// by RRIP aging until the new entry fits. The replaced entry (if any) and
// every evicted entry are returned so the caller can fire the destructor
// callback exactly once per departed entry. ok is false when the entry can
// never fit, in which case the bucket is unchanged.
func (b *RripBucket) Insert(e Entry) (replaced *Entry, evicted []Entry, ok bool) {
	if headerSize+e.Size() > b.capacity {
		return nil, nil, false
	}
	e.Rrip &= rripMax

	for i := range b.entries {
		if b.entries[i].matches(HashedKey{Key: e.Key, Hash: e.Hash}) {
			old := b.entries[i]
			b.removeAt(i)
			replaced = &old
			break
		}
	}

	for b.used+e.Size() > b.capacity {
		evicted = append(evicted, b.evictOne())
	}
	b.entries = append(b.entries, e)
	b.used += e.Size()
	return replaced, evicted, true
}

// evictOne applies RRIP aging: evict an entry whose counter is at max,
// aging every counter until one reaches it. Ties break toward the lowest
// slot, the oldest position.
func (b *RripBucket) evictOne() Entry {
	for {
		for i := range b.entries {
			if b.entries[i].Rrip >= rripMax {
				victim := b.entries[i]
				b.removeAt(i)
				return victim
			}
		}
		for i := range b.entries {
			b.entries[i].Rrip++
		}
	}
}

// Remove deletes hk if present, returning the removed entry.
func (b *RripBucket) Remove(hk HashedKey) (Entry, bool) {
	for i := range b.entries {
		if b.entries[i].matches(hk) {
			victim := b.entries[i]
			b.removeAt(i)
			return victim, true
		}
	}
	return Entry{}, false
}

func (b *RripBucket) removeAt(i int) {
	b.used -= b.entries[i].Size()
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
}

// Encode packs the bucket into buf, stamping the generation and checksum.
func (b *RripBucket) Encode(buf []byte) error {
	return encodeEntries(buf, b.generation, b.entries, func(e Entry) uint8 {
		return e.Rrip & rripMax
	})
}

// FreshRrip returns the counter assigned to a newly admitted entry: a long
// re-reference interval, one step from eviction age.
func FreshRrip() uint8 {
	return rripFresh
}
