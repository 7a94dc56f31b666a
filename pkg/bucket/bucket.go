// Package bucket implements the on-device bucket codecs. A bucket is a
// fixed-size byte buffer holding a header and packed variable-size entries
// in insertion order. RripBucket carries a 2-bit re-reference counter per
// entry and evicts by RRIP aging; LogBucket is the same framing without
// counters, used for log pages, and carries a tombstone flag instead.
package bucket

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
)

// Buffer layout, little-endian:
//
//	checksum   u32   crc32 IEEE over everything after this field
//	generation u32   bumped on every rewrite
//	entryCount u32
//	dataLen    u32   bytes of packed entries after the header
//
// followed by entryCount packed entries:
//
//	hash u64 | keyLen u16 | valueLen u16 | aux u8 | key | value
//
// aux holds the RRIP counter for set buckets and flag bits for log pages.
const (
	headerSize    = 16
	entryOverhead = 8 + 2 + 2 + 1

	offChecksum   = 0
	offGeneration = 4
	offEntryCount = 8
	offDataLen    = 12
)

// RRIP counter bounds. 2 bits; 0 means "just hit", rripMax is next to evict.
const (
	rripMax   = 3
	rripFresh = 2
)

const tombstoneFlag = 0x1

// ErrChecksum is returned when a decoded buffer fails checksum validation.
var ErrChecksum = errors.New("bucket checksum mismatch")

// HashedKey is a key together with its caller-computed 64-bit hash. The hash
// routes the key; the bytes decide equality.
type HashedKey struct {
	Key  []byte
	Hash uint64
}

// Entry is one decoded bucket entry.
type Entry struct {
	Hash      uint64
	Key       []byte
	Value     []byte
	Rrip      uint8
	Tombstone bool
}

// Size returns the packed size of the entry in bytes.
func (e Entry) Size() int {
	return entryOverhead + len(e.Key) + len(e.Value)
}

// matches reports whether the entry holds hk.
func (e Entry) matches(hk HashedKey) bool {
	return e.Hash == hk.Hash && bytesEqual(e.Key, hk.Key)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MarshalJSON keeps diagnostics readable when entries end up in logs.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Hash     uint64 `json:"hash"`
		KeyLen   int    `json:"keyLen"`
		ValueLen int    `json:"valueLen"`
		Rrip     uint8  `json:"rrip"`
	}{e.Hash, len(e.Key), len(e.Value), e.Rrip})
}

// encodeEntries packs entries into buf after the header and finalizes the
// header and checksum.
func encodeEntries(buf []byte, generation uint32, entries []Entry, auxOf func(Entry) uint8) error {
	off := headerSize
	for _, e := range entries {
		if off+e.Size() > len(buf) {
			return fmt.Errorf("bucket overflow: %d entries need %d bytes, have %d",
				len(entries), off+e.Size(), len(buf))
		}
		binary.LittleEndian.PutUint64(buf[off:], e.Hash)
		binary.LittleEndian.PutUint16(buf[off+8:], uint16(len(e.Key)))
		binary.LittleEndian.PutUint16(buf[off+10:], uint16(len(e.Value)))
		buf[off+12] = auxOf(e)
		off += entryOverhead
		copy(buf[off:], e.Key)
		off += len(e.Key)
		copy(buf[off:], e.Value)
		off += len(e.Value)
	}
	for i := off; i < len(buf); i++ {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[offGeneration:], generation)
	binary.LittleEndian.PutUint32(buf[offEntryCount:], uint32(len(entries)))
	binary.LittleEndian.PutUint32(buf[offDataLen:], uint32(off-headerSize))
	binary.LittleEndian.PutUint32(buf[offChecksum:], crc32.ChecksumIEEE(buf[offChecksum+4:]))
	return nil
}

// decodeEntries parses buf, verifying the checksum first. Key and value
// slices are copied out of buf so the IO buffer can be released.
func decodeEntries(buf []byte) (generation uint32, entries []Entry, err error) {
	if len(buf) < headerSize {
		return 0, nil, fmt.Errorf("bucket buffer too small: %d bytes", len(buf))
	}
	stored := binary.LittleEndian.Uint32(buf[offChecksum:])
	if stored != crc32.ChecksumIEEE(buf[offChecksum+4:]) {
		return 0, nil, ErrChecksum
	}
	generation = binary.LittleEndian.Uint32(buf[offGeneration:])
	count := binary.LittleEndian.Uint32(buf[offEntryCount:])
	dataLen := binary.LittleEndian.Uint32(buf[offDataLen:])
	if headerSize+int(dataLen) > len(buf) {
		return 0, nil, ErrChecksum
	}

	entries = make([]Entry, 0, count)
	off := headerSize
	end := headerSize + int(dataLen)
	for i := uint32(0); i < count; i++ {
		if off+entryOverhead > end {
			return 0, nil, ErrChecksum
		}
		hash := binary.LittleEndian.Uint64(buf[off:])
		keyLen := int(binary.LittleEndian.Uint16(buf[off+8:]))
		valueLen := int(binary.LittleEndian.Uint16(buf[off+10:]))
		aux := buf[off+12]
		off += entryOverhead
		if off+keyLen+valueLen > end {
			return 0, nil, ErrChecksum
		}
		key := make([]byte, keyLen)
		copy(key, buf[off:off+keyLen])
		off += keyLen
		value := make([]byte, valueLen)
		copy(value, buf[off:off+valueLen])
		off += valueLen
		// aux is interpreted by the bucket type: RRIP counter for set
		// buckets, flag bits for log pages.
		entries = append(entries, Entry{
			Hash:  hash,
			Key:   key,
			Value: value,
			Rrip:  aux,
		})
	}
	return generation, entries, nil
}

// MaxEntrySize returns the largest key+value payload a bucket of
// bucketSize bytes can hold.
func MaxEntrySize(bucketSize uint64) uint64 {
	if bucketSize < headerSize+entryOverhead {
		return 0
	}
	return bucketSize - headerSize - entryOverhead
}
