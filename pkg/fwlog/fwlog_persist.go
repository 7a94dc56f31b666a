package fwlog

import (
	"encoding/binary"
	"fmt"

	"github.com/kangaroocache/kangaroo/pkg/bucket"
)

// MarshalBinary serializes the log's in-memory state: ring cursors, page
// live counts, the active pages, and the key index. Sealed pages live on
// the device and are not duplicated here.
func (f *FwLog) MarshalBinary() ([]byte, error) {
	var out []byte
	u32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		out = append(out, b[:]...)
	}
	u64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		out = append(out, b[:]...)
	}

	u32(uint32(len(f.parts)))
	for _, p := range f.parts {
		p.mu.Lock()
		u64(p.head)
		u64(p.tail)
		u64(p.numPages)
		u32(p.activeLive)
		for _, c := range p.live {
			u32(c)
		}

		pageBuf := make([]byte, p.pageSize)
		if err := p.active.Encode(pageBuf); err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("fwlog: encoding active page: %w", err)
		}
		out = append(out, pageBuf...)

		var count uint32
		for _, s := range p.shards {
			s.mu.Lock()
			count += uint32(len(s.m))
			s.mu.Unlock()
		}
		u32(count)
		for _, s := range p.shards {
			s.mu.Lock()
			for hash, ie := range s.m {
				u64(hash)
				u64(ie.pageSeq)
				flag := byte(0)
				if ie.tombstone {
					flag = 1
				}
				out = append(out, flag)
			}
			s.mu.Unlock()
		}
		p.mu.Unlock()
	}
	return out, nil
}

// UnmarshalBinary restores state written by MarshalBinary into a log
// constructed with the same configuration.
func (f *FwLog) UnmarshalBinary(data []byte) error {
	off := 0
	need := func(n int) error {
		if off+n > len(data) {
			return fmt.Errorf("fwlog: truncated state at offset %d", off)
		}
		return nil
	}
	u32 := func() uint32 {
		v := binary.LittleEndian.Uint32(data[off:])
		off += 4
		return v
	}
	u64 := func() uint64 {
		v := binary.LittleEndian.Uint64(data[off:])
		off += 8
		return v
	}

	if err := need(4); err != nil {
		return err
	}
	if n := u32(); int(n) != len(f.parts) {
		return fmt.Errorf("fwlog: partition count mismatch: have %d, want %d", n, len(f.parts))
	}

	var items uint64
	for _, p := range f.parts {
		p.mu.Lock()
		if err := need(28 + 4*len(p.live)); err != nil {
			p.mu.Unlock()
			return err
		}
		p.head = u64()
		p.tail = u64()
		if numPages := u64(); numPages != p.numPages {
			p.mu.Unlock()
			return fmt.Errorf("fwlog: ring size mismatch: have %d, want %d", numPages, p.numPages)
		}
		p.activeLive = u32()
		for i := range p.live {
			p.live[i] = u32()
		}

		if err := need(int(p.pageSize)); err != nil {
			p.mu.Unlock()
			return err
		}
		active, err := bucket.DecodeLogBucket(data[off : off+int(p.pageSize)])
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("fwlog: decoding active page: %w", err)
		}
		off += int(p.pageSize)
		p.active = active

		if err := need(4); err != nil {
			p.mu.Unlock()
			return err
		}
		count := u32()
		p.byBucket = make(map[uint32][]uint64)
		for _, s := range p.shards {
			s.mu.Lock()
			s.m = make(map[uint64]indexEntry)
			s.mu.Unlock()
		}
		for i := uint32(0); i < count; i++ {
			if err := need(17); err != nil {
				p.mu.Unlock()
				return err
			}
			hash := u64()
			seq := u64()
			tomb := data[off] == 1
			off++

			shard := f.shardFor(p, hash)
			shard.mu.Lock()
			shard.m[hash] = indexEntry{pageSeq: seq, tombstone: tomb}
			shard.mu.Unlock()

			bid := f.bucketOf(hash)
			p.byBucket[bid] = append(p.byBucket[bid], seq)
			if !tomb {
				items++
			}
		}
		p.mu.Unlock()
	}

	f.mu.Lock()
	f.itemCount = items
	f.mu.Unlock()
	return nil
}
