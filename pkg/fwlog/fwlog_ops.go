package fwlog

import (
	"fmt"
	"sync/atomic"

	"github.com/kangaroocache/kangaroo/pkg/bucket"
)

// opsCounters are read by the engine when reporting counters.
type opsCounters struct {
	indexMismatches atomic.Uint64
	droppedPages    atomic.Uint64
}

// IndexMismatches returns how many index hits pointed at a page that no
// longer held the key. Each one is served as NotFound.
func (f *FwLog) IndexMismatches() uint64 {
	return f.ops.indexMismatches.Load()
}

// MayContain reports whether the index might hold hk. No device IO.
func (f *FwLog) MayContain(hk bucket.HashedKey) bool {
	p := f.partOf(hk.Hash)
	shard := f.shardFor(p, hk.Hash)
	shard.mu.Lock()
	_, ok := shard.m[hk.Hash]
	shard.mu.Unlock()
	return ok
}

// Lookup probes the index and, on a hit, reads the entry from the log.
// tombstone reports that the newest log entry for hk is a deletion marker;
// it shadows any older copy in the set buckets.
func (f *FwLog) Lookup(hk bucket.HashedKey) (value []byte, tombstone bool, found bool, err error) {
	p := f.partOf(hk.Hash)
	shard := f.shardFor(p, hk.Hash)

	shard.mu.Lock()
	ie, ok := shard.m[hk.Hash]
	shard.mu.Unlock()
	if !ok {
		return nil, false, false, nil
	}
	if ie.tombstone {
		return nil, true, true, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// The entry may have been flushed out between the index probe and
	// taking the partition lock; that is a plain miss.
	if ie.pageSeq < p.tail || ie.pageSeq > p.head {
		return nil, false, false, nil
	}

	var page *bucket.LogBucket
	if ie.pageSeq == p.head {
		page = p.active
	} else {
		page, err = p.readPage(f, ie.pageSeq)
		if err != nil {
			return nil, false, false, err
		}
		if page == nil {
			f.ops.indexMismatches.Add(1)
			return nil, false, false, nil
		}
	}

	e, ok := page.Find(hk)
	if !ok || e.Tombstone {
		// The index said the page holds the key but the page disagrees:
		// either a hash collision or a stale index entry.
		f.ops.indexMismatches.Add(1)
		return nil, false, false, nil
	}
	out := make([]byte, len(e.Value))
	copy(out, e.Value)
	return out, false, true, nil
}

// readPage reads and decodes a sealed page. Returns (nil, nil) when the
// page fails to decode (checksum mismatch). Caller holds p.mu.
func (p *partition) readPage(f *FwLog, seq uint64) (*bucket.LogBucket, error) {
	buf := f.dev.MakeIOBuffer(p.pageSize)
	defer buf.Release()
	if !f.dev.Read(p.pageLoc(seq), buf.Size(), buf.Data()) {
		return nil, ErrDeviceIO
	}
	page, err := bucket.DecodeLogBucket(buf.Data())
	if err != nil {
		return nil, nil
	}
	return page, nil
}

// Insert appends hk with value to the log and points the index at it.
func (f *FwLog) Insert(hk bucket.HashedKey, value []byte) error {
	return f.append(hk, value, false)
}

// InsertTombstone appends a deletion marker for hk.
func (f *FwLog) InsertTombstone(hk bucket.HashedKey) error {
	return f.append(hk, nil, true)
}

func (f *FwLog) append(hk bucket.HashedKey, value []byte, tombstone bool) error {
	key := make([]byte, len(hk.Key))
	copy(key, hk.Key)
	val := make([]byte, len(value))
	copy(val, value)
	e := bucket.Entry{Hash: hk.Hash, Key: key, Value: val, Tombstone: tombstone}

	p := f.partOf(hk.Hash)
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active.Insert(e) {
		if err := p.seal(f); err != nil {
			return err
		}
		if !p.active.Insert(e) {
			return fmt.Errorf("fwlog: entry of %d bytes exceeds page size %d",
				e.Size(), p.pageSize)
		}
	}
	p.activeLive++

	shard := f.shardFor(p, hk.Hash)
	shard.mu.Lock()
	old, existed := shard.m[hk.Hash]
	shard.m[hk.Hash] = indexEntry{pageSeq: p.head, tombstone: tombstone}
	shard.mu.Unlock()

	if existed {
		if old.pageSeq == p.head {
			p.activeLive--
		} else if old.pageSeq >= p.tail {
			p.live[old.pageSeq%p.numPages]--
		}
	}
	p.advanceTail()

	bid := f.bucketOf(hk.Hash)
	seqs := p.byBucket[bid]
	if len(seqs) == 0 || seqs[len(seqs)-1] != p.head {
		p.byBucket[bid] = append(seqs, p.head)
	}

	f.addItems(itemDelta(existed, old.tombstone, tombstone))
	return nil
}

// itemDelta maps an index transition to its effect on the live value count.
func itemDelta(existed, oldTombstone, newTombstone bool) int {
	switch {
	case !existed && !newTombstone:
		return 1
	case existed && !oldTombstone && newTombstone:
		return -1
	case existed && oldTombstone && !newTombstone:
		return 1
	default:
		return 0
	}
}

// seal writes the active page to its ring slot and opens a fresh one.
// Caller holds p.mu.
func (p *partition) seal(f *FwLog) error {
	// Sealed pages live in [tail, head); sealing appends seq head, so the
	// ring must have a slot left beyond the sealed span.
	if p.head-p.tail >= p.numPages {
		return ErrLogFull
	}
	buf := f.dev.MakeIOBuffer(p.pageSize)
	if err := p.active.Encode(buf.Data()); err != nil {
		buf.Release()
		return err
	}
	if !f.dev.Write(p.pageLoc(p.head), buf) {
		buf.Release()
		return ErrDeviceIO
	}
	buf.Release()
	p.live[p.head%p.numPages] = p.activeLive
	p.head++
	p.activeLive = 0
	p.active = bucket.NewLogBucket(p.pageSize)
	return nil
}
