// Package fwlog implements the front-of-house write-ahead log. Inserts land
// here first and are later consolidated into set buckets by the flush path,
// which turns many random set writes into one batched rewrite per bucket.
//
// The log region is split into physical partitions. Each partition owns a
// ring of fixed-size pages on the device plus one active page buffered in
// memory; appends within a partition are serialized, partitions admit in
// parallel. A partitioned in-memory index maps key hashes to the page
// currently holding the key's newest entry.
package fwlog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kangaroocache/kangaroo/pkg/bucket"
	"github.com/kangaroocache/kangaroo/pkg/device"
	"github.com/kangaroocache/kangaroo/pkg/logging"
)

var (
	// ErrLogFull means every page of the partition's ring is occupied.
	// The caller applies back-pressure: trigger a flush, then retry.
	ErrLogFull = errors.New("fwlog: partition ring full")

	// ErrDeviceIO is a device read or write failure on a log page.
	ErrDeviceIO = errors.New("fwlog: device IO failure")
)

// Config sizes the log.
type Config struct {
	// LogSize is the total byte capacity of the log region.
	LogSize uint64
	// PageSize is the size of one log page, normally the set bucket size.
	PageSize uint64
	// LogBaseOffset is the device offset where the log region starts.
	LogBaseOffset uint64
	// PhysicalPartitions is the number of independently appended rings.
	PhysicalPartitions uint64
	// IndexPartitionsPerPhysical shards each partition's index to keep
	// probe contention off the append path.
	IndexPartitionsPerPhysical uint64
	// AvgSmallObjectSize pre-sizes the index maps. Underestimating is
	// better than overestimating.
	AvgSmallObjectSize uint32
	// NumSetBuckets routes log entries to their destination set bucket.
	NumSetBuckets uint64
	// FlushingThreshold is the occupancy fraction that makes ShouldFlush
	// report true.
	FlushingThreshold float64
}

// indexOverhead is the open-addressing style over-allocation factor applied
// when pre-sizing the index maps.
const indexOverhead = 2

func (c *Config) validate() error {
	if c.PageSize == 0 || c.LogSize < c.PageSize {
		return fmt.Errorf("log too small: %d bytes with %d byte pages", c.LogSize, c.PageSize)
	}
	if c.PhysicalPartitions == 0 {
		c.PhysicalPartitions = 1
	}
	if c.IndexPartitionsPerPhysical == 0 {
		c.IndexPartitionsPerPhysical = 1
	}
	if c.NumSetBuckets == 0 {
		return errors.New("fwlog: NumSetBuckets must be set")
	}
	if c.LogSize/c.PageSize < c.PhysicalPartitions*2 {
		return fmt.Errorf("log too small: %d pages across %d partitions",
			c.LogSize/c.PageSize, c.PhysicalPartitions)
	}
	if c.FlushingThreshold <= 0 || c.FlushingThreshold > 1 {
		c.FlushingThreshold = 0.15
	}
	return nil
}

// indexEntry records where a key's newest log entry lives.
type indexEntry struct {
	pageSeq   uint64
	tombstone bool
}

// indexShard is one lockable slice of a partition's key index.
type indexShard struct {
	mu sync.Mutex
	m  map[uint64]indexEntry
}

// partition is one physical log partition: a device page ring plus the
// in-memory active page and index shards.
//
// Page sequence numbers grow forever; seq s occupies ring slot s%numPages.
// Sequences in [tail, head) are sealed on the device, head is the active
// in-memory page. The ring can hold a new sealed page while
// head-tail < numPages.
type partition struct {
	mu sync.Mutex

	baseOffset uint64
	numPages   uint64
	pageSize   uint64

	head       uint64 // sequence of the active page
	tail       uint64 // oldest sealed sequence still holding live entries
	active     *bucket.LogBucket
	activeLive uint32   // live entries in the active page
	live       []uint32 // live entry count per sealed ring slot

	// byBucket maps a destination set bucket to the page sequences that
	// may hold entries for it. Sequences may be stale; collection
	// re-verifies against the index.
	byBucket map[uint32][]uint64

	shards []*indexShard
}

// FwLog is the front-of-house log.
type FwLog struct {
	cfg   Config
	dev   device.Device
	log   logging.Logger
	parts []*partition
	ops   opsCounters

	mu        sync.Mutex
	itemCount uint64 // live non-tombstone entries across all partitions
}

// New creates a log over dev per cfg.
func New(dev device.Device, log logging.Logger, cfg Config) (*FwLog, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	pagesPerPart := cfg.LogSize / cfg.PageSize / cfg.PhysicalPartitions
	entriesPerShard := cfg.LogSize / uint64(maxU32(cfg.AvgSmallObjectSize, 1)) *
		indexOverhead / cfg.PhysicalPartitions / cfg.IndexPartitionsPerPhysical

	f := &FwLog{
		cfg:   cfg,
		dev:   dev,
		log:   log,
		parts: make([]*partition, cfg.PhysicalPartitions),
	}
	for i := range f.parts {
		shards := make([]*indexShard, cfg.IndexPartitionsPerPhysical)
		for j := range shards {
			shards[j] = &indexShard{m: make(map[uint64]indexEntry, entriesPerShard)}
		}
		f.parts[i] = &partition{
			baseOffset: cfg.LogBaseOffset + uint64(i)*pagesPerPart*cfg.PageSize,
			numPages:   pagesPerPart,
			pageSize:   cfg.PageSize,
			active:     bucket.NewLogBucket(cfg.PageSize),
			live:       make([]uint32, pagesPerPart),
			byBucket:   make(map[uint32][]uint64),
			shards:     shards,
		}
	}
	log.Info("fwlog ready",
		logging.Uint64("partitions", cfg.PhysicalPartitions),
		logging.Uint64("pagesPerPartition", pagesPerPart),
		logging.Uint64("indexShardsPerPartition", cfg.IndexPartitionsPerPhysical))
	return f, nil
}

// partOf routes a hash to its physical partition. The upper hash bits keep
// the routing orthogonal to the set bucket id, which uses the low bits.
func (f *FwLog) partOf(hash uint64) *partition {
	return f.parts[(hash>>48)%uint64(len(f.parts))]
}

// shardOf routes a hash to an index shard within its partition.
func (p *partition) shardOf(hash uint64, n uint64) *indexShard {
	return p.shards[(hash>>32)%n]
}

func (f *FwLog) shardFor(p *partition, hash uint64) *indexShard {
	return p.shardOf(hash, f.cfg.IndexPartitionsPerPhysical)
}

// bucketOf returns the destination set bucket for a key hash.
func (f *FwLog) bucketOf(hash uint64) uint32 {
	return uint32(hash % f.cfg.NumSetBuckets)
}

// pageLoc returns the device offset of a sealed page's ring slot.
func (p *partition) pageLoc(seq uint64) uint64 {
	return p.baseOffset + (seq%p.numPages)*p.pageSize
}

// occupied returns the number of pages in use. The active page counts only
// while it holds live entries, so an idle partition reports zero.
func (p *partition) occupied() uint64 {
	used := p.head - p.tail
	if p.activeLive > 0 {
		used++
	}
	return used
}

// advanceTail walks the tail forward over sealed pages with no live
// entries. Caller holds p.mu.
func (p *partition) advanceTail() {
	for p.tail < p.head && p.live[p.tail%p.numPages] == 0 {
		p.tail++
	}
}

// ItemCount returns the number of live values in the log.
func (f *FwLog) ItemCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.itemCount
}

func (f *FwLog) addItems(delta int) {
	f.mu.Lock()
	f.itemCount = uint64(int64(f.itemCount) + int64(delta))
	f.mu.Unlock()
}

// Occupancy returns the used fraction of the log's page capacity.
func (f *FwLog) Occupancy() float64 {
	var used, total uint64
	for _, p := range f.parts {
		p.mu.Lock()
		used += p.occupied()
		total += p.numPages
		p.mu.Unlock()
	}
	return float64(used) / float64(total)
}

// ShouldFlush reports whether occupancy crossed the flushing threshold.
func (f *FwLog) ShouldFlush() bool {
	return f.Occupancy() >= f.cfg.FlushingThreshold
}

// MostLoadedPartition returns the index of the fullest partition.
func (f *FwLog) MostLoadedPartition() int {
	best, bestUsed := 0, uint64(0)
	for i, p := range f.parts {
		p.mu.Lock()
		used := p.occupied()
		p.mu.Unlock()
		if used > bestUsed {
			best, bestUsed = i, used
		}
	}
	return best
}

// NumPartitions returns the physical partition count.
func (f *FwLog) NumPartitions() int {
	return len(f.parts)
}

// Reset drops every log entry and rewinds all partitions.
func (f *FwLog) Reset() {
	for _, p := range f.parts {
		p.mu.Lock()
		p.head = 0
		p.tail = 0
		p.active = bucket.NewLogBucket(p.pageSize)
		p.activeLive = 0
		for i := range p.live {
			p.live[i] = 0
		}
		p.byBucket = make(map[uint32][]uint64)
		for _, s := range p.shards {
			s.mu.Lock()
			s.m = make(map[uint64]indexEntry)
			s.mu.Unlock()
		}
		p.mu.Unlock()
	}
	f.mu.Lock()
	f.itemCount = 0
	f.mu.Unlock()
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
