package kangaroo

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kangaroocache/kangaroo/pkg/bitvector"
	"github.com/kangaroocache/kangaroo/pkg/bloom"
	"github.com/kangaroocache/kangaroo/pkg/bucket"
	"github.com/kangaroocache/kangaroo/pkg/device"
	"github.com/kangaroocache/kangaroo/pkg/fwlog"
	"github.com/kangaroocache/kangaroo/pkg/logging"
	"github.com/kangaroocache/kangaroo/pkg/metrics"
	"github.com/kangaroocache/kangaroo/pkg/wren"
)

// numMutexes sizes the bucket lock array. Sized by birthday paradox against
// the expected number of parallel queries so lock collisions stay rare.
// Must be a power of two.
const numMutexes = 16 * 1024

// Kangaroo is the cache engine. See the package comment for the shape of
// the design; the exported methods are the engine interface.
type Kangaroo struct {
	cfg Config
	log logging.Logger
	met *metrics.Registry
	dev device.Device

	fw   *fwlog.FwLog
	cold *wren.Wren
	hot  *wren.Wren // nil when hot/cold separation is off

	bf *bloom.FilterBank
	bv *bitvector.BitVector

	destructorCb DestructorCallback

	numBuckets    uint64
	bucketSize    uint64
	hotBucketSize uint64
	maxItemSize   uint64
	coldSlots     uint32 // hot slots are offset past the cold slots in the bit-vector

	// locks[bid & (numMutexes-1)] guards every operation touching bid,
	// held for the operation's full duration, device IO included.
	locks []sync.RWMutex

	// Expected bucket generations, bumped on every successful rewrite.
	// A decoded bucket with a different generation is stale and treated
	// as empty.
	genCold []atomic.Uint32
	genHot  []atomic.Uint32

	ctr     counters
	cleaner *cleaner
}

// New builds an engine from cfg and starts the background cleaner.
func New(cfg Config) (*Kangaroo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger.With(
		logging.Component("kangaroo"),
		logging.String("engine_id", uuid.New().String()))

	numBuckets := cfg.NumBuckets()
	k := &Kangaroo{
		cfg:           cfg,
		log:           log,
		met:           cfg.Metrics,
		dev:           cfg.Device,
		destructorCb:  cfg.DestructorCb,
		numBuckets:    numBuckets,
		bucketSize:    cfg.BucketSize,
		hotBucketSize: cfg.HotBucketSize,
		maxItemSize:   cfg.BucketSize / 4,
		locks:         make([]sync.RWMutex, numMutexes),
		genCold:       make([]atomic.Uint32, numBuckets),
	}

	fwCfg := fwlog.Config{
		LogSize:                    cfg.LogSize,
		PageSize:                   cfg.BucketSize,
		LogBaseOffset:              cfg.LogBaseOffset,
		PhysicalPartitions:         cfg.LogPhysicalPartitions,
		IndexPartitionsPerPhysical: cfg.LogIndexPartitionsPerPhysical,
		AvgSmallObjectSize:         cfg.AvgSmallObjectSize,
		NumSetBuckets:              numBuckets,
		FlushingThreshold:          cfg.FlushingThreshold,
	}
	fw, err := fwlog.New(cfg.Device, log, fwCfg)
	if err != nil {
		return nil, fmt.Errorf("building fwlog: %w", err)
	}
	k.fw = fw

	k.cold, err = wren.New(cfg.Device, log.With(logging.String("region", "cold")),
		numBuckets, cfg.BucketSize, cfg.TotalSetSize, cfg.CacheBaseOffset)
	if err != nil {
		return nil, fmt.Errorf("building cold zone writer: %w", err)
	}

	if cfg.hotEnabled() {
		k.hot, err = wren.New(cfg.Device, log.With(logging.String("region", "hot")),
			numBuckets, cfg.HotBucketSize, cfg.HotSetSize, cfg.hotBaseOffset())
		if err != nil {
			return nil, fmt.Errorf("building hot zone writer: %w", err)
		}
		k.genHot = make([]atomic.Uint32, numBuckets)
	}

	// Slot estimates size the bloom filters and the hit bit-vector.
	// Oversizing only costs bits; undersized slots just stop tracking
	// hits past the estimate.
	entriesPerBucket := int(cfg.BucketSize / uint64(cfg.AvgSmallObjectSize))
	if entriesPerBucket < 4 {
		entriesPerBucket = 4
	}
	k.coldSlots = uint32(2 * entriesPerBucket)
	slots := k.coldSlots
	if k.hot != nil {
		slots += uint32(2 * int(cfg.HotBucketSize/uint64(cfg.AvgSmallObjectSize)))
	}

	k.bf = cfg.BloomFilter
	if k.bf == nil {
		k.bf = bloom.NewFilterBank(numBuckets, entriesPerBucket, cfg.BloomFalsePositiveRate)
	}
	k.bv = cfg.RripBitVector
	if k.bv == nil {
		k.bv = bitvector.New(numBuckets, slots)
	}

	k.cleaner = newCleaner(k, cfg.MergeThreads)
	k.cleaner.start()

	log.Info("engine ready",
		logging.Uint64("numBuckets", numBuckets),
		logging.Uint64("bucketSize", cfg.BucketSize),
		logging.Bool("hotColdSep", k.hot != nil),
		logging.Uint64("logSize", cfg.LogSize))
	return k, nil
}

// Close stops the cleaner and waits for its workers. The destructor
// callback is not invoked for entries still resident at shutdown.
func (k *Kangaroo) Close() {
	k.cleaner.stop()
	k.log.Info("engine closed")
}

// GetMaxItemSize returns the largest value the engine admits. Larger
// objects belong in a large-object engine with real buckets per item.
func (k *Kangaroo) GetMaxItemSize() uint64 {
	return k.maxItemSize
}

func (k *Kangaroo) bucketID(hk HashedKey) uint32 {
	return uint32(hk.Hash % k.numBuckets)
}

func (k *Kangaroo) mutexFor(bid uint32) *sync.RWMutex {
	return &k.locks[bid&(numMutexes-1)]
}

func (k *Kangaroo) hotSlot(slot int) uint32 {
	return k.coldSlots + uint32(slot)
}

// CouldExist reports whether hk might be in the cache, without device IO.
// False means definitely absent.
func (k *Kangaroo) CouldExist(hk HashedKey) bool {
	if k.fw.MayContain(hk) {
		return true
	}
	return k.bf.MayContain(k.bucketID(hk), hk.Hash)
}

// Lookup finds hk, checking the log, then the Bloom filter, then the hot
// and cold set buckets.
func (k *Kangaroo) Lookup(hk HashedKey) ([]byte, Status) {
	k.ctr.lookups.Add(1)
	bid := k.bucketID(hk)
	m := k.mutexFor(bid)
	m.RLock()

	value, tombstone, found, err := k.fw.Lookup(hk)
	if err != nil {
		m.RUnlock()
		return nil, k.deviceError("log lookup", err)
	}
	if tombstone {
		m.RUnlock()
		k.met.RecordLookup(metrics.StatusNotFound, "")
		return nil, NotFound
	}
	if found {
		m.RUnlock()
		k.ctr.logHits.Add(1)
		k.ctr.succLookups.Add(1)
		k.met.RecordLookup(metrics.StatusOk, metrics.SourceLog)
		return value, Ok
	}

	k.ctr.bfProbes.Add(1)
	k.met.BloomProbesTotal.Inc()
	if !k.bf.MayContain(bid, hk.Hash) {
		m.RUnlock()
		k.ctr.bfRejects.Add(1)
		k.met.BloomRejectsTotal.Inc()
		k.met.RecordLookup(metrics.StatusNotFound, "")
		return nil, NotFound
	}

	if k.hot != nil {
		b, err := k.readSetBucket(k.hot, bid, k.genHot, k.hotBucketSize)
		if err != nil {
			m.RUnlock()
			return nil, k.deviceError("hot bucket read", err)
		}
		if v, slot, ok := b.Find(hk); ok {
			k.bv.SetHit(bid, k.hotSlot(slot))
			m.RUnlock()
			k.ctr.setHits.Add(1)
			k.ctr.hotSetHits.Add(1)
			k.ctr.succLookups.Add(1)
			k.met.RecordLookup(metrics.StatusOk, metrics.SourceHotSet)
			return v, Ok
		}
	}

	b, err := k.readSetBucket(k.cold, bid, k.genCold, k.bucketSize)
	if err != nil {
		m.RUnlock()
		return nil, k.deviceError("cold bucket read", err)
	}
	if v, slot, ok := b.Find(hk); ok {
		k.bv.SetHit(bid, uint32(slot))
		m.RUnlock()
		k.ctr.setHits.Add(1)
		k.ctr.succLookups.Add(1)
		k.met.RecordLookup(metrics.StatusOk, metrics.SourceColdSet)
		return v, Ok
	}

	m.RUnlock()
	k.ctr.bfFalsePositives.Add(1)
	k.met.BloomFalsePositivesTotal.Inc()
	k.met.RecordLookup(metrics.StatusNotFound, "")
	return nil, NotFound
}

// Insert admits hk with value into the log. When the log is saturated the
// inserter synchronously flushes the fullest partition and retries once
// before rejecting.
func (k *Kangaroo) Insert(hk HashedKey, value []byte) Status {
	k.ctr.inserts.Add(1)
	if uint64(len(value)) > k.maxItemSize || uint64(len(hk.Key)) > k.maxItemSize {
		k.met.RecordInsert(metrics.StatusRejected, len(value))
		return Rejected
	}

	bid := k.bucketID(hk)
	m := k.mutexFor(bid)
	m.Lock()
	err := k.fw.Insert(hk, value)
	if errors.Is(err, fwlog.ErrLogFull) {
		// The flush path takes bucket write locks, so drop ours first.
		m.Unlock()
		k.flushPartitionSync(k.fw.MostLoadedPartition())
		m.Lock()
		err = k.fw.Insert(hk, value)
	}
	m.Unlock()
	switch {
	case err == nil:
	case errors.Is(err, fwlog.ErrLogFull):
		k.met.RecordInsert(metrics.StatusRejected, len(value))
		return Rejected
	case errors.Is(err, fwlog.ErrDeviceIO):
		k.met.RecordInsert(metrics.StatusError, len(value))
		return k.deviceError("log insert", err)
	default:
		k.met.RecordInsert(metrics.StatusRejected, len(value))
		return Rejected
	}

	k.ctr.logInserts.Add(1)
	k.ctr.succInserts.Add(1)
	k.ctr.logicalWritten.Add(uint64(len(hk.Key) + len(value)))
	k.met.LogAppendsTotal.WithLabelValues("value").Inc()
	k.met.RecordInsert(metrics.StatusOk, len(value))
	k.met.RecordBytesWritten(uint64(len(hk.Key)+len(value)), 0)
	k.publishItemCounts()

	if k.fw.ShouldFlush() {
		k.cleaner.poke()
	}
	return Ok
}

// Remove deletes hk. A log tombstone shadows any set-resident copy until
// the next rewrite drops it for good.
func (k *Kangaroo) Remove(hk HashedKey) Status {
	k.ctr.removes.Add(1)
	bid := k.bucketID(hk)
	m := k.mutexFor(bid)
	m.Lock()

	value, tombstone, found, err := k.fw.Lookup(hk)
	if err != nil {
		m.Unlock()
		return k.deviceError("log lookup", err)
	}
	if tombstone {
		m.Unlock()
		k.met.RecordRemove(metrics.StatusNotFound)
		return NotFound
	}

	if !found {
		value, found, err = k.findInSets(bid, hk)
		if err != nil {
			m.Unlock()
			return k.deviceError("set bucket read", err)
		}
	}
	if !found {
		m.Unlock()
		k.met.RecordRemove(metrics.StatusNotFound)
		return NotFound
	}

	err = k.fw.InsertTombstone(hk)
	if errors.Is(err, fwlog.ErrLogFull) {
		// The flush path takes bucket write locks, so drop ours first.
		m.Unlock()
		k.flushPartitionSync(k.fw.MostLoadedPartition())
		m.Lock()
		err = k.fw.InsertTombstone(hk)
	}
	if err != nil {
		m.Unlock()
		if errors.Is(err, fwlog.ErrDeviceIO) {
			return k.deviceError("log tombstone", err)
		}
		k.met.RecordRemove(metrics.StatusRejected)
		return Rejected
	}
	m.Unlock()

	k.ctr.succRemoves.Add(1)
	k.met.LogAppendsTotal.WithLabelValues("tombstone").Inc()
	k.met.RecordRemove(metrics.StatusOk)
	k.met.RecordDeparture(metrics.ReasonRemoved)
	k.publishItemCounts()
	k.fireDestructors([]departure{{hk: hk, value: value, reason: Removed}})
	return Ok
}

// findInSets searches the hot then cold bucket for hk without touching hit
// state. Caller holds the bucket lock.
func (k *Kangaroo) findInSets(bid uint32, hk HashedKey) ([]byte, bool, error) {
	if k.hot != nil {
		b, err := k.readSetBucket(k.hot, bid, k.genHot, k.hotBucketSize)
		if err != nil {
			return nil, false, err
		}
		for _, e := range b.Entries() {
			if e.Hash == hk.Hash && string(e.Key) == string(hk.Key) {
				return e.Value, true, nil
			}
		}
	}
	b, err := k.readSetBucket(k.cold, bid, k.genCold, k.bucketSize)
	if err != nil {
		return nil, false, err
	}
	for _, e := range b.Entries() {
		if e.Hash == hk.Hash && string(e.Key) == string(hk.Key) {
			return e.Value, true, nil
		}
	}
	return nil, false, nil
}

// Flush synchronously drains the whole log into the set buckets.
func (k *Kangaroo) Flush() {
	for part := 0; part < k.fw.NumPartitions(); part++ {
		k.flushPartitionSync(part)
	}
}

// flushPartitionSync rewrites every set bucket with entries pending in the
// given log partition, on the caller's thread.
func (k *Kangaroo) flushPartitionSync(part int) {
	for _, bid := range k.fw.PendingBuckets(part) {
		if err := k.moveBucket(bid, moveLogFlush); err != nil {
			k.log.Warn("synchronous flush of bucket failed",
				logging.Bucket(bid), logging.Error(err))
		}
	}
}

// Reset drops every cached entry and rewinds all cursors. No destructor
// callbacks fire.
func (k *Kangaroo) Reset() {
	k.fw.Reset()
	k.cold.Reset()
	if k.hot != nil {
		k.hot.Reset()
	}
	k.bf.Reset()
	k.bv.Reset()
	for i := range k.genCold {
		k.genCold[i].Store(0)
	}
	for i := range k.genHot {
		k.genHot[i].Store(0)
	}
	k.ctr.reset()
	k.publishItemCounts()
	k.log.Info("engine reset")
}

// readSetBucket reads and decodes bid from w. Never-written buckets,
// checksum failures, and stale generations all come back as a fresh empty
// bucket; only device IO failures surface as errors.
func (k *Kangaroo) readSetBucket(w *wren.Wren, bid uint32, gens []atomic.Uint32, size uint64) (*bucket.RripBucket, error) {
	buf, found, err := w.Read(wren.BucketID(bid))
	if err != nil {
		return nil, err
	}
	expected := gens[bid].Load()
	if !found {
		return bucket.NewRripBucket(size, expected), nil
	}
	b, err := bucket.DecodeRripBucket(buf.Data())
	buf.Release()
	if err != nil {
		k.ctr.checksumErrors.Add(1)
		k.met.ChecksumErrorsTotal.Inc()
		k.log.Warn("bucket failed checksum, treating as empty", logging.Bucket(bid))
		return bucket.NewRripBucket(size, expected), nil
	}
	if b.Generation() != expected {
		k.log.Debug("stale bucket generation, treating as empty",
			logging.Bucket(bid),
			logging.Uint64("have", uint64(b.Generation())),
			logging.Uint64("want", uint64(expected)))
		return bucket.NewRripBucket(size, expected), nil
	}
	return b, nil
}

// writeSetBucket encodes and appends b as bid's new live copy, bumping the
// expected generation only once the device accepted the write.
func (k *Kangaroo) writeSetBucket(w *wren.Wren, bid uint32, gens []atomic.Uint32, size uint64, b *bucket.RripBucket) error {
	newGen := gens[bid].Load() + 1
	if newGen == 0 {
		newGen = 1
	}
	b.SetGeneration(newGen)

	buf := k.dev.MakeIOBuffer(size)
	if err := b.Encode(buf.Data()); err != nil {
		buf.Release()
		return err
	}
	err := w.Write(wren.BucketID(bid), buf)
	buf.Release()
	if err != nil {
		return err
	}
	gens[bid].Store(newGen)
	k.ctr.physicalWritten.Add(size)
	k.met.RecordBytesWritten(0, size)
	return nil
}

// deviceError counts and logs an IO failure and maps it to DeviceError.
func (k *Kangaroo) deviceError(op string, err error) Status {
	k.ctr.ioErrors.Add(1)
	k.met.IOErrorsTotal.Inc()
	k.log.Error("device IO failure", logging.Operation(op), logging.Error(err))
	return DeviceError
}

// fireDestructors invokes the callback outside every engine lock.
func (k *Kangaroo) fireDestructors(departed []departure) {
	if k.destructorCb == nil {
		return
	}
	for _, d := range departed {
		k.destructorCb(d.hk, d.value, d.reason)
	}
}

func (k *Kangaroo) publishItemCounts() {
	k.met.SetItemCounts(k.fw.ItemCount(), k.ctr.setItems.Load())
}
