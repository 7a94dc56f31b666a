package kangaroo

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/kangaroocache/kangaroo/pkg/bitvector"
	"github.com/kangaroocache/kangaroo/pkg/bloom"
	"github.com/kangaroocache/kangaroo/pkg/bucket"
	"github.com/kangaroocache/kangaroo/pkg/device"
	"github.com/kangaroocache/kangaroo/pkg/logging"
	"github.com/kangaroocache/kangaroo/pkg/metrics"
)

var configValidate = validator.New()

// Config configures the engine. The yaml tags allow loading the sizing
// fields straight from a config file; Device, Logger, and the callbacks are
// wired up in code.
type Config struct {
	// BucketSize is the byte size of one cold set bucket.
	BucketSize uint64 `yaml:"bucketSize" validate:"gt=0"`
	// HotBucketSize is the byte size of one hot set bucket. Zero
	// disables the hot/cold split regardless of HotColdSep.
	HotBucketSize uint64 `yaml:"hotBucketSize"`
	// HotColdSep enables hot/cold separation of the set region.
	HotColdSep bool `yaml:"hotColdSep"`

	// TotalSetSize is the byte capacity of the cold set region.
	TotalSetSize uint64 `yaml:"totalSetSize" validate:"gt=0"`
	// HotSetSize is the byte capacity of the hot set region.
	HotSetSize uint64 `yaml:"hotSetSize"`
	// CacheBaseOffset is the device offset where the set regions begin.
	CacheBaseOffset uint64 `yaml:"cacheBaseOffset"`
	// SetOverprovisioning is the fraction of the set region held back
	// from bucket addressing.
	SetOverprovisioning float64 `yaml:"setOverprovisioning" validate:"gte=0,lt=1"`

	// LogSize is the byte capacity of the front-of-house log.
	LogSize uint64 `yaml:"logSize" validate:"gt=0"`
	// LogBaseOffset is the device offset of the log region.
	LogBaseOffset uint64 `yaml:"logBaseOffset"`
	// LogPhysicalPartitions is the number of independent log rings.
	LogPhysicalPartitions uint64 `yaml:"logPhysicalPartitions"`
	// LogIndexPartitionsPerPhysical shards each ring's key index.
	LogIndexPartitionsPerPhysical uint64 `yaml:"logIndexPartitionsPerPhysical"`
	// AvgSmallObjectSize pre-sizes the log index. Better to
	// underestimate.
	AvgSmallObjectSize uint32 `yaml:"avgSmallObjectSize"`

	// MergeThreads is the cleaner worker pool size.
	MergeThreads int `yaml:"mergeThreads"`
	// FlushingThreshold is the log occupancy that triggers a flush.
	FlushingThreshold float64 `yaml:"flushingThreshold"`
	// GCUpperThreshold is the free-zone fraction that makes GC urgent.
	GCUpperThreshold float64 `yaml:"gcUpperThreshold"`
	// GCLowerThreshold is the free-zone fraction for opportunistic GC.
	GCLowerThreshold float64 `yaml:"gcLowerThreshold"`
	// BloomFalsePositiveRate targets the per-bucket filter sizing.
	BloomFalsePositiveRate float64 `yaml:"bloomFalsePositiveRate"`

	// HotRebuildFreq is reserved. It is accepted and carried but no
	// current code path reads it.
	HotRebuildFreq float64 `yaml:"hotRebuildFreq"`

	// Device is the storage the engine runs on.
	Device device.Device `yaml:"-" validate:"-"`
	// Logger receives engine logs; defaults to a stdout JSON logger.
	Logger logging.Logger `yaml:"-" validate:"-"`
	// Metrics receives engine metrics; defaults to the global registry.
	Metrics *metrics.Registry `yaml:"-" validate:"-"`
	// DestructorCb is notified of entries leaving the cache.
	DestructorCb DestructorCallback `yaml:"-" validate:"-"`

	// BloomFilter and RripBitVector may be injected by the caller, for
	// example to share sizing across engines. Left nil, the engine
	// builds its own.
	BloomFilter   *bloom.FilterBank    `yaml:"-" validate:"-"`
	RripBitVector *bitvector.BitVector `yaml:"-" validate:"-"`
}

// Defaults applied by Validate.
const (
	defaultBucketSize          = 4096
	defaultMergeThreads        = 32
	defaultAvgSmallObjectSize  = 100
	defaultFlushingThreshold   = 0.15
	defaultGCUpperThreshold    = 0.05
	defaultGCLowerThreshold    = 0.015
	defaultSetOverprovisioning = 0.05
	defaultBloomFPRate         = 0.01
)

// NumBuckets returns the number of logical set buckets.
func (c *Config) NumBuckets() uint64 {
	return uint64((1 - c.SetOverprovisioning) * float64(c.TotalSetSize) / float64(c.BucketSize))
}

// hotBaseOffset returns the device offset of the hot region, which sits
// directly after the cold region's zones.
func (c *Config) hotBaseOffset() uint64 {
	coldZones := c.TotalSetSize / c.Device.IOZoneCapSize()
	return c.CacheBaseOffset + coldZones*c.Device.IOZoneSize()
}

// hotEnabled reports whether the hot/cold split is in effect.
func (c *Config) hotEnabled() bool {
	return c.HotColdSep && c.HotBucketSize > 0 && c.HotSetSize > 0
}

// Validate applies defaults and checks the configuration, returning a
// descriptive error on the first problem found.
func (c *Config) Validate() error {
	if c.Device == nil {
		return errors.New("config: Device is required")
	}
	if c.Logger == nil {
		c.Logger = logging.NewDefaultLogger()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.DefaultRegistry()
	}
	if c.BucketSize == 0 {
		c.BucketSize = defaultBucketSize
	}
	if c.MergeThreads <= 0 {
		c.MergeThreads = defaultMergeThreads
	}
	if c.AvgSmallObjectSize == 0 {
		c.AvgSmallObjectSize = defaultAvgSmallObjectSize
	}
	if c.FlushingThreshold <= 0 {
		c.FlushingThreshold = defaultFlushingThreshold
	}
	if c.GCUpperThreshold <= 0 {
		c.GCUpperThreshold = defaultGCUpperThreshold
	}
	if c.GCLowerThreshold <= 0 {
		c.GCLowerThreshold = defaultGCLowerThreshold
	}
	if c.SetOverprovisioning <= 0 {
		c.SetOverprovisioning = defaultSetOverprovisioning
	}
	if c.BloomFalsePositiveRate <= 0 {
		c.BloomFalsePositiveRate = defaultBloomFPRate
	}
	if c.LogPhysicalPartitions == 0 {
		c.LogPhysicalPartitions = 1
	}
	if c.LogIndexPartitionsPerPhysical == 0 {
		c.LogIndexPartitionsPerPhysical = 1
	}

	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	zoneCap := c.Device.IOZoneCapSize()
	if zoneCap == 0 || zoneCap < c.BucketSize {
		return fmt.Errorf("config: zone capacity %d cannot hold %d byte buckets", zoneCap, c.BucketSize)
	}
	if bucket.MaxEntrySize(c.BucketSize) < c.BucketSize/4 {
		return fmt.Errorf("config: bucket size %d leaves no room for entries", c.BucketSize)
	}
	if c.TotalSetSize/zoneCap < 2 {
		return fmt.Errorf("config: cold set region of %d bytes spans fewer than 2 zones", c.TotalSetSize)
	}
	if c.NumBuckets() == 0 {
		return errors.New("config: zero set buckets; grow TotalSetSize or shrink BucketSize")
	}
	if c.hotEnabled() {
		if c.HotBucketSize > c.BucketSize {
			return fmt.Errorf("config: hot bucket size %d exceeds cold bucket size %d", c.HotBucketSize, c.BucketSize)
		}
		if c.HotSetSize/zoneCap < 2 {
			return fmt.Errorf("config: hot set region of %d bytes spans fewer than 2 zones", c.HotSetSize)
		}
	}
	return nil
}
