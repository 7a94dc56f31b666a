package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kangaroocache/kangaroo/pkg/device"
	"github.com/kangaroocache/kangaroo/pkg/kangaroo"
	"github.com/kangaroocache/kangaroo/pkg/logging"
)

// benchConfig is the yaml-loadable benchmark shape. Engine sizing fields
// map straight onto kangaroo.Config.
type benchConfig struct {
	Engine kangaroo.Config `yaml:"engine"`

	DeviceFile string `yaml:"deviceFile"`
	DeviceSize uint64 `yaml:"deviceSize"`
	ZoneSize   uint64 `yaml:"zoneSize"`
	ZoneCap    uint64 `yaml:"zoneCap"`
}

func defaultConfig(dir string) benchConfig {
	const mib = 1024 * 1024
	return benchConfig{
		Engine: kangaroo.Config{
			BucketSize:            4096,
			TotalSetSize:          64 * mib,
			HotColdSep:            true,
			HotBucketSize:         2048,
			HotSetSize:            16 * mib,
			CacheBaseOffset:       8 * mib,
			LogSize:               4 * mib,
			LogBaseOffset:         0,
			LogPhysicalPartitions: 4,
			MergeThreads:          8,
		},
		DeviceFile: filepath.Join(dir, "kangaroo.dev"),
		DeviceSize: 96 * mib,
		ZoneSize:   2 * mib,
		ZoneCap:    2 * mib,
	}
}

func main() {
	configPath := flag.String("config", "", "YAML config file (optional)")
	dataDir := flag.String("data-dir", "./data/kangaroo-bench", "Working directory")
	writes := flag.Int("writes", 200000, "Number of inserts")
	reads := flag.Int("reads", 100000, "Number of lookups")
	valueSize := flag.Int("value-size", 100, "Value size in bytes")
	keySpace := flag.Int("key-space", 500000, "Distinct keys")
	verbose := flag.Bool("verbose", false, "Debug logging")
	flag.Parse()

	fmt.Printf("Kangaroo flash cache benchmark\n")
	fmt.Printf("==============================\n\n")

	os.RemoveAll(*dataDir)
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	cfg := defaultConfig(*dataDir)
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to read config: %v", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			log.Fatalf("Failed to parse config: %v", err)
		}
	}

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Writes: %d, Reads: %d\n", *writes, *reads)
	fmt.Printf("  Value size: %d bytes, key space: %d\n", *valueSize, *keySpace)
	fmt.Printf("  Set region: %d MiB (hot %d MiB), log: %d MiB\n\n",
		cfg.Engine.TotalSetSize/(1024*1024),
		cfg.Engine.HotSetSize/(1024*1024),
		cfg.Engine.LogSize/(1024*1024))

	dev, err := device.OpenFileDevice(cfg.DeviceFile, cfg.DeviceSize, cfg.ZoneSize, cfg.ZoneCap)
	if err != nil {
		log.Fatalf("Failed to open device: %v", err)
	}
	defer dev.Close()

	logger := logging.NewDefaultLogger()
	if *verbose {
		logger.SetLevel(logging.DebugLevel)
	} else {
		logger.SetLevel(logging.WarnLevel)
	}
	cfg.Engine.Device = dev
	cfg.Engine.Logger = logger

	engine, err := kangaroo.New(cfg.Engine)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}
	defer engine.Close()

	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte(rand.Intn(256))
	}
	keyOf := func(i int) kangaroo.HashedKey {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(i))
		return kangaroo.MakeHashedKey(key)
	}

	fmt.Printf("Benchmark 1: Inserts\n")
	start := time.Now()
	rejected := 0
	for i := 0; i < *writes; i++ {
		if s := engine.Insert(keyOf(rand.Intn(*keySpace)), value); s != kangaroo.Ok {
			rejected++
		}
		if (i+1)%50000 == 0 {
			fmt.Printf("  %d inserts...\n", i+1)
		}
	}
	dur := time.Since(start)
	fmt.Printf("  %d inserts in %v (%.0f/sec, %d rejected)\n\n",
		*writes, dur, float64(*writes)/dur.Seconds(), rejected)

	fmt.Printf("Benchmark 2: Lookups\n")
	start = time.Now()
	hits := 0
	for i := 0; i < *reads; i++ {
		if _, s := engine.Lookup(keyOf(rand.Intn(*keySpace))); s == kangaroo.Ok {
			hits++
		}
	}
	dur = time.Since(start)
	fmt.Printf("  %d lookups in %v (%.0f/sec, hit rate %.1f%%)\n\n",
		*reads, dur, float64(*reads)/dur.Seconds(), 100*float64(hits)/float64(*reads))

	fmt.Printf("Engine counters:\n")
	engine.GetCounters(func(name string, value uint64) {
		fmt.Printf("  %-24s %d\n", name, value)
	})
}
