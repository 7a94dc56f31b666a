package kangaroo

import (
	"sync"
	"time"

	"github.com/kangaroocache/kangaroo/pkg/logging"
	"github.com/kangaroocache/kangaroo/pkg/metrics"
	"github.com/kangaroocache/kangaroo/pkg/wren"
)

// Cleaner states. Only one pass runs at a time.
const (
	cleanerIdle = iota
	cleanerColdGC
	cleanerHotGC
	cleanerLogFlush
)

// cleanTask is one bucket rewrite handed to a worker.
type cleanTask struct {
	bid  uint32
	mode moveMode
	wg   *sync.WaitGroup
}

// cleaner runs the background pool: a coordinator that watches the
// watermarks and a fixed set of merge workers that rewrite buckets in
// parallel within a pass. The coordinator waits for a pass to drain before
// advancing any erase pointer.
type cleaner struct {
	k       *Kangaroo
	threads int

	tasks  chan cleanTask
	pokeCh chan struct{}
	stopCh chan struct{}

	coordWg  sync.WaitGroup
	workerWg sync.WaitGroup
	stopOnce sync.Once

	mu    sync.Mutex
	state int
}

// cleanerTick is how often the coordinator re-checks the watermarks when
// nothing pokes it.
const cleanerTick = 10 * time.Millisecond

func newCleaner(k *Kangaroo, threads int) *cleaner {
	return &cleaner{
		k:       k,
		threads: threads,
		tasks:   make(chan cleanTask),
		pokeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

func (c *cleaner) start() {
	for i := 0; i < c.threads; i++ {
		c.workerWg.Add(1)
		go c.worker()
	}
	c.coordWg.Add(1)
	go c.coordinate()
}

// stop signals shutdown, waits for the coordinator to finish its current
// pass, then drains the workers. Safe to call more than once.
func (c *cleaner) stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.coordWg.Wait()
		close(c.tasks)
		c.workerWg.Wait()
	})
}

// poke nudges the coordinator without blocking the caller.
func (c *cleaner) poke() {
	select {
	case c.pokeCh <- struct{}{}:
	default:
	}
}

func (c *cleaner) worker() {
	defer c.workerWg.Done()
	for task := range c.tasks {
		if err := c.k.moveBucket(task.bid, task.mode); err != nil {
			c.k.log.Warn("background rewrite failed",
				logging.Bucket(task.bid), logging.Error(err))
		}
		task.wg.Done()
	}
}

func (c *cleaner) coordinate() {
	defer c.coordWg.Done()
	ticker := time.NewTicker(cleanerTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.pokeCh:
		case <-ticker.C:
		}
		c.tick()
	}
}

// tick runs at most one pass, in strict priority order: urgent cold GC,
// urgent hot GC, log flush, then opportunistic cold GC.
func (c *cleaner) tick() {
	k := c.k
	k.met.FreeEraseUnits.WithLabelValues(metrics.RegionCold).Set(float64(k.cold.FreeEus()))
	if k.hot != nil {
		k.met.FreeEraseUnits.WithLabelValues(metrics.RegionHot).Set(float64(k.hot.FreeEus()))
	}
	switch {
	case k.cold.ShouldClean(k.cfg.GCUpperThreshold):
		c.runGC(k.cold, moveGCCold, cleanerColdGC)
	case k.hot != nil && k.hot.ShouldClean(k.cfg.GCUpperThreshold):
		c.runGC(k.hot, moveGCHot, cleanerHotGC)
	case k.fw.ShouldFlush():
		c.runLogFlush()
	case k.cold.ShouldClean(k.cfg.GCLowerThreshold):
		c.runGC(k.cold, moveGCCold, cleanerColdGC)
	}
}

func (c *cleaner) setState(s int) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// dispatch fans tasks out to the workers and waits for the pass to drain.
// Returns false if shutdown interrupted the dispatch.
func (c *cleaner) dispatch(bids []uint32, mode moveMode) bool {
	var wg sync.WaitGroup
	complete := true
	for _, bid := range bids {
		wg.Add(1)
		select {
		case c.tasks <- cleanTask{bid: bid, mode: mode, wg: &wg}:
		case <-c.stopCh:
			wg.Done()
			complete = false
		}
		if !complete {
			break
		}
	}
	wg.Wait()
	return complete
}

// runGC migrates every live bucket out of the erase unit under the erase
// pointer, then reclaims it. The erase pointer stays put if any bucket
// could not be moved, so no live data is ever reclaimed.
func (c *cleaner) runGC(w *wren.Wren, mode moveMode, state int) {
	c.setState(state)
	defer c.setState(cleanerIdle)

	k := c.k
	region := metrics.RegionCold
	if mode == moveGCHot {
		region = metrics.RegionHot
	}

	bids := make([]uint32, 0)
	for _, bid := range w.BucketsInEraseEu() {
		bids = append(bids, uint32(bid))
	}
	if !c.dispatch(bids, mode) {
		return
	}

	if remaining := w.BucketsInEraseEu(); len(remaining) > 0 {
		k.log.Warn("erase unit still holds live buckets, deferring erase",
			logging.String("region", region),
			logging.Count(len(remaining)))
		return
	}
	if err := w.Erase(); err != nil {
		k.deviceError("zone erase", err)
		return
	}

	if mode == moveGCHot {
		k.ctr.gcHotPasses.Add(1)
	} else {
		k.ctr.gcColdPasses.Add(1)
	}
	k.met.GCPassesTotal.WithLabelValues(region).Inc()
}

// runLogFlush drains the fullest log partition into its set buckets.
func (c *cleaner) runLogFlush() {
	c.setState(cleanerLogFlush)
	defer c.setState(cleanerIdle)

	k := c.k
	part := k.fw.MostLoadedPartition()
	if !c.dispatch(k.fw.PendingBuckets(part), moveLogFlush) {
		return
	}

	k.ctr.logFlushes.Add(1)
	k.met.LogFlushesTotal.Inc()
	k.met.LogOccupancyRatio.Set(k.fw.Occupancy())
}
