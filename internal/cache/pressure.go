package cache

import (
	"runtime"
	"time"

	"github.com/untoldecay/trellis/internal/events"
)

// Pressure outcome labels recorded in metrics.
const (
	ResultReduced               = "REDUCED"
	ResultInsufficientReduction = "INSUFFICIENT_REDUCTION"
)

// MonitorConfig tunes the pressure monitor.
type MonitorConfig struct {
	CheckInterval time.Duration // default 60s
	Threshold     float64       // default 0.8
	MaxMemory     int64         // heap budget in bytes
	MaxEntries    int           // cache capacity used for cacheRatio
}

// Monitor samples memory and cache pressure on a timer and reduces the
// cache when the weighted total crosses the threshold.
type Monitor struct {
	cache *Cache
	bus   *events.Bus
	cfg   MonitorConfig
	stop  chan struct{}

	// readHeap is swapped in tests to inject heap readings.
	readHeap func() uint64
}

// NewMonitor constructs the monitor; Start launches the loop.
func NewMonitor(c *Cache, bus *events.Bus, cfg MonitorConfig) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 60 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.8
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxMemory <= 0 {
		cfg.MaxMemory = 512 << 20
	}
	return &Monitor{
		cache: c,
		bus:   bus,
		cfg:   cfg,
		stop:  make(chan struct{}),
		readHeap: func() uint64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.HeapAlloc
		},
	}
}

// Start launches the periodic check loop.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.Check()
			}
		}
	}()
}

// Stop ends the loop.
func (m *Monitor) Stop() { close(m.stop) }

// Pressure is one sampled reading.
type Pressure struct {
	Memory float64 `json:"memory"`
	Cache  float64 `json:"cache"`
	Total  float64 `json:"total"`
}

// Sample computes the current pressure reading. Memory pressure ramps
// from 0 at 70% heap usage to 1 at 100%; cache pressure ramps from 0 at
// 60% capacity to 1 at 100%. Total weights memory 0.6, cache 0.4.
func (m *Monitor) Sample() Pressure {
	heapRatio := float64(m.readHeap()) / float64(m.cfg.MaxMemory)
	cacheRatio := float64(m.cache.Len()) / float64(m.cfg.MaxEntries)

	p := Pressure{
		Memory: max(0, (heapRatio-0.7)/0.3),
		Cache:  max(0, (cacheRatio-0.6)/0.4),
	}
	p.Total = 0.6*p.Memory + 0.4*p.Cache
	return p
}

// Check samples pressure and reduces the cache when the total crosses
// the threshold.
func (m *Monitor) Check() Pressure {
	p := m.Sample()
	if p.Total >= m.cfg.Threshold {
		m.Reduce("pressure")
	}
	return p
}

// Reduce evicts entries oldest-recency-first until the cache is halved
// or pressure falls under the threshold, then records the outcome.
func (m *Monitor) Reduce(trigger string) {
	sizeBefore := m.cache.Len()
	target := sizeBefore / 2

	for m.cache.Len() > target {
		if _, _, ok := m.cache.lru.RemoveOldest(); !ok {
			break
		}
		if m.Sample().Total < m.cfg.Threshold {
			break
		}
	}

	sizeAfter := m.cache.Len()
	m.cache.reductions.Add(1)
	m.cache.recordCleanup(trigger)

	result := ResultReduced
	if m.Sample().Total >= m.cfg.Threshold {
		result = ResultInsufficientReduction
	}
	m.cache.cleanupMu.Lock()
	m.cache.lastResult = result
	m.cache.cleanupMu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type: events.CacheCleared,
			Payload: map[string]any{
				"sizeBefore": sizeBefore,
				"sizeAfter":  sizeAfter,
				"trigger":    trigger,
				"result":     result,
			},
		})
	}
}
