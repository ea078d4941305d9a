// Package cache holds decompressed file content in a bounded, memory-aware
// LRU with a protected lane for priority documents.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/dossier-cache/internal/logging"
	"github.com/rcliao/dossier-cache/internal/metrics"
	"github.com/rcliao/dossier-cache/internal/model"
)

const (
	laneNormal   = "normal"
	lanePriority = "priority"

	defaultDeviceMemory = 4 << 30
)

// Options controls cache sizing and pressure response.
type Options struct {
	BaseSize       int
	MaxSize        int
	PressureFloor  int
	MemoryFraction float64
	AvgFileSize    int64
	// DeviceMemory overrides detection when non-zero.
	DeviceMemory uint64

	HighPressure float64
	LowPressure  float64
	ShrinkFactor float64
	GrowStep     int
}

// DefaultOptions returns the default sizing policy.
func DefaultOptions() Options {
	return Options{
		BaseSize:       50,
		MaxSize:        500,
		PressureFloor:  20,
		MemoryFraction: 0.02,
		AvgFileSize:    512 << 10,
		HighPressure:   0.8,
		LowPressure:    0.5,
		ShrinkFactor:   0.7,
		GrowStep:       10,
	}
}

type entry struct {
	key      string
	data     *model.FileData
	priority bool
}

// Cache is a path-keyed LRU. Priority entries live in their own recency
// list and are only evicted once no normal entries remain. It is safe for
// concurrent use.
type Cache struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	items    map[string]*list.Element
	normal   *list.List
	priority *list.List
	capacity int
	optimal  int
}

// New creates a cache sized for the detected device memory.
func New(opts Options, log *zap.Logger) *Cache {
	def := DefaultOptions()
	if opts.BaseSize <= 0 {
		opts.BaseSize = def.BaseSize
	}
	if opts.MaxSize < opts.BaseSize {
		opts.MaxSize = max(def.MaxSize, opts.BaseSize)
	}
	if opts.PressureFloor <= 0 {
		opts.PressureFloor = def.PressureFloor
	}
	if opts.MemoryFraction <= 0 {
		opts.MemoryFraction = def.MemoryFraction
	}
	if opts.AvgFileSize <= 0 {
		opts.AvgFileSize = def.AvgFileSize
	}
	if opts.HighPressure <= 0 {
		opts.HighPressure = def.HighPressure
	}
	if opts.LowPressure <= 0 {
		opts.LowPressure = def.LowPressure
	}
	if opts.ShrinkFactor <= 0 || opts.ShrinkFactor >= 1 {
		opts.ShrinkFactor = def.ShrinkFactor
	}
	if opts.GrowStep <= 0 {
		opts.GrowStep = def.GrowStep
	}
	log = logging.OrNop(log)

	mem := opts.DeviceMemory
	if mem == 0 {
		mem = DetectDeviceMemory()
	}
	optimal := OptimalCapacity(mem, opts)

	c := &Cache{
		opts:     opts,
		log:      log.Named("cache"),
		items:    make(map[string]*list.Element),
		normal:   list.New(),
		priority: list.New(),
		capacity: optimal,
		optimal:  optimal,
	}
	c.log.Info("cache sized",
		zap.Uint64("device_memory", mem),
		zap.Int("capacity", optimal),
	)
	metrics.SetCacheState(0, optimal)
	return c
}

// OptimalCapacity returns the entry budget for a device with mem bytes.
func OptimalCapacity(mem uint64, opts Options) int {
	n := int(float64(mem) * opts.MemoryFraction / float64(opts.AvgFileSize))
	return min(opts.MaxSize, max(opts.BaseSize, n))
}

// Get returns the cached content for path and marks it most recently used.
func (c *Cache) Get(path string) (*model.FileData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[path]
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	e := el.Value.(*entry)
	c.lane(e.priority).MoveToBack(el)
	metrics.CacheHits.Inc()
	return e.data, true
}

// Contains reports whether path is cached without touching recency.
func (c *Cache) Contains(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[path]
	return ok
}

// Put inserts or replaces the content for path, evicting as needed.
func (c *Cache) Put(path string, data *model.FileData, priority bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[path]; ok {
		e := el.Value.(*entry)
		e.data = data
		if e.priority == priority {
			c.lane(priority).MoveToBack(el)
			return
		}
		c.lane(e.priority).Remove(el)
		e.priority = priority
		c.items[path] = c.lane(priority).PushBack(e)
		return
	}

	for len(c.items) >= c.capacity {
		if !c.evictOne() {
			break
		}
	}
	c.items[path] = c.lane(priority).PushBack(&entry{key: path, data: data, priority: priority})
	metrics.SetCacheState(len(c.items), c.capacity)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Capacity returns the current dynamic capacity.
func (c *Cache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Keys returns cached paths from the next eviction candidate to the most
// protected entry.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for _, l := range []*list.List{c.normal, c.priority} {
		for el := l.Front(); el != nil; el = el.Next() {
			keys = append(keys, el.Value.(*entry).key)
		}
	}
	return keys
}

// Reset empties the cache and restores the optimal capacity.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.normal.Init()
	c.priority.Init()
	c.capacity = c.optimal
	metrics.SetCacheState(0, c.capacity)
}

// Adjust reacts to a memory pressure sample in [0, 1] and returns the new
// capacity. High pressure shrinks the cache and evicts the excess, low
// pressure grows it back toward the optimum.
func (c *Cache) Adjust(pressure float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.capacity
	switch {
	case pressure > c.opts.HighPressure:
		c.capacity = max(c.opts.PressureFloor, int(float64(c.capacity)*c.opts.ShrinkFactor))
		for len(c.items) > c.capacity {
			if !c.evictOne() {
				break
			}
		}
	case pressure < c.opts.LowPressure && c.capacity < c.optimal:
		c.capacity = min(c.optimal, c.capacity+c.opts.GrowStep)
	}

	if c.capacity != prev {
		c.log.Info("cache resized",
			zap.Float64("pressure", pressure),
			zap.Int("from", prev),
			zap.Int("to", c.capacity),
		)
	}
	metrics.SetCacheState(len(c.items), c.capacity)
	return c.capacity
}

// Monitor samples src every interval and adjusts capacity until ctx ends.
func (c *Cache) Monitor(ctx context.Context, src PressureSource, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p, err := src.Pressure()
			if err != nil {
				c.log.Debug("pressure sample failed", zap.Error(err))
				continue
			}
			metrics.SetMemoryPressure(p)
			c.Adjust(p)
		}
	}
}

func (c *Cache) lane(priority bool) *list.List {
	if priority {
		return c.priority
	}
	return c.normal
}

// evictOne removes the oldest normal entry, or the oldest priority entry
// when no normal entries remain. Callers hold c.mu.
func (c *Cache) evictOne() bool {
	l, lane := c.normal, laneNormal
	if l.Len() == 0 {
		l, lane = c.priority, lanePriority
	}
	el := l.Front()
	if el == nil {
		return false
	}
	e := l.Remove(el).(*entry)
	delete(c.items, e.key)
	metrics.CacheEvictions.WithLabelValues(lane).Inc()
	c.log.Debug("evicted", zap.String("path", e.key), zap.String("lane", lane))
	return true
}
