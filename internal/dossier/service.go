// Package dossier is the entry point for ingesting, reading and clearing
// dossiers. A Service owns every in-memory component around the store.
package dossier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/dossier-cache/internal/archive"
	"github.com/rcliao/dossier-cache/internal/background"
	"github.com/rcliao/dossier-cache/internal/cache"
	"github.com/rcliao/dossier-cache/internal/config"
	"github.com/rcliao/dossier-cache/internal/dedup"
	"github.com/rcliao/dossier-cache/internal/logging"
	"github.com/rcliao/dossier-cache/internal/model"
	"github.com/rcliao/dossier-cache/internal/preload"
	"github.com/rcliao/dossier-cache/internal/store"
)

var (
	// ErrTooLarge rejects archives above the configured size limit.
	ErrTooLarge = errors.New("file too large")
	// ErrIngestAborted is returned when a clear or a newer ingestion
	// supersedes a running one.
	ErrIngestAborted = errors.New("ingestion aborted")
)

// Service coordinates extraction, storage, caching and preloading for the
// active dossier. It is safe for concurrent use.
type Service struct {
	cfg   *config.Config
	store store.Store
	log   *zap.Logger

	extractor *archive.Extractor
	cache     *cache.Cache
	preloader *preload.Preloader
	reads     *dedup.Group[*model.FileData]
	patterns  *dedup.Group[string]
	bg        *background.Processor

	stopMonitor context.CancelFunc
	monitorDone chan struct{}

	// writeMu orders ingestion writes against Clear so that nothing from a
	// superseded ingestion lands after the store was wiped.
	writeMu sync.RWMutex

	mu           sync.Mutex
	activeIngest string
	gen          uint64
	access       map[string]*AccessPattern
}

// AccessPattern records how often and how regularly a path is read.
type AccessPattern struct {
	Path        string        `json:"path"`
	Count       int           `json:"count"`
	LastAccess  time.Time     `json:"last_access"`
	AvgInterval time.Duration `json:"avg_interval"`
}

// New builds a service around st. The caller keeps ownership of st.
func New(cfg *config.Config, st store.Store, log *zap.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log = logging.OrNop(log)

	pressure, err := cache.NewPressureSource(cfg.Cache.PressureSource, cfg.Cache.MemoryBudget)
	if err != nil {
		return nil, fmt.Errorf("pressure source: %w", err)
	}

	c := cache.New(cacheOptions(cfg), log)
	s := &Service{
		cfg:       cfg,
		store:     st,
		log:       log.Named("dossier"),
		extractor: archive.NewExtractor(extractOptions(cfg), log),
		cache:     c,
		reads:     dedup.NewGroup[*model.FileData]("read"),
		patterns:  dedup.NewGroup[string]("pattern"),
		bg: background.New(background.Options{
			MaxConcurrent: cfg.Requests.MaxConcurrent,
		}, log),
		access: make(map[string]*AccessPattern),
	}
	s.preloader = preload.New(storeSource{st}, c, preload.Options{
		MaxQueue: cfg.Preload.MaxQueue,
		PerSweep: cfg.Preload.PerSweep,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	s.stopMonitor = cancel
	s.monitorDone = make(chan struct{})
	go func() {
		defer close(s.monitorDone)
		c.Monitor(ctx, pressure, cfg.Cache.MonitorInterval())
	}()

	return s, nil
}

// Close stops background work. It does not close the store.
func (s *Service) Close() {
	s.stopMonitor()
	<-s.monitorDone
	s.preloader.Close()
	s.bg.Close()
}

// CurrentDossier returns the most recently ingested dossier, or nil.
func (s *Service) CurrentDossier(ctx context.Context) (*model.Dossier, error) {
	d, err := s.store.GetCachedDossier(ctx)
	if err != nil {
		return nil, fmt.Errorf("current dossier: %w", err)
	}
	return d, nil
}

// FilesByType lists files of the current dossier with the given MIME type.
func (s *Service) FilesByType(ctx context.Context, mime string) ([]model.FileInfo, error) {
	files, err := s.store.GetFilesByType(ctx, mime)
	if err != nil {
		return nil, fmt.Errorf("files by type: %w", err)
	}
	return files, nil
}

// Clear wipes the active dossier from memory and from the store. Running
// ingestions and pending reads are abandoned. Calling Clear twice is safe.
func (s *Service) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.activeIngest = ""
	s.gen++
	s.access = make(map[string]*AccessPattern)
	s.mu.Unlock()

	s.reads.Reset()
	s.patterns.Reset()
	s.preloader.Reset()
	s.cache.Reset()
	s.bg.ClearHistory()

	if err := s.store.ClearDossier(ctx); err != nil {
		return fmt.Errorf("clear dossier: %w", err)
	}
	s.log.Info("dossier cleared")
	return nil
}

// Status reports the background task processor state.
func (s *Service) Status() background.Status {
	return s.bg.Status()
}

// Stats is a diagnostic snapshot of the service.
type Stats struct {
	Store      *store.Stats      `json:"store,omitempty"`
	Cache      CacheStats        `json:"cache"`
	Background background.Status `json:"background"`
	HotPaths   []AccessPattern   `json:"hot_paths,omitempty"`
}

// CacheStats describes memory cache occupancy.
type CacheStats struct {
	Entries         int `json:"entries"`
	Capacity        int `json:"capacity"`
	PendingPreloads int `json:"pending_preloads"`
	PendingReads    int `json:"pending_reads"`
}

type statser interface {
	Stats(ctx context.Context) (*store.Stats, error)
}

// Stats collects store, cache, background and access statistics. limit caps
// the number of hot paths reported.
func (s *Service) Stats(ctx context.Context, limit int) (*Stats, error) {
	st := &Stats{
		Cache: CacheStats{
			Entries:         s.cache.Len(),
			Capacity:        s.cache.Capacity(),
			PendingPreloads: s.preloader.Pending(),
			PendingReads:    s.reads.Len(),
		},
		Background: s.bg.Status(),
		HotPaths:   s.AccessPatterns(limit),
	}
	if ss, ok := s.store.(statser); ok {
		storeStats, err := ss.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("store stats: %w", err)
		}
		st.Store = storeStats
	}
	return st, nil
}

// AccessPatterns returns the most frequently read paths, most read first.
func (s *Service) AccessPatterns(limit int) []AccessPattern {
	s.mu.Lock()
	out := make([]AccessPattern, 0, len(s.access))
	for _, p := range s.access {
		out = append(out, *p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Path < out[j].Path
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Service) trackAccess(path string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.access[path]
	if !ok {
		s.access[path] = &AccessPattern{Path: path, Count: 1, LastAccess: now}
		return
	}
	interval := now.Sub(p.LastAccess)
	p.Count++
	intervals := time.Duration(p.Count - 1)
	p.AvgInterval += (interval - p.AvgInterval) / intervals
	p.LastAccess = now
}

func (s *Service) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func cacheOptions(cfg *config.Config) cache.Options {
	c := cfg.Cache
	return cache.Options{
		BaseSize:       c.BaseSize,
		MaxSize:        c.MaxSize,
		PressureFloor:  c.PressureFloor,
		MemoryFraction: c.MemoryFraction,
		AvgFileSize:    c.AvgFileSize,
		DeviceMemory:   c.DeviceMemory,
		HighPressure:   c.HighPressure,
		LowPressure:    c.LowPressure,
		ShrinkFactor:   c.ShrinkFactor,
		GrowStep:       c.GrowStep,
	}
}

func extractOptions(cfg *config.Config) archive.Options {
	e := cfg.Extract
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return archive.Options{
		LargeThreshold:    e.LargeThreshold,
		HugeThreshold:     e.HugeThreshold,
		PriorityBatchSize: e.PriorityBatchSize,
		SmallBatchSize:    e.SmallBatchSize,
		LargeBatchSize:    e.LargeBatchSize,
		HugeBatchSize:     e.HugeBatchSize,
		SmallYield:        ms(e.SmallYieldMS),
		LargeYield:        ms(e.LargeYieldMS),
		HugeYield:         ms(e.HugeYieldMS),
		QueueSize:         e.QueueSize,
	}
}

// storeSource adapts a Store to the preloader.
type storeSource struct {
	st store.Store
}

func (s storeSource) Siblings(ctx context.Context, path string, limit int) ([]string, error) {
	return s.st.Siblings(ctx, path, limit)
}

func (s storeSource) Load(ctx context.Context, path string) (*model.FileData, error) {
	return s.st.GetFileBlob(ctx, path)
}
