// Package preload warms the memory cache with files that sit next to the
// ones being read.
package preload

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/rcliao/dossier-cache/internal/cache"
	"github.com/rcliao/dossier-cache/internal/logging"
	"github.com/rcliao/dossier-cache/internal/metrics"
	"github.com/rcliao/dossier-cache/internal/model"
)

// Source supplies preload candidates and their content.
type Source interface {
	Siblings(ctx context.Context, path string, limit int) ([]string, error)
	Load(ctx context.Context, path string) (*model.FileData, error)
}

// Options bounds the preload queue.
type Options struct {
	MaxQueue int
	PerSweep int
}

// DefaultOptions returns the default queue bounds.
func DefaultOptions() Options {
	return Options{MaxQueue: 5, PerSweep: 3}
}

// Preloader keeps a small queue of sibling paths and loads them into the
// cache one sweep at a time.
type Preloader struct {
	src   Source
	cache *cache.Cache
	opts  Options
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    []string
	queued   map[string]bool
	sweeping bool
	gen      uint64
}

// New creates a preloader that fills c from src.
func New(src Source, c *cache.Cache, opts Options, log *zap.Logger) *Preloader {
	def := DefaultOptions()
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = def.MaxQueue
	}
	if opts.PerSweep <= 0 {
		opts.PerSweep = def.PerSweep
	}
	log = logging.OrNop(log)
	ctx, cancel := context.WithCancel(context.Background())
	return &Preloader{
		src:    src,
		cache:  c,
		opts:   opts,
		log:    log.Named("preload"),
		ctx:    ctx,
		cancel: cancel,
		queued: make(map[string]bool),
	}
}

// Trigger queues the uncached siblings of path. It never blocks the caller.
func (p *Preloader) Trigger(path string) {
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.enqueueSiblings(path, gen)
	}()
}

// Pending returns the number of queued candidates.
func (p *Preloader) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Reset drops queued candidates. Sweeps already running finish without
// inserting anything into the cache.
func (p *Preloader) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.queue = nil
	p.queued = make(map[string]bool)
}

// Wait blocks until no trigger or sweep is running.
func (p *Preloader) Wait() {
	p.wg.Wait()
}

// Close cancels outstanding loads and waits for them to return.
func (p *Preloader) Close() {
	p.Reset()
	p.cancel()
	p.wg.Wait()
}

func (p *Preloader) enqueueSiblings(path string, gen uint64) {
	siblings, err := p.src.Siblings(p.ctx, path, p.opts.MaxQueue*2)
	if err != nil {
		p.log.Warn("sibling lookup failed", zap.String("path", path), zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return
	}
	for _, s := range siblings {
		if len(p.queue) >= p.opts.MaxQueue {
			break
		}
		if s == path || p.queued[s] || p.cache.Contains(s) {
			continue
		}
		p.queue = append(p.queue, s)
		p.queued[s] = true
	}
	if !p.sweeping && len(p.queue) > 0 {
		p.sweeping = true
		p.wg.Add(1)
		go p.sweepLoop()
	}
}

func (p *Preloader) sweepLoop() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		n := min(p.opts.PerSweep, len(p.queue))
		if n == 0 {
			p.sweeping = false
			p.mu.Unlock()
			return
		}
		batch := append([]string(nil), p.queue[:n]...)
		p.queue = p.queue[n:]
		gen := p.gen
		p.mu.Unlock()

		p.sweep(batch, gen)
	}
}

func (p *Preloader) sweep(paths []string, gen uint64) {
	for _, path := range paths {
		if p.ctx.Err() != nil {
			return
		}
		if p.cache.Contains(path) {
			p.forget(path, gen)
			continue
		}

		data, err := p.src.Load(p.ctx, path)
		if err != nil || data == nil {
			metrics.RecordPreload(false)
			p.log.Warn("preload failed", zap.String("path", path), zap.Error(err))
			p.forget(path, gen)
			continue
		}

		p.mu.Lock()
		if gen == p.gen {
			p.cache.Put(path, data, data.Priority || model.IsPriorityMime(data.MimeType))
			delete(p.queued, path)
		}
		p.mu.Unlock()
		metrics.RecordPreload(true)
		p.log.Debug("preloaded", zap.String("path", path))
	}
}

func (p *Preloader) forget(path string, gen uint64) {
	p.mu.Lock()
	if gen == p.gen {
		delete(p.queued, path)
	}
	p.mu.Unlock()
}
