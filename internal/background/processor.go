// Package background runs non-critical work on a small prioritized pool.
package background

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/dossier-cache/internal/logging"
	"github.com/rcliao/dossier-cache/internal/metrics"
)

// ErrClosed is reported by tasks that were still queued when the processor closed.
var ErrClosed = errors.New("background processor closed")

// Priority orders queued tasks; higher runs first.
type Priority int

const (
	Low    Priority = 1
	Normal Priority = 2
	High   Priority = 3
)

// TaskFunc is one unit of background work.
type TaskFunc func(ctx context.Context) error

// TaskOptions tunes a submitted task. Zero values select Normal priority,
// no delay and the processor's retry budget.
type TaskOptions struct {
	Priority        Priority
	Delay           time.Duration
	MaxRetries      int
	AllowDuplicates bool
}

// Options configures a Processor.
type Options struct {
	MaxConcurrent int
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

// DefaultOptions returns the default pool configuration.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent: 2,
		MaxRetries:    2,
		BaseBackoff:   time.Second,
		MaxBackoff:    5 * time.Second,
	}
}

// Status is a snapshot of the processor.
type Status struct {
	QueueLength    int `json:"queue_length"`
	ActiveTasks    int `json:"active_tasks"`
	TotalProcessed int `json:"total_processed"`
}

// Handle tracks one submitted task.
type Handle struct {
	ID   string
	done chan struct{}
	err  error
}

// Wait blocks until the task finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the task has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

type task struct {
	id         string
	fn         TaskFunc
	priority   Priority
	delay      time.Duration
	retries    int
	maxRetries int
	handle     *Handle
}

// Processor is a priority queue drained by at most MaxConcurrent goroutines.
// Failed tasks are retried at the head of the queue with exponential backoff.
type Processor struct {
	opts   Options
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queue   []*task
	active  map[string]bool
	history map[string]*Handle
	closed  bool
}

// New creates a processor.
func New(opts Options, log *zap.Logger) *Processor {
	def := DefaultOptions()
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = def.BaseBackoff
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = max(def.MaxBackoff, opts.BaseBackoff)
	}
	log = logging.OrNop(log)
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		opts:    opts,
		log:     log.Named("background"),
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]bool),
		history: make(map[string]*Handle),
	}
}

// Submit queues fn under id. A task id already in the history returns the
// existing handle unless AllowDuplicates is set.
func (p *Processor) Submit(id string, fn TaskFunc, opts TaskOptions) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.history[id]; ok && !opts.AllowDuplicates {
		return h
	}

	h := &Handle{ID: id, done: make(chan struct{})}
	if p.closed {
		h.err = ErrClosed
		close(h.done)
		return h
	}

	t := &task{
		id:         id,
		fn:         fn,
		priority:   opts.Priority,
		delay:      opts.Delay,
		maxRetries: p.opts.MaxRetries,
		handle:     h,
	}
	if t.priority == 0 {
		t.priority = Normal
	}
	if opts.MaxRetries > 0 {
		t.maxRetries = opts.MaxRetries
	}

	p.insert(t)
	p.history[id] = h
	p.log.Debug("task queued", zap.String("id", id), zap.Int("priority", int(t.priority)))
	p.dispatch()
	return h
}

// Status returns a snapshot of queue and pool usage.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		QueueLength:    len(p.queue),
		ActiveTasks:    len(p.active),
		TotalProcessed: len(p.history),
	}
}

// ClearHistory forgets submitted task ids so they can be submitted again.
func (p *Processor) ClearHistory() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = make(map[string]*Handle)
}

// Close stops accepting work, fails queued tasks with ErrClosed, cancels
// running ones and waits for them to return.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, t := range queued {
		t.handle.err = ErrClosed
		close(t.handle.done)
	}
	p.cancel()
	p.wg.Wait()
}

// insert places t after every task of equal or higher priority.
func (p *Processor) insert(t *task) {
	i := len(p.queue)
	for j, q := range p.queue {
		if q.priority < t.priority {
			i = j
			break
		}
	}
	p.queue = append(p.queue, nil)
	copy(p.queue[i+1:], p.queue[i:])
	p.queue[i] = t
}

// dispatch starts queued tasks while slots are free. Callers hold p.mu.
func (p *Processor) dispatch() {
	for !p.closed && len(p.queue) > 0 && len(p.active) < p.opts.MaxConcurrent {
		t := p.queue[0]
		p.queue = p.queue[1:]
		p.active[t.id] = true
		p.wg.Add(1)
		go p.run(t)
	}
}

func (p *Processor) run(t *task) {
	defer p.wg.Done()

	err := p.sleep(t.delay)
	if err == nil {
		err = p.call(t)
	}

	p.mu.Lock()
	delete(p.active, t.id)
	switch {
	case err == nil:
		metrics.BackgroundTasks.WithLabelValues("success").Inc()
		p.log.Debug("task completed", zap.String("id", t.id))
		close(t.handle.done)
	case t.retries < t.maxRetries && !p.closed:
		t.retries++
		t.delay = min(max(t.delay*2, p.opts.BaseBackoff), p.opts.MaxBackoff)
		p.queue = append([]*task{t}, p.queue...)
		metrics.BackgroundTasks.WithLabelValues("retry").Inc()
		p.log.Warn("task failed, retrying",
			zap.String("id", t.id),
			zap.Int("attempt", t.retries),
			zap.Duration("backoff", t.delay),
			zap.Error(err),
		)
	default:
		if p.closed && p.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			err = ErrClosed
		}
		t.handle.err = err
		metrics.BackgroundTasks.WithLabelValues("failed").Inc()
		p.log.Warn("task failed", zap.String("id", t.id), zap.Error(err))
		close(t.handle.done)
	}
	p.dispatch()
	p.mu.Unlock()
}

func (p *Processor) call(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("task panicked")
			p.log.Error("task panicked", zap.String("id", t.id), zap.Any("panic", r))
		}
	}()
	return t.fn(p.ctx)
}

func (p *Processor) sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}
