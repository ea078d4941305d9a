package cache

import (
	"fmt"
	"math"
	"runtime"
	"runtime/debug"

	"github.com/prometheus/procfs"
)

// PressureSource reports memory pressure as a ratio in [0, 1].
type PressureSource interface {
	Pressure() (float64, error)
}

// NewPressureSource returns the source named by kind: runtime, rss or none.
// A zero budget means the memory limit or the device memory.
func NewPressureSource(kind string, budget uint64) (PressureSource, error) {
	switch kind {
	case "", "runtime":
		return RuntimeSource{Budget: budget}, nil
	case "rss":
		return NewRSSSource(budget)
	case "none":
		return NoPressure{}, nil
	default:
		return nil, fmt.Errorf("unknown pressure source %q", kind)
	}
}

// RuntimeSource compares the Go heap with the runtime memory limit.
type RuntimeSource struct {
	Budget uint64
}

func (r RuntimeSource) Pressure() (float64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	limit := r.Budget
	if limit == 0 {
		if l := debug.SetMemoryLimit(-1); l > 0 && l < math.MaxInt64 {
			limit = uint64(l)
		} else {
			limit = DetectDeviceMemory()
		}
	}
	return ratio(ms.HeapAlloc, limit), nil
}

// RSSSource compares the process resident set size with a budget.
type RSSSource struct {
	fs     procfs.FS
	budget uint64
}

// NewRSSSource opens /proc. A zero budget uses the device memory.
func NewRSSSource(budget uint64) (*RSSSource, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	if budget == 0 {
		budget = DetectDeviceMemory()
	}
	return &RSSSource{fs: fs, budget: budget}, nil
}

func (r *RSSSource) Pressure() (float64, error) {
	p, err := r.fs.Self()
	if err != nil {
		return 0, fmt.Errorf("read self: %w", err)
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, fmt.Errorf("read stat: %w", err)
	}
	return ratio(uint64(stat.ResidentMemory()), r.budget), nil
}

// FixedSource always reports the same pressure.
type FixedSource float64

func (f FixedSource) Pressure() (float64, error) { return float64(f), nil }

// NoPressure disables pressure-driven resizing.
type NoPressure struct{}

func (NoPressure) Pressure() (float64, error) { return 0, nil }

// DetectDeviceMemory returns total system memory from /proc/meminfo, or
// 4 GiB if it cannot be read.
func DetectDeviceMemory() uint64 {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return defaultDeviceMemory
	}
	mi, err := fs.Meminfo()
	if err != nil || mi.MemTotal == nil || *mi.MemTotal == 0 {
		return defaultDeviceMemory
	}
	return *mi.MemTotal * 1024
}

func ratio(used, limit uint64) float64 {
	if limit == 0 {
		return 0
	}
	return min(1, float64(used)/float64(limit))
}
