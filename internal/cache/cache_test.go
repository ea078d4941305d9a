package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rcliao/dossier-cache/internal/model"
)

func newTestCache(t *testing.T, capacity int) *Cache {
	t.Helper()
	opts := DefaultOptions()
	opts.BaseSize, opts.MaxSize = capacity, capacity
	opts.PressureFloor = 1
	opts.DeviceMemory = 1 << 30
	c := New(opts, nil)
	if c.Capacity() != capacity {
		t.Fatalf("capacity = %d, want %d", c.Capacity(), capacity)
	}
	return c
}

func data(s string) *model.FileData {
	return &model.FileData{Content: []byte(s), Size: int64(len(s))}
}

func TestOptimalCapacity(t *testing.T) {
	opts := DefaultOptions()
	tests := []struct {
		name string
		mem  uint64
		want int
	}{
		{"small device clamps to base", 1 << 30, 50},
		{"default device", 4 << 30, 163},
		{"large device clamps to max", 64 << 30, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OptimalCapacity(tt.mem, opts); got != tt.want {
				t.Errorf("OptimalCapacity(%d) = %d, want %d", tt.mem, got, tt.want)
			}
		})
	}
}

func TestCache_Bound(t *testing.T) {
	c := newTestCache(t, 3)
	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprintf("f%d", i), data("x"), false)
		if c.Len() > c.Capacity() {
			t.Fatalf("len %d exceeds capacity %d", c.Len(), c.Capacity())
		}
	}
	for _, k := range []string{"f7", "f8", "f9"} {
		if !c.Contains(k) {
			t.Errorf("expected %s to be cached", k)
		}
	}
	if c.Contains("f0") {
		t.Error("expected f0 to be evicted")
	}
}

func TestCache_PriorityProtection(t *testing.T) {
	c := newTestCache(t, 3)
	c.Put("doc.pdf", data("pdf"), true)
	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("n%d", i), data("n"), false)
	}
	if !c.Contains("doc.pdf") {
		t.Fatal("priority entry evicted while normal entries remained")
	}
	keys := c.Keys()
	if keys[len(keys)-1] != "doc.pdf" {
		t.Errorf("priority entry should be the most protected, got order %v", keys)
	}

	// Only priority entries left: the oldest one goes first.
	c.Put("b.pdf", data("b"), true)
	c.Put("c.pdf", data("c"), true)
	c.Put("d.pdf", data("d"), true)
	if c.Contains("doc.pdf") {
		t.Error("expected oldest priority entry to be evicted")
	}
	for _, k := range []string{"b.pdf", "c.pdf", "d.pdf"} {
		if !c.Contains(k) {
			t.Errorf("expected %s cached", k)
		}
	}
}

func TestCache_GetRefreshesRecency(t *testing.T) {
	c := newTestCache(t, 2)
	c.Put("a", data("a"), false)
	c.Put("b", data("b"), false)

	if got, ok := c.Get("a"); !ok || string(got.Content) != "a" {
		t.Fatalf("get a = %v, %v", got, ok)
	}
	c.Put("c", data("c"), false)

	if !c.Contains("a") || c.Contains("b") {
		t.Errorf("expected b evicted after a was touched, keys %v", c.Keys())
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss")
	}
}

func TestCache_PutReplacesAndMovesLane(t *testing.T) {
	c := newTestCache(t, 3)
	c.Put("a", data("old"), false)
	c.Put("a", data("new"), true)

	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
	got, _ := c.Get("a")
	if string(got.Content) != "new" {
		t.Errorf("expected replaced content, got %q", got.Content)
	}
	c.Put("b", data("b"), false)
	c.Put("c", data("c"), false)
	c.Put("d", data("d"), false)
	if !c.Contains("a") {
		t.Error("entry promoted to priority lane should survive normal churn")
	}
}

func TestCache_Adjust(t *testing.T) {
	opts := DefaultOptions()
	opts.BaseSize, opts.MaxSize = 100, 100
	opts.DeviceMemory = 1 << 30
	c := New(opts, nil)
	for i := 0; i < 100; i++ {
		c.Put(fmt.Sprintf("f%d", i), data("x"), i%10 == 0)
	}

	if got := c.Adjust(0.9); got != 70 {
		t.Fatalf("after high pressure capacity = %d, want 70", got)
	}
	if c.Len() != 70 {
		t.Errorf("expected eviction down to 70, got %d", c.Len())
	}
	if !c.Contains("f0") {
		t.Error("priority entry evicted while normal entries remained")
	}

	for i := 0; i < 10; i++ {
		c.Adjust(0.95)
	}
	if c.Capacity() != opts.PressureFloor {
		t.Errorf("capacity = %d, want floor %d", c.Capacity(), opts.PressureFloor)
	}

	if got := c.Adjust(0.6); got != opts.PressureFloor {
		t.Errorf("moderate pressure should not resize, got %d", got)
	}
	if got := c.Adjust(0.1); got != opts.PressureFloor+10 {
		t.Errorf("low pressure should grow by 10, got %d", got)
	}
	for i := 0; i < 20; i++ {
		c.Adjust(0.1)
	}
	if c.Capacity() != 100 {
		t.Errorf("capacity should stop at optimum, got %d", c.Capacity())
	}
}

func TestCache_Reset(t *testing.T) {
	c := newTestCache(t, 5)
	c.Put("a", data("a"), true)
	c.Adjust(1)
	c.Reset()
	if c.Len() != 0 || c.Capacity() != 5 {
		t.Errorf("after reset len=%d cap=%d", c.Len(), c.Capacity())
	}
}

func TestCache_Monitor(t *testing.T) {
	c := newTestCache(t, 50)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Monitor(ctx, FixedSource(0.99), time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.Capacity() == 50 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	if c.Capacity() >= 50 {
		t.Errorf("expected monitor to shrink capacity, got %d", c.Capacity())
	}
}

func TestNewPressureSource(t *testing.T) {
	for _, kind := range []string{"", "runtime", "none"} {
		src, err := NewPressureSource(kind, 0)
		if err != nil {
			t.Fatalf("%q: %v", kind, err)
		}
		p, err := src.Pressure()
		if err != nil {
			t.Fatalf("%q pressure: %v", kind, err)
		}
		if p < 0 || p > 1 {
			t.Errorf("%q pressure %f out of range", kind, p)
		}
	}
	if _, err := NewPressureSource("bogus", 0); err == nil {
		t.Error("expected error for unknown source")
	}
}
