package dossier

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/rcliao/dossier-cache/internal/archive"
	"github.com/rcliao/dossier-cache/internal/config"
	"github.com/rcliao/dossier-cache/internal/model"
	"github.com/rcliao/dossier-cache/internal/store"
)

type fixture struct {
	name string
	data []byte
}

func buildZip(t *testing.T, files ...fixture) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.name, Method: zip.Store})
		if err != nil {
			t.Fatalf("create %s: %v", f.name, err)
		}
		if _, err := w.Write(f.data); err != nil {
			t.Fatalf("write %s: %v", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return bytes.NewReader(buf.Bytes())
}

func pdf(n int) []byte {
	b := bytes.Repeat([]byte{'x'}, n)
	copy(b, "%PDF-1.4\n")
	return b
}

func smallArchive(t *testing.T) *bytes.Reader {
	return buildZip(t,
		fixture{"A/1.pdf", pdf(2048)},
		fixture{"A/2.pdf", pdf(2048)},
		fixture{"B/3.txt", bytes.Repeat([]byte("t"), 500)},
	)
}

// countingStore counts blob fetches per path and can hold them open.
type countingStore struct {
	store.Store

	mu      sync.Mutex
	fetches map[string]int
	delay   time.Duration
	hold    chan struct{}
	started chan string
}

func (c *countingStore) GetFileBlob(ctx context.Context, path string) (*model.FileData, error) {
	data, err := c.Store.GetFileBlob(ctx, path)

	c.mu.Lock()
	c.fetches[path]++
	hold, started := c.hold, c.started
	c.mu.Unlock()

	if started != nil {
		started <- path
	}
	if hold != nil {
		<-hold
	}
	time.Sleep(c.delay)
	return data, err
}

func (c *countingStore) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches[path]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Store.BatchSize = 2
	cfg.Extract.SmallYieldMS = 0
	cfg.Extract.LargeYieldMS = 0
	cfg.Extract.HugeYieldMS = 0
	cfg.Cache.DeviceMemory = 1 << 30
	cfg.Cache.PressureSource = "none"
	cfg.Requests.ReadDebounceMS = 5
	cfg.Requests.PatternDebounceMS = 5
	cfg.Requests.WarmDelayMS = 0
	cfg.Requests.WarmCount = 0
	cfg.Preload.Enabled = false
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) (*Service, *countingStore) {
	t.Helper()
	sq, err := store.NewSQLiteStore(cfg.Store.Path, store.Options{BatchSize: cfg.Store.BatchSize})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	cs := &countingStore{Store: sq, fetches: map[string]int{}}
	s, err := New(cfg, cs, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		sq.Close()
	})
	return s, cs
}

func ingest(t *testing.T, s *Service, r *bytes.Reader) *model.Dossier {
	t.Helper()
	d, err := s.Ingest(context.Background(), r, r.Size(), nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return d
}

func TestIngest_SmallArchive(t *testing.T) {
	s, _ := newTestService(t, testConfig(t))
	ctx := context.Background()
	r := smallArchive(t)

	var events []model.Progress
	d, err := s.Ingest(ctx, r, r.Size(), func(p model.Progress) { events = append(events, p) })
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if d.Name != "Dossier Files" {
		t.Errorf("name = %q, want Dossier Files", d.Name)
	}
	var folders []string
	for _, c := range d.Root.Children {
		folders = append(folders, c.Name)
	}
	if strings.Join(folders, ",") != "A,B" {
		t.Errorf("root folders = %v, want [A B]", folders)
	}

	if len(events) == 0 {
		t.Fatal("no progress events")
	}
	if _, ok := events[0].(model.TreeReady); !ok {
		t.Errorf("first event is %T, want TreeReady", events[0])
	}
	if p, ok := events[len(events)-1].(model.Percentage); !ok || p != 100 {
		t.Errorf("last event is %#v, want Percentage(100)", events[len(events)-1])
	}
	ready := 0
	for _, e := range events {
		if b, ok := e.(model.BatchProgress); ok {
			ready += b.FilesReady
		}
	}
	if ready != 3 {
		t.Errorf("batches reported %d files, want 3", ready)
	}

	got, err := s.ReadFile(ctx, "A/1.pdf")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got == nil || got.Size != 2048 || got.MimeType != model.MimePDF {
		t.Fatalf("unexpected file data %+v", got)
	}
	if !bytes.HasPrefix(got.Content, []byte("%PDF")) {
		t.Error("content mismatch")
	}

	txt, _ := s.ReadFile(ctx, "B/3.txt")
	if txt == nil || txt.Size != 500 {
		t.Errorf("unexpected txt data %+v", txt)
	}

	missing, err := s.ReadFile(ctx, "C/nope.pdf")
	if err != nil || missing != nil {
		t.Errorf("expected nil for unknown path, got %+v, %v", missing, err)
	}

	cur, err := s.CurrentDossier(ctx)
	if err != nil || cur == nil || cur.ID != d.ID {
		t.Errorf("CurrentDossier = %+v, %v", cur, err)
	}
}

func TestReadFile_ConcurrentReadsShareOneFetch(t *testing.T) {
	s, cs := newTestService(t, testConfig(t))
	ingest(t, s, smallArchive(t))
	cs.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]*model.FileData, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = s.ReadFile(context.Background(), "B/3.txt")
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if r == nil || r.Size != 500 {
			t.Errorf("reader %d got %+v", i, r)
		}
	}
	if n := cs.count("B/3.txt"); n != 1 {
		t.Errorf("store fetched %d times, want 1", n)
	}

	// A later read is served from the cache.
	if _, err := s.ReadFile(context.Background(), "B/3.txt"); err != nil {
		t.Fatal(err)
	}
	if n := cs.count("B/3.txt"); n != 1 {
		t.Errorf("cached read hit the store, fetches = %d", n)
	}
}

func TestClear_Idempotent(t *testing.T) {
	s, _ := newTestService(t, testConfig(t))
	ctx := context.Background()
	ingest(t, s, smallArchive(t))
	if _, err := s.ReadFile(ctx, "A/1.pdf"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := s.Clear(ctx); err != nil {
			t.Fatalf("Clear #%d: %v", i+1, err)
		}
	}

	if d, err := s.CurrentDossier(ctx); err != nil || d != nil {
		t.Errorf("expected no dossier after clear, got %+v, %v", d, err)
	}
	if got, _ := s.ReadFile(ctx, "A/1.pdf"); got != nil {
		t.Error("read after clear returned data")
	}
	if n := s.cache.Len(); n != 0 {
		t.Errorf("cache holds %d entries after clear", n)
	}
	if p := s.AccessPatterns(0); len(p) != 1 {
		// Only the read issued after the clear is tracked.
		t.Errorf("access patterns = %+v", p)
	}
}

func TestReadFile_ClearDuringFetchReturnsNil(t *testing.T) {
	s, cs := newTestService(t, testConfig(t))
	ctx := context.Background()
	ingest(t, s, smallArchive(t))

	cs.mu.Lock()
	cs.hold = make(chan struct{})
	cs.started = make(chan string, 1)
	cs.mu.Unlock()

	type result struct {
		data *model.FileData
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := s.ReadFile(ctx, "A/2.pdf")
		done <- result{data, err}
	}()

	<-cs.started
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	cs.mu.Lock()
	close(cs.hold)
	cs.hold, cs.started = nil, nil
	cs.mu.Unlock()

	res := <-done
	if res.err != nil || res.data != nil {
		t.Errorf("expected nil read after clear, got %+v, %v", res.data, res.err)
	}
	if s.cache.Contains("A/2.pdf") {
		t.Error("stale fetch was cached after clear")
	}
}

func TestIngest_ClearAborts(t *testing.T) {
	s, _ := newTestService(t, testConfig(t))
	ctx := context.Background()
	r := smallArchive(t)

	_, err := s.Ingest(ctx, r, r.Size(), func(p model.Progress) {
		if _, ok := p.(model.TreeReady); ok {
			if err := s.Clear(ctx); err != nil {
				t.Errorf("Clear: %v", err)
			}
		}
	})
	if !errors.Is(err, ErrIngestAborted) {
		t.Fatalf("expected ErrIngestAborted, got %v", err)
	}
	if d, _ := s.CurrentDossier(ctx); d != nil {
		t.Errorf("aborted ingestion left dossier %+v", d)
	}
	if got, _ := s.ReadFile(ctx, "A/1.pdf"); got != nil {
		t.Error("aborted ingestion left file content")
	}
}

func TestIngest_NewestDossierWins(t *testing.T) {
	s, _ := newTestService(t, testConfig(t))
	ctx := context.Background()
	ingest(t, s, smallArchive(t))
	second := ingest(t, s, buildZip(t, fixture{"Report/summary.pdf", pdf(1024)}))

	cur, err := s.CurrentDossier(ctx)
	if err != nil || cur == nil || cur.ID != second.ID {
		t.Fatalf("CurrentDossier = %+v, %v; want %s", cur, err, second.ID)
	}
	if cur.Name != "Report" {
		t.Errorf("name = %q, want Report", cur.Name)
	}
}

func TestIngest_TooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.MaxArchiveSize = 100
	s, _ := newTestService(t, cfg)
	r := smallArchive(t)

	_, err := s.Ingest(context.Background(), r, r.Size(), nil)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if err.Error() != "file too large" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestIngest_CorruptArchive(t *testing.T) {
	s, _ := newTestService(t, testConfig(t))
	r := bytes.NewReader([]byte("definitely not a zip archive"))

	_, err := s.Ingest(context.Background(), r, r.Size(), nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.HasPrefix(err.Error(), "processing failed: ") {
		t.Errorf("message = %q", err.Error())
	}
	if !errors.Is(err, archive.ErrFormat) {
		t.Errorf("expected ErrFormat in chain, got %v", err)
	}
}

func TestFindByPattern(t *testing.T) {
	s, _ := newTestService(t, testConfig(t))
	ctx := context.Background()
	ingest(t, s, buildZip(t,
		fixture{"Module 3/3.2.P.1/description.pdf", pdf(300)},
		fixture{"Module 3/3.2.P.2/development.pdf", pdf(300)},
		fixture{"Module 1/cover.txt", []byte("cover")},
	))

	tests := []struct {
		pattern string
		want    string
	}{
		{"3.2.p.1", "Module 3/3.2.P.1/description.pdf"},
		{"DEVELOPMENT", "Module 3/3.2.P.2/development.pdf"},
		{"cover.txt", "Module 1/cover.txt"},
		{"nonexistent", ""},
		{" cover.txt", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := s.FindByPattern(ctx, tt.pattern)
			if err != nil {
				t.Fatalf("FindByPattern: %v", err)
			}
			if got != tt.want {
				t.Errorf("FindByPattern(%q) = %q, want %q", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestFilesByType(t *testing.T) {
	s, _ := newTestService(t, testConfig(t))
	ingest(t, s, smallArchive(t))

	files, err := s.FilesByType(context.Background(), model.MimePDF)
	if err != nil {
		t.Fatalf("FilesByType: %v", err)
	}
	if len(files) != 2 || files[0].Path != "A/1.pdf" || files[1].Path != "A/2.pdf" {
		t.Errorf("unexpected pdf list %+v", files)
	}
}

func TestWarmCache_LoadsPriorityDocuments(t *testing.T) {
	cfg := testConfig(t)
	cfg.Requests.WarmCount = 10
	s, _ := newTestService(t, cfg)
	ingest(t, s, smallArchive(t))

	deadline := time.Now().Add(5 * time.Second)
	for !(s.cache.Contains("A/1.pdf") && s.cache.Contains("A/2.pdf")) {
		if time.Now().After(deadline) {
			t.Fatalf("cache not warmed, keys %v", s.cache.Keys())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.cache.Contains("B/3.txt") {
		t.Error("warm-up loaded a non-priority file")
	}
	if st := s.Status(); st.TotalProcessed != 1 {
		t.Errorf("status = %+v, want one processed task", st)
	}
}

func TestReadFile_TriggersPreload(t *testing.T) {
	cfg := testConfig(t)
	cfg.Preload.Enabled = true
	s, _ := newTestService(t, cfg)
	ingest(t, s, smallArchive(t))

	if _, err := s.ReadFile(context.Background(), "A/1.pdf"); err != nil {
		t.Fatal(err)
	}
	s.preloader.Wait()
	if !s.cache.Contains("A/2.pdf") {
		t.Errorf("sibling was not preloaded, keys %v", s.cache.Keys())
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestService(t, testConfig(t))
	ctx := context.Background()
	ingest(t, s, smallArchive(t))
	for i := 0; i < 3; i++ {
		s.ReadFile(ctx, "A/1.pdf")
	}
	s.ReadFile(ctx, "B/3.txt")

	st, err := s.Stats(ctx, 1)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Store == nil || st.Store.Files != 3 {
		t.Errorf("store stats = %+v", st.Store)
	}
	if st.Cache.Entries != 2 {
		t.Errorf("cache entries = %d, want 2", st.Cache.Entries)
	}
	if len(st.HotPaths) != 1 || st.HotPaths[0].Path != "A/1.pdf" || st.HotPaths[0].Count != 3 {
		t.Errorf("hot paths = %+v", st.HotPaths)
	}
}
