// Package archive extracts dossier ZIP archives into a document tree and
// size-classified batches of file content.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/rcliao/dossier-cache/internal/logging"
	"github.com/rcliao/dossier-cache/internal/metrics"
	"github.com/rcliao/dossier-cache/internal/model"
)

// ErrFormat is returned when the container itself cannot be read.
var ErrFormat = errors.New("invalid archive")

const readChunk = 32 << 10

// Options tunes classification, batching and pacing.
type Options struct {
	LargeThreshold int64
	HugeThreshold  int64

	PriorityBatchSize int
	SmallBatchSize    int
	LargeBatchSize    int
	HugeBatchSize     int

	// Pauses after each batch. Zero disables the pause.
	SmallYield time.Duration
	LargeYield time.Duration
	HugeYield  time.Duration

	QueueSize int
}

// DefaultOptions returns the default extraction options.
func DefaultOptions() Options {
	return Options{
		LargeThreshold:    256 << 10,
		HugeThreshold:     2 << 20,
		PriorityBatchSize: 5,
		SmallBatchSize:    50,
		LargeBatchSize:    10,
		HugeBatchSize:     1,
		SmallYield:        3 * time.Millisecond,
		LargeYield:        8 * time.Millisecond,
		HugeYield:         15 * time.Millisecond,
		QueueSize:         16,
	}
}

// Extractor runs archive extraction off the caller's goroutine.
type Extractor struct {
	opts Options
	log  *zap.Logger
}

// NewExtractor creates an extractor. Zero sizes fall back to defaults.
func NewExtractor(opts Options, log *zap.Logger) *Extractor {
	def := DefaultOptions()
	if opts.LargeThreshold <= 0 {
		opts.LargeThreshold = def.LargeThreshold
	}
	if opts.HugeThreshold <= 0 {
		opts.HugeThreshold = def.HugeThreshold
	}
	if opts.PriorityBatchSize <= 0 {
		opts.PriorityBatchSize = def.PriorityBatchSize
	}
	if opts.SmallBatchSize <= 0 {
		opts.SmallBatchSize = def.SmallBatchSize
	}
	if opts.LargeBatchSize <= 0 {
		opts.LargeBatchSize = def.LargeBatchSize
	}
	if opts.HugeBatchSize <= 0 {
		opts.HugeBatchSize = def.HugeBatchSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	log = logging.OrNop(log)
	return &Extractor{opts: opts, log: log.Named("extract")}
}

// Start begins extracting the archive in src and returns the message stream.
// The stream always ends with exactly one MsgCompleted or MsgError and is then
// closed, unless ctx is canceled first.
func (e *Extractor) Start(ctx context.Context, src io.ReaderAt, size int64, correlationID string) <-chan Message {
	ch := make(chan Message, e.opts.QueueSize)
	go func() {
		defer close(ch)
		j := &job{Extractor: e, ctx: ctx, out: ch, id: correlationID}
		j.run(src, size)
	}()
	return ch
}

type job struct {
	*Extractor
	ctx context.Context
	out chan<- Message
	id  string

	processed int
	total     int
}

type classPlan struct {
	name      string
	batchSize int
	yield     time.Duration
	step      int // progress step in percent, 0 for none
	files     []*zip.File
}

func (j *job) send(m Message) bool {
	m.CorrelationID = j.id
	select {
	case j.out <- m:
		return true
	case <-j.ctx.Done():
		return false
	}
}

func (j *job) fail(err error) {
	j.log.Error("extraction failed", zap.String("correlation_id", j.id), zap.Error(err))
	j.send(Message{Type: MsgError, Err: err})
}

func (j *job) run(src io.ReaderAt, size int64) {
	zr, err := zip.NewReader(src, size)
	if err != nil {
		j.fail(fmt.Errorf("%w: %w", ErrFormat, err))
		return
	}

	names := make([]string, 0, len(zr.File))
	entries := make([]Entry, 0, len(zr.File))
	var files []*zip.File
	for _, f := range zr.File {
		dir := isDir(f)
		names = append(names, f.Name)
		entries = append(entries, Entry{Name: f.Name, Dir: dir, Size: declaredSize(f)})
		if !dir && len(splitPath(f.Name)) > 0 {
			files = append(files, f)
		}
	}

	name := RootName(names)
	root := BuildTree(name, entries)
	if !j.send(Message{Type: MsgTreeReady, Name: name, Root: root}) {
		return
	}

	plans := j.classify(files)
	j.total = len(files)
	j.log.Info("tree ready",
		zap.String("correlation_id", j.id),
		zap.String("name", name),
		zap.Int("files", j.total),
	)

	for _, p := range plans {
		if !j.runClass(p) {
			return
		}
	}

	j.send(Message{Type: MsgCompleted, Processed: j.processed, Total: j.total, Progress: 100})
}

func (j *job) classify(files []*zip.File) []*classPlan {
	priority := &classPlan{name: ClassPriority, batchSize: j.opts.PriorityBatchSize, yield: j.opts.SmallYield, step: 5}
	small := &classPlan{name: ClassSmall, batchSize: j.opts.SmallBatchSize, yield: j.opts.SmallYield}
	large := &classPlan{name: ClassLarge, batchSize: j.opts.LargeBatchSize, yield: j.opts.LargeYield}
	huge := &classPlan{name: ClassHuge, batchSize: j.opts.HugeBatchSize, yield: j.opts.HugeYield, step: 10}

	for _, f := range files {
		sz := declaredSize(f)
		switch {
		case IsPriorityName(f.Name):
			priority.files = append(priority.files, f)
		case sz <= j.opts.LargeThreshold:
			small.files = append(small.files, f)
		case sz <= j.opts.HugeThreshold:
			large.files = append(large.files, f)
		default:
			huge.files = append(huge.files, f)
		}
	}
	sort.SliceStable(priority.files, func(a, b int) bool {
		return priority.files[a].UncompressedSize64 < priority.files[b].UncompressedSize64
	})
	return []*classPlan{priority, small, large, huge}
}

func (j *job) runClass(p *classPlan) bool {
	for start := 0; start < len(p.files); start += p.batchSize {
		end := min(start+p.batchSize, len(p.files))
		batch := make([]model.ExtractedFile, 0, end-start)

		for _, f := range p.files[start:end] {
			ef, err := j.extract(f, p)
			j.processed++
			if err != nil {
				if j.ctx.Err() != nil {
					return false
				}
				metrics.EntryFailures.Inc()
				j.log.Warn("skipping entry", zap.String("path", f.Name), zap.Error(err))
				continue
			}
			metrics.RecordIngestedFile(p.name, ef.Size)
			batch = append(batch, ef)
		}

		ok := j.send(Message{
			Type:      MsgBatchProcessed,
			Files:     batch,
			Processed: j.processed,
			Total:     j.total,
			Progress:  percent(j.processed, j.total),
			Class:     p.name,
		})
		if !ok {
			return false
		}
		j.log.Debug("batch processed",
			zap.String("class", p.name),
			zap.Int("files", len(batch)),
			zap.Int("processed", j.processed),
		)

		if p.name == ClassHuge {
			runtime.GC()
		}
		if !j.pause(p.yield) {
			return false
		}
	}
	return true
}

func (j *job) extract(f *zip.File, p *classPlan) (model.ExtractedFile, error) {
	rc, err := f.Open()
	if err != nil {
		return model.ExtractedFile{}, fmt.Errorf("open entry: %w", err)
	}
	defer rc.Close()

	path := strings.Join(splitPath(f.Name), "/")
	// The declared size comes from the archive and is not trusted.
	size := declaredSize(f)
	buf := bytes.NewBuffer(make([]byte, 0, min(size, j.opts.HugeThreshold)))

	var r io.Reader = io.LimitReader(rc, size+1)
	if p.step > 0 && size > 0 {
		r = &progressReader{r: r, size: size, step: p.step, report: func(pct int) bool {
			return j.send(Message{Type: MsgFileProgress, Path: path, FileProgress: pct, Size: size})
		}}
	}
	n, err := io.CopyBuffer(buf, r, make([]byte, readChunk))
	if err != nil {
		return model.ExtractedFile{}, fmt.Errorf("read entry: %w", err)
	}
	if n != size {
		return model.ExtractedFile{}, fmt.Errorf("read entry: %w: declared %d bytes, read %d", ErrFormat, size, n)
	}

	content := buf.Bytes()
	return model.ExtractedFile{
		Path:     path,
		Content:  content,
		Size:     int64(len(content)),
		MimeType: DetectMime(path, content),
	}, nil
}

func (j *job) pause(d time.Duration) bool {
	if d <= 0 {
		return j.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-j.ctx.Done():
		return false
	}
}

// progressReader reports read progress each time it crosses a step boundary.
type progressReader struct {
	r      io.Reader
	size   int64
	read   int64
	step   int
	last   int
	report func(pct int) bool
}

var errConsumerGone = errors.New("consumer gone")

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	pct := int(p.read * 100 / p.size)
	if pct > 100 {
		pct = 100
	}
	if pct >= p.last+p.step {
		p.last = pct - pct%p.step
		if !p.report(pct) {
			return n, errConsumerGone
		}
	}
	return n, err
}

func declaredSize(f *zip.File) int64 {
	return int64(min(f.UncompressedSize64, math.MaxInt64-1))
}

func isDir(f *zip.File) bool {
	return strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir()
}

func percent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}
