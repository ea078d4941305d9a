// Package codec applies reversible gzip compression to persisted file content.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

const (
	DefaultMinSize         = 1024
	DefaultStreamThreshold = 1 << 20

	streamChunk = 64 << 10
)

// Options configures a Codec.
type Options struct {
	// MinSize is the smallest input that is worth compressing.
	MinSize int
	// StreamThreshold is the compressed size at which Decompress switches to
	// chunked decoding.
	StreamThreshold int
	// Level is the gzip level; 0 selects gzip.DefaultCompression.
	Level int
}

// DefaultOptions returns default codec options.
func DefaultOptions() Options {
	return Options{
		MinSize:         DefaultMinSize,
		StreamThreshold: DefaultStreamThreshold,
		Level:           gzip.DefaultCompression,
	}
}

// Codec compresses and decompresses blobs. It is safe for concurrent use.
type Codec struct {
	opts    Options
	writers sync.Pool
}

// New creates a codec.
func New(opts Options) *Codec {
	if opts.MinSize <= 0 {
		opts.MinSize = DefaultMinSize
	}
	if opts.StreamThreshold <= 0 {
		opts.StreamThreshold = DefaultStreamThreshold
	}
	if opts.Level == 0 {
		opts.Level = gzip.DefaultCompression
	}
	c := &Codec{opts: opts}
	c.writers.New = func() interface{} {
		w, err := gzip.NewWriterLevel(io.Discard, opts.Level)
		if err != nil {
			return nil
		}
		return w
	}
	return c
}

// Compress returns the encoded form of data and whether it was compressed.
// Small inputs, encoder failures and inputs that do not shrink are returned
// unchanged with compressed=false. Compress never fails.
func (c *Codec) Compress(data []byte) ([]byte, bool) {
	if len(data) < c.opts.MinSize {
		return data, false
	}

	w, _ := c.writers.Get().(*gzip.Writer)
	if w == nil {
		return data, false
	}
	defer c.writers.Put(w)

	var buf bytes.Buffer
	buf.Grow(len(data) / 2)
	w.Reset(&buf)
	if _, err := w.Write(data); err != nil {
		return data, false
	}
	if err := w.Close(); err != nil {
		return data, false
	}
	if buf.Len() >= len(data) {
		return data, false
	}
	return buf.Bytes(), true
}

// Decompress reverses Compress. sizeHint is the original size if known (0
// otherwise) and is used to pre-size the output. Large inputs are decoded in
// fixed chunks; if that fails a whole-buffer decode is attempted before an
// error is returned.
func (c *Codec) Decompress(data []byte, compressed bool, sizeHint int64) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	if len(data) >= c.opts.StreamThreshold {
		out, err := decodeStream(data, sizeHint)
		if err == nil {
			return out, nil
		}
		out, ferr := decodeWhole(data)
		if ferr != nil {
			return nil, fmt.Errorf("decompress: %w", errors.Join(err, ferr))
		}
		return out, nil
	}
	out, err := decodeWhole(data)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

// Open returns a reader over the decoded content without materializing it.
func (c *Codec) Open(data []byte, compressed bool) (io.ReadCloser, error) {
	if !compressed {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	return zr, nil
}

func decodeStream(data []byte, sizeHint int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	zr.Multistream(false)

	out := bytes.NewBuffer(make([]byte, 0, max(sizeHint, int64(len(data)))))
	chunk := make([]byte, streamChunk)
	for {
		n, err := zr.Read(chunk)
		out.Write(chunk[:n])
		if err == io.EOF {
			return out.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func decodeWhole(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
