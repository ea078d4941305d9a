package dossier

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rcliao/dossier-cache/internal/archive"
	"github.com/rcliao/dossier-cache/internal/background"
	"github.com/rcliao/dossier-cache/internal/metrics"
	"github.com/rcliao/dossier-cache/internal/model"
)

// ProgressFunc receives ingestion progress. It is called from the ingesting
// goroutine and must not block for long.
type ProgressFunc func(model.Progress)

// IngestFile ingests the archive at path.
func (s *Service) IngestFile(ctx context.Context, path string, onProgress ProgressFunc) (*model.Dossier, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	return s.Ingest(ctx, f, info.Size(), onProgress)
}

// Ingest extracts the archive in r, persists it as the new current dossier
// and returns it. The hierarchy is persisted and reported before any content.
// Starting another ingestion or calling Clear aborts this one with
// ErrIngestAborted.
func (s *Service) Ingest(ctx context.Context, r io.ReaderAt, size int64, onProgress ProgressFunc) (*model.Dossier, error) {
	if limit := s.cfg.Store.MaxArchiveSize; limit > 0 && size > limit {
		return nil, ErrTooLarge
	}
	if onProgress == nil {
		onProgress = func(model.Progress) {}
	}

	id := ulid.Make().String()
	s.mu.Lock()
	s.activeIngest = id
	s.mu.Unlock()

	log := s.log.With(zap.String("correlation_id", id))
	log.Info("ingestion started", zap.Int64("size", size))

	start := time.Now()
	d, err := s.consume(ctx, id, r, size, onProgress, log)
	metrics.RecordIngest(time.Since(start), err == nil)
	if err != nil {
		log.Warn("ingestion failed", zap.Error(err))
		return nil, err
	}

	log.Info("ingestion completed",
		zap.String("dossier_id", d.ID),
		zap.Duration("elapsed", time.Since(start)),
	)
	s.scheduleWarm(d.ID)
	return d, nil
}

func (s *Service) consume(ctx context.Context, id string, r io.ReaderAt, size int64, onProgress ProgressFunc, log *zap.Logger) (*model.Dossier, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var d *model.Dossier
	for m := range s.extractor.Start(ctx, r, size, id) {
		if m.CorrelationID != id {
			log.Debug("ignoring stale message", zap.Stringer("type", m.Type))
			continue
		}

		switch m.Type {
		case archive.MsgTreeReady:
			err := s.write(id, func() error {
				var err error
				d, err = s.store.BeginDossier(ctx, m.Name, m.Root)
				return err
			})
			if err != nil {
				return nil, err
			}
			onProgress(model.TreeReady{Name: m.Name, Root: m.Root})

		case archive.MsgBatchProcessed:
			if d == nil {
				return nil, fmt.Errorf("processing failed: batch before tree")
			}
			if err := s.write(id, func() error { return s.store.SaveFiles(ctx, d.ID, m.Files) }); err != nil {
				return nil, err
			}
			onProgress(model.BatchProgress{
				Processed:  m.Processed,
				Total:      m.Total,
				Progress:   m.Progress,
				Class:      m.Class,
				FilesReady: len(m.Files),
			})

		case archive.MsgFileProgress:
			onProgress(model.FileProgress{Path: m.Path, Progress: m.FileProgress, Size: m.Size})

		case archive.MsgCompleted:
			if d == nil {
				return nil, fmt.Errorf("processing failed: completed before tree")
			}
			if err := s.write(id, func() error { return s.store.SavePathIndex(ctx, d.ID) }); err != nil {
				return nil, err
			}
			onProgress(model.Percentage(100))
			log.Debug("extraction finished", zap.Int("processed", m.Processed), zap.Int("total", m.Total))
			return d, nil

		case archive.MsgError:
			return nil, fmt.Errorf("processing failed: %w", m.Err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("processing failed: extraction ended without result")
}

// write runs a store write for ingestion id unless the ingestion has been
// superseded. Clear cannot run while a write is in progress.
func (s *Service) write(id string, fn func() error) error {
	s.writeMu.RLock()
	defer s.writeMu.RUnlock()

	if !s.isActive(id) {
		return ErrIngestAborted
	}
	if err := fn(); err != nil {
		return fmt.Errorf("processing failed: %w", err)
	}
	return nil
}

func (s *Service) isActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeIngest == id
}

// scheduleWarm loads the first priority documents of a fresh dossier into
// the cache once the ingestion has settled.
func (s *Service) scheduleWarm(dossierID string) {
	gen := s.generation()
	s.bg.Submit("cache-warm:"+dossierID, func(ctx context.Context) error {
		files, err := s.store.GetFilesByType(ctx, model.MimePDF)
		if err != nil {
			return err
		}
		n := 0
		for _, f := range files {
			if n >= s.cfg.Requests.WarmCount {
				break
			}
			if s.generation() != gen {
				return nil
			}
			n++
			if s.cache.Contains(f.Path) {
				continue
			}
			data, err := s.store.GetFileBlob(ctx, f.Path)
			if err != nil {
				return err
			}
			if data == nil {
				continue
			}
			s.put(gen, f.Path, data)
		}
		s.log.Debug("cache warmed", zap.String("dossier_id", dossierID), zap.Int("files", n))
		return nil
	}, background.TaskOptions{
		Priority: background.Low,
		Delay:    s.cfg.Requests.WarmDelay(),
	})
}
