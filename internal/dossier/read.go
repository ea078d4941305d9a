package dossier

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/rcliao/dossier-cache/internal/dedup"
	"github.com/rcliao/dossier-cache/internal/model"
)

// ReadFile returns the content of the file at path, or nil when the path is
// unknown or the read could not be served. Concurrent and rapid repeated reads
// of one path share a single store fetch.
func (s *Service) ReadFile(ctx context.Context, path string) (*model.FileData, error) {
	s.trackAccess(path)

	if data, ok := s.cache.Get(path); ok {
		s.preload(path)
		return data, nil
	}

	gen := s.generation()
	data, err := s.reads.Debounce(ctx, path, s.cfg.Requests.ReadDebounce(), func(ctx context.Context) (*model.FileData, error) {
		if data, ok := s.cache.Get(path); ok {
			return data, nil
		}
		data, err := s.store.GetFileBlob(ctx, path)
		if err != nil || data == nil {
			return nil, err
		}
		s.put(gen, path, data)
		return data, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, dedup.ErrCanceled) {
			s.log.Warn("read failed", zap.String("path", path), zap.Error(err))
		}
		return nil, nil
	}
	if data == nil || s.generation() != gen {
		return nil, nil
	}

	s.preload(path)
	return data, nil
}

// FindByPattern returns the path that best matches pattern, or "" when
// nothing matches. Rapid repeated lookups of one pattern are collapsed.
func (s *Service) FindByPattern(ctx context.Context, pattern string) (string, error) {
	key := strings.ToLower(pattern)
	if key == "" {
		return "", nil
	}

	gen := s.generation()
	path, err := s.patterns.Debounce(ctx, key, s.cfg.Requests.PatternDebounce(), func(ctx context.Context) (string, error) {
		return s.store.FindFileByPattern(ctx, key)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if !errors.Is(err, dedup.ErrCanceled) {
			s.log.Warn("pattern lookup failed", zap.String("pattern", pattern), zap.Error(err))
		}
		return "", nil
	}
	if s.generation() != gen {
		return "", nil
	}
	return path, nil
}

// put caches data unless a clear happened since gen was observed.
func (s *Service) put(gen uint64, path string, data *model.FileData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.cache.Put(path, data, data.Priority || model.IsPriorityMime(data.MimeType))
}

func (s *Service) preload(path string) {
	if s.cfg.Preload.Enabled {
		s.preloader.Trigger(path)
	}
}
