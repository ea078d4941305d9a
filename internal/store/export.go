package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/rcliao/dossier-cache/internal/model"
)

// ExportAll calls fn for every file of the current dossier, in path order,
// with a streaming reader over its content. The reader is closed after fn
// returns.
func (s *SQLiteStore) ExportAll(ctx context.Context, fn func(info model.FileInfo, r io.Reader) error) (int, error) {
	id, err := s.currentDossierID(ctx)
	if err != nil {
		return 0, fmt.Errorf("current dossier: %w", err)
	}
	if id == "" {
		return 0, nil
	}

	// Collect paths first so the read cursor is not held across fn.
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE dossier_id = ? ORDER BY path`, id)
	if err != nil {
		return 0, fmt.Errorf("list files: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, err
		}
		paths = append(paths, p)
	}
	rows.Close()

	exported := 0
	for _, p := range paths {
		info, rc, err := s.OpenFile(ctx, p)
		if err != nil {
			return exported, err
		}
		if info == nil {
			continue
		}
		err = fn(*info, rc)
		rc.Close()
		if err != nil {
			return exported, fmt.Errorf("export %s: %w", p, err)
		}
		exported++
	}
	return exported, nil
}

// ExportToDir writes every file of the current dossier below dir, recreating
// the folder hierarchy.
func (s *SQLiteStore) ExportToDir(ctx context.Context, dir string) (int, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("resolve dir: %w", err)
	}
	return s.ExportAll(ctx, func(info model.FileInfo, r io.Reader) error {
		target := filepath.Join(root, filepath.FromSlash(info.Path))
		if !strings.HasPrefix(target, root+string(filepath.Separator)) {
			s.log.Warn("skipping path outside export dir", zap.String("path", info.Path))
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}
