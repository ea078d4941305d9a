// Package store provides the dossier storage interface and SQLite implementation.
package store

import (
	"context"
	"errors"

	"github.com/rcliao/dossier-cache/internal/model"
)

// ErrStorage wraps every write failure reported by a Store.
var ErrStorage = errors.New("storage error")

// Store defines the persistent dossier object store.
type Store interface {
	// SaveDossier persists a complete dossier in one call. Returns the new id.
	SaveDossier(ctx context.Context, name string, root *model.Node, files []model.ExtractedFile) (string, error)

	// BeginDossier writes dossier metadata ahead of its file content.
	BeginDossier(ctx context.Context, name string, root *model.Node) (*model.Dossier, error)

	// SaveFiles writes file content for a dossier in fixed-size transactions.
	SaveFiles(ctx context.Context, dossierID string, files []model.ExtractedFile) error

	// SavePathIndex writes the case-insensitive path index. It is the last
	// write of an ingestion.
	SavePathIndex(ctx context.Context, dossierID string) error

	// GetCachedDossier returns the most recently created dossier, or nil.
	GetCachedDossier(ctx context.Context) (*model.Dossier, error)

	// GetFileBlob returns decompressed content for an exact path, or nil.
	GetFileBlob(ctx context.Context, path string) (*model.FileData, error)

	// FindFileByPattern returns the best matching path, or "".
	FindFileByPattern(ctx context.Context, pattern string) (string, error)

	// Siblings returns other file paths in the same folder as path.
	Siblings(ctx context.Context, path string, limit int) ([]string, error)

	// GetFilesByType lists files of the current dossier with the given MIME type.
	GetFilesByType(ctx context.Context, mime string) ([]model.FileInfo, error)

	// ClearDossier removes all dossiers, files and indexes.
	ClearDossier(ctx context.Context) error

	// Close closes the store.
	Close() error
}
