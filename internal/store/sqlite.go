package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/rcliao/dossier-cache/internal/codec"
	"github.com/rcliao/dossier-cache/internal/logging"
	"github.com/rcliao/dossier-cache/internal/metrics"
	"github.com/rcliao/dossier-cache/internal/model"
)

const defaultBatchSize = 10

// timeFormat sorts lexically, unlike time.RFC3339Nano.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Options configures a SQLiteStore. Zero values select defaults.
type Options struct {
	BatchSize int
	Codec     *codec.Codec
	Logger    *zap.Logger
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	codec     *codec.Codec
	batchSize int
	log       *zap.Logger

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	idxMu sync.Mutex
	index *pathIndex
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string, opts Options) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Codec == nil {
		opts.Codec = codec.New(codec.DefaultOptions())
	}
	opts.Logger = logging.OrNop(opts.Logger)

	s := &SQLiteStore{
		db:        db,
		path:      dbPath,
		codec:     opts.Codec,
		batchSize: opts.BatchSize,
		log:       opts.Logger.Named("store"),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) newID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dossiers (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		tree        TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dossiers_created ON dossiers(created_at DESC);

	CREATE TABLE IF NOT EXISTS files (
		path            TEXT PRIMARY KEY,
		dossier_id      TEXT NOT NULL,
		content         BLOB,
		original_size   INTEGER NOT NULL,
		compressed_size INTEGER NOT NULL,
		mime_type       TEXT NOT NULL,
		compressed      INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_files_dossier ON files(dossier_id);
	CREATE INDEX IF NOT EXISTS idx_files_mime ON files(mime_type);
	CREATE INDEX IF NOT EXISTS idx_files_size ON files(original_size);

	CREATE TABLE IF NOT EXISTS path_index (
		dossier_id  TEXT PRIMARY KEY,
		paths       TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func (s *SQLiteStore) SaveDossier(ctx context.Context, name string, root *model.Node, files []model.ExtractedFile) (string, error) {
	d, err := s.BeginDossier(ctx, name, root)
	if err != nil {
		return "", err
	}
	if err := s.SaveFiles(ctx, d.ID, files); err != nil {
		return "", err
	}
	if err := s.SavePathIndex(ctx, d.ID); err != nil {
		return "", err
	}
	return d.ID, nil
}

func (s *SQLiteStore) BeginDossier(ctx context.Context, name string, root *model.Node) (*model.Dossier, error) {
	tree, err := json.Marshal(root)
	if err != nil {
		return nil, storageErr("encode tree", err)
	}

	d := &model.Dossier{
		ID:        s.newID(),
		Name:      name,
		Root:      root,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dossiers (id, name, tree, created_at) VALUES (?, ?, ?, ?)`,
		d.ID, d.Name, string(tree), d.CreatedAt.Format(timeFormat))
	if err != nil {
		return nil, storageErr("insert dossier", err)
	}

	s.log.Info("dossier created", zap.String("id", d.ID), zap.String("name", name))
	return d, nil
}

func (s *SQLiteStore) SaveFiles(ctx context.Context, dossierID string, files []model.ExtractedFile) error {
	for start := 0; start < len(files); start += s.batchSize {
		end := min(start+s.batchSize, len(files))
		if err := s.saveBatch(ctx, dossierID, files[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) saveBatch(ctx context.Context, dossierID string, files []model.ExtractedFile) error {
	begin := time.Now()

	// Compress outside the transaction so the write lock is held briefly.
	encoded := make([][]byte, len(files))
	flags := make([]bool, len(files))
	var origBytes, storedBytes int64
	for i, f := range files {
		encoded[i], flags[i] = s.codec.Compress(f.Content)
		origBytes += int64(len(f.Content))
		storedBytes += int64(len(encoded[i]))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin batch", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO files (path, dossier_id, content, original_size, compressed_size, mime_type, compressed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return storageErr("prepare batch", err)
	}
	defer stmt.Close()

	for i, f := range files {
		_, err := stmt.ExecContext(ctx,
			f.Path, dossierID, encoded[i], int64(len(f.Content)), int64(len(encoded[i])), f.MimeType, flags[i])
		if err != nil {
			return storageErr("insert file "+f.Path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit batch", err)
	}

	metrics.RecordBatchWrite(time.Since(begin), origBytes, storedBytes)
	s.log.Debug("batch stored",
		zap.String("dossier_id", dossierID),
		zap.Int("files", len(files)),
		zap.Int64("original_bytes", origBytes),
		zap.Int64("stored_bytes", storedBytes),
	)
	return nil
}

func (s *SQLiteStore) SavePathIndex(ctx context.Context, dossierID string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE dossier_id = ?`, dossierID)
	if err != nil {
		return storageErr("scan paths", err)
	}
	paths := map[string]string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return storageErr("scan paths", err)
		}
		paths[strings.ToLower(p)] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return storageErr("scan paths", err)
	}

	b, err := json.Marshal(paths)
	if err != nil {
		return storageErr("encode path index", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO path_index (dossier_id, paths) VALUES (?, ?)`, dossierID, string(b))
	if err != nil {
		return storageErr("write path index", err)
	}

	s.invalidateIndex()
	s.log.Info("path index written", zap.String("dossier_id", dossierID), zap.Int("paths", len(paths)))
	return nil
}

func (s *SQLiteStore) GetCachedDossier(ctx context.Context) (*model.Dossier, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, tree, created_at FROM dossiers ORDER BY created_at DESC, id DESC LIMIT 1`)
	d, err := scanDossier(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dossier: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) GetFileBlob(ctx context.Context, path string) (*model.FileData, error) {
	var content []byte
	var originalSize int64
	var mime string
	var compressed bool
	err := s.db.QueryRowContext(ctx,
		`SELECT content, original_size, mime_type, compressed FROM files WHERE path = ?`, path).
		Scan(&content, &originalSize, &mime, &compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", path, err)
	}

	data, err := s.codec.Decompress(content, compressed, originalSize)
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", path, err)
	}
	return &model.FileData{
		Content:  data,
		MimeType: mime,
		Size:     originalSize,
		Priority: model.IsPriorityMime(mime),
	}, nil
}

// OpenFile returns a streaming reader over a file's content, or nil if absent.
func (s *SQLiteStore) OpenFile(ctx context.Context, path string) (*model.FileInfo, io.ReadCloser, error) {
	var content []byte
	var compressed bool
	info := &model.FileInfo{Path: path}
	err := s.db.QueryRowContext(ctx,
		`SELECT content, original_size, mime_type, compressed FROM files WHERE path = ?`, path).
		Scan(&content, &info.Size, &info.MimeType, &compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open file %s: %w", path, err)
	}
	rc, err := s.codec.Open(content, compressed)
	if err != nil {
		return nil, nil, fmt.Errorf("open file %s: %w", path, err)
	}
	return info, rc, nil
}

func (s *SQLiteStore) ClearDossier(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin clear", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"files", "path_index", "dossiers"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return storageErr("clear "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit clear", err)
	}

	s.invalidateIndex()
	s.log.Info("store cleared")
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) currentDossierID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM dossiers ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDossier(row scanner) (*model.Dossier, error) {
	var d model.Dossier
	var tree, createdAt string
	if err := row.Scan(&d.ID, &d.Name, &tree, &createdAt); err != nil {
		return nil, err
	}
	d.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if err := json.Unmarshal([]byte(tree), &d.Root); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	return &d, nil
}
