package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/rcliao/dossier-cache/internal/model"
)

// pathIndex is the in-memory copy of one dossier's path_index row.
type pathIndex struct {
	dossierID string
	lower     map[string]string
	// byFolder maps a folder path to its file paths, sorted.
	byFolder map[string][]string
}

func newPathIndex(dossierID string, lower map[string]string) *pathIndex {
	idx := &pathIndex{dossierID: dossierID, lower: lower, byFolder: map[string][]string{}}
	for _, p := range lower {
		dir := folderOf(p)
		idx.byFolder[dir] = append(idx.byFolder[dir], p)
	}
	for _, paths := range idx.byFolder {
		sort.Strings(paths)
	}
	return idx
}

func (s *SQLiteStore) invalidateIndex() {
	s.idxMu.Lock()
	s.index = nil
	s.idxMu.Unlock()
}

// loadIndex returns the path index of the current dossier. A dossier whose
// ingestion has not completed yet has an empty index.
func (s *SQLiteStore) loadIndex(ctx context.Context) (*pathIndex, error) {
	id, err := s.currentDossierID(ctx)
	if err != nil {
		return nil, fmt.Errorf("current dossier: %w", err)
	}

	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	if s.index != nil && s.index.dossierID == id {
		return s.index, nil
	}

	lower := map[string]string{}
	if id != "" {
		var raw string
		err := s.db.QueryRowContext(ctx, `SELECT paths FROM path_index WHERE dossier_id = ?`, id).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("load path index: %w", err)
		default:
			if err := json.Unmarshal([]byte(raw), &lower); err != nil {
				return nil, fmt.Errorf("decode path index: %w", err)
			}
		}
	}
	s.index = newPathIndex(id, lower)
	return s.index, nil
}

func (s *SQLiteStore) FindFileByPattern(ctx context.Context, pattern string) (string, error) {
	idx, err := s.loadIndex(ctx)
	if err != nil {
		return "", err
	}
	return BestMatch(idx.lower, pattern), nil
}

// BestMatch picks the highest scoring original path from a lower-cased path
// index, or "" when no path contains the pattern. Ties go to the shorter
// path, then to lexical order.
func BestMatch(index map[string]string, pattern string) string {
	needle := strings.ToLower(pattern)
	if needle == "" {
		return ""
	}

	best, bestScore := "", 0
	for lower, original := range index {
		if !strings.Contains(lower, needle) {
			continue
		}
		score := Score(lower, needle)
		switch {
		case best == "":
		case score > bestScore:
		case score == bestScore && len(original) < len(best):
		case score == bestScore && len(original) == len(best) && original < best:
		default:
			continue
		}
		best, bestScore = original, score
	}
	return best
}

// Score ranks a lower-cased path against a lower-cased pattern it contains.
func Score(lowerPath, needle string) int {
	score := 0
	if lowerPath == needle {
		score += 100
	}
	if strings.Contains(path.Base(lowerPath), needle) {
		score += 50
	}
	if strings.HasSuffix(lowerPath, needle) {
		score += 30
	}
	if strings.Contains(lowerPath, needle) {
		score += 10
	}
	return score - len(strings.Split(lowerPath, "/"))
}

func (s *SQLiteStore) Siblings(ctx context.Context, filePath string, limit int) ([]string, error) {
	idx, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range idx.byFolder[folderOf(filePath)] {
		if p == filePath {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLiteStore) GetFilesByType(ctx context.Context, mime string) ([]model.FileInfo, error) {
	id, err := s.currentDossierID(ctx)
	if err != nil {
		return nil, fmt.Errorf("current dossier: %w", err)
	}
	if id == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT path, original_size, mime_type FROM files
		 WHERE mime_type = ? AND dossier_id = ?
		 ORDER BY path`, mime, id)
	if err != nil {
		return nil, fmt.Errorf("files by type: %w", err)
	}
	defer rows.Close()

	var files []model.FileInfo
	for rows.Next() {
		var f model.FileInfo
		if err := rows.Scan(&f.Path, &f.Size, &f.MimeType); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func folderOf(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i]
	}
	return ""
}
