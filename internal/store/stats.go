package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath          string      `json:"db_path"`
	DBSizeBytes     int64       `json:"db_size_bytes"`
	Dossiers        int         `json:"dossiers"`
	Files           int         `json:"files"`
	CompressedFiles int         `json:"compressed_files"`
	OriginalBytes   int64       `json:"original_bytes"`
	StoredBytes     int64       `json:"stored_bytes"`
	Types           []TypeStats `json:"types"`
}

// TypeStats holds per-MIME-type counts.
type TypeStats struct {
	MimeType string `json:"type"`
	Count    int    `json:"count"`
	Bytes    int64  `json:"bytes"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path}

	// DB file size
	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dossiers`).Scan(&st.Dossiers)
	s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(compressed), 0),
		       COALESCE(SUM(original_size), 0), COALESCE(SUM(compressed_size), 0)
		FROM files`).Scan(&st.Files, &st.CompressedFiles, &st.OriginalBytes, &st.StoredBytes)

	rows, err := s.db.QueryContext(ctx, `
		SELECT mime_type, COUNT(*) AS cnt, SUM(original_size)
		FROM files GROUP BY mime_type ORDER BY cnt DESC, mime_type`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var ts TypeStats
		rows.Scan(&ts.MimeType, &ts.Count, &ts.Bytes)
		st.Types = append(st.Types, ts)
	}

	return st, nil
}
