package store

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rcliao/dossier-cache/internal/model"
)

func seedModule3(t *testing.T, s *SQLiteStore) {
	t.Helper()
	_, err := s.SaveDossier(context.Background(), "Module 3", sampleTree(), []model.ExtractedFile{
		file("Module 3/3.2.P.1/spec.pdf", model.MimePDF, []byte("spec")),
		file("Module 3/3.2.P.1/notes.txt", "text/plain", []byte("notes")),
		file("Module 3/3.2.P.2/dev.pdf", model.MimePDF, []byte("dev")),
		file("Module 3/3.2.P.1/annex/a.pdf", model.MimePDF, []byte("annex")),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestFindFileByPattern(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedModule3(t, s)

	tests := []struct {
		pattern string
		want    string
	}{
		{"3.2.p.1", "Module 3/3.2.P.1/spec.pdf"},
		{"SPEC.PDF", "Module 3/3.2.P.1/spec.pdf"},
		{"dev", "Module 3/3.2.P.2/dev.pdf"},
		{"nonexistent", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := s.FindFileByPattern(ctx, tt.pattern)
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if got != tt.want {
				t.Errorf("FindFileByPattern(%q) = %q, want %q", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestBestMatch_SingleCandidate(t *testing.T) {
	index := map[string]string{"module 3/3.2.p.1/spec.pdf": "Module 3/3.2.P.1/spec.pdf"}
	if got := BestMatch(index, "3.2.p.1"); got != "Module 3/3.2.P.1/spec.pdf" {
		t.Errorf("got %q", got)
	}
	if got := BestMatch(index, "nonexistent"); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		path, needle string
		want         int
	}{
		{"a.pdf", "a.pdf", 100 + 50 + 30 + 10 - 1},
		{"x/y/a.pdf", "a.pdf", 50 + 30 + 10 - 3},
		{"x/3.2.p.1/a.pdf", "3.2.p.1", 10 - 3},
		{"x/abc", "b", 50 + 10 - 2},
	}
	for _, tt := range tests {
		if got := Score(tt.path, tt.needle); got != tt.want {
			t.Errorf("Score(%q, %q) = %d, want %d", tt.path, tt.needle, got, tt.want)
		}
	}
}

func TestSiblings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedModule3(t, s)

	got, err := s.Siblings(ctx, "Module 3/3.2.P.1/spec.pdf", 5)
	if err != nil {
		t.Fatalf("siblings: %v", err)
	}
	if len(got) != 1 || got[0] != "Module 3/3.2.P.1/notes.txt" {
		t.Errorf("unexpected siblings %v", got)
	}

	none, _ := s.Siblings(ctx, "Module 3/3.2.P.2/dev.pdf", 5)
	if len(none) != 0 {
		t.Errorf("expected no siblings, got %v", none)
	}
}

func TestGetFilesByType(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedModule3(t, s)

	pdfs, err := s.GetFilesByType(ctx, model.MimePDF)
	if err != nil {
		t.Fatalf("by type: %v", err)
	}
	if len(pdfs) != 3 {
		t.Fatalf("expected 3 pdfs, got %d", len(pdfs))
	}
	if pdfs[0].Path != "Module 3/3.2.P.1/annex/a.pdf" {
		t.Errorf("expected path order, got %v", pdfs)
	}

	none, _ := s.GetFilesByType(ctx, "image/png")
	if len(none) != 0 {
		t.Errorf("expected no png files, got %v", none)
	}
}

func TestExportAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	big := bytes.Repeat([]byte("compress me "), 1000)
	s.SaveDossier(ctx, "D", sampleTree(), []model.ExtractedFile{
		file("D/big.txt", "text/plain", big),
		file("D/sub/small.txt", "text/plain", []byte("s")),
	})

	got := map[string][]byte{}
	n, err := s.ExportAll(ctx, func(info model.FileInfo, r io.Reader) error {
		b, err := io.ReadAll(r)
		got[info.Path] = b
		return err
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 exported, got %d", n)
	}
	if !bytes.Equal(got["D/big.txt"], big) {
		t.Error("big.txt content mismatch")
	}

	dir := t.TempDir()
	if _, err := s.ExportToDir(ctx, dir); err != nil {
		t.Fatalf("export to dir: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "D", "sub", "small.txt"))
	if err != nil || string(b) != "s" {
		t.Errorf("expected exported small.txt, got %q, %v", b, err)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	seedModule3(t, s)

	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Dossiers != 1 || st.Files != 4 {
		t.Fatalf("expected 1 dossier / 4 files, got %d / %d", st.Dossiers, st.Files)
	}
	if len(st.Types) != 2 || st.Types[0].MimeType != model.MimePDF {
		t.Errorf("unexpected type breakdown %+v", st.Types)
	}
	if st.DBSizeBytes == 0 {
		t.Fatal("expected non-zero db size")
	}
}
