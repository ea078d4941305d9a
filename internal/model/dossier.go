// Package model defines the core dossier data types.
package model

import "time"

// Kind distinguishes file nodes from folder nodes.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Node is one entry in a dossier hierarchy. Path is "/"-delimited and unique
// within a dossier; the root node has an empty path.
type Node struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Kind     Kind    `json:"type"`
	Size     int64   `json:"size,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// IsFolder reports whether n is a folder node.
func (n *Node) IsFolder() bool {
	return n.Kind == KindFolder
}

// Dossier is the top-level handle for one ingested archive.
type Dossier struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Root      *Node     `json:"root"`
	CreatedAt time.Time `json:"created_at"`
}

// ExtractedFile is one file produced by the extraction worker.
type ExtractedFile struct {
	Path     string `json:"path"`
	Content  []byte `json:"-"`
	Size     int64  `json:"size"`
	MimeType string `json:"type"`
}

// FileRecord is the persisted representation of one file's content.
// OriginalSize is authoritative even when Content is stored compressed.
type FileRecord struct {
	Path           string `json:"path"`
	DossierID      string `json:"dossier_id"`
	Content        []byte `json:"-"`
	OriginalSize   int64  `json:"original_size"`
	CompressedSize int64  `json:"compressed_size"`
	MimeType       string `json:"type"`
	Compressed     bool   `json:"compressed"`
}

// FileData is decompressed file content as handed to readers.
// Content must be treated as read-only; it may be shared with the cache.
type FileData struct {
	Content  []byte `json:"-"`
	MimeType string `json:"type"`
	Size     int64  `json:"size"`
	Priority bool   `json:"priority,omitempty"`
}

// FileInfo is file metadata without content.
type FileInfo struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	MimeType string `json:"type"`
}

// MimePDF is the content type of paginated documents, which get priority
// treatment during extraction and caching.
const MimePDF = "application/pdf"

// IsPriorityMime reports whether content of the given type is latency-sensitive.
func IsPriorityMime(mime string) bool {
	return mime == MimePDF
}
