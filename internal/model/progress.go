package model

// Progress is a progress notification emitted during ingestion.
// It is one of Percentage, TreeReady, BatchProgress or FileProgress.
type Progress interface {
	isProgress()
}

// Percentage is a plain overall completion value in [0, 100].
type Percentage float64

// TreeReady carries the full hierarchy before any content is available.
type TreeReady struct {
	Name string `json:"name"`
	Root *Node  `json:"root"`
}

// BatchProgress reports a persisted batch of extracted files.
type BatchProgress struct {
	Processed  int     `json:"processed"`
	Total      int     `json:"total"`
	Progress   float64 `json:"progress"`
	Class      string  `json:"class"`
	FilesReady int     `json:"files_ready"`
}

// FileProgress reports extraction progress of a single large item.
type FileProgress struct {
	Path     string `json:"path"`
	Progress int    `json:"progress"`
	Size     int64  `json:"size"`
}

func (Percentage) isProgress()    {}
func (TreeReady) isProgress()     {}
func (BatchProgress) isProgress() {}
func (FileProgress) isProgress()  {}
