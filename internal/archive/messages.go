package archive

import "github.com/rcliao/dossier-cache/internal/model"

// MessageType tags an extraction worker message.
type MessageType int

const (
	MsgTreeReady MessageType = iota + 1
	MsgBatchProcessed
	MsgFileProgress
	MsgCompleted
	MsgError
)

func (t MessageType) String() string {
	switch t {
	case MsgTreeReady:
		return "tree_ready"
	case MsgBatchProcessed:
		return "batch_processed"
	case MsgFileProgress:
		return "file_progress"
	case MsgCompleted:
		return "completed"
	case MsgError:
		return "error"
	default:
		return "unknown"
	}
}

// Size classes, in processing order.
const (
	ClassPriority = "priority"
	ClassSmall    = "small"
	ClassLarge    = "large"
	ClassHuge     = "huge"
)

// Message is one notification from the extraction worker. Which fields are
// set depends on Type. Payloads are owned by the receiver once sent.
type Message struct {
	Type          MessageType
	CorrelationID string

	// MsgTreeReady
	Name string
	Root *model.Node

	// MsgBatchProcessed and MsgCompleted
	Files     []model.ExtractedFile
	Processed int
	Total     int
	Progress  float64
	Class     string

	// MsgFileProgress
	Path         string
	FileProgress int
	Size         int64

	// MsgError
	Err error
}
