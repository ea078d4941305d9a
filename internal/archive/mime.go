package archive

import (
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const mimeOctetStream = "application/octet-stream"

var mimeTypes = map[string]string{
	"pdf":  "application/pdf",
	"txt":  "text/plain",
	"html": "text/html",
	"htm":  "text/html",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"xml":  "application/xml",
	"json": "application/json",
}

// MimeByName returns the content type implied by the file extension, or ""
// if the extension is not known.
func MimeByName(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	return mimeTypes[ext]
}

// DetectMime resolves a content type from the name first and the content
// second. Sniffed parameters such as charset are dropped.
func DetectMime(name string, content []byte) string {
	if m := MimeByName(name); m != "" {
		return m
	}
	if len(content) == 0 {
		return mimeOctetStream
	}
	m := mimetype.Detect(content).String()
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	if m == "" {
		return mimeOctetStream
	}
	return m
}

// IsPriorityName reports whether a path names a latency-sensitive document.
func IsPriorityName(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".pdf")
}
