// Package export renders a project's version history as an HTML changelog
// and optionally converts it to PDF with headless Chrome.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// Changelog is the material rendered into an export: the project's version
// tree flattened in depth-first order.
type Changelog struct {
	ProjectID   string
	Title       string
	GeneratedAt time.Time
	Entries     []Entry
}

// Entry is one version in the changelog.
type Entry struct {
	ID          string
	Title       string
	Description string
	ForkReason  string
	CreatedOn   time.Time
	Depth       int
	Added       []string
	Removed     []string
	Edited      []string
	Messages    []Message
}

// Message is a chat turn pinned to a version.
type Message struct {
	Sender    string
	Content   string
	CreatedOn time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
