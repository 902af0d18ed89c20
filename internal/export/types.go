// Package export renders scripts as Fountain, HTML, PDF and DOCX.
package export

import (
	"errors"
	"fmt"
	"strings"
)

type Format string

const (
	FormatFountain Format = "fountain"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
)

// ParseFormat accepts a format name case-insensitively. Empty means PDF.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case "", FormatPDF:
		return FormatPDF, nil
	case FormatFountain:
		return FormatFountain, nil
	case FormatHTML:
		return FormatHTML, nil
	case FormatDOCX:
		return FormatDOCX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, value)
	}
}

type Request struct {
	ScriptID string
	Format   Format
	// Archive uploads the result to object storage and fills Result.URL.
	Archive bool
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
	URL      string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
	// ErrArchiveUnavailable is returned when archiving is requested without object storage.
	ErrArchiveUnavailable = errors.New("export archive not configured")
)
