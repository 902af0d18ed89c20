package export

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"ghostwriter/api/internal/bridge"
	"ghostwriter/api/internal/screenplay"
)

// DataStore loads a script and its blocks in document order.
type DataStore interface {
	LoadScript(ctx context.Context, scriptID string) (screenplay.Script, []screenplay.Block, error)
}

// Archiver keeps a copy of an export and returns a download link.
type Archiver interface {
	Store(ctx context.Context, scriptID string, result *Result) (string, error)
}

type renderFunc func(ctx context.Context, html string) ([]byte, error)

type Service struct {
	store   DataStore
	archive Archiver
	pdf     renderFunc
	docx    renderFunc
	now     func() time.Time
}

// NewService creates an export service. archive may be nil.
func NewService(store DataStore, archive Archiver) *Service {
	return &Service{
		store:   store,
		archive: archive,
		pdf:     renderPDF,
		docx:    renderDOCX,
		now:     time.Now,
	}
}

func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Archive && s.archive == nil {
		return nil, ErrArchiveUnavailable
	}

	script, blocks, err := s.store.LoadScript(ctx, req.ScriptID)
	if err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}
	doc, err := bridge.ToDocument(blocks)
	if err != nil {
		return nil, fmt.Errorf("build document: %w", err)
	}

	name := sanitizeFilename(script.Title)
	var result *Result
	switch req.Format {
	case FormatFountain:
		ordered := make([]screenplay.Block, 0, len(doc.Content))
		for _, node := range doc.Content {
			block, err := bridge.FromNode(node, script.ID, "")
			if err != nil {
				return nil, err
			}
			ordered = append(ordered, block)
		}
		result = &Result{
			Data:     Fountain(script.Title, script.Author, ordered),
			Filename: name + ".fountain",
			MimeType: "text/plain; charset=utf-8",
		}
	case FormatHTML, FormatPDF, FormatDOCX:
		page, err := RenderScreenplayHTML(TemplateData{
			Title:       script.Title,
			Author:      script.Author,
			ContentHTML: template.HTML(DocumentToHTML(doc)),
			ExportedAt:  s.now(),
		})
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		result, err = s.renderPage(ctx, req.Format, page, name)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, req.Format)
	}

	if req.Archive {
		link, err := s.archive.Store(ctx, script.ID, result)
		if err != nil {
			return nil, fmt.Errorf("archive export: %w", err)
		}
		result.URL = link
	}
	return result, nil
}

func (s *Service) renderPage(ctx context.Context, format Format, page, name string) (*Result, error) {
	switch format {
	case FormatPDF:
		data, err := s.pdf(ctx, page)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
	case FormatDOCX:
		data, err := s.docx(ctx, page)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     data,
			Filename: name + ".docx",
			MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		}, nil
	default:
		return &Result{Data: []byte(page), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	}
}
