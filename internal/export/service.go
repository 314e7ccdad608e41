package export

import "fmt"

// Service renders changelogs into downloadable artifacts.
type Service struct{}

// NewService creates an export service.
func NewService() *Service {
	return &Service{}
}

// Export renders the changelog in the requested format.
func (s *Service) Export(changelog Changelog, format Format) (*Result, error) {
	html, err := RenderChangelogHTML(changelog)
	if err != nil {
		return nil, fmt.Errorf("render changelog: %w", err)
	}

	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(changelog.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(html, changelog.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}
