package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/image-attribute-api/internal/dto"
	appErrors "github.com/noah-isme/image-attribute-api/pkg/errors"
	"github.com/noah-isme/image-attribute-api/pkg/export"
)

var exportHeaders = []string{"id", "created_at", "file_path", "content_type", "size_bytes", "attributes"}

type imageSearcher interface {
	Search(ctx context.Context, req dto.SearchImagesRequest) (*SearchResult, error)
}

// ExportService renders catalog search results as downloadable documents.
type ExportService struct {
	catalog imageSearcher
	logger  *zap.Logger
	now     func() time.Time
}

// NewExportService constructs an ExportService.
func NewExportService(catalog imageSearcher, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{catalog: catalog, logger: logger, now: time.Now}
}

// Export runs the search described by req and renders it in req.Format (csv by default).
func (s *ExportService) Export(ctx context.Context, req dto.ExportImagesRequest) (*dto.ExportFile, error) {
	format := strings.ToLower(strings.TrimSpace(req.Format))
	exporter, err := export.ForFormat(format)
	if err != nil {
		return nil, appErrors.WithField(appErrors.Clone(appErrors.ErrValidation, err.Error()), "format")
	}
	result, err := s.catalog.Search(ctx, req.SearchImagesRequest)
	if err != nil {
		return nil, err
	}

	generatedAt := s.now().UTC()
	dataset := export.Dataset{
		Title:   fmt.Sprintf("Image attributes (%d) - %s", len(result.Images), generatedAt.Format(time.RFC3339)),
		Headers: exportHeaders,
		Rows:    make([]map[string]string, 0, len(result.Images)),
	}
	for _, image := range result.Images {
		pairs := make([]string, 0, len(image.Attributes))
		for _, attr := range image.Attributes {
			pairs = append(pairs, attr.Key+": "+attr.Value)
		}
		dataset.Rows = append(dataset.Rows, map[string]string{
			"id":           strconv.FormatInt(image.ID, 10),
			"created_at":   image.CreatedAt.UTC().Format(time.RFC3339),
			"file_path":    image.FilePath,
			"content_type": image.ContentType,
			"size_bytes":   strconv.FormatInt(image.SizeBytes, 10),
			"attributes":   strings.Join(pairs, "; "),
		})
	}

	content, err := exporter.Render(dataset)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to render export")
	}
	s.logger.Info("image export rendered", zap.String("format", exporter.Extension()), zap.Int("rows", len(dataset.Rows)))
	return &dto.ExportFile{
		Filename:    "images-" + generatedAt.Format("20060102-150405") + exporter.Extension(),
		ContentType: exporter.ContentType(),
		Content:     content,
	}, nil
}
