package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/image-attribute-api/internal/dto"
	"github.com/noah-isme/image-attribute-api/internal/models"
	appErrors "github.com/noah-isme/image-attribute-api/pkg/errors"
	"github.com/noah-isme/image-attribute-api/pkg/jobs"
	"github.com/noah-isme/image-attribute-api/pkg/storage"
)

const searchCacheScope = "search"

// filterableAttribute maps a query parameter onto a stored attribute key. Flags only
// constrain when set and then require the stored "Yes" value.
type filterableAttribute struct {
	Param string
	Key   string
	Flag  bool
}

var filterableAttributes = []filterableAttribute{
	{Param: "hair_color", Key: models.AttributeHairColor},
	{Param: "eye_color", Key: models.AttributeEyeColor},
	{Param: "tattoos", Key: models.AttributeTattoos, Flag: true},
	{Param: "earrings", Key: models.AttributeEarrings, Flag: true},
}

// FilterParams lists the query parameters the catalog filters on.
func FilterParams() []string {
	params := make([]string, 0, len(filterableAttributes))
	for _, attr := range filterableAttributes {
		params = append(params, attr.Param)
	}
	return params
}

type imageStore interface {
	Search(ctx context.Context, filter models.ImageFilter) ([]models.Image, error)
	GetByID(ctx context.Context, id int64) (*models.Image, error)
	Delete(ctx context.Context, id int64) error
}

type fileSigner interface {
	Sign(imageID int64, ref string) (string, time.Time, error)
	Verify(token string) (*storage.SignedFile, error)
}

// CatalogServiceConfig configures URLs and caching for catalog reads.
type CatalogServiceConfig struct {
	APIPrefix string
	CacheTTL  time.Duration
}

// SearchResult is a catalog query outcome with the echo of applied filters.
type SearchResult struct {
	Images   []dto.ImageResponse
	Filters  map[string]interface{}
	CacheHit bool
}

// ImageFile is a stored image ready to stream.
type ImageFile struct {
	Data        []byte
	ContentType string
	Filename    string
}

// CatalogService answers attribute queries and serves stored images.
type CatalogService struct {
	repo      imageStore
	blobs     blobStore
	signer    fileSigner
	cleanup   cleanupEnqueuer
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       CatalogServiceConfig
}

// NewCatalogService constructs the service.
func NewCatalogService(repo imageStore, blobs blobStore, signer fileSigner, cleanup cleanupEnqueuer, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg CatalogServiceConfig) *CatalogService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	return &CatalogService{
		repo:      repo,
		blobs:     blobs,
		signer:    signer,
		cleanup:   cleanup,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
}

// Search returns every image satisfying all supplied criteria, newest first.
// Cache failures degrade to a database read.
func (s *CatalogService) Search(ctx context.Context, req dto.SearchImagesRequest) (*SearchResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid search filters")
	}
	filter, echo := buildImageFilter(req)
	gen, cacheable := s.cache.Generation(ctx, searchCacheScope)
	key := searchCacheKey(gen, filter)

	var images []models.Image
	hit := false
	if cacheable {
		hit, _ = s.cache.Get(ctx, key, &images)
	}
	if !hit {
		start := time.Now()
		found, err := s.repo.Search(ctx, filter)
		s.metrics.ObserveDBQuery("images_search", time.Since(start))
		if err != nil {
			return nil, appErrors.Internal(err, "failed to search images")
		}
		images = found
		if cacheable {
			_ = s.cache.Set(ctx, key, images, s.cfg.CacheTTL)
		}
	}

	result := &SearchResult{
		Images:   make([]dto.ImageResponse, 0, len(images)),
		Filters:  echo,
		CacheHit: hit,
	}
	for _, image := range images {
		result.Images = append(result.Images, s.withFileURL(image))
	}
	return result, nil
}

// Get returns one image with its attributes and a signed file URL.
func (s *CatalogService) Get(ctx context.Context, id int64) (*dto.ImageResponse, error) {
	image, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := s.withFileURL(*image)
	return &resp, nil
}

// OpenFile resolves a signed download token for image id to the stored bytes.
func (s *CatalogService) OpenFile(ctx context.Context, id int64, token string) (*ImageFile, error) {
	if s.signer == nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "downloads disabled")
	}
	signed, err := s.signer.Verify(token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "download link expired")
		}
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download token")
	}
	if signed.ImageID != id {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download token")
	}
	image, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if image.FilePath != signed.Ref {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download token")
	}
	data, err := s.blobs.Get(ctx, image.FilePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "image file not found")
		}
		return nil, appErrors.Internal(err, "failed to read image file")
	}
	return &ImageFile{
		Data:        data,
		ContentType: image.ContentType,
		Filename:    image.FilePath[strings.LastIndex(image.FilePath, "/")+1:],
	}, nil
}

// Delete removes the image row (attributes cascade) and then its blob. A blob that
// cannot be deleted is queued for cleanup; the row deletion still stands.
func (s *CatalogService) Delete(ctx context.Context, id int64) error {
	image, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "image not found")
		}
		return appErrors.Internal(err, "failed to delete image")
	}
	if err := s.blobs.Delete(ctx, image.FilePath); err != nil {
		s.logger.Warn("image file not deleted, queued for cleanup", zap.Int64("image_id", id), zap.Error(err))
		if s.cleanup != nil {
			if qErr := s.cleanup.Enqueue(jobs.Job{Type: JobTypeBlobCleanup, Payload: image.FilePath}); qErr != nil {
				s.logger.Error("failed to queue blob cleanup", zap.String("file_path", image.FilePath), zap.Error(qErr))
			}
		}
	}
	if err := s.cache.InvalidateScope(ctx, searchCacheScope); err != nil {
		s.logger.Warn("search cache not invalidated after delete", zap.Int64("image_id", id), zap.Error(err))
	}
	s.logger.Info("image deleted", zap.Int64("image_id", id))
	return nil
}

func (s *CatalogService) load(ctx context.Context, id int64) (*models.Image, error) {
	if id <= 0 {
		return nil, appErrors.WithField(appErrors.Clone(appErrors.ErrValidation, "invalid image id"), "id")
	}
	image, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "image not found")
		}
		return nil, appErrors.Internal(err, "failed to load image")
	}
	return image, nil
}

func (s *CatalogService) withFileURL(image models.Image) dto.ImageResponse {
	resp := dto.ImageResponse{Image: image}
	if image.Attributes == nil {
		resp.Attributes = []models.ImageAttribute{}
	}
	if s.signer == nil {
		return resp
	}
	token, expiresAt, err := s.signer.Sign(image.ID, image.FilePath)
	if err != nil {
		s.logger.Warn("failed to sign image url", zap.Int64("image_id", image.ID), zap.Error(err))
		return resp
	}
	resp.FileURL = fmt.Sprintf("%s/images/%d/file?token=%s", s.cfg.APIPrefix, image.ID, token)
	resp.FileExpiresAt = &expiresAt
	return resp
}

// buildImageFilter turns request parameters into criteria plus the echo of the
// parameters that were supplied. Supplied values are echoed exactly as sent; without
// them the echo lists the effective criteria.
func buildImageFilter(req dto.SearchImagesRequest) (models.ImageFilter, map[string]interface{}) {
	values := map[string]string{
		"hair_color": strings.TrimSpace(req.HairColor),
		"eye_color":  strings.TrimSpace(req.EyeColor),
		"tattoos":    strconv.FormatBool(req.Tattoos),
		"earrings":   strconv.FormatBool(req.Earrings),
	}
	filter := models.ImageFilter{}
	echo := map[string]interface{}{}
	for _, attr := range filterableAttributes {
		if raw, ok := req.Supplied[attr.Param]; ok {
			echo[attr.Param] = raw
		}
		value := values[attr.Param]
		if attr.Flag {
			if value != "true" {
				continue
			}
			if req.Supplied == nil {
				echo[attr.Param] = true
			}
			filter.Criteria = append(filter.Criteria, models.AttributeCriterion{
				Key: attr.Key, Value: models.AttributeYes, Mode: models.MatchEquals,
			})
			continue
		}
		if value == "" {
			continue
		}
		if req.Supplied == nil {
			echo[attr.Param] = value
		}
		filter.Criteria = append(filter.Criteria, models.AttributeCriterion{
			Key: attr.Key, Value: value, Mode: models.MatchContains,
		})
	}
	return filter, echo
}

func searchCacheKey(gen int64, filter models.ImageFilter) string {
	parts := make([]string, 0, len(filter.Criteria))
	for _, c := range filter.Criteria {
		parts = append(parts, c.Key+"\x1f"+string(c.Mode)+"\x1f"+c.Value)
	}
	return fmt.Sprintf("%s:%d:%s", searchCacheScope, gen, checksum([]byte(strings.Join(parts, "\x1e"))))
}
