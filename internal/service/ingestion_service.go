package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/noah-isme/image-attribute-api/internal/models"
	"github.com/noah-isme/image-attribute-api/pkg/classifier"
	appErrors "github.com/noah-isme/image-attribute-api/pkg/errors"
	"github.com/noah-isme/image-attribute-api/pkg/jobs"
	"github.com/noah-isme/image-attribute-api/pkg/storage"
)

// JobTypeBlobCleanup identifies retried deletions of orphaned blobs.
const JobTypeBlobCleanup = "blob-cleanup"

const uploadField = "image"

type imageWriter interface {
	CreateWithAttributes(ctx context.Context, image *models.Image) error
}

type blobStore interface {
	Put(ctx context.Context, ref string, data []byte) error
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

type cleanupEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// ImageUpload is the single file submitted under the "image" form field.
type ImageUpload struct {
	Filename string
	Size     int64
	Content  io.Reader
}

// IngestionServiceConfig bounds accepted uploads.
type IngestionServiceConfig struct {
	MaxFileSize    int64
	AllowedMIMEs   []string
	UploadDir      string
	CleanupTimeout time.Duration
}

// IngestionService validates, stores, classifies and records uploaded images.
// A stored blob never outlives a failed ingestion.
type IngestionService struct {
	repo       imageWriter
	blobs      blobStore
	classifier classifier.Classifier
	cleanup    cleanupEnqueuer
	cache      *CacheService
	metrics    *MetricsService
	logger     *zap.Logger
	cfg        IngestionServiceConfig
	mimeSet    map[string]struct{}
}

// NewIngestionService constructs the service with defaults.
func NewIngestionService(repo imageWriter, blobs blobStore, cls classifier.Classifier, cleanup cleanupEnqueuer, cache *CacheService, metrics *MetricsService, logger *zap.Logger, cfg IngestionServiceConfig) *IngestionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 5048 * 1024
	}
	if len(cfg.AllowedMIMEs) == 0 {
		cfg.AllowedMIMEs = []string{"image/jpeg", "image/png", "image/gif"}
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 10 * time.Second
	}
	mimeSet := make(map[string]struct{}, len(cfg.AllowedMIMEs))
	for _, mt := range cfg.AllowedMIMEs {
		mimeSet[strings.ToLower(mt)] = struct{}{}
	}
	return &IngestionService{
		repo:       repo,
		blobs:      blobs,
		classifier: cls,
		cleanup:    cleanup,
		cache:      cache,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		mimeSet:    mimeSet,
	}
}

// Ingest runs the upload pipeline. It returns a validation error before any I/O,
// CLASSIFICATION_REJECTED when the classifier declines, and an internal error when
// storage or the database fails.
func (s *IngestionService) Ingest(ctx context.Context, upload ImageUpload) (image *models.Image, err error) {
	data, contentType, ext, err := s.validate(upload)
	if err != nil {
		s.metrics.ObserveIngestion(IngestionInvalid)
		return nil, err
	}

	ref := storage.NewReference(s.cfg.UploadDir, ext)
	if err := s.blobs.Put(ctx, ref, data); err != nil {
		s.metrics.ObserveIngestion(IngestionFailed)
		return nil, appErrors.Internal(err, "failed to store image")
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if discardErr := s.discard(ctx, ref); discardErr != nil {
			image, err = nil, discardErr
		}
		if errors.Is(err, appErrors.ErrClassificationRejected) {
			s.metrics.ObserveIngestion(IngestionRejected)
		} else {
			s.metrics.ObserveIngestion(IngestionFailed)
		}
	}()

	stored, err := s.blobs.Get(ctx, ref)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to read stored image")
	}

	start := time.Now()
	result := s.classifier.Classify(ctx, stored)
	s.metrics.ObserveClassification(result.Succeeded, time.Since(start))
	if !result.Succeeded {
		return nil, appErrors.Clone(appErrors.ErrClassificationRejected, "")
	}

	image = &models.Image{
		FilePath:    ref,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		Checksum:    checksum(data),
		Attributes:  make([]models.ImageAttribute, 0, len(result.Attributes)),
	}
	for _, attr := range result.Attributes {
		image.Attributes = append(image.Attributes, models.ImageAttribute{Key: attr.Key, Value: attr.Value})
	}

	start = time.Now()
	err = s.repo.CreateWithAttributes(ctx, image)
	s.metrics.ObserveDBQuery("images_create", time.Since(start))
	if err != nil {
		return nil, appErrors.Internal(err, "failed to save image attributes")
	}
	committed = true
	s.metrics.ObserveIngestion(IngestionCommitted)

	if err := s.cache.InvalidateScope(ctx, searchCacheScope); err != nil {
		s.logger.Warn("search cache not invalidated after ingest", zap.Int64("image_id", image.ID), zap.Error(err))
	}
	s.logger.Info("image ingested",
		zap.Int64("image_id", image.ID),
		zap.String("file_path", ref),
		zap.Int("attributes", len(image.Attributes)),
	)
	return image, nil
}

func (s *IngestionService) validate(upload ImageUpload) ([]byte, string, string, error) {
	if upload.Content == nil {
		return nil, "", "", validationError("image is required")
	}
	if upload.Size > s.cfg.MaxFileSize {
		return nil, "", "", validationError(fmt.Sprintf("image exceeds %d bytes limit", s.cfg.MaxFileSize))
	}
	data, err := io.ReadAll(io.LimitReader(upload.Content, s.cfg.MaxFileSize+1))
	if err != nil {
		return nil, "", "", appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "failed to read image")
	}
	if len(data) == 0 {
		return nil, "", "", validationError("image is required")
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		return nil, "", "", validationError(fmt.Sprintf("image exceeds %d bytes limit", s.cfg.MaxFileSize))
	}
	detected := mimetype.Detect(data)
	if _, ok := s.mimeSet[strings.ToLower(detected.String())]; !ok {
		return nil, "", "", validationError("image must be a file of type: jpeg, png, jpg, gif")
	}
	return data, detected.String(), detected.Extension(), nil
}

// discard deletes ref outside the request's cancellation. When the delete fails a
// retry job is queued and the failure is reported as fatal.
func (s *IngestionService) discard(ctx context.Context, ref string) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CleanupTimeout)
	defer cancel()

	err := s.blobs.Delete(cleanupCtx, ref)
	if err == nil {
		s.metrics.ObserveBlobCleanup("deleted")
		return nil
	}
	s.metrics.ObserveBlobCleanup("deferred")
	s.logger.Error("failed to discard stored image", zap.String("file_path", ref), zap.Error(err))
	if s.cleanup != nil {
		if qErr := s.cleanup.Enqueue(jobs.Job{Type: JobTypeBlobCleanup, Payload: ref}); qErr != nil {
			s.logger.Error("failed to queue blob cleanup", zap.String("file_path", ref), zap.Error(qErr))
		}
	}
	return appErrors.Internal(err, "failed to discard stored image")
}

// NewBlobCleanupHandler returns the queue handler retrying deletion of orphaned blobs.
func NewBlobCleanupHandler(blobs blobStore, metrics *MetricsService, logger *zap.Logger) jobs.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, job jobs.Job) error {
		ref, ok := job.Payload.(string)
		if !ok || ref == "" {
			logger.Error("blob cleanup job without reference", zap.String("job_id", job.ID))
			return nil
		}
		if err := blobs.Delete(ctx, ref); err != nil {
			metrics.ObserveBlobCleanup("retry_failed")
			return fmt.Errorf("delete blob %s: %w", ref, err)
		}
		metrics.ObserveBlobCleanup("deleted")
		logger.Info("orphaned blob deleted", zap.String("file_path", ref), zap.Int("attempt", job.Attempt))
		return nil
	}
}

func validationError(message string) error {
	return appErrors.WithField(appErrors.Clone(appErrors.ErrValidation, message), uploadField)
}

func checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
