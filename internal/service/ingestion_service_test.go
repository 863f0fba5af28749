package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/image-attribute-api/internal/models"
	"github.com/noah-isme/image-attribute-api/pkg/classifier"
	appErrors "github.com/noah-isme/image-attribute-api/pkg/errors"
	"github.com/noah-isme/image-attribute-api/pkg/jobs"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0x01}, 64)...)

type blobStoreStub struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	puts      int
	putErr    error
	getErr    error
	deleteErr error
	deleted   []string
}

func newBlobStoreStub() *blobStoreStub {
	return &blobStoreStub{blobs: make(map[string][]byte)}
}

func (s *blobStoreStub) Put(ctx context.Context, ref string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.putErr != nil {
		return s.putErr
	}
	s.blobs[ref] = append([]byte(nil), data...)
	return nil
}

func (s *blobStoreStub) Get(ctx context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.blobs[ref], nil
}

func (s *blobStoreStub) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.blobs, ref)
	s.deleted = append(s.deleted, ref)
	return nil
}

type classifierStub struct {
	result   classifier.Result
	received []byte
	calls    int
}

func (c *classifierStub) Classify(ctx context.Context, image []byte) classifier.Result {
	c.calls++
	c.received = image
	return c.result
}

type imageWriterStub struct {
	images []*models.Image
	err    error
}

func (r *imageWriterStub) CreateWithAttributes(ctx context.Context, image *models.Image) error {
	if r.err != nil {
		return r.err
	}
	image.ID = int64(len(r.images) + 1)
	r.images = append(r.images, image)
	return nil
}

type queueStub struct {
	jobs []jobs.Job
}

func (q *queueStub) Enqueue(job jobs.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type ingestionFixture struct {
	svc        *IngestionService
	blobs      *blobStoreStub
	classifier *classifierStub
	repo       *imageWriterStub
	queue      *queueStub
}

func newIngestionFixture(result classifier.Result) *ingestionFixture {
	f := &ingestionFixture{
		blobs:      newBlobStoreStub(),
		classifier: &classifierStub{result: result},
		repo:       &imageWriterStub{},
		queue:      &queueStub{},
	}
	f.svc = NewIngestionService(f.repo, f.blobs, f.classifier, f.queue, nil, NewMetricsService(), nil, IngestionServiceConfig{
		MaxFileSize: 1024,
	})
	return f
}

func pngUpload() ImageUpload {
	return ImageUpload{Filename: "a.png", Size: int64(len(pngBytes)), Content: bytes.NewReader(pngBytes)}
}

func succeeded(attrs ...classifier.Attribute) classifier.Result {
	return classifier.Result{Succeeded: true, Attributes: attrs}
}

func TestIngestCommitsAttributesInResponseOrder(t *testing.T) {
	f := newIngestionFixture(succeeded(
		classifier.Attribute{Key: "Eye Color", Value: "Blue"},
		classifier.Attribute{Key: "Tattoos", Value: "Yes"},
	))

	image, err := f.svc.Ingest(context.Background(), pngUpload())
	require.NoError(t, err)

	require.Len(t, f.repo.images, 1)
	assert.Equal(t, int64(1), image.ID)
	assert.Equal(t, []models.ImageAttribute{
		{Key: "Eye Color", Value: "Blue"},
		{Key: "Tattoos", Value: "Yes"},
	}, image.Attributes)
	assert.Equal(t, "image/png", image.ContentType)
	assert.Equal(t, int64(len(pngBytes)), image.SizeBytes)
	assert.Len(t, image.Checksum, 64)
	assert.True(t, strings.HasPrefix(image.FilePath, "uploads/"))
	assert.True(t, strings.HasSuffix(image.FilePath, ".png"))

	// the classifier sees the bytes read back from storage
	assert.Equal(t, pngBytes, f.classifier.received)
	assert.Contains(t, f.blobs.blobs, image.FilePath)
	assert.Empty(t, f.blobs.deleted)
}

func TestIngestPreservesDuplicateKeys(t *testing.T) {
	f := newIngestionFixture(succeeded(
		classifier.Attribute{Key: "Hair Color", Value: "Black"},
		classifier.Attribute{Key: "Hair Color", Value: "Grey"},
	))

	image, err := f.svc.Ingest(context.Background(), pngUpload())
	require.NoError(t, err)
	require.Len(t, image.Attributes, 2)
	assert.Equal(t, "Grey", image.Attributes[1].Value)
}

func TestIngestRejectionLeavesNoOrphan(t *testing.T) {
	f := newIngestionFixture(classifier.Result{Succeeded: false})

	image, err := f.svc.Ingest(context.Background(), pngUpload())
	require.Error(t, err)
	assert.Nil(t, image)

	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrClassificationRejected.Code, appErr.Code)
	assert.Equal(t, "Not a human body or API failed.", appErr.Message)
	assert.Equal(t, 422, appErr.Status)

	assert.Empty(t, f.repo.images)
	assert.Empty(t, f.blobs.blobs)
	assert.Len(t, f.blobs.deleted, 1)
	assert.Empty(t, f.queue.jobs)
}

func TestIngestCleansUpWhenRequestCancelled(t *testing.T) {
	f := newIngestionFixture(classifier.Result{Succeeded: false})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Ingest(ctx, pngUpload())
	require.Error(t, err)
	assert.Empty(t, f.blobs.blobs)
}

func TestIngestRejectsInvalidUploadsBeforeIO(t *testing.T) {
	cases := map[string]ImageUpload{
		"missing":   {},
		"empty":     {Content: bytes.NewReader(nil)},
		"not image": {Content: strings.NewReader("%PDF-1.4 this is a document")},
		"too large": {Content: bytes.NewReader(append(append([]byte(nil), pngBytes...), make([]byte, 2048)...))},
		"declared too large": {
			Size:    4096,
			Content: bytes.NewReader(pngBytes),
		},
	}
	for name, upload := range cases {
		t.Run(name, func(t *testing.T) {
			f := newIngestionFixture(succeeded())
			_, err := f.svc.Ingest(context.Background(), upload)
			require.Error(t, err)

			appErr := appErrors.FromError(err)
			assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
			assert.Equal(t, "image", appErr.Field)
			assert.Zero(t, f.blobs.puts)
			assert.Zero(t, f.classifier.calls)
		})
	}
}

func TestIngestStoreFailureIsFatal(t *testing.T) {
	f := newIngestionFixture(succeeded())
	f.blobs.putErr = errors.New("bucket unavailable")

	_, err := f.svc.Ingest(context.Background(), pngUpload())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInternal.Code, appErrors.FromError(err).Code)
	assert.Zero(t, f.classifier.calls)
}

func TestIngestReadBackFailureDiscardsBlob(t *testing.T) {
	f := newIngestionFixture(succeeded())
	f.blobs.getErr = errors.New("read timeout")

	_, err := f.svc.Ingest(context.Background(), pngUpload())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInternal.Code, appErrors.FromError(err).Code)
	assert.Empty(t, f.blobs.blobs)
	assert.Zero(t, f.classifier.calls)
}

func TestIngestDatabaseFailureDiscardsBlob(t *testing.T) {
	f := newIngestionFixture(succeeded(classifier.Attribute{Key: "Eye Color", Value: "Blue"}))
	f.repo.err = errors.New("connection reset")

	_, err := f.svc.Ingest(context.Background(), pngUpload())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInternal.Code, appErrors.FromError(err).Code)
	assert.Empty(t, f.blobs.blobs)
}

func TestIngestQueuesCleanupWhenDiscardFails(t *testing.T) {
	f := newIngestionFixture(classifier.Result{Succeeded: false})
	f.blobs.deleteErr = errors.New("permission denied")

	_, err := f.svc.Ingest(context.Background(), pngUpload())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInternal.Code, appErrors.FromError(err).Code)

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, JobTypeBlobCleanup, f.queue.jobs[0].Type)
	for ref := range f.blobs.blobs {
		assert.Equal(t, ref, f.queue.jobs[0].Payload)
	}
}

func TestBlobCleanupHandler(t *testing.T) {
	blobs := newBlobStoreStub()
	blobs.blobs["uploads/x.png"] = []byte("x")
	handler := NewBlobCleanupHandler(blobs, nil, nil)

	require.NoError(t, handler(context.Background(), jobs.Job{Type: JobTypeBlobCleanup, Payload: "uploads/x.png"}))
	assert.Empty(t, blobs.blobs)

	blobs.deleteErr = errors.New("still down")
	assert.Error(t, handler(context.Background(), jobs.Job{Payload: "uploads/y.png"}))

	// malformed jobs are dropped rather than retried
	assert.NoError(t, handler(context.Background(), jobs.Job{Payload: 42}))
}
