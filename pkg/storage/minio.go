package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/noah-isme/image-attribute-api/pkg/config"
)

// MinioStorage keeps blobs in a MinIO (or other S3-compatible) bucket.
type MinioStorage struct {
	client    *minio.Client
	bucket    string
	namespace string
}

// NewMinioStorage connects to MinIO and creates the bucket when missing.
func NewMinioStorage(ctx context.Context, cfg config.MinioConfig, namespace string) (*MinioStorage, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check minio bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create minio bucket: %w", err)
		}
	}
	return &MinioStorage{client: client, bucket: cfg.Bucket, namespace: namespace}, nil
}

// Put uploads data under ref.
func (s *MinioStorage) Put(ctx context.Context, ref string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(s.namespace, ref), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: mimetype.Detect(data).String(),
	})
	if err != nil {
		return fmt.Errorf("minio put %s: %w", ref, err)
	}
	return nil
}

// Get downloads the blob stored under ref.
func (s *MinioStorage) Get(ctx context.Context, ref string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(s.namespace, ref), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(ref, err)
	}
	defer obj.Close() //nolint:errcheck
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapError(ref, err)
	}
	return data, nil
}

// Delete removes the blob, ignoring missing keys.
func (s *MinioStorage) Delete(ctx context.Context, ref string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectKey(s.namespace, ref), minio.RemoveObjectOptions{})
	if err != nil {
		if mapped := s.mapError(ref, err); mapped == ErrNotFound {
			return nil
		}
		return fmt.Errorf("minio delete %s: %w", ref, err)
	}
	return nil
}

func (s *MinioStorage) mapError(ref string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return ErrNotFound
	}
	return fmt.Errorf("minio get %s: %w", ref, err)
}
