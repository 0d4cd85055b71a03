package artifacts3

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/k11v/deployer/internal/upload"
)

var _ upload.Storage = (*Storage)(nil)

// ErrEntityTooLarge is returned when the object storage rejects an object because of its size.
var ErrEntityTooLarge = errors.New("entity too large")

// Storage stores build artifacts in an S3 bucket.
type Storage struct {
	client *s3.Client
	bucket string

	// uploadPartSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	uploadPartSize int
}

// NewStorage creates a new Storage that puts objects into bucket.
func NewStorage(client *s3.Client, bucket string) *Storage {
	return &Storage{
		client:         client,
		bucket:         bucket,
		uploadPartSize: 10 * 1024 * 1024, // 10MB
	}
}

// Put implements upload.Storage.
func (s *Storage) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = int64(s.uploadPartSize)
		u.Concurrency = 1
	})

	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        body,
		ContentType: &contentType,
	})
	if err != nil {
		if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) && apiErr.ErrorCode() == "EntityTooLarge" {
			err = errors.Join(ErrEntityTooLarge, err)
		}
		return fmt.Errorf("artifacts3.Storage: %w", err)
	}

	return nil
}
