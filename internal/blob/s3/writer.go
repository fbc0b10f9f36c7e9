package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/quantfeed/bookmirror/internal/domain"
)

// partSize is the upload part size (8 MiB). Bodies smaller than one part go
// up as a single request; larger bodies are split and uploaded concurrently.
const partSize int64 = 8 * 1024 * 1024

// Writer implements domain.BlobWriter using an S3-compatible backend.
type Writer struct {
	uploader *manager.Uploader
	bucket   string
}

var _ domain.BlobWriter = (*Writer)(nil)

// NewWriter creates a Writer that uploads objects to the given client's
// configured bucket.
func NewWriter(c *Client) *Writer {
	uploader := manager.NewUploader(c.s3, func(u *manager.Uploader) {
		u.PartSize = partSize
	})
	return &Writer{
		uploader: uploader,
		bucket:   c.bucket,
	}
}

// Put uploads data to the given path. The upload manager streams the body
// without buffering it whole, so archive batches of any size are safe.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	}

	if _, err := w.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", path, err)
	}
	return nil
}
