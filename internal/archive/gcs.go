package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// GCS archives bodies into a Google Cloud Storage bucket. Authentication
// comes from Application Default Credentials.
type GCS struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

// NewGCS creates the client and verifies bucket access, failing fast on
// misconfiguration.
func NewGCS(ctx context.Context, bucket string, logger *zap.Logger) (*GCS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close storage client after attrs failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("access bucket %q: %w", bucket, err)
	}
	return &GCS{client: client, bucket: bucket, logger: logger}, nil
}

// Save uploads the body. Close must succeed for the upload to be final.
func (g *GCS) Save(ctx context.Context, ref Ref, contentType string, data []byte) error {
	object := ref.ObjectName()
	wc := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		wc.ContentType = contentType
	}
	if _, err := wc.Write(data); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			g.logger.Warn("close object writer after write failure", zap.Error(closeErr))
		}
		return fmt.Errorf("write archive object %s: %w", object, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("finalize archive object %s: %w", object, err)
	}
	return nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
