// Package blobstore adapts Google Cloud Storage to the pipelines' blob
// surface: get/put opaque byte objects by (bucket, key).
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/apierr"
)

// Client wraps the GCS client to implement the BlobStore external interface.
type Client struct {
	gcs *storage.Client
}

// New creates a Client using application-default credentials.
func New(ctx context.Context) (*Client, error) {
	gcs, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore.New: %w", err)
	}
	return &Client{gcs: gcs}, nil
}

// Get fetches bytes stored at (bucket, key). Errors: NotFound when the object
// does not exist; every other failure, an access denial included, is
// Transient.
func (c *Client) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	r, err := c.gcs.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, apierr.New("blobstore.Get", apierr.NotFound, err)
		}
		return nil, apierr.New("blobstore.Get", apierr.Transient, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apierr.New("blobstore.Get", apierr.Transient, err)
	}
	return data, nil
}

// Put writes bytes to (bucket, key) with the given media type.
func (c *Client) Put(ctx context.Context, bucket, key string, data []byte, mediaType string) error {
	w := c.gcs.Bucket(bucket).Object(key).NewWriter(ctx)
	if mediaType != "" {
		w.ContentType = mediaType
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return apierr.New("blobstore.Put", apierr.Transient, err)
	}
	if err := w.Close(); err != nil {
		return apierr.New("blobstore.Put", apierr.Transient, err)
	}
	return nil
}

// SignedDownloadURL generates a signed GET URL for downloading an object.
func (c *Client) SignedDownloadURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	url, err := c.gcs.Bucket(bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(expiry),
	})
	if err != nil {
		return "", fmt.Errorf("blobstore.SignedDownloadURL: %w", err)
	}
	return url, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.gcs.Close()
}
