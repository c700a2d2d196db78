package blob

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds the connection settings of a MinIO (or any S3) bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the base the URLs returned by URL start with, e.g. a CDN.
	// Empty means the endpoint itself.
	PublicURL string
}

// Minio stores blobs in a MinIO bucket.
type Minio struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

var _ Store = (*Minio)(nil)

// NewMinio creates the client. It does not contact the server; call
// EnsureBucket at startup for that.
func NewMinio(cfg MinioConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: creating minio client: %w", err)
	}

	public := cfg.PublicURL
	if public == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		public = scheme + "://" + cfg.Endpoint
	}
	return &Minio{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimSuffix(public, "/"),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (m *Minio) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("blob: checking bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("blob: creating bucket %s: %w", m.bucket, err)
	}
	return nil
}

// Upload puts r at objectPath. size may be -1 when unknown.
func (m *Minio) Upload(ctx context.Context, objectPath string, r io.Reader, size int64, contentType string) (Handle, error) {
	p, err := cleanPath(objectPath)
	if err != nil {
		return Handle{}, err
	}
	_, err = m.client.PutObject(ctx, m.bucket, p, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("blob: uploading %s: %w", p, err)
	}
	return Handle{Path: p}, nil
}

// URL returns publicURL/bucket/path.
func (m *Minio) URL(h Handle) string {
	return m.publicURL + "/" + m.bucket + "/" + h.Path
}

// Delete removes the object.
func (m *Minio) Delete(ctx context.Context, h Handle) error {
	if err := m.client.RemoveObject(ctx, m.bucket, h.Path, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blob: deleting %s: %w", h.Path, err)
	}
	return nil
}
