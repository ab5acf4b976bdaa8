package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS stores each key as the object <prefix>/<key>.json in a bucket.
// Credentials come from Application Default Credentials unless an emulator
// endpoint is configured.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

var _ Store = (*GCS)(nil)

// NewGCS creates a client for bucket. bucket may also be a gs:// URI whose
// path is used as the prefix when prefix is empty.
func NewGCS(ctx context.Context, bucket, prefix, endpoint string) (*GCS, error) {
	if strings.HasPrefix(bucket, "gs://") {
		b, p, err := ParseURI(bucket)
		if err != nil {
			return nil, fmt.Errorf("NewGCS: %w", err)
		}
		bucket = b
		if prefix == "" {
			prefix = p
		}
	}
	if bucket == "" {
		return nil, fmt.Errorf("NewGCS: bucket is required")
	}

	var opts []option.ClientOption
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewGCS: create storage client: %w", err)
	}

	return &GCS{
		client: client,
		bucket: client.Bucket(bucket),
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) objectName(key string) string {
	if g.prefix == "" {
		return key + fileExt
	}
	return path.Join(g.prefix, key+fileExt)
}

func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.bucket.Object(g.objectName(key)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("Get: open reader for %q: %w", key, mapGCSError(err))
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("Get: read %q: %w", key, mapGCSError(err))
	}
	return data, nil
}

func (g *GCS) Put(ctx context.Context, key string, value []byte) error {
	w := g.bucket.Object(g.objectName(key)).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(value); err != nil {
		_ = w.Close()
		return fmt.Errorf("Put: write %q: %w", key, mapGCSError(err))
	}
	// Close finalizes the upload
	if err := w.Close(); err != nil {
		return fmt.Errorf("Put: finalize %q: %w", key, mapGCSError(err))
	}
	return nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	if err := g.bucket.Object(g.objectName(key)).Delete(ctx); err != nil {
		return fmt.Errorf("Delete: %q: %w", key, mapGCSError(err))
	}
	return nil
}

func (g *GCS) Keys(ctx context.Context) ([]string, error) {
	query := &storage.Query{}
	if g.prefix != "" {
		query.Prefix = g.prefix + "/"
	}

	var keys []string
	it := g.bucket.Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("Keys: list objects: %w", mapGCSError(err))
		}
		name := strings.TrimPrefix(attrs.Name, query.Prefix)
		if strings.Contains(name, "/") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, fileExt))
	}
	return keys, nil
}

// ParseURI splits gs://bucket/path into bucket and path.
func ParseURI(uri string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no bucket): %s", uri)
	}
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return parts[0], prefix, nil
}

func mapGCSError(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrAccessDenied, err)
		case http.StatusTooManyRequests, http.StatusInsufficientStorage:
			return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
		}
	}
	return err
}
