package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const (
	DefaultPublicBaseURL = "https://storage.googleapis.com"
	uploadPrefix         = "notes/"
)

// GCSGateway manages the objects of one Google Cloud Storage bucket addressed as <publicBaseURL>/<bucket>/<object>.
type GCSGateway struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewGCSGateway creates a storage client. Credentials default to the environment, credentialsFile overrides them.
func NewGCSGateway(ctx context.Context, bucket, publicBaseURL, credentialsFile string, opts ...option.ClientOption) (*GCSGateway, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	if publicBaseURL == "" {
		publicBaseURL = DefaultPublicBaseURL
	}
	return &GCSGateway{
		client: client,
		bucket: bucket,
		prefix: strings.TrimSuffix(publicBaseURL, "/") + "/" + bucket + "/",
		now:    time.Now,
	}, nil
}

// ObjectName maps a public URL to the object path inside the bucket.
func (g *GCSGateway) ObjectName(url string) (string, error) {
	name, ok := strings.CutPrefix(url, g.prefix)
	if !ok || name == "" {
		return "", fmt.Errorf("%w: %s", ErrForeignURL, url)
	}
	return name, nil
}

func (g *GCSGateway) Delete(ctx context.Context, url string) error {
	name, err := g.ObjectName(url)
	if err != nil {
		return err
	}
	if err := g.client.Bucket(g.bucket).Object(name).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete gs://%s/%s: %w", g.bucket, name, err)
	}
	return nil
}

// Put stores body as a new upload and returns its public URL.
func (g *GCSGateway) Put(ctx context.Context, filename, contentType string, body io.Reader) (string, error) {
	name := fmt.Sprintf("%s%d-%s", uploadPrefix, g.now().UnixMilli(), SanitizeName(filename))
	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to upload to gs://%s/%s: %w", g.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w", name, err)
	}
	return g.prefix + name, nil
}

func (g *GCSGateway) Close() error {
	return g.client.Close()
}

// SanitizeName keeps letters, digits, dots, dashes and underscores of a file name and replaces everything else.
func SanitizeName(filename string) string {
	var b strings.Builder
	for _, r := range filename {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "upload"
	}
	return b.String()
}
