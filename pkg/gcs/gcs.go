package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// ErrObjectNotFound is returned when the requested object does not exist in
// the bucket. Callers use it to tell "not written yet" from a real failure.
var ErrObjectNotFound = errors.New("gcs: object not found")

type GCSClient struct {
	client     *storage.Client
	bucketName string
}

func NewGCSClient(ctx context.Context, bucketName string) (*GCSClient, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}

	return &GCSClient{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// Download reads the full object at objectPath from the configured bucket.
func (g *GCSClient) Download(ctx context.Context, objectPath string) ([]byte, error) {
	obj := g.client.Bucket(g.bucketName).Object(objectPath)

	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open object %s: %w", objectPath, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", objectPath, err)
	}
	return data, nil
}

// Exists reports whether the object is present in the configured bucket.
func (g *GCSClient) Exists(ctx context.Context, objectPath string) (bool, error) {
	obj := g.client.Bucket(g.bucketName).Object(objectPath)
	_, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object %s: %w", objectPath, err)
	}
	return true, nil
}

func (g *GCSClient) Upload(ctx context.Context, objectPath string, content io.Reader) (string, error) {
	obj := g.client.Bucket(g.bucketName).Object(objectPath)

	writer := obj.NewWriter(ctx)
	if _, err := io.Copy(writer, content); err != nil {
		return "", fmt.Errorf("failed to copy content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}

	return fmt.Sprintf("gs://%s/%s", g.bucketName, objectPath), nil
}

// GetPresignedURL signs a time-limited download URL for a gs:// URI.
func (g *GCSClient) GetPresignedURL(ctx context.Context, gcsURI string, expiresAt time.Time) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: expiresAt,
	}

	bucketName := strings.TrimPrefix(gcsURI, "gs://")
	bucketName = strings.Split(bucketName, "/")[0]
	objectPath := strings.TrimPrefix(gcsURI, "gs://"+bucketName+"/")

	url, err := g.client.Bucket(bucketName).SignedURL(objectPath, opts)
	if err != nil {
		return "", fmt.Errorf("failed to get presigned url: %w", err)
	}
	return url, nil
}

// ObjectPath extracts the object path from a gs:// URI inside the configured
// bucket, or returns the input unchanged when it is already a bare path.
func (g *GCSClient) ObjectPath(gcsURI string) string {
	prefix := "gs://" + g.bucketName + "/"
	if strings.HasPrefix(gcsURI, prefix) {
		return strings.TrimPrefix(gcsURI, prefix)
	}
	return strings.TrimPrefix(gcsURI, "gs://")
}

func (g *GCSClient) Close() error {
	return g.client.Close()
}
