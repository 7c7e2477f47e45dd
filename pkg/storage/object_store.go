package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// AttachmentStore keeps uploaded images. Upload returns a durable URL that
// Fetch accepts back.
type AttachmentStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Fetch(ctx context.Context, rawURL string) ([]byte, string, error)
	Delete(ctx context.Context, rawURL string) error
}

// ErrForeignURL is returned for URLs that the store did not issue.
var ErrForeignURL = errors.New("url not issued by this store")

const maxFetchBytes = 32 << 20

// MinioStore implements AttachmentStore for MinIO/S3 compatible storage.
// URLs are path-style: <publicURL>/<bucket>/<key>.
type MinioStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewMinioStore connects to MinIO and ensures the bucket exists. publicURL
// is the externally visible origin; empty derives it from the endpoint.
func NewMinioStore(endpoint, accessKey, secretKey, bucket, publicURL string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	publicURL = strings.TrimRight(strings.TrimSpace(publicURL), "/")
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + endpoint
	}
	return &MinioStore{client: client, bucket: bucket, publicURL: publicURL}, nil
}

// Upload stores data under key and returns its durable URL.
func (m *MinioStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return m.objectURL(key), nil
}

// Fetch reads the object behind a URL issued by Upload.
func (m *MinioStore) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	key, err := m.keyFromURL(rawURL)
	if err != nil {
		return nil, "", err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		return nil, "", fmt.Errorf("stat object: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(obj, maxFetchBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read object: %w", err)
	}
	return data, info.ContentType, nil
}

// Delete removes an object.
func (m *MinioStore) Delete(ctx context.Context, rawURL string) error {
	key, err := m.keyFromURL(rawURL)
	if err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (m *MinioStore) objectURL(key string) string {
	return m.publicURL + "/" + m.bucket + "/" + (&url.URL{Path: key}).EscapedPath()
}

func (m *MinioStore) keyFromURL(rawURL string) (string, error) {
	return objectKey(m.publicURL, m.bucket, rawURL)
}

// objectKey recovers the object key from a path-style URL.
func objectKey(publicURL, bucket, rawURL string) (string, error) {
	prefix := publicURL + "/" + bucket + "/"
	if !strings.HasPrefix(rawURL, prefix) {
		return "", ErrForeignURL
	}
	key, err := url.PathUnescape(strings.TrimPrefix(rawURL, prefix))
	if err != nil {
		return "", fmt.Errorf("decode object key: %w", err)
	}
	if key == "" || strings.Contains(key, "..") {
		return "", ErrForeignURL
	}
	return key, nil
}
