package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileStore saves attachments to disk under a base directory and hands out
// file:// URLs. Used for device profiles.
type FileStore struct {
	basePath string
}

// NewFileStore creates the base directory if missing.
func NewFileStore(basePath string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{basePath: abs}, nil
}

// Upload writes data under key.
func (f *FileStore) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	target, err := f.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create attachment dir: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(target)}).String(), nil
}

// Fetch reads a file previously written by Upload.
func (f *FileStore) Fetch(_ context.Context, rawURL string) ([]byte, string, error) {
	target, err := f.pathFromURL(rawURL)
	if err != nil {
		return nil, "", err
	}
	file, err := os.Open(target)
	if err != nil {
		return nil, "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxFetchBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read file: %w", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(target))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// Delete removes a file; a missing file is not an error.
func (f *FileStore) Delete(_ context.Context, rawURL string) error {
	target, err := f.pathFromURL(rawURL)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

func (f *FileStore) resolve(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("attachment key is required")
	}
	target := filepath.Join(f.basePath, filepath.FromSlash(key))
	if !f.contains(target) {
		return "", fmt.Errorf("attachment key escapes storage dir: %q", key)
	}
	return target, nil
}

func (f *FileStore) pathFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return "", ErrForeignURL
	}
	target := filepath.Clean(filepath.FromSlash(u.Path))
	if !f.contains(target) {
		return "", ErrForeignURL
	}
	return target, nil
}

func (f *FileStore) contains(target string) bool {
	rel, err := filepath.Rel(f.basePath, target)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
