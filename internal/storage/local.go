package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalFileStorage implements FileStorage for local filesystem
type LocalFileStorage struct {
	basePath string
	baseURL  string
}

// NewLocalFileStorage creates a new local file storage. Files land under
// basePath/covers and are served from baseURL/covers.
func NewLocalFileStorage(basePath, baseURL string) (*LocalFileStorage, error) {
	if err := os.MkdirAll(filepath.Join(basePath, coverPrefix), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &LocalFileStorage{
		basePath: basePath,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}, nil
}

// BasePath is the directory files are written to.
func (s *LocalFileStorage) BasePath() string {
	return s.basePath
}

// SaveFile saves a file to local disk
func (s *LocalFileStorage) SaveFile(ctx context.Context, file io.Reader, filename string, contentType string) (string, error) {
	name := fmt.Sprintf("%s_%s%s", time.Now().Format("20060102"), uuid.New().String(), extension(filename, contentType))
	fullPath := filepath.Join(s.basePath, coverPrefix, name)

	dst, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file on disk: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		_ = os.Remove(fullPath)
		return "", fmt.Errorf("failed to save file content: %w", err)
	}

	return fmt.Sprintf("%s/%s/%s", s.baseURL, coverPrefix, name), nil
}

// DeleteFile deletes a file from local disk
func (s *LocalFileStorage) DeleteFile(ctx context.Context, fileURL string) error {
	// Only the base name is trusted, so a crafted URL cannot escape basePath.
	name := filepath.Base(fileURL)
	if name == "." || name == "/" || name == ".." {
		return fmt.Errorf("invalid file url %q", fileURL)
	}
	fullPath := filepath.Join(s.basePath, coverPrefix, name)

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// extension picks the file extension from the name, falling back to the
// content type.
func extension(filename, contentType string) string {
	if ext := filepath.Ext(filename); ext != "" {
		return strings.ToLower(ext)
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
