package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/finch-technologies/queue-drain/storage/types"
)

type LocalStorage struct {
	BasePath string
}

type LocalStorageOptions struct {
	BasePath string
}

// New roots the storage at BasePath, or at .storage under the working
// directory when none is given.
func New(options ...LocalStorageOptions) (*LocalStorage, error) {
	if len(options) > 0 && options[0].BasePath != "" {
		return &LocalStorage{BasePath: options[0].BasePath}, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	return &LocalStorage{BasePath: filepath.Join(wd, ".storage")}, nil
}

func (s *LocalStorage) path(key string) (string, error) {
	cleaned := filepath.Clean("/" + key)
	if cleaned == "/" {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.BasePath, strings.TrimPrefix(cleaned, "/")), nil
}

func (s *LocalStorage) Upload(ctx context.Context, file []byte, key string, options ...types.UploadOptions) (string, error) {
	filePath, err := s.path(key)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory for %q: %w", key, err)
	}

	// write then rename so readers never see a partial file
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, file, 0644); err != nil {
		return "", fmt.Errorf("failed to write file %q: %w", filePath, err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write file %q: %w", filePath, err)
	}

	return filePath, nil
}

func (s *LocalStorage) Download(ctx context.Context, key string) ([]byte, error) {
	filePath, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %q: %w", key, err)
	}

	return data, nil
}
