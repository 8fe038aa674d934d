// Package storage writes rendered images to their destination and reads
// source images from blob storage.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/menta2k/image-composer/internal/utils"
)

// Sink stores one encoded output object and returns where it went
type Sink interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// LocalSink writes outputs into a directory
type LocalSink struct {
	dir string
}

// NewLocalSink creates the directory if needed
func NewLocalSink(dir string) (*LocalSink, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &LocalSink{dir: dir}, nil
}

// Dir returns the output directory
func (s *LocalSink) Dir() string {
	return s.dir
}

// Put implements Sink
func (s *LocalSink) Put(ctx context.Context, name string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, filepath.Clean("/" + name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
