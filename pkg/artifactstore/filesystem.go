// Package artifactstore keeps run artifacts on the local filesystem.
package artifactstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mimir-aip/labelnoise/pkg/models"
)

var (
	// ErrNotFound is returned for a missing artifact
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidPath is returned for paths that leave the store root
	ErrInvalidPath = errors.New("invalid artifact path")
)

// FilesystemStore stores artifacts below a base directory
type FilesystemStore struct {
	basePath string
}

// NewFilesystemStore creates the base directory if needed
func NewFilesystemStore(basePath string) (*FilesystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base_path is required for filesystem storage")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FilesystemStore{basePath: basePath}, nil
}

// BasePath returns the root directory of the store
func (f *FilesystemStore) BasePath() string {
	return f.basePath
}

// resolve maps a slash-separated artifact path to a filesystem path
func (f *FilesystemStore) resolve(p string) (string, error) {
	if strings.ContainsRune(p, 0) || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" {
		return f.basePath, nil
	}
	return filepath.Join(f.basePath, filepath.FromSlash(clean)), nil
}

// Put writes r to the artifact path, replacing any existing file
func (f *FilesystemStore) Put(p string, r io.Reader) (int64, error) {
	dest, err := f.resolve(p)
	if err != nil {
		return 0, err
	}
	if dest == f.basePath {
		return 0, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	// Write to a unique temp file then rename, so readers never see partial content
	tmp := filepath.Join(filepath.Dir(dest), "."+uuid.New().String()+".tmp")
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create artifact: %w", err)
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to store artifact: %w", err)
	}
	return n, nil
}

// Open opens an artifact file for reading
func (f *FilesystemStore) Open(p string) (*os.File, error) {
	src, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(src)
	if errors.Is(err, os.ErrNotExist) || (err == nil && info.IsDir()) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}
	file, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return file, nil
}

// List returns the direct children of a directory, sorted by name.
// A missing directory lists as empty.
func (f *FilesystemStore) List(p string) ([]models.FileInfo, error) {
	dir, err := f.resolve(p)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []models.FileInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	files := make([]models.FileInfo, 0, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") && strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		fi := models.FileInfo{Path: entry.Name(), IsDir: entry.IsDir()}
		if !entry.IsDir() {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			fi.FileSize = info.Size()
		}
		files = append(files, fi)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Delete removes an artifact file or directory tree
func (f *FilesystemStore) Delete(p string) error {
	target, err := f.resolve(p)
	if err != nil {
		return err
	}
	if target == f.basePath {
		return fmt.Errorf("%w: refusing to delete store root", ErrInvalidPath)
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// HealthCheck checks that the base directory is usable
func (f *FilesystemStore) HealthCheck() (bool, error) {
	info, err := os.Stat(f.basePath)
	if err != nil {
		return false, fmt.Errorf("base path not accessible: %w", err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("base path is not a directory")
	}

	testFile := filepath.Join(f.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0644); err != nil {
		return false, fmt.Errorf("base path not writable: %w", err)
	}
	os.Remove(testFile)

	return true, nil
}
