package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// LocalStore writes alert images to a directory and keeps at most maxStored
// of them, deleting the oldest first.
type LocalStore struct {
	dir       string
	maxStored int
	logger    *zap.Logger

	mu sync.Mutex
}

// NewLocalStore creates dir if needed
func NewLocalStore(dir string, maxStored int, logger *zap.Logger) (*LocalStore, error) {
	if dir == "" {
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("directory must not be empty")}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "open", Key: dir, Err: err}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStore{dir: dir, maxStored: maxStored, logger: logger.Named("local-store")}, nil
}

func (s *LocalStore) Dir() string { return s.dir }

// Save writes data atomically under name and applies retention
func (s *LocalStore) Save(ctx context.Context, name string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return &StorageError{Op: "save", Key: name, Err: fmt.Errorf("invalid file name"), StatusCode: 400}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+name+"-*")
	if err != nil {
		return &StorageError{Op: "save", Key: name, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return &StorageError{Op: "save", Key: name, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return &StorageError{Op: "save", Key: name, Err: err}
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return &StorageError{Op: "save", Key: name, Err: err}
	}

	s.logger.Debug("Alert image saved", zap.String("path", final), zap.Int("bytes", len(data)))

	if _, err := s.pruneLocked(); err != nil {
		s.logger.Warn("Retention cleanup failed", zap.Error(err))
	}
	return nil
}

// List returns stored images, newest first
func (s *LocalStore) List() ([]ImageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	images, err := s.listLocked()
	if err != nil {
		return nil, err
	}
	newestFirst(images)
	return images, nil
}

// Open returns the path of a stored image
func (s *LocalStore) Open(name string) (string, error) {
	if name != filepath.Base(name) || !IsImageName(name) {
		return "", &StorageError{Op: "open", Key: name, Err: fmt.Errorf("invalid image name"), StatusCode: 400}
	}
	p := filepath.Join(s.dir, name)
	if _, err := os.Stat(p); err != nil {
		code := 500
		if os.IsNotExist(err) {
			code = 404
		}
		return "", &StorageError{Op: "open", Key: name, Err: err, StatusCode: code}
	}
	return p, nil
}

// Prune deletes the oldest images beyond the cap and returns how many went
func (s *LocalStore) Prune() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked()
}

func (s *LocalStore) pruneLocked() (int, error) {
	images, err := s.listLocked()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, img := range expired(images, s.maxStored) {
		if err := os.Remove(filepath.Join(s.dir, img.Name)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to delete old image", zap.String("name", img.Name), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Old alert images removed", zap.Int("count", removed), zap.Int("max", s.maxStored))
	}
	return removed, nil
}

func (s *LocalStore) listLocked() ([]ImageInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &StorageError{Op: "list", Key: s.dir, Err: err}
	}

	images := make([]ImageInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !IsImageName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		images = append(images, ImageInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return images, nil
}
