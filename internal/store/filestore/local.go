// Package filestore keeps uploaded attachment bytes on local disk.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ErrTooLarge = errors.New("filestore: file too large")

type Store struct {
	Dir      string
	MaxBytes int64
}

func New(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Store{Dir: abs, MaxBytes: maxBytes}, nil
}

// Save writes r under name and returns the stored path and size.
// Uploads over MaxBytes are removed and reported as ErrTooLarge.
func (s *Store) Save(name string, r io.Reader) (string, int64, error) {
	path := filepath.Join(s.Dir, filepath.Base(name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, err
	}

	var src io.Reader = r
	if s.MaxBytes > 0 {
		src = io.LimitReader(r, s.MaxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.MaxBytes > 0 && n > s.MaxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, err
	}
	return path, n, nil
}

func (s *Store) ReadAll(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (s *Store) Open(path string) (*os.File, error) {
	return os.Open(path)
}

// Remove deletes a stored file. A file that is already gone is not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
