// Package jobstate persists the id of the outstanding inventory job in a small
// file next to the cache, so a restarted run resumes polling the same job.
package jobstate

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// FileStore keeps the job id as the only line of a text file.
type FileStore struct {
	fs   afero.Fs
	path string
}

func NewFileStore(fsys afero.Fs, path string) *FileStore {
	return &FileStore{fs: fsys, path: path}
}

// Load returns the stored job id, or "" when none is stored.
func (s *FileStore) Load() (string, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read job id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save replaces the stored job id. The file is written to a temporary name
// and renamed, so a crash leaves either the old or the new id.
func (s *FileStore) Save(jobID string) error {
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("save job id: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, []byte(jobID+"\n"), 0o600); err != nil {
		return fmt.Errorf("save job id: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("save job id: %w", err)
	}
	return nil
}

// Clear removes the stored job id. Clearing an empty store is not an error.
func (s *FileStore) Clear() error {
	err := s.fs.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear job id: %w", err)
	}
	return nil
}
