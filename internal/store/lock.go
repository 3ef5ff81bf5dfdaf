package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// fileLock is an advisory lock held on a sidecar file.
type fileLock struct {
	file *os.File
}

// release drops the lock and closes the sidecar file.
func (l *fileLock) release() error {
	if l.file != nil {
		_ = unlockFile(l.file)
		return l.file.Close()
	}
	return nil
}

// acquireLock blocks until the lock at path is held by this process.
func acquireLock(path string) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	return &fileLock{file: f}, nil
}
