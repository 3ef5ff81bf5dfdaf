package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"precomp/internal/paths"
)

type checkpointer interface {
	Checkpoint() error
}

// Backup writes a zstd-compressed copy of the store file next to it and
// returns the backup path.
func (s *Store) Backup() (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if c, ok := s.backend.(checkpointer); ok {
		if err := c.Checkpoint(); err != nil {
			return "", fmt.Errorf("failed to checkpoint store: %w", err)
		}
	}
	return BackupFile(s.backend.Path(), time.Now())
}

// BackupFile compresses the file at storePath into a timestamped sibling.
// It works on stores that can no longer be opened.
func BackupFile(storePath string, now time.Time) (string, error) {
	in, err := os.Open(storePath)
	if err != nil {
		return "", fmt.Errorf("failed to open store for backup: %w", err)
	}
	defer in.Close()

	dst := paths.BackupFile(storePath, now)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", err
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = out.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

// RestoreFile decompresses a backup over storePath. The store must be closed.
func RestoreFile(backupPath, storePath string) error {
	in, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	defer dec.Close()

	if err := os.MkdirAll(filepath.Dir(storePath), 0755); err != nil {
		return err
	}
	tmp := storePath + ".restore"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, dec); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to decompress backup: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	removeSidecars(storePath)
	return os.Rename(tmp, storePath)
}

// Reset deletes the store file and its sidecars, optionally backing it up
// first. It returns the backup path when one was written.
func Reset(storePath string, backup bool) (string, error) {
	var backupPath string
	if backup {
		if _, err := os.Stat(storePath); err == nil {
			p, err := BackupFile(storePath, time.Now())
			if err != nil {
				return "", err
			}
			backupPath = p
		}
	}
	if err := os.Remove(storePath); err != nil && !os.IsNotExist(err) {
		return backupPath, fmt.Errorf("failed to remove store: %w", err)
	}
	removeSidecars(storePath)
	return backupPath, nil
}

func removeSidecars(storePath string) {
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(storePath + suffix)
	}
}
