//go:build windows

package store

import (
	"os"
)

// Windows file locking stub; exclusive access comes from the rename.
func lockFile(f *os.File) error {
	return nil
}

func unlockFile(f *os.File) error {
	return nil
}
