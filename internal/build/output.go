package build

import (
	"fmt"
	"os"
	"path/filepath"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// writeOutput replaces path with data through a temp file in the same
// directory, so readers see either the old artifact or the new one.
func writeOutput(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	suffix, err := gonanoid.New(8)
	if err != nil {
		return fmt.Errorf("failed to name temp file: %w", err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(path)+".tmp-"+suffix)

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write output: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace output: %w", err)
	}
	return nil
}
