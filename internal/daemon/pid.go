package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile marks a running watch process. At most one live process may hold it.
type PIDFile struct {
	path string
}

// NewPIDFile returns a handle for the PID file at path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Acquire writes the current PID to the file. A file left behind by a dead
// process is taken over; one held by a live process is an error.
func (p *PIDFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(p.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(p.path)
				return fmt.Errorf("failed to write PID file: %w", errors.Join(werr, cerr))
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create PID file: %w", err)
		}

		running, pid, rerr := p.IsRunning()
		if rerr != nil {
			return rerr
		}
		if running {
			return fmt.Errorf("watcher is already running (PID: %d)", pid)
		}
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}
	return fmt.Errorf("failed to acquire PID file %s", p.path)
}

// Release removes the file if it still names this process.
func (p *PIDFile) Release() error {
	pid, err := p.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// IsRunning reports whether the file names a live process, and which.
// A missing or unparsable file means nothing is running.
func (p *PIDFile) IsRunning() (bool, int, error) {
	pid, err := p.read()
	switch {
	case os.IsNotExist(err):
		return false, 0, nil
	case errors.Is(err, strconv.ErrSyntax), errors.Is(err, strconv.ErrRange):
		return false, 0, nil
	case err != nil:
		return false, 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	return processExists(pid), pid, nil
}

func (p *PIDFile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processExists checks pid with signal 0.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
