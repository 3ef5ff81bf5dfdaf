package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "watch.pid")
	p := NewPIDFile(path)

	if running, _, err := p.IsRunning(); err != nil || running {
		t.Fatalf("IsRunning before Acquire = %v, %v", running, err)
	}
	if err := p.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	running, pid, err := p.IsRunning()
	if err != nil || !running || pid != os.Getpid() {
		t.Errorf("IsRunning = %v, %d, %v", running, pid, err)
	}
	if err := p.Acquire(); err == nil {
		t.Error("second Acquire should fail while the process is alive")
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := p.Release(); err != nil {
		t.Errorf("Release of missing file failed: %v", err)
	}
}

func TestPIDFileStaleAndInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "not-a-pid\n"},
		{"dead process", "999999999\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "watch.pid")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			p := NewPIDFile(path)
			if running, _, _ := p.IsRunning(); running {
				t.Fatal("stale PID reported as running")
			}
			if err := p.Acquire(); err != nil {
				t.Fatalf("Acquire over stale file failed: %v", err)
			}
			_ = p.Release()
		})
	}
}
