//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// setDetachedSysProcAttr starts the background watcher in its own session.
func setDetachedSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
