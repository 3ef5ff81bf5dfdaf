//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

// setDetachedSysProcAttr detaches the background watcher from the console.
func setDetachedSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
