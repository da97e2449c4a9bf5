//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonProcess starts polyglotd in its own process group
func configureDaemonProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
