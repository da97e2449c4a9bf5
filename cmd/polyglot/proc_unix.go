//go:build unix

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonProcess detaches polyglotd from the terminal process group
func configureDaemonProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
