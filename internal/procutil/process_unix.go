//go:build !windows

package procutil

import (
	"os"
	"syscall"
)

// Interrupt sends SIGINT to the process, equivalent to Ctrl-C at a terminal.
func Interrupt(p *os.Process) error {
	return p.Signal(syscall.SIGINT)
}

// GracefulTerminate sends SIGTERM to the process for graceful shutdown.
func GracefulTerminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// Kill forcibly terminates the process with SIGKILL.
func Kill(p *os.Process) error {
	return p.Kill()
}

// IsProcessAlive checks whether a process with the given pid is still running.
func IsProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
