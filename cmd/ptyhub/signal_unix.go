//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyResize registers SIGWINCH so local window size changes can be
// forwarded to the attached session.
func notifyResize(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGWINCH)
}
