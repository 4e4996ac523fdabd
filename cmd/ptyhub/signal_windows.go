//go:build windows

package main

import "os"

// notifyResize is a no-op on Windows, which has no SIGWINCH equivalent.
// The initial resize sent on connect is the only size report.
func notifyResize(_ chan<- os.Signal) {
}
