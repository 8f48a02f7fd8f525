//go:build windows

package shell

import (
	"os"
	"strings"
	"syscall"
)

// NotifyResize is a no-op on Windows, which has no SIGWINCH.
func NotifyResize(sigCh chan os.Signal) {}

// SignalByName maps an SSH signal name to the signals a console process
// can receive.
func SignalByName(name string) (syscall.Signal, bool) {
	switch strings.ToUpper(strings.TrimPrefix(name, "SIG")) {
	case "INT":
		return syscall.SIGINT, true
	case "TERM":
		return syscall.SIGTERM, true
	case "KILL":
		return syscall.SIGKILL, true
	default:
		return 0, false
	}
}
