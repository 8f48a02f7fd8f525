//go:build !windows

package shell

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// sshSignals are the signal names RFC 4254 section 6.10 defines.
var sshSignals = map[string]bool{
	"ABRT": true, "ALRM": true, "FPE": true, "HUP": true, "ILL": true,
	"INT": true, "KILL": true, "PIPE": true, "QUIT": true, "SEGV": true,
	"TERM": true, "USR1": true, "USR2": true,
}

// NotifyResize delivers SIGWINCH on sigCh.
func NotifyResize(sigCh chan os.Signal) {
	signal.Notify(sigCh, syscall.SIGWINCH)
}

// SignalByName maps an SSH signal name such as "INT" or "SIGTERM" to the
// local signal. Names outside RFC 4254 are refused.
func SignalByName(name string) (syscall.Signal, bool) {
	name = strings.ToUpper(strings.TrimPrefix(strings.ToUpper(name), "SIG"))
	if !sshSignals[name] {
		return 0, false
	}
	sig := unix.SignalNum("SIG" + name)
	return sig, sig != 0
}
