// Package recovery keeps a panic in one connection handler from taking
// down the process.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
)

// Hook observes recovered panics. name is the label given to
// RecoverWithLog or Go.
type Hook func(name string, recovered any)

var hook atomic.Pointer[Hook]

// SetHook installs h for every later recovery; nil removes it. The
// controller uses it to count panics in its metrics.
func SetHook(h Hook) {
	if h == nil {
		hook.Store(nil)
		return
	}
	hook.Store(&h)
}

// RecoverWithLog must be deferred directly:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "relay")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		report(logger, name, r)
	}
}

// Go runs fn in a new goroutine guarded by RecoverWithLog.
func Go(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer RecoverWithLog(logger, name)
		fn()
	}()
}

func report(logger *slog.Logger, name string, r any) {
	if logger != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprint(r),
			"stack", string(debug.Stack()))
	}
	if h := hook.Load(); h != nil {
		(*h)(name, r)
	}
}
