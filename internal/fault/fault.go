// Package fault turns panics outside request handling into process exits.
//
// A panic on a background goroutine means process-wide invariants can no
// longer be trusted, so the process logs the fault and exits with status 1
// without attempting a graceful drain.
package fault

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
)

// Exit terminates the process. Tests replace it.
var Exit = os.Exit

// Go runs fn on a new goroutine under Recover.
func Go(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover must be called directly by defer.
func Recover(logger *slog.Logger, name string) {
	v := recover()
	if v == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("unrecoverable fault, exiting",
		"goroutine", name,
		"panic", fmt.Sprint(v),
		"stack", string(debug.Stack()),
	)
	Exit(1)
}
