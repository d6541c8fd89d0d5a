// Package logutil holds the small pieces of logging plumbing shared by the
// root package and its subpackages that cannot import the root package
// themselves without creating an import cycle.
package logutil

import (
	"fmt"
	"runtime/debug"

	"github.com/op/go-logging"
)

// RecoverToLog runs f and, if it panics, logs the panic value and a stack
// trace through log instead of letting the goroutine crash the process.
// Ported from the teacher's panicrecover.go, applied here to each of the
// three long-lived workers (receive, send, monitor poll loop) per
// SPEC_FULL.md §5.
func RecoverToLog(f func(), log *logging.Logger, worker string) {
	defer func() {
		if x := recover(); x != nil {
			if log != nil {
				log.Errorf("%s: panic: %v", worker, x)
				log.Error(string(debug.Stack()))
			}
		}
	}()
	f()
}
