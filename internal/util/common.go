package util

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("fault")

var faults atomic.Int64

// Faults returns how many unhandled faults were reported.
func Faults() int64 { return faults.Load() }

// DefaultShutdownTimeout bounds graceful server shutdown.
const DefaultShutdownTimeout = 3 * time.Second

// Go runs fn in a new goroutine. A panic is recovered and logged with its
// stack; the process keeps running and nothing is restarted.
func Go(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// Guard wraps fn for an errgroup. A panic in fn is logged and reported as
// a nil error, so the group keeps running.
func Guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer Recover(name)
		return fn()
	}
}

// Recover logs a panic in progress. Use as `defer util.Recover("name")`.
func Recover(name string) {
	if r := recover(); r != nil {
		ReportFault(name, fmt.Errorf("panic: %v", r), debug.Stack())
	}
}

// ReportFault logs an error nobody else handled.
func ReportFault(name string, err error, stack []byte) {
	if err == nil {
		return
	}
	faults.Add(1)
	if len(stack) > 0 {
		log.Errorw("unhandled fault", "where", name, "err", err, "stack", string(stack))
		return
	}
	log.Errorw("unhandled fault", "where", name, "err", err)
}
