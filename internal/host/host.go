// Package host is the callback scheduler the mine engine runs on: delayed
// and immediate callbacks, each pinned to a worker lane chosen by the
// spatial location it will touch.
package host

import (
	"context"
	"errors"
	"time"
)

var ErrStopped = errors.New("host scheduler stopped")

// Hint names the location a callback will touch. Callbacks whose hints fall
// in the same region of the same space run on the same lane, one at a time.
type Hint struct {
	Space string
	X, Z  int
}

// Func is a scheduled callback.
type Func func(ctx context.Context)

// Handle cancels a pending callback. Cancel reports whether the callback was
// still pending; a callback that already started is not interrupted.
type Handle interface {
	Cancel() bool
}

// Scheduler runs callbacks after a delay or right away.
type Scheduler interface {
	RunDelayed(delay time.Duration, hint Hint, fn Func) Handle
	Run(hint Hint, fn Func) Handle
}
