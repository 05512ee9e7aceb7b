// Package wait blocks until a predicate over cached remote state holds.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds a condition wait when no timeout is given.
const DefaultTimeout = 50 * time.Second

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("condition timed out")

// Ticker signals that the bus dispatched an event. *bus.Conn implements it.
type Ticker interface {
	Next() <-chan struct{}
}

// Condition is a predicate over local caches. Fn runs on the waiting
// goroutine.
type Condition struct {
	Desc string
	Fn   func() bool
}

// Func builds a condition.
func Func(desc string, fn func() bool) Condition {
	return Condition{Desc: desc, Fn: fn}
}

// Not negates c.
func Not(c Condition) Condition {
	return Condition{Desc: "not " + c.Desc, Fn: func() bool { return !c.Fn() }}
}

// All holds when every condition holds.
func All(conds ...Condition) Condition {
	desc := ""
	for i, c := range conds {
		if i > 0 {
			desc += " and "
		}
		desc += c.Desc
	}
	return Condition{Desc: desc, Fn: func() bool {
		for _, c := range conds {
			if !c.Fn() {
				return false
			}
		}
		return true
	}}
}

// TimeoutError reports which condition failed to hold and for how long
// it was awaited.
type TimeoutError struct {
	Condition string
	Bound     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s waiting for %s", e.Bound, e.Condition)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// For returns once cond holds. It checks cond immediately, then again after
// every event dispatched by t, until timeout elapses. A zero or negative
// timeout means DefaultTimeout.
func For(ctx context.Context, t Ticker, cond Condition, timeout time.Duration) error {
	// Take the tick before evaluating so an event between the check and
	// the select is not missed.
	tick := t.Next()
	if cond.Fn() {
		return nil
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-tick:
			tick = t.Next()
			if cond.Fn() {
				return nil
			}
		case <-timer.C:
			// One last look: the final event may have landed with the timer.
			if cond.Fn() {
				return nil
			}
			return &TimeoutError{Condition: cond.Desc, Bound: timeout}
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", cond.Desc, ctx.Err())
		}
	}
}

// Sleep waits for d unconditionally, letting the daemon settle.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
