package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/iwd-harness/internal/faults"
	"github.com/nikicat/iwd-harness/internal/logging"
)

// ErrNothingPending is returned by Waiter.Wait when no operation was started.
var ErrNothingPending = errors.New("no pending operation")

// AsyncOp is one dispatched remote call. It reaches a terminal state
// exactly once, on the reply or on the error.
type AsyncOp struct {
	call   *dbus.Call
	path   dbus.ObjectPath
	method string
	logger *logging.Logger

	done chan struct{}
	once sync.Once
	err  error
}

func newAsyncOp(call *dbus.Call, path dbus.ObjectPath, method string, logger *logging.Logger) *AsyncOp {
	op := &AsyncOp{call: call, path: path, method: method, logger: logger, done: make(chan struct{})}
	go func() {
		// godbus delivers the finished call exactly once.
		<-call.Done
		close(op.done)
	}()
	return op
}

// Method returns the fully qualified method name.
func (op *AsyncOp) Method() string {
	return op.method
}

// Done is closed when the reply or error has arrived.
func (op *AsyncOp) Done() <-chan struct{} {
	return op.done
}

// Wait blocks until the operation is terminal. It returns nil on success,
// a *faults.Fault for remote errors and ctx.Err() when ctx ends first.
// Calling Wait again returns the same result.
func (op *AsyncOp) Wait(ctx context.Context) error {
	select {
	case <-op.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	op.once.Do(func() {
		op.err = faults.FromError(op.call.Err)
		if op.logger != nil {
			op.logger.LogCall(ctx, op.path, op.method, op.err)
		}
	})
	return op.err
}

// Store waits for the operation and decodes the reply into out.
func (op *AsyncOp) Store(ctx context.Context, out ...interface{}) error {
	if err := op.Wait(ctx); err != nil {
		return err
	}
	if err := op.call.Store(out...); err != nil {
		return fmt.Errorf("decode %s reply: %w", op.method, err)
	}
	return nil
}

// Waiter holds the single outstanding operation of a handle. Starting a
// new operation replaces the previous one, and Wait resets the waiter.
type Waiter struct {
	mu      sync.Mutex
	pending *AsyncOp
}

// Start records op as the pending operation.
func (w *Waiter) Start(op *AsyncOp) {
	w.mu.Lock()
	w.pending = op
	w.mu.Unlock()
}

// Pending reports whether an operation is outstanding.
func (w *Waiter) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending != nil
}

// Wait blocks on the pending operation and clears it.
func (w *Waiter) Wait(ctx context.Context) error {
	w.mu.Lock()
	op := w.pending
	w.pending = nil
	w.mu.Unlock()

	if op == nil {
		return ErrNothingPending
	}
	return op.Wait(ctx)
}
