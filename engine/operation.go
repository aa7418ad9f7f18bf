package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/micromdm/nanowf/workflow"
)

// readiness decides when a pending operation may be granted a turn.
type readiness int

const (
	// readyAlways operations run as soon as the engine is free.
	// Lifecycle validity is still checked by the operation body.
	readyAlways readiness = iota

	// readyRequiresIdle operations run only when execution is idle or
	// complete.
	readyRequiresIdle

	// readyDeferredIdle operations additionally wait for the action
	// counter to advance past their enqueue time, yielding priority to
	// fresher work so a retried resumption cannot monopolize the turn.
	readyDeferredIdle

	// readyRequiresPersistable operations run only when the runner
	// permits a snapshot; while it does not they request a pause at
	// the next persistable point.
	readyRequiresPersistable
)

// operation is one host call in flight.
type operation struct {
	name      string
	readiness readiness

	// interrupts asks a running turn to yield so this operation can be
	// serviced sooner.
	interrupts bool

	// requiresRunnable additionally gates readyRequiresIdle operations
	// on the runnable lifecycle state.
	requiresRunnable bool

	// actionID is stamped at enqueue time and compared against the
	// engine's action counter by readyDeferredIdle.
	actionID uint64

	w *waiter
}

func newOperation(name string, r readiness) *operation {
	return &operation{
		name:       name,
		readiness:  r,
		interrupts: r != readyAlways,
		w:          newWaiter(),
	}
}

// waiter is the primitive every suspension point is built on: one
// grant (or failure) delivered exactly once over a buffered channel,
// consumable by a blocking wait or from a continuation goroutine.
type waiter struct {
	once sync.Once
	ch   chan error
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan error, 1)}
}

// complete delivers the grant result. Subsequent calls are ignored so
// a grant racing a timeout or abort cannot double-signal.
func (w *waiter) complete(err error) {
	w.once.Do(func() { w.ch <- err })
}

// canRun reports whether op may be granted now. Callers hold the
// engine mutex and own the turn, so reading the cached status and
// querying the runner are both safe.
func (i *Instance) canRun(op *operation) bool {
	switch op.readiness {
	case readyAlways:
		return true
	case readyRequiresIdle:
		if op.requiresRunnable && i.state != stateRunnable {
			return false
		}
		return i.status == workflow.StatusIdle || i.status.Terminal()
	case readyDeferredIdle:
		if i.status.Terminal() {
			return true
		}
		if i.status != workflow.StatusIdle {
			return false
		}
		return i.actionCount > op.actionID
	case readyRequiresPersistable:
		if i.status.Terminal() || i.runner.Persistable() {
			return true
		}
		i.runner.RequestPersistablePause()
		return false
	}
	return false
}

// enqueue admits op. If the engine is free and op is runnable (or the
// instance is terminal, in which case granting lets the body surface
// the state violation to the caller) it is granted immediately.
// Otherwise it joins the pending queue; a running turn is asked to
// pause if op interrupts.
func (i *Instance) enqueue(op *operation) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pendingUnenqueued--
	op.actionID = i.actionCount
	if i.busy {
		if op.interrupts && i.initialized {
			i.runner.RequestPause()
		}
		i.pending = append(i.pending, op)
		return
	}
	if i.canRun(op) || i.terminal() {
		i.grant(op)
		return
	}
	i.pending = append(i.pending, op)
	// the engine is quiet; take the turn so the evaluation loop
	// reconsiders this operation (a deferred retry may be runnable
	// after it stops yielding)
	i.busy = true
	go i.evaluate()
}

// terminal reports whether no further execution can ever occur.
// Called with the engine mutex held.
func (i *Instance) terminal() bool {
	return i.state == stateAborted || i.state == stateUnloaded || i.status.Terminal()
}

// grant marks op as the single active operation. Called with the
// engine mutex held and busy false (or by the evaluation loop, which
// owns the turn it is handing over).
func (i *Instance) grant(op *operation) {
	i.actionCount++
	i.busy = true
	op.w.complete(nil)
}

// findOperation scans the pending queue for the next grantable
// operation: head first for FIFO fairness, then the first runnable
// entry so ready work is not starved behind a blocked head of line.
// Called with the engine mutex held.
func (i *Instance) findOperation() *operation {
	for idx, op := range i.pending {
		if i.canRun(op) || i.terminal() {
			i.pending = append(i.pending[:idx], i.pending[idx+1:]...)
			return op
		}
	}
	return nil
}

// removeOperation takes op out of the pending queue, reporting false
// if it was already granted (or never queued).
func (i *Instance) removeOperation(op *operation) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, pending := range i.pending {
		if pending == op {
			i.pending = append(i.pending[:idx], i.pending[idx+1:]...)
			return true
		}
	}
	return false
}

// waitForTurn blocks until op is granted or ctx expires. An expiry
// that races a concurrent grant is treated as granted so the turn is
// not lost.
func (i *Instance) waitForTurn(ctx context.Context, op *operation) error {
	select {
	case err := <-op.w.ch:
		return err
	case <-ctx.Done():
		if i.removeOperation(op) {
			return fmt.Errorf("%w: %s: %v", ErrTimeout, op.name, ctx.Err())
		}
		// already granted; the grant wins
		return <-op.w.ch
	}
}
