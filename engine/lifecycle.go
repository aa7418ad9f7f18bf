package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted is returned by every call made after an instance
	// aborts. The original abort reason is carried as detail.
	ErrAborted = errors.New("instance aborted")

	// ErrUnloaded is returned for operations on an instance whose
	// state was persisted and evicted. Reload it under a fresh
	// instance to continue.
	ErrUnloaded = errors.New("instance unloaded")

	// ErrCompleted is returned for operations that are invalid once
	// the program has completed.
	ErrCompleted = errors.New("instance completed")

	// ErrAlreadyInitialized is returned when loading state into an
	// instance that has already started or loaded.
	ErrAlreadyInitialized = errors.New("instance already initialized")

	// ErrAlreadyHasID is returned when assigning an identity after one
	// was already assigned or read.
	ErrAlreadyHasID = errors.New("instance id already assigned")

	// ErrTimeout is returned when an operation's turn or persistence
	// round-trip exceeds its budget. Safe to retry.
	ErrTimeout = errors.New("operation timed out")
)

// NewErrAborted wraps ErrAborted with the original abort reason.
func NewErrAborted(reason error) error {
	if reason == nil {
		return ErrAborted
	}
	return fmt.Errorf("%w: %v", ErrAborted, reason)
}

// lifecycleState is the coarse instance state. The finer execution
// status (executing/idle/complete) is reported by the runner and
// tracked separately.
type lifecycleState int

const (
	// stateNotStarted is a fresh instance before its first Run,
	// ResumeBookmark, or Load.
	stateNotStarted lifecycleState = iota

	// stateRunnable means a turn has been requested.
	stateRunnable

	// stateUnloaded means state was persisted and evicted from memory.
	// Terminal for this instance, but reloadable under a fresh one.
	stateUnloaded

	// stateAborted is terminal and unrecoverable.
	stateAborted
)

func (s lifecycleState) String() string {
	switch s {
	case stateNotStarted:
		return "not started"
	case stateRunnable:
		return "runnable"
	case stateUnloaded:
		return "unloaded"
	case stateAborted:
		return "aborted"
	}
	return "unknown"
}

// abortInfo records the single, first abort of an instance.
type abortInfo struct {
	reason error
}

// checkValid fails fast for terminal lifecycle states. The aborted
// check reads the atomic abort record so it is accurate even while an
// Abort is racing a turn. Safe to call without the engine mutex.
func (i *Instance) checkValid() error {
	if info := i.abort.Load(); info != nil {
		return NewErrAborted(info.reason)
	}
	i.mu.Lock()
	state := i.state
	i.mu.Unlock()
	switch state {
	case stateUnloaded:
		return ErrUnloaded
	case stateAborted:
		return ErrAborted
	}
	return nil
}
