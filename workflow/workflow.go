// Package workflow defines the contracts between the instance execution
// engine and activity tree runners.
package workflow

import (
	"context"
	"errors"
)

var (
	// ErrNotReady is returned by a runner when it cannot accept a
	// bookmark resumption right now. Callers may retry once the
	// runner next reports idle.
	ErrNotReady = errors.New("runner not ready for resumption")

	// ErrBookmarkNotFound indicates an unknown or already-consumed bookmark.
	ErrBookmarkNotFound = errors.New("bookmark not found")

	// ErrSnapshotVersion indicates a snapshot was written by an
	// incompatible runner version.
	ErrSnapshotVersion = errors.New("snapshot version mismatch")
)

// Status is the execution status of an activity program.
type Status int

const (
	// StatusExecuting means the program can make progress without external input.
	StatusExecuting Status = iota

	// StatusIdle means no further progress is possible without external input.
	StatusIdle

	// StatusClosed means the program ran to completion.
	StatusClosed

	// StatusCanceled means the program completed due to cancellation.
	StatusCanceled

	// StatusFaulted means the program completed with an unhandled fault.
	StatusFaulted
)

// Terminal reports whether s is a completion status.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCanceled || s == StatusFaulted
}

func (s Status) String() string {
	switch s {
	case StatusExecuting:
		return "Executing"
	case StatusIdle:
		return "Idle"
	case StatusClosed:
		return "Closed"
	case StatusCanceled:
		return "Canceled"
	case StatusFaulted:
		return "Faulted"
	}
	return "Unknown"
}

// StatusForString is the inverse of Status.String.
// The second return value is false for unrecognized strings.
func StatusForString(s string) (Status, bool) {
	switch s {
	case "Executing":
		return StatusExecuting, true
	case "Idle":
		return StatusIdle, true
	case "Closed":
		return StatusClosed, true
	case "Canceled":
		return StatusCanceled, true
	case "Faulted":
		return StatusFaulted, true
	}
	return StatusExecuting, false
}

// ResumeResult is the outcome of a bookmark resumption attempt.
type ResumeResult int

const (
	// ResumeSuccess means the bookmark was found and its payload delivered.
	ResumeSuccess ResumeResult = iota

	// ResumeNotFound means the bookmark is unknown or already consumed.
	// Terminal instances always report ResumeNotFound.
	ResumeNotFound

	// ResumeNotReady means the program is not currently able to accept
	// the resumption. Safe to retry when the program next goes idle.
	ResumeNotReady
)

func (r ResumeResult) String() string {
	switch r {
	case ResumeSuccess:
		return "Success"
	case ResumeNotFound:
		return "NotFound"
	case ResumeNotReady:
		return "NotReady"
	}
	return "Unknown"
}

// Runner drives one activity program and reports turn boundaries.
//
// Runners are not required to be safe for concurrent use: the engine
// guarantees at most one caller at a time.
type Runner interface {
	// Step runs the program up to its next suspension point and
	// returns the resulting status. A step is one "turn": the runner
	// should yield at its next safe point if a pause was requested.
	Step(ctx context.Context) (Status, error)

	// Status reports the current execution status without running.
	Status() Status

	// Bookmarks returns the host-visible (named) bookmarks currently
	// awaiting resumption.
	Bookmarks() []Bookmark

	// FindBookmark looks up a named bookmark by exact name.
	FindBookmark(name string) (Bookmark, bool)

	// ResumeBookmark delivers value to the node waiting on bm.
	// Returns ErrBookmarkNotFound for unknown/consumed bookmarks and
	// ErrNotReady if the runner cannot accept the resumption yet.
	ResumeBookmark(bm Bookmark, value interface{}) error

	// Cancel requests graceful cancellation at the next safe point.
	Cancel()

	// Terminate completes the program as faulted with reason.
	Terminate(reason error)

	// Abort abandons the program without completion processing.
	Abort()

	// RequestPause asks the runner to yield its turn at the next safe point.
	RequestPause()

	// Persistable reports whether a snapshot is currently legal.
	Persistable() bool

	// RequestPersistablePause asks the runner to yield at the next
	// point where a snapshot becomes legal.
	RequestPersistablePause()

	// Snapshot serializes the program state, including bookmarks,
	// such that Restore on an equivalently-constructed runner
	// reproduces it.
	Snapshot() ([]byte, error)

	// Restore reconstitutes program state from a Snapshot payload.
	// Returns ErrSnapshotVersion for incompatible payloads.
	Restore(snapshot []byte) error

	// Outputs returns the program's output values after completion.
	Outputs() map[string]interface{}

	// Fault returns the fault a faulted program completed with.
	Fault() error
}
