// Package storage defines types and primitives for instance store backends.
package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyRecordSet is returned when validating record sets.
	ErrEmptyRecordSet = errors.New("empty record set")

	ErrMissingStatus     = errors.New("missing status")
	ErrMissingInstanceID = errors.New("missing instance id")
	ErrMissingOwnerID    = errors.New("missing owner id")

	// ErrInstanceNotFound indicates no state exists for the instance id.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrOwnerNotFound indicates the owner handle does not exist
	// (e.g. already deleted by an unload racing an abort).
	ErrOwnerNotFound = errors.New("owner not found")

	// ErrInstanceLocked indicates another owner currently holds the
	// instance lock.
	ErrInstanceLocked = errors.New("instance locked by another owner")

	// ErrVersionMismatch indicates stored state was written by an
	// incompatible snapshot version. Fatal: the loading instance aborts.
	ErrVersionMismatch = errors.New("record set version mismatch")
)

// RecordSetVersion is the current durable snapshot format version.
const RecordSetVersion = 1

// BookmarkRecord is the durable form of one host-visible bookmark.
type BookmarkRecord struct {
	Name  string `json:"name"`
	Scope string `json:"scope,omitempty"`
}

// RecordSet is the durable snapshot of one workflow instance: the
// serialized tree state, the bookmark list, a status string, outputs
// or fault on completion, and namespaced host metadata.
type RecordSet struct {
	// serialized tree runner state. Empty only for instances that
	// completed with no replay needed.
	State []byte `json:"state,omitempty"`

	Bookmarks []BookmarkRecord `json:"bookmarks,omitempty"`

	// one of "Idle", "Executing", "Closed", "Faulted", "Canceled"
	Status string `json:"status"`

	Outputs map[string]interface{} `json:"outputs,omitempty"`
	Fault   string                 `json:"fault,omitempty"`

	// namespaced key/value pairs contributed by the host and by
	// persistence participants ("namespace/key" by convention)
	Metadata map[string][]byte `json:"metadata,omitempty"`

	Version int `json:"version"`
}

// Validate checks rs for missing values.
func (rs *RecordSet) Validate() error {
	if rs == nil {
		return ErrEmptyRecordSet
	}
	if rs.Status == "" {
		return ErrMissingStatus
	}
	return nil
}

// Runnable reports whether a stored instance can make progress when
// reloaded (used by TryLoadAnyRunnable).
func (rs *RecordSet) Runnable() bool {
	return rs.Status == "Idle" || rs.Status == "Executing"
}

// SaveFlag modifies a SaveInstance command.
type SaveFlag uint

const (
	// SaveFlagNone saves state and retains the instance lock.
	SaveFlagNone SaveFlag = 0

	// SaveFlagUnlock releases the instance lock after the write.
	SaveFlagUnlock SaveFlag = 1 << iota

	// SaveFlagComplete marks the instance completed: stores completion
	// records, deletes replay state, and releases the lock.
	SaveFlagComplete
)

// Store is the primary interface for instance store backends.
//
// Every command is transactional: either all of its effects are
// visible afterward or none are. The engine guarantees at most one
// in-flight command per instance per owner; stores must still enforce
// cross-owner locking.
type Store interface {
	// CreateOwner registers a new owner handle representing one
	// host's right to operate on instances, returning its id.
	CreateOwner(ctx context.Context) (string, error)

	// DeleteOwner removes the owner handle and releases any instance
	// locks it holds. Returns ErrOwnerNotFound if already gone.
	DeleteOwner(ctx context.Context, ownerID string) error

	// EnsureInstance idempotently creates the instance handle so a
	// later save can lock it. This is the readiness round-trip
	// performed before the first save of an instance.
	EnsureInstance(ctx context.Context, ownerID, instanceID string) error

	// SaveInstance writes rs under instanceID, acquiring (or keeping)
	// the instance lock for ownerID. Returns ErrInstanceLocked if a
	// different owner holds the lock.
	SaveInstance(ctx context.Context, ownerID, instanceID string, rs *RecordSet, flags SaveFlag) error

	// LoadInstance reads the record set for instanceID, locking the
	// instance for ownerID. Returns ErrInstanceNotFound when no state
	// was ever committed, ErrInstanceLocked when another owner holds
	// the lock, and ErrVersionMismatch for incompatible snapshots.
	LoadInstance(ctx context.Context, ownerID, instanceID string) (*RecordSet, error)

	// TryLoadAnyRunnable loads and locks any unlocked instance whose
	// stored status is runnable. The ok result is false (without
	// error) when no such instance exists.
	TryLoadAnyRunnable(ctx context.Context, ownerID string) (instanceID string, rs *RecordSet, ok bool, err error)

	// UnlockInstance releases the instance lock without writing state.
	UnlockInstance(ctx context.Context, ownerID, instanceID string) error
}

// NewErrInstanceNotFound wraps ErrInstanceNotFound with the id.
func NewErrInstanceNotFound(instanceID string) error {
	return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
}
