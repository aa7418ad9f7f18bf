package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/micromdm/nanowf/engine/storage"
	"github.com/micromdm/nanowf/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// ErrCoordinatorAborted is returned for persistence attempted after
// the coordinator's store handle was freed.
var ErrCoordinatorAborted = errors.New("persistence coordinator aborted")

// SaveKind is the reason a snapshot is being written.
type SaveKind int

const (
	// SaveKindPersist writes state and keeps the instance locked and
	// loaded.
	SaveKindPersist SaveKind = iota

	// SaveKindUnload writes state, releases the instance lock, and
	// evicts the instance from memory.
	SaveKindUnload

	// SaveKindComplete writes completion records and releases the
	// instance.
	SaveKindComplete
)

func (k SaveKind) String() string {
	switch k {
	case SaveKindPersist:
		return "persist"
	case SaveKindUnload:
		return "unload"
	case SaveKindComplete:
		return "complete"
	}
	return "unknown"
}

// Participant contributes records to every snapshot. Collect runs
// first for all participants, then Map runs with the merged collected
// records, so a participant can derive values from another's.
type Participant interface {
	CollectValues(ctx context.Context, instanceID string) (map[string][]byte, error)
	MapValues(ctx context.Context, instanceID string, collected map[string][]byte) (map[string][]byte, error)
}

// Tracker observes save operations before the store write so tracking
// and state land in the same store command.
type Tracker interface {
	Track(ctx context.Context, instanceID string, kind SaveKind)
}

// Coordinator drives the instance store for one hosted instance: it
// maintains the owner handle, runs participants, and issues the store
// commands. It never runs concurrently with itself; the operation
// scheduler guarantees one persistence operation at a time. Abort is
// the exception and may race a save.
type Coordinator struct {
	store  storage.Store
	logger log.Logger

	participants []Participant
	tracker      Tracker

	mu         sync.Mutex
	ownerID    string
	ownedOwner bool // we created the owner handle, so we delete it
	locked     bool // instance state has been committed under our lock

	aborted atomic.Bool
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(logger log.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithOwner uses an existing owner handle instead of creating one.
// The coordinator will not delete an owner it did not create.
func WithOwner(ownerID string) CoordinatorOption {
	return func(c *Coordinator) {
		c.ownerID = ownerID
	}
}

// WithParticipant registers a persistence participant.
func WithParticipant(p Participant) CoordinatorOption {
	return func(c *Coordinator) {
		c.participants = append(c.participants, p)
	}
}

// WithTracker registers the save tracking hook.
func WithTracker(t Tracker) CoordinatorOption {
	return func(c *Coordinator) {
		c.tracker = t
	}
}

// NewCoordinator creates a persistence coordinator over store.
func NewCoordinator(store storage.Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:  store,
		logger: log.NopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ensureOwner returns the owner handle id, registering one with the
// store on first contact.
func (c *Coordinator) ensureOwner(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ownerID != "" {
		return c.ownerID, nil
	}
	ownerID, err := c.store.CreateOwner(ctx)
	if err != nil {
		return "", fmt.Errorf("creating owner: %w", err)
	}
	c.ownerID = ownerID
	c.ownedOwner = true
	return ownerID, nil
}

// collectParticipants merges participant records into rs.Metadata.
func (c *Coordinator) collectParticipants(ctx context.Context, instanceID string, rs *storage.RecordSet) error {
	if len(c.participants) < 1 {
		return nil
	}
	collected := make(map[string][]byte)
	for _, p := range c.participants {
		values, err := p.CollectValues(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("collecting values: %w", err)
		}
		for k, v := range values {
			collected[k] = v
		}
	}
	mapped := make(map[string][]byte)
	for _, p := range c.participants {
		// every participant maps over its own copy of the collect
		// phase; a mapper must not see (or mutate) another's results
		view := make(map[string][]byte, len(collected))
		for k, v := range collected {
			view[k] = v
		}
		values, err := p.MapValues(ctx, instanceID, view)
		if err != nil {
			return fmt.Errorf("mapping values: %w", err)
		}
		for k, v := range values {
			mapped[k] = v
		}
	}
	if len(collected)+len(mapped) < 1 {
		return nil
	}
	if rs.Metadata == nil {
		rs.Metadata = make(map[string][]byte)
	}
	for k, v := range collected {
		rs.Metadata[k] = v
	}
	for k, v := range mapped {
		rs.Metadata[k] = v
	}
	return nil
}

// Save writes rs for instanceID. The first save of an instance
// performs an idempotent readiness round-trip to register the
// instance handle before taking the lock. On unload or complete the
// self-created owner handle is deleted best-effort.
func (c *Coordinator) Save(ctx context.Context, instanceID string, kind SaveKind, rs *storage.RecordSet) error {
	if c.aborted.Load() {
		return ErrCoordinatorAborted
	}
	ownerID, err := c.ensureOwner(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	locked := c.locked
	c.mu.Unlock()
	if !locked {
		if err = c.store.EnsureInstance(ctx, ownerID, instanceID); err != nil {
			return fmt.Errorf("ensuring instance: %w", err)
		}
	}
	if c.tracker != nil {
		c.tracker.Track(ctx, instanceID, kind)
	}
	if err = c.collectParticipants(ctx, instanceID, rs); err != nil {
		return err
	}
	var flags storage.SaveFlag
	switch kind {
	case SaveKindUnload:
		flags = storage.SaveFlagUnlock
	case SaveKindComplete:
		flags = storage.SaveFlagComplete
	}
	if err = c.store.SaveInstance(ctx, ownerID, instanceID, rs, flags); err != nil {
		return fmt.Errorf("saving instance: %w", err)
	}
	c.mu.Lock()
	c.locked = kind == SaveKindPersist
	c.mu.Unlock()
	if kind != SaveKindPersist {
		c.releaseOwner(ctx, instanceID)
	}
	return nil
}

// Load reads and locks instanceID's record set.
func (c *Coordinator) Load(ctx context.Context, instanceID string) (*storage.RecordSet, error) {
	if c.aborted.Load() {
		return nil, ErrCoordinatorAborted
	}
	ownerID, err := c.ensureOwner(ctx)
	if err != nil {
		return nil, err
	}
	rs, err := c.store.LoadInstance(ctx, ownerID, instanceID)
	if err != nil {
		return nil, fmt.Errorf("loading instance: %w", err)
	}
	c.mu.Lock()
	c.locked = true
	c.mu.Unlock()
	return rs, nil
}

// LoadAny loads and locks any runnable instance. The ok result is
// false when none exists.
func (c *Coordinator) LoadAny(ctx context.Context) (string, *storage.RecordSet, bool, error) {
	if c.aborted.Load() {
		return "", nil, false, ErrCoordinatorAborted
	}
	ownerID, err := c.ensureOwner(ctx)
	if err != nil {
		return "", nil, false, err
	}
	instanceID, rs, ok, err := c.store.TryLoadAnyRunnable(ctx, ownerID)
	if err != nil {
		return "", nil, false, fmt.Errorf("loading any runnable: %w", err)
	}
	if ok {
		c.mu.Lock()
		c.locked = true
		c.mu.Unlock()
	}
	return instanceID, rs, ok, err
}

// Unlock releases the instance lock without writing state.
func (c *Coordinator) Unlock(ctx context.Context, instanceID string) error {
	c.mu.Lock()
	ownerID, locked := c.ownerID, c.locked
	c.mu.Unlock()
	if ownerID == "" || !locked {
		return nil
	}
	if err := c.store.UnlockInstance(ctx, ownerID, instanceID); err != nil {
		return fmt.Errorf("unlocking instance: %w", err)
	}
	c.mu.Lock()
	c.locked = false
	c.mu.Unlock()
	return nil
}

// releaseOwner deletes a self-created owner handle. Best effort: the
// owner record may already be gone (e.g. an unload racing an abort)
// and that is not an error worth surfacing.
func (c *Coordinator) releaseOwner(ctx context.Context, instanceID string) {
	c.mu.Lock()
	ownerID, owned := c.ownerID, c.ownedOwner
	c.ownerID = ""
	c.ownedOwner = false
	c.locked = false
	c.mu.Unlock()
	if ownerID == "" || !owned {
		return
	}
	if err := c.store.DeleteOwner(ctx, ownerID); err != nil {
		ctxlog.Logger(ctx, c.logger).Debug(
			logkeys.Message, "deleting owner",
			logkeys.InstanceID, instanceID,
			logkeys.Error, err,
		)
	}
}

// Abort frees the coordinator's store handle exactly once: releases
// any held lock and deletes a self-created owner, swallowing errors.
// Safe to call concurrently with a save or load.
func (c *Coordinator) Abort(instanceID string) {
	if !c.aborted.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.mu.Lock()
	ownerID, locked := c.ownerID, c.locked
	c.mu.Unlock()
	if ownerID != "" && locked && instanceID != "" {
		if err := c.store.UnlockInstance(ctx, ownerID, instanceID); err != nil {
			c.logger.Debug(
				logkeys.Message, "abort: unlocking instance",
				logkeys.InstanceID, instanceID,
				logkeys.Error, err,
			)
		}
	}
	c.releaseOwner(ctx, instanceID)
}
