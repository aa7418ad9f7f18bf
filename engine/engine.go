// Package engine implements the NanoWF instance execution coordinator.
//
// An Instance hosts one activity program behind a free-threaded public
// API. Internally every host call becomes an operation that must be
// granted a turn; at most one operation holds the turn at any instant,
// so the program's runner and the persistence coordinator never
// execute concurrently.
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
	"github.com/micromdm/nanowf/utils/uuid"
	"github.com/micromdm/nanowf/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// DefaultTimeout bounds operations started through the asynchronous
// call forms, which have no caller context to inherit a deadline from.
const DefaultTimeout = time.Second * 30

// PersistableIdleAction is the host's answer to a PersistableIdle
// event.
type PersistableIdleAction int

const (
	// PersistableIdleNone leaves the instance loaded and unpersisted.
	PersistableIdleNone PersistableIdleAction = iota

	// PersistableIdlePersist snapshots the instance and keeps it loaded.
	PersistableIdlePersist

	// PersistableIdleUnload snapshots the instance and evicts it.
	PersistableIdleUnload
)

// UnhandledExceptionAction is the host's answer to an
// UnhandledException event.
type UnhandledExceptionAction int

const (
	// UnhandledExceptionTerminate completes the program as faulted.
	// This is the default when no handler is registered.
	UnhandledExceptionTerminate UnhandledExceptionAction = iota

	// UnhandledExceptionCancel requests graceful cancellation.
	UnhandledExceptionCancel

	// UnhandledExceptionAbort abandons the instance.
	UnhandledExceptionAbort
)

// handlers are the single-subscriber instance events. All fire on the
// engine's evaluation goroutine, never concurrently with each other or
// with a turn, except Aborted which fires on its own goroutine.
type handlers struct {
	idle               func(ctx context.Context)
	persistableIdle    func(ctx context.Context) PersistableIdleAction
	completed          func(ctx context.Context, status workflow.Status, outputs map[string]interface{}, fault error)
	unloaded           func(ctx context.Context)
	aborted            func(reason error)
	unhandledException func(ctx context.Context, err error) UnhandledExceptionAction
}

// Instance hosts one activity program.
type Instance struct {
	runner workflow.Runner
	coord  *Coordinator
	logger log.Logger
	ider   uuid.IDer

	defaultTimeout time.Duration
	handlers       handlers

	// pumpCtx bounds trailing execution turns; canceled on abort.
	pumpCtx    context.Context
	pumpCancel context.CancelFunc

	abort atomic.Pointer[abortInfo]

	// mu is the engine's only lock. It guards the fields below; all
	// other state is touched only while owning the turn.
	mu                sync.Mutex
	busy              bool
	pending           []*operation
	pendingUnenqueued int
	actionCount       uint64
	state             lifecycleState
	status            workflow.Status
	abortCleaned      bool
	initialized       bool
	id                string
	stepTaken         bool
	completionRaised  bool
}

// Option configures an Instance.
type Option func(*Instance)

// WithLogger sets the instance logger.
func WithLogger(logger log.Logger) Option {
	return func(i *Instance) {
		i.logger = logger
	}
}

// WithDefaultTimeout sets the timeout for asynchronous call forms.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(i *Instance) {
		i.defaultTimeout = timeout
	}
}

// WithInstanceID assigns the instance identity up front instead of
// lazily on first access.
func WithInstanceID(id string) Option {
	return func(i *Instance) {
		i.id = id
	}
}

// WithIdleHandler subscribes to the Idle event.
func WithIdleHandler(fn func(ctx context.Context)) Option {
	return func(i *Instance) {
		i.handlers.idle = fn
	}
}

// WithPersistableIdleHandler subscribes to the PersistableIdle event.
// It fires after Idle whenever the idle runner permits a snapshot.
func WithPersistableIdleHandler(fn func(ctx context.Context) PersistableIdleAction) Option {
	return func(i *Instance) {
		i.handlers.persistableIdle = fn
	}
}

// WithCompletedHandler subscribes to the Completed event.
func WithCompletedHandler(fn func(ctx context.Context, status workflow.Status, outputs map[string]interface{}, fault error)) Option {
	return func(i *Instance) {
		i.handlers.completed = fn
	}
}

// WithUnloadedHandler subscribes to the Unloaded event.
func WithUnloadedHandler(fn func(ctx context.Context)) Option {
	return func(i *Instance) {
		i.handlers.unloaded = fn
	}
}

// WithAbortedHandler subscribes to the Aborted event.
func WithAbortedHandler(fn func(reason error)) Option {
	return func(i *Instance) {
		i.handlers.aborted = fn
	}
}

// WithUnhandledExceptionHandler subscribes to the UnhandledException
// event for faults escaping the runner during a turn.
func WithUnhandledExceptionHandler(fn func(ctx context.Context, err error) UnhandledExceptionAction) Option {
	return func(i *Instance) {
		i.handlers.unhandledException = fn
	}
}

// New creates an instance hosting the program driven by runner,
// persisting through store.
func New(runner workflow.Runner, store storage.Store, opts ...Option) *Instance {
	i := &Instance{
		runner:         runner,
		logger:         log.NopLogger,
		ider:           uuid.NewUUID(),
		defaultTimeout: DefaultTimeout,
		status:         runner.Status(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.coord = NewCoordinator(store, WithCoordinatorLogger(i.logger))
	i.pumpCtx, i.pumpCancel = context.WithCancel(context.Background())
	return i
}

// ID returns the instance identity, assigning one lazily on first
// access. Once read it is fixed for the instance's lifetime.
func (i *Instance) ID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.id == "" {
		i.id = i.ider.ID()
	}
	return i.id
}

// SetID assigns the instance identity. Returns ErrAlreadyHasID once an
// identity has been assigned or read.
func (i *Instance) SetID(id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.id != "" {
		return ErrAlreadyHasID
	}
	i.id = id
	return nil
}

// perform runs one host operation: admit op, wait for its turn, run
// body while holding the turn, then hand the turn to the evaluation
// loop.
func (i *Instance) perform(ctx context.Context, op *operation, body func() error) error {
	if err := i.checkValid(); err != nil {
		return err
	}
	i.mu.Lock()
	i.pendingUnenqueued++
	i.mu.Unlock()
	i.enqueue(op)
	if err := i.waitForTurn(ctx, op); err != nil {
		return err
	}
	err := body()
	i.notifyComplete()
	return err
}

// notifyComplete ends the current turn. Trailing work (execution
// turns, events, further grants) continues on a fresh goroutine so the
// completing caller returns promptly; mutual exclusion is preserved
// because busy stays set until the evaluation loop clears it.
func (i *Instance) notifyComplete() {
	go i.evaluate()
}

// evaluate re-examines the instance after a turn, in priority order:
// raise completion; grant a pending operation; raise idle; run one
// execution turn; otherwise go quiet.
func (i *Instance) evaluate() {
	ctx := i.pumpCtx
	for {
		i.mu.Lock()
		if i.abort.Load() != nil || i.state == stateAborted {
			i.state = stateAborted
			cleaned := i.abortCleaned
			i.abortCleaned = true
			i.mu.Unlock()
			if !cleaned {
				// abandon the program while still owning the turn:
				// bookmarks and position are destroyed exactly once
				i.runner.Abort()
			}
			var reason error
			if info := i.abort.Load(); info != nil {
				reason = info.reason
			}
			failure := NewErrAborted(reason)
			i.mu.Lock()
			pending := i.pending
			i.pending = nil
			i.busy = false
			i.mu.Unlock()
			for _, op := range pending {
				op.w.complete(failure)
			}
			return
		}
		if i.status.Terminal() && !i.completionRaised && i.state == stateRunnable {
			i.completionRaised = true
			i.mu.Unlock()
			i.raiseCompleted(ctx)
			continue
		}
		if op := i.findOperation(); op != nil {
			i.actionCount++
			i.mu.Unlock()
			// the grantee finishes its body and calls notifyComplete,
			// continuing evaluation on its own goroutine
			op.w.complete(nil)
			return
		}
		if i.status == workflow.StatusIdle && i.stepTaken && i.pendingUnenqueued == 0 {
			i.stepTaken = false
			i.mu.Unlock()
			i.raiseIdle(ctx)
			continue
		}
		if i.state == stateRunnable && i.status == workflow.StatusExecuting {
			i.mu.Unlock()
			i.runTurn(ctx)
			continue
		}
		if i.status == workflow.StatusIdle && i.pendingDeferred() {
			// only deferred retries remain; stop yielding to fresher
			// work that is not coming
			i.actionCount++
			i.mu.Unlock()
			continue
		}
		i.busy = false
		i.mu.Unlock()
		return
	}
}

// pendingDeferred reports whether any queued operation is a deferred
// retry. Called with the engine mutex held.
func (i *Instance) pendingDeferred() bool {
	for _, op := range i.pending {
		if op.readiness == readyDeferredIdle {
			return true
		}
	}
	return false
}

// runTurn invokes one execution turn of the runner.
func (i *Instance) runTurn(ctx context.Context) {
	status, err := i.runner.Step(ctx)
	i.mu.Lock()
	i.status = status
	i.stepTaken = true
	i.actionCount++
	i.mu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		i.handleFault(ctx, err)
	}
}

// handleFault routes a fault escaping the runner through the
// UnhandledException event. The default action is terminate.
func (i *Instance) handleFault(ctx context.Context, fault error) {
	logger := ctxlog.Logger(ctx, i.logger)
	logger.Info(
		logkeys.Message, "unhandled fault",
		logkeys.InstanceID, i.ID(),
		logkeys.Error, fault,
	)
	action := UnhandledExceptionTerminate
	if i.handlers.unhandledException != nil {
		action = i.handlers.unhandledException(ctx, fault)
	}
	switch action {
	case UnhandledExceptionAbort:
		i.Abort(fault)
	case UnhandledExceptionCancel:
		i.runner.Cancel()
		i.setStatus(workflow.StatusExecuting)
	default:
		i.runner.Terminate(fault)
		i.setStatus(i.runner.Status())
	}
}

func (i *Instance) setStatus(status workflow.Status) {
	i.mu.Lock()
	i.status = status
	i.mu.Unlock()
}

// markRunnableLocked transitions the lifecycle to runnable. Aborted
// and unloaded are terminal; an Abort racing the operation body must
// not be overwritten. Called with the engine mutex held.
func (i *Instance) markRunnableLocked() {
	if i.state == stateAborted || i.state == stateUnloaded {
		return
	}
	i.state = stateRunnable
}

// raiseIdle fires Idle, then PersistableIdle when a snapshot is
// currently legal, applying the returned action.
func (i *Instance) raiseIdle(ctx context.Context) {
	if i.handlers.idle != nil {
		i.handlers.idle(ctx)
	}
	if i.handlers.persistableIdle == nil || !i.runner.Persistable() {
		return
	}
	logger := ctxlog.Logger(ctx, i.logger).With(logkeys.InstanceID, i.ID())
	switch i.handlers.persistableIdle(ctx) {
	case PersistableIdlePersist:
		if err := i.save(ctx, SaveKindPersist); err != nil {
			logger.Info(logkeys.Message, "persistable idle: persist", logkeys.Error, err)
			i.Abort(err)
		}
	case PersistableIdleUnload:
		if err := i.unloadLocked(ctx); err != nil {
			logger.Info(logkeys.Message, "persistable idle: unload", logkeys.Error, err)
			i.Abort(err)
		}
	}
}

// raiseCompleted fires Completed with the program's outcome.
func (i *Instance) raiseCompleted(ctx context.Context) {
	i.mu.Lock()
	status := i.status
	i.mu.Unlock()
	ctxlog.Logger(ctx, i.logger).Debug(
		logkeys.Message, "instance completed",
		logkeys.InstanceID, i.ID(),
		logkeys.Status, status,
	)
	if i.handlers.completed != nil {
		i.handlers.completed(ctx, status, i.runner.Outputs(), i.runner.Fault())
	}
}

// Run requests execution. It returns once execution has been
// scheduled; progress and completion surface through events.
func (i *Instance) Run(ctx context.Context) error {
	op := newOperation("run", readyAlways)
	return i.perform(ctx, op, func() error {
		if i.runner.Status().Terminal() {
			return ErrCompleted
		}
		i.mu.Lock()
		i.markRunnableLocked()
		i.initialized = true
		i.status = i.runner.Status()
		// a loaded instance may already be idle; let that surface
		i.stepTaken = true
		i.mu.Unlock()
		return nil
	})
}

// Cancel requests graceful cancellation. Best effort: it never errors
// for already-terminal instances and is safe from arbitrary
// goroutines.
func (i *Instance) Cancel(ctx context.Context) error {
	if err := i.checkValid(); err != nil {
		return nil
	}
	op := newOperation("cancel", readyAlways)
	op.interrupts = true
	err := i.perform(ctx, op, func() error {
		if i.terminalUnderTurn() {
			return nil
		}
		i.runner.Cancel()
		i.mu.Lock()
		i.markRunnableLocked()
		i.initialized = true
		// cancellation is processed by a turn
		i.status = workflow.StatusExecuting
		i.mu.Unlock()
		return nil
	})
	if errors.Is(err, ErrAborted) || errors.Is(err, ErrUnloaded) {
		// terminal already; nothing to cancel
		return nil
	}
	return err
}

// Terminate completes the program as faulted with reason.
func (i *Instance) Terminate(ctx context.Context, reason error) error {
	op := newOperation("terminate", readyAlways)
	op.interrupts = true
	return i.perform(ctx, op, func() error {
		if err := i.checkValid(); err != nil {
			return err
		}
		if i.terminalUnderTurn() {
			return ErrCompleted
		}
		i.runner.Terminate(reason)
		i.mu.Lock()
		i.markRunnableLocked()
		i.initialized = true
		i.status = i.runner.Status()
		i.mu.Unlock()
		return nil
	})
}

// terminalUnderTurn reports terminal execution status while holding
// the turn.
func (i *Instance) terminalUnderTurn() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status.Terminal()
}

// GetBookmarks returns the host-visible bookmarks awaiting resumption.
func (i *Instance) GetBookmarks(ctx context.Context) ([]workflow.Bookmark, error) {
	var bms []workflow.Bookmark
	op := newOperation("get bookmarks", readyAlways)
	err := i.perform(ctx, op, func() error {
		if err := i.checkValid(); err != nil {
			return err
		}
		bms = i.runner.Bookmarks()
		return nil
	})
	return bms, err
}

// ResumeBookmark delivers value to the named bookmark. A resume on a
// not-yet-running instance first requests execution, so the program
// can reach its bookmarks. It retries internally while the program
// reports not-ready, deferring to fresher work between attempts, and
// returns ResumeNotFound for unknown or consumed names (terminal
// instances always report ResumeNotFound).
func (i *Instance) ResumeBookmark(ctx context.Context, name string, value interface{}) (workflow.ResumeResult, error) {
	if err := i.ensureRunRequested(ctx); err != nil {
		return workflow.ResumeNotFound, err
	}
	op := newOperation("resume bookmark", readyRequiresIdle)
	op.requiresRunnable = true
	for {
		result, err := i.resumeAttempt(ctx, op, name, value)
		if err != nil || result != workflow.ResumeNotReady {
			return result, err
		}
		if err = ctx.Err(); err != nil {
			return workflow.ResumeNotReady, fmt.Errorf("%w: resume bookmark: %v", ErrTimeout, err)
		}
		op = newOperation("resume bookmark (deferred)", readyDeferredIdle)
		op.requiresRunnable = true
	}
}

// ensureRunRequested takes a not-started instance to runnable before a
// resume waits for idle.
func (i *Instance) ensureRunRequested(ctx context.Context) error {
	i.mu.Lock()
	notStarted := i.state == stateNotStarted
	i.mu.Unlock()
	if !notStarted {
		return nil
	}
	err := i.Run(ctx)
	if errors.Is(err, ErrCompleted) {
		// terminal programs report not-found from the resume itself
		return nil
	}
	return err
}

func (i *Instance) resumeAttempt(ctx context.Context, op *operation, name string, value interface{}) (workflow.ResumeResult, error) {
	result := workflow.ResumeNotFound
	err := i.perform(ctx, op, func() error {
		if err := i.checkValid(); err != nil {
			return err
		}
		if i.terminalUnderTurn() {
			result = workflow.ResumeNotFound
			return nil
		}
		bm, ok := i.runner.FindBookmark(name)
		if !ok {
			result = workflow.ResumeNotFound
			return nil
		}
		switch err := i.runner.ResumeBookmark(bm, value); {
		case errors.Is(err, workflow.ErrBookmarkNotFound):
			result = workflow.ResumeNotFound
		case errors.Is(err, workflow.ErrNotReady):
			result = workflow.ResumeNotReady
		case err != nil:
			return fmt.Errorf("resuming bookmark: %w", err)
		default:
			result = workflow.ResumeSuccess
			i.mu.Lock()
			i.markRunnableLocked()
			i.initialized = true
			i.status = i.runner.Status()
			i.mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return workflow.ResumeNotReady, err
	}
	return result, nil
}

// recordSet snapshots the runner into a durable record set. Must be
// called while holding the turn.
func (i *Instance) recordSet() (*storage.RecordSet, error) {
	state, err := i.runner.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshotting runner: %w", err)
	}
	i.mu.Lock()
	status := i.status
	i.mu.Unlock()
	rs := &storage.RecordSet{
		State:   state,
		Status:  status.String(),
		Version: storage.RecordSetVersion,
	}
	for _, bm := range i.runner.Bookmarks() {
		rec := storage.BookmarkRecord{Name: bm.Name()}
		if scope := bm.Scope(); scope != nil {
			rec.Scope = scope.ID
		}
		rs.Bookmarks = append(rs.Bookmarks, rec)
	}
	if status.Terminal() {
		rs.Outputs = i.runner.Outputs()
		if fault := i.runner.Fault(); fault != nil {
			rs.Fault = fault.Error()
		}
	}
	return rs, nil
}

// save writes the current snapshot. Must be called while holding the
// turn.
func (i *Instance) save(ctx context.Context, kind SaveKind) error {
	i.mu.Lock()
	status := i.status
	i.mu.Unlock()
	if kind != SaveKindComplete && status.Terminal() {
		kind = SaveKindComplete
	}
	rs, err := i.recordSet()
	if err != nil {
		return err
	}
	if err = i.coord.Save(ctx, i.ID(), kind, rs); err != nil {
		return err
	}
	ctxlog.Logger(ctx, i.logger).Debug(
		logkeys.Message, "saved instance",
		logkeys.InstanceID, i.ID(),
		logkeys.Operation, kind,
		logkeys.Status, rs.Status,
	)
	return nil
}

// Persist snapshots the instance, leaving it loaded and locked. Waits
// for the runner to reach a persistable point.
func (i *Instance) Persist(ctx context.Context) error {
	op := newOperation("persist", readyRequiresPersistable)
	return i.perform(ctx, op, func() error {
		if err := i.checkValid(); err != nil {
			return err
		}
		return i.save(ctx, SaveKindPersist)
	})
}

// Unload snapshots the instance, releases its lock, and evicts it.
// Subsequent operations fail with ErrUnloaded; the instance can be
// reloaded under a fresh Instance.
func (i *Instance) Unload(ctx context.Context) error {
	op := newOperation("unload", readyRequiresPersistable)
	return i.perform(ctx, op, func() error {
		if err := i.checkValid(); err != nil {
			return err
		}
		return i.unloadLocked(ctx)
	})
}

// unloadLocked writes the unload snapshot and marks the instance
// unloaded. Must be called while holding the turn.
func (i *Instance) unloadLocked(ctx context.Context) error {
	if err := i.save(ctx, SaveKindUnload); err != nil {
		return err
	}
	i.mu.Lock()
	i.state = stateUnloaded
	i.mu.Unlock()
	if i.handlers.unloaded != nil {
		i.handlers.unloaded(ctx)
	}
	return nil
}

// Load reads instanceID's persisted state into this fresh instance.
// The runner must have been constructed for an equivalent program; its
// state is reconstituted from the stored snapshot before any other
// operation proceeds.
func (i *Instance) Load(ctx context.Context, instanceID string) error {
	op := newOperation("load", readyAlways)
	return i.perform(ctx, op, func() error {
		if err := i.checkValid(); err != nil {
			return err
		}
		i.mu.Lock()
		initialized := i.initialized || i.state != stateNotStarted
		i.mu.Unlock()
		if initialized {
			return ErrAlreadyInitialized
		}
		rs, err := i.coord.Load(ctx, instanceID)
		if err != nil {
			return err
		}
		return i.restore(instanceID, rs)
	})
}

// LoadSnapshot reconstitutes instance state from a caller-provided
// record set without consulting the store. The instance is not locked;
// the caller is responsible for whatever held the snapshot.
func (i *Instance) LoadSnapshot(ctx context.Context, instanceID string, rs *storage.RecordSet) error {
	op := newOperation("load snapshot", readyAlways)
	return i.perform(ctx, op, func() error {
		if err := i.checkValid(); err != nil {
			return err
		}
		i.mu.Lock()
		initialized := i.initialized || i.state != stateNotStarted
		i.mu.Unlock()
		if initialized {
			return ErrAlreadyInitialized
		}
		return i.restore(instanceID, rs)
	})
}

// LoadRunnable loads any runnable persisted instance, reporting false
// when none exists.
func (i *Instance) LoadRunnable(ctx context.Context) (bool, error) {
	var ok bool
	op := newOperation("load runnable", readyAlways)
	err := i.perform(ctx, op, func() error {
		if err := i.checkValid(); err != nil {
			return err
		}
		i.mu.Lock()
		initialized := i.initialized || i.state != stateNotStarted
		i.mu.Unlock()
		if initialized {
			return ErrAlreadyInitialized
		}
		var (
			instanceID string
			rs         *storage.RecordSet
			err        error
		)
		instanceID, rs, ok, err = i.coord.LoadAny(ctx)
		if err != nil || !ok {
			return err
		}
		return i.restore(instanceID, rs)
	})
	return ok, err
}

// restore reconstitutes runner and instance state from rs. A version
// mismatch is fatal and aborts the instance.
func (i *Instance) restore(instanceID string, rs *storage.RecordSet) error {
	i.mu.Lock()
	conflict := i.id != "" && i.id != instanceID
	i.mu.Unlock()
	if conflict {
		// an assigned or read identity is fixed; refuse before the
		// runner is touched
		return fmt.Errorf("%w: loading %s", ErrAlreadyHasID, instanceID)
	}
	if rs.Version != storage.RecordSetVersion {
		err := fmt.Errorf("%w: got %d, supported %d", storage.ErrVersionMismatch, rs.Version, storage.RecordSetVersion)
		i.Abort(err)
		return err
	}
	status, ok := workflow.StatusForString(rs.Status)
	if !ok {
		err := fmt.Errorf("%w: unknown status %q", storage.ErrVersionMismatch, rs.Status)
		i.Abort(err)
		return err
	}
	if len(rs.State) > 0 {
		if err := i.runner.Restore(rs.State); err != nil {
			if errors.Is(err, workflow.ErrSnapshotVersion) {
				i.Abort(err)
			}
			return fmt.Errorf("restoring runner: %w", err)
		}
	}
	i.mu.Lock()
	i.id = instanceID
	i.initialized = true
	i.status = status
	i.mu.Unlock()
	return nil
}

// Abort abandons the instance. Safe to call concurrently with an
// in-flight turn: the aborted record is set atomically before anything
// else, so any caller observing it sees a consistent terminal state.
// Idempotent; only the first call takes effect.
func (i *Instance) Abort(reason error) {
	if !i.abort.CompareAndSwap(nil, &abortInfo{reason: reason}) {
		return
	}
	i.pumpCancel()
	i.mu.Lock()
	i.state = stateAborted
	instanceID := i.id
	pending := i.pending
	i.pending = nil
	// a quiet engine has no turn in flight to notice the abort; take
	// the turn so the evaluation loop abandons the program
	kick := !i.busy
	if kick {
		i.busy = true
	}
	i.mu.Unlock()
	failure := NewErrAborted(reason)
	for _, op := range pending {
		op.w.complete(failure)
	}
	if kick {
		go i.evaluate()
	}
	i.coord.Abort(instanceID)
	i.logger.Info(
		logkeys.Message, "instance aborted",
		logkeys.InstanceID, instanceID,
		logkeys.Error, reason,
	)
	// user notification off the aborting goroutine
	if i.handlers.aborted != nil {
		go i.handlers.aborted(reason)
	}
}

// RunAsync is the continuation form of Run under the default timeout.
// fn is invoked on an arbitrary goroutine.
func (i *Instance) RunAsync(fn func(error)) {
	i.async(fn, i.Run)
}

// PersistAsync is the continuation form of Persist.
func (i *Instance) PersistAsync(fn func(error)) {
	i.async(fn, i.Persist)
}

// UnloadAsync is the continuation form of Unload.
func (i *Instance) UnloadAsync(fn func(error)) {
	i.async(fn, i.Unload)
}

// ResumeBookmarkAsync is the continuation form of ResumeBookmark.
func (i *Instance) ResumeBookmarkAsync(name string, value interface{}, fn func(workflow.ResumeResult, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), i.defaultTimeout)
		defer cancel()
		fn(i.ResumeBookmark(ctx, name, value))
	}()
}

func (i *Instance) async(fn func(error), call func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), i.defaultTimeout)
		defer cancel()
		fn(call(ctx))
	}()
}
