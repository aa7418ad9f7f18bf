// Package runner implements a minimal sequential tree runner.
//
// A program is an ordered list of activities executed one at a time.
// An activity may create bookmarks during Execute; the program then
// idles at that activity until every one of its bookmarks has been
// resumed. The runner satisfies the workflow.Runner contract the
// engine drives, including snapshot/restore for durable instances.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/micromdm/nanowf/workflow"
	"github.com/micromdm/nanowf/workflow/tree"
)

const snapshotVersion = 1

var (
	ErrNoActivities  = errors.New("program has no activities")
	ErrAborted       = errors.New("program aborted")
	ErrShapeMismatch = errors.New("snapshot does not match program shape")
	ErrTerminated    = errors.New("terminated")
)

// Activity is one node of an activity program.
type Activity interface {
	// Name identifies the activity within a program; informational.
	Name() string

	// Execute runs the activity. Bookmarks created through ac leave
	// the program idle at this activity until resumed.
	Execute(ctx context.Context, ac *ActivityContext) error
}

// Canceler is implemented by activities wanting cancel notification.
type Canceler interface {
	Cancel(ac *ActivityContext)
}

// BookmarkResumer is implemented by activities that process resumed
// bookmark payloads themselves. Activities that do not implement it
// get the payload recorded as a program output under the bookmark name.
type BookmarkResumer interface {
	BookmarkResumed(ac *ActivityContext, bm workflow.Bookmark, value interface{}) error
}

// ActivityContext is the per-node execution surface handed to activities.
type ActivityContext struct {
	r    *Runner
	node tree.NodeID
}

// NodeID returns the fully qualified id of the executing node.
func (ac *ActivityContext) NodeID() string {
	qid, _ := ac.r.arena.QualifiedID(ac.node)
	return qid
}

// CreateBookmark registers a named bookmark owned by this node.
func (ac *ActivityContext) CreateBookmark(name string) (workflow.Bookmark, error) {
	return ac.r.bookmarks.CreateNamed(name, ac.NodeID())
}

// CreateScopedBookmark registers a named bookmark within scope.
func (ac *ActivityContext) CreateScopedBookmark(name string, scope *workflow.BookmarkScope) (workflow.Bookmark, error) {
	return ac.r.bookmarks.CreateScoped(name, ac.NodeID(), scope)
}

// CreateInternalBookmark registers an engine-assigned internal bookmark.
func (ac *ActivityContext) CreateInternalBookmark() workflow.Bookmark {
	return ac.r.bookmarks.CreateInternal(ac.NodeID())
}

// SetOutput records a program output value.
func (ac *ActivityContext) SetOutput(name string, v interface{}) {
	ac.r.outputs[name] = v
}

// EnterNoPersistZone marks snapshots illegal until the matching exit.
func (ac *ActivityContext) EnterNoPersistZone() { ac.r.noPersist++ }

// ExitNoPersistZone ends a no-persist zone.
func (ac *ActivityContext) ExitNoPersistZone() {
	if ac.r.noPersist > 0 {
		ac.r.noPersist--
	}
}

// Runner executes a sequential activity program.
type Runner struct {
	activities []Activity
	nodes      []tree.NodeID
	arena      *tree.Arena
	bookmarks  *workflow.Table

	idx      int  // current activity
	executed bool // whether activities[idx] has run

	status    workflow.Status
	fault     error
	outputs   map[string]interface{}
	aborted   bool
	cancelReq bool

	pauseReq        bool
	persistPauseReq bool
	noPersist       int
}

// New creates a runner for the given program.
func New(activities ...Activity) (*Runner, error) {
	if len(activities) < 1 {
		return nil, ErrNoActivities
	}
	r := &Runner{
		activities: activities,
		arena:      tree.New(),
		bookmarks:  workflow.NewTable(),
		status:     workflow.StatusExecuting,
		outputs:    make(map[string]interface{}),
	}
	// the arena is rebuilt identically on every construction, so
	// qualified ids remain stable across snapshot/restore
	for range activities {
		n, err := r.arena.Alloc(r.arena.RootSpace())
		if err != nil {
			return nil, err
		}
		r.nodes = append(r.nodes, n)
	}
	return r, nil
}

// Status implements the workflow.Runner interface.
func (r *Runner) Status() workflow.Status { return r.status }

// Step implements the workflow.Runner interface.
func (r *Runner) Step(ctx context.Context) (workflow.Status, error) {
	if r.aborted {
		return r.status, ErrAborted
	}
	if r.status.Terminal() || r.status == workflow.StatusIdle {
		return r.status, nil
	}
	for r.idx < len(r.activities) {
		if err := ctx.Err(); err != nil {
			return r.status, err
		}
		if r.cancelReq {
			r.completeCanceled()
			return r.status, nil
		}
		if r.pauseReq {
			// yield the turn; work remains
			r.pauseReq = false
			return r.status, nil
		}
		if !r.executed {
			ac := &ActivityContext{r: r, node: r.nodes[r.idx]}
			if err := r.activities[r.idx].Execute(ctx, ac); err != nil {
				// unhandled activity exception: surface to the host,
				// leaving the program positioned at this activity
				return r.status, fmt.Errorf("activity %s: %w", r.activities[r.idx].Name(), err)
			}
			r.executed = true
		}
		if len(r.bookmarks.ForNode(r.nodeID(r.idx))) > 0 {
			r.status = workflow.StatusIdle
			return r.status, nil
		}
		r.idx++
		r.executed = false
		// a persistable pause yields only after progress, at the next
		// activity boundary where a snapshot is legal
		if r.persistPauseReq && r.noPersist == 0 {
			r.persistPauseReq = false
			return r.status, nil
		}
	}
	r.status = workflow.StatusClosed
	return r.status, nil
}

// ResumeBookmark implements the workflow.Runner interface.
func (r *Runner) ResumeBookmark(bm workflow.Bookmark, value interface{}) error {
	if r.aborted || r.status.Terminal() {
		return workflow.ErrBookmarkNotFound
	}
	nodeID, ok := r.bookmarks.NodeFor(bm)
	if !ok {
		return workflow.ErrBookmarkNotFound
	}
	if r.status != workflow.StatusIdle {
		return workflow.ErrNotReady
	}
	if err := r.bookmarks.Remove(bm); err != nil {
		return err
	}
	if act, ok := r.activityForNode(nodeID); ok {
		ac := &ActivityContext{r: r, node: r.nodes[act]}
		if resumer, ok := r.activities[act].(BookmarkResumer); ok {
			if err := resumer.BookmarkResumed(ac, bm, value); err != nil {
				return err
			}
		} else if !bm.Internal() {
			r.outputs[bm.Name()] = value
		}
	}
	// runnable again once the current activity has no bookmarks left
	if len(r.bookmarks.ForNode(r.nodeID(r.idx))) == 0 {
		r.status = workflow.StatusExecuting
	}
	return nil
}

// Bookmarks implements the workflow.Runner interface.
func (r *Runner) Bookmarks() []workflow.Bookmark {
	return r.bookmarks.Named()
}

// FindBookmark implements the workflow.Runner interface.
func (r *Runner) FindBookmark(name string) (workflow.Bookmark, bool) {
	return r.bookmarks.Find(name)
}

// Cancel implements the workflow.Runner interface.
func (r *Runner) Cancel() {
	if r.status.Terminal() || r.aborted {
		return
	}
	r.cancelReq = true
	if r.status == workflow.StatusIdle {
		// idle programs won't take another natural step; complete now
		r.completeCanceled()
	}
}

func (r *Runner) completeCanceled() {
	if r.idx < len(r.activities) {
		if canceler, ok := r.activities[r.idx].(Canceler); ok {
			canceler.Cancel(&ActivityContext{r: r, node: r.nodes[r.idx]})
		}
	}
	r.dropBookmarks()
	r.status = workflow.StatusCanceled
}

// Terminate implements the workflow.Runner interface.
func (r *Runner) Terminate(reason error) {
	if r.status.Terminal() || r.aborted {
		return
	}
	if reason == nil {
		reason = ErrTerminated
	}
	r.fault = reason
	r.dropBookmarks()
	r.status = workflow.StatusFaulted
}

// Abort implements the workflow.Runner interface.
func (r *Runner) Abort() {
	r.aborted = true
	r.dropBookmarks()
}

func (r *Runner) dropBookmarks() {
	for i := range r.activities {
		r.bookmarks.RemoveForNode(r.nodeID(i))
	}
}

// RequestPause implements the workflow.Runner interface.
func (r *Runner) RequestPause() { r.pauseReq = true }

// Persistable implements the workflow.Runner interface.
func (r *Runner) Persistable() bool { return r.noPersist == 0 }

// RequestPersistablePause implements the workflow.Runner interface.
func (r *Runner) RequestPersistablePause() { r.persistPauseReq = true }

// Outputs implements the workflow.Runner interface.
func (r *Runner) Outputs() map[string]interface{} { return r.outputs }

// Fault implements the workflow.Runner interface.
func (r *Runner) Fault() error { return r.fault }

func (r *Runner) nodeID(idx int) string {
	if idx >= len(r.nodes) {
		return ""
	}
	qid, _ := r.arena.QualifiedID(r.nodes[idx])
	return qid
}

func (r *Runner) activityForNode(nodeID string) (int, bool) {
	for i := range r.nodes {
		if r.nodeID(i) == nodeID {
			return i, true
		}
	}
	return 0, false
}

// snapshot is the serialized runner state.
type snapshot struct {
	Version   int                    `json:"version"`
	Count     int                    `json:"count"` // program shape check
	Idx       int                    `json:"idx"`
	Executed  bool                   `json:"executed"`
	Status    string                 `json:"status"`
	Fault     string                 `json:"fault,omitempty"`
	Canceled  bool                   `json:"cancel_requested,omitempty"`
	Outputs   map[string]interface{} `json:"outputs,omitempty"`
	Bookmarks json.RawMessage        `json:"bookmarks"`
}

// Snapshot implements the workflow.Runner interface.
func (r *Runner) Snapshot() ([]byte, error) {
	bms, err := json.Marshal(r.bookmarks)
	if err != nil {
		return nil, fmt.Errorf("marshal bookmarks: %w", err)
	}
	s := &snapshot{
		Version:   snapshotVersion,
		Count:     len(r.activities),
		Idx:       r.idx,
		Executed:  r.executed,
		Status:    r.status.String(),
		Canceled:  r.cancelReq,
		Outputs:   r.outputs,
		Bookmarks: bms,
	}
	if r.fault != nil {
		s.Fault = r.fault.Error()
	}
	return json.Marshal(s)
}

// Restore implements the workflow.Runner interface.
func (r *Runner) Restore(b []byte) error {
	var s snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return fmt.Errorf("%w: snapshot v%d, runner v%d", workflow.ErrSnapshotVersion, s.Version, snapshotVersion)
	}
	if s.Count != len(r.activities) || s.Idx > len(r.activities) {
		return ErrShapeMismatch
	}
	status, ok := workflow.StatusForString(s.Status)
	if !ok {
		return fmt.Errorf("unknown status: %s", s.Status)
	}
	bookmarks := workflow.NewTable()
	if len(s.Bookmarks) > 0 {
		if err := json.Unmarshal(s.Bookmarks, bookmarks); err != nil {
			return fmt.Errorf("unmarshal bookmarks: %w", err)
		}
	}
	r.idx = s.Idx
	r.executed = s.Executed
	r.status = status
	r.cancelReq = s.Canceled
	r.bookmarks = bookmarks
	if s.Outputs != nil {
		r.outputs = s.Outputs
	} else {
		r.outputs = make(map[string]interface{})
	}
	if s.Fault != "" {
		r.fault = errors.New(s.Fault)
	}
	return nil
}
