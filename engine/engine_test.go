package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/micromdm/nanowf/engine/storage"
	"github.com/micromdm/nanowf/engine/storage/inmem"
	"github.com/micromdm/nanowf/workflow"
	"github.com/micromdm/nanowf/workflow/runner"

	"github.com/google/go-cmp/cmp"
)

const testTimeout = 5 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func mustRunner(t *testing.T, activities ...runner.Activity) *runner.Runner {
	t.Helper()
	r, err := runner.New(activities...)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func awaitEvent(t *testing.T, ch <-chan struct{}, name string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out awaiting %s event", name)
	}
}

func bookmarkNames(bms []workflow.Bookmark) []string {
	var names []string
	for _, bm := range bms {
		names = append(names, bm.Name())
	}
	return names
}

func TestRunToCompletion(t *testing.T) {
	ctx := testContext(t)
	ran := make(chan string, 3)
	r := mustRunner(t,
		&runner.Func{ActivityName: "one", Fn: func(ctx context.Context, ac *runner.ActivityContext) error {
			ran <- "one"
			return nil
		}},
		&runner.Func{ActivityName: "two", Fn: func(ctx context.Context, ac *runner.ActivityContext) error {
			ran <- "two"
			ac.SetOutput("answer", "42")
			return nil
		}},
	)

	completed := make(chan struct{})
	var gotStatus workflow.Status
	var gotOutputs map[string]interface{}
	i := New(r, inmem.New(), WithCompletedHandler(func(ctx context.Context, status workflow.Status, outputs map[string]interface{}, fault error) {
		gotStatus = status
		gotOutputs = outputs
		close(completed)
	}))

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, completed, "completed")

	if gotStatus != workflow.StatusClosed {
		t.Errorf("expected Closed, got %v", gotStatus)
	}
	if diff := cmp.Diff([]string{"one", "two"}, []string{<-ran, <-ran}); diff != "" {
		t.Errorf("activity order mismatch:\n%s", diff)
	}
	if gotOutputs["answer"] != "42" {
		t.Errorf("unexpected outputs: %v", gotOutputs)
	}

	// repeat Run on a completed instance is a state violation
	if err := i.Run(ctx); !errors.Is(err, ErrCompleted) {
		t.Errorf("expected ErrCompleted, got %v", err)
	}
}

// TestBookmarkScenario is the canonical flow: run a program with two
// named bookmarks, observe idle, resume one, resume it again.
func TestBookmarkScenario(t *testing.T) {
	ctx := testContext(t)
	r := mustRunner(t, runner.NewAwait("gate", "A", "B"))

	idle := make(chan struct{}, 1)
	completed := make(chan struct{})
	i := New(r, inmem.New(),
		WithIdleHandler(func(ctx context.Context) {
			select {
			case idle <- struct{}{}:
			default:
			}
		}),
		WithCompletedHandler(func(ctx context.Context, status workflow.Status, outputs map[string]interface{}, fault error) {
			close(completed)
		}),
	)

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, idle, "idle")

	bms, err := i.GetBookmarks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"A", "B"}, bookmarkNames(bms)); diff != "" {
		t.Fatalf("bookmarks mismatch:\n%s", diff)
	}

	result, err := i.ResumeBookmark(ctx, "A", 42)
	if err != nil {
		t.Fatal(err)
	}
	if result != workflow.ResumeSuccess {
		t.Fatalf("expected Success, got %v", result)
	}

	bms, err = i.GetBookmarks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"B"}, bookmarkNames(bms)); diff != "" {
		t.Fatalf("bookmarks after resume mismatch:\n%s", diff)
	}

	// a consumed bookmark is gone
	result, err = i.ResumeBookmark(ctx, "A", 42)
	if err != nil {
		t.Fatal(err)
	}
	if result != workflow.ResumeNotFound {
		t.Fatalf("expected NotFound, got %v", result)
	}

	result, err = i.ResumeBookmark(ctx, "B", "done")
	if err != nil {
		t.Fatal(err)
	}
	if result != workflow.ResumeSuccess {
		t.Fatalf("expected Success, got %v", result)
	}
	awaitEvent(t, completed, "completed")

	// terminal instances always report NotFound
	result, err = i.ResumeBookmark(ctx, "B", "again")
	if err != nil {
		t.Fatal(err)
	}
	if result != workflow.ResumeNotFound {
		t.Fatalf("expected NotFound after completion, got %v", result)
	}
}

func TestIdleExactlyOnce(t *testing.T) {
	ctx := testContext(t)
	r := mustRunner(t, runner.NewAwait("gate", "A"))

	var idleCount int32
	idle := make(chan struct{}, 8)
	i := New(r, inmem.New(), WithIdleHandler(func(ctx context.Context) {
		atomic.AddInt32(&idleCount, 1)
		idle <- struct{}{}
	}))

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, idle, "idle")

	// turns with no intervening execution must not re-raise idle
	for n := 0; n < 5; n++ {
		if _, err := i.GetBookmarks(ctx); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&idleCount); got != 1 {
		t.Errorf("expected exactly one idle event, got %d", got)
	}
}

// exclusiveRunner trips a flag if two operations ever hold the engine
// turn at once.
type exclusiveRunner struct {
	workflow.Runner
	active   int32
	violated int32
}

func (e *exclusiveRunner) enter() {
	if atomic.AddInt32(&e.active, 1) > 1 {
		atomic.StoreInt32(&e.violated, 1)
	}
	time.Sleep(time.Millisecond)
}

func (e *exclusiveRunner) exit() { atomic.AddInt32(&e.active, -1) }

func (e *exclusiveRunner) Step(ctx context.Context) (workflow.Status, error) {
	e.enter()
	defer e.exit()
	return e.Runner.Step(ctx)
}

func (e *exclusiveRunner) Bookmarks() []workflow.Bookmark {
	e.enter()
	defer e.exit()
	return e.Runner.Bookmarks()
}

func (e *exclusiveRunner) ResumeBookmark(bm workflow.Bookmark, value interface{}) error {
	e.enter()
	defer e.exit()
	return e.Runner.ResumeBookmark(bm, value)
}

func (e *exclusiveRunner) Snapshot() ([]byte, error) {
	e.enter()
	defer e.exit()
	return e.Runner.Snapshot()
}

func TestMutualExclusion(t *testing.T) {
	ctx := testContext(t)
	excl := &exclusiveRunner{Runner: mustRunner(t, runner.NewAwait("gate", "A", "B", "C"))}
	i := New(excl, inmem.New())

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			i.GetBookmarks(ctx)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			i.Persist(ctx)
		}()
	}
	for _, name := range []string{"A", "B", "C"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			i.ResumeBookmark(ctx, name, name)
		}(name)
	}
	wg.Wait()

	if atomic.LoadInt32(&excl.violated) != 0 {
		t.Error("two operations held the turn concurrently")
	}
}

func TestResumeUnknownBookmark(t *testing.T) {
	ctx := testContext(t)
	r := mustRunner(t, runner.NewAwait("gate", "A"))
	i := New(r, inmem.New())

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}

	result, err := i.ResumeBookmark(ctx, "nope", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != workflow.ResumeNotFound {
		t.Fatalf("expected NotFound, got %v", result)
	}

	// the engine is still fully operational afterward
	result, err = i.ResumeBookmark(ctx, "A", 1)
	if err != nil {
		t.Fatal(err)
	}
	if result != workflow.ResumeSuccess {
		t.Fatalf("expected Success, got %v", result)
	}
}

// notReadyRunner reports not-ready for the first few resumption
// attempts, simulating a runner that is idle but cannot yet accept
// delivery.
type notReadyRunner struct {
	workflow.Runner
	refusals int32
	attempts int32
}

func (n *notReadyRunner) ResumeBookmark(bm workflow.Bookmark, value interface{}) error {
	if atomic.AddInt32(&n.attempts, 1) <= n.refusals {
		return workflow.ErrNotReady
	}
	return n.Runner.ResumeBookmark(bm, value)
}

func TestNotReadyRetryTerminates(t *testing.T) {
	ctx := testContext(t)
	nr := &notReadyRunner{
		Runner:   mustRunner(t, runner.NewAwait("gate", "A")),
		refusals: 2,
	}
	i := New(nr, inmem.New())

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}

	result, err := i.ResumeBookmark(ctx, "A", 7)
	if err != nil {
		t.Fatal(err)
	}
	if result != workflow.ResumeSuccess {
		t.Fatalf("expected Success after retries, got %v", result)
	}
	if got := atomic.LoadInt32(&nr.attempts); got != nr.refusals+1 {
		t.Errorf("expected %d bounded attempts, got %d", nr.refusals+1, got)
	}
}

// countingStore tallies owner cleanup attempts.
type countingStore struct {
	storage.Store
	ownerDeletes int32
}

func (c *countingStore) DeleteOwner(ctx context.Context, ownerID string) error {
	atomic.AddInt32(&c.ownerDeletes, 1)
	return c.Store.DeleteOwner(ctx, ownerID)
}

func TestAbortIdempotence(t *testing.T) {
	ctx := testContext(t)
	store := &countingStore{Store: inmem.New()}

	var abortedCount int32
	aborted := make(chan struct{}, 2)
	i := New(mustRunner(t, runner.NewAwait("gate", "A")), store, WithAbortedHandler(func(reason error) {
		atomic.AddInt32(&abortedCount, 1)
		aborted <- struct{}{}
	}))

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}
	// persist so the coordinator owns an owner handle to clean up
	if err := i.Persist(ctx); err != nil {
		t.Fatal(err)
	}

	reason := errors.New("host gave up")
	var wg sync.WaitGroup
	for n := 0; n < 2; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			i.Abort(reason)
		}()
	}
	wg.Wait()
	awaitEvent(t, aborted, "aborted")
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&abortedCount); got != 1 {
		t.Errorf("expected exactly one Aborted event, got %d", got)
	}
	if got := atomic.LoadInt32(&store.ownerDeletes); got != 1 {
		t.Errorf("expected exactly one owner cleanup, got %d", got)
	}

	// every subsequent call fails fast with the original reason
	err := i.Run(ctx)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if _, err = i.GetBookmarks(ctx); !errors.Is(err, ErrAborted) {
		t.Errorf("expected ErrAborted, got %v", err)
	}
	// except Cancel, which is best-effort and never errors on terminal
	if err = i.Cancel(ctx); err != nil {
		t.Errorf("cancel after abort: %v", err)
	}
}

// gateRunner holds a host call inside its granted turn by blocking the
// Status query the Run body performs, and counts execution turns.
type gateRunner struct {
	workflow.Runner
	armed   int32
	steps   int32
	entered chan struct{}
	release chan struct{}
}

func (g *gateRunner) Status() workflow.Status {
	if atomic.CompareAndSwapInt32(&g.armed, 1, 0) {
		close(g.entered)
		<-g.release
	}
	return g.Runner.Status()
}

func (g *gateRunner) Step(ctx context.Context) (workflow.Status, error) {
	atomic.AddInt32(&g.steps, 1)
	return g.Runner.Step(ctx)
}

func TestAbortDuringOperation(t *testing.T) {
	ctx := testContext(t)
	g := &gateRunner{
		Runner:  mustRunner(t, runner.NewAwait("gate", "A")),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	aborted := make(chan struct{})
	i := New(g, inmem.New(), WithAbortedHandler(func(reason error) {
		close(aborted)
	}))
	atomic.StoreInt32(&g.armed, 1)

	runErr := make(chan error, 1)
	go func() { runErr <- i.Run(ctx) }()
	awaitEvent(t, g.entered, "operation body")

	// abort lands while the run body holds the turn
	i.Abort(errors.New("host abandoned"))
	close(g.release)
	<-runErr
	awaitEvent(t, aborted, "aborted")

	// the completing operation must not revive the instance
	if err := i.Run(ctx); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&g.steps); got != 0 {
		t.Errorf("expected no execution turns after abort, got %d", got)
	}
}

// abortSignalRunner reports when the engine abandons the program.
type abortSignalRunner struct {
	workflow.Runner
	aborted chan struct{}
}

func (a *abortSignalRunner) Abort() {
	a.Runner.Abort()
	close(a.aborted)
}

func TestAbortAbandonsProgram(t *testing.T) {
	ctx := testContext(t)
	r := mustRunner(t, runner.NewAwait("gate", "A"))
	sig := &abortSignalRunner{Runner: r, aborted: make(chan struct{})}
	idle := make(chan struct{}, 1)
	i := New(sig, inmem.New(), WithIdleHandler(func(ctx context.Context) {
		select {
		case idle <- struct{}{}:
		default:
		}
	}))

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, idle, "idle")

	// aborting a quiet instance still abandons the program
	i.Abort(errors.New("host abandoned"))
	awaitEvent(t, sig.aborted, "program abandonment")
	if got := len(r.Bookmarks()); got != 0 {
		t.Errorf("expected bookmarks destroyed on abort, got %d", got)
	}
}

func TestResumeBeforeRun(t *testing.T) {
	ctx := testContext(t)
	i := New(mustRunner(t, runner.NewAwait("gate", "A")), inmem.New())

	// a resume as the host's first call takes the instance to runnable
	// and delivers once the program idles at its bookmark
	result, err := i.ResumeBookmark(ctx, "A", 42)
	if err != nil {
		t.Fatal(err)
	}
	if result != workflow.ResumeSuccess {
		t.Fatalf("expected Success, got %v", result)
	}
}

func TestLoadConflictingID(t *testing.T) {
	ctx := testContext(t)
	store := inmem.New()
	i := New(mustRunner(t, runner.NewAwait("gate", "A")), store)
	instanceID := i.ID()
	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := i.Unload(ctx); err != nil {
		t.Fatal(err)
	}

	// a fixed identity cannot be overwritten by a load
	other := New(mustRunner(t, runner.NewAwait("gate", "A")), store)
	if err := other.SetID("someone-else"); err != nil {
		t.Fatal(err)
	}
	if err := other.Load(ctx, instanceID); !errors.Is(err, ErrAlreadyHasID) {
		t.Fatalf("expected ErrAlreadyHasID, got %v", err)
	}
}

func TestLoadSnapshot(t *testing.T) {
	ctx := testContext(t)

	// snapshot a suspended runner directly; the engine never saw it
	donor := mustRunner(t, runner.NewAwait("gate", "A"))
	status, err := donor.Step(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status != workflow.StatusIdle {
		t.Fatalf("expected Idle, got %v", status)
	}
	state, err := donor.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	rs := &storage.RecordSet{
		State:   state,
		Status:  status.String(),
		Version: storage.RecordSetVersion,
	}

	reloaded := New(mustRunner(t, runner.NewAwait("gate", "A")), inmem.New())
	if err = reloaded.LoadSnapshot(ctx, "snap-1", rs); err != nil {
		t.Fatal(err)
	}
	if id := reloaded.ID(); id != "snap-1" {
		t.Fatalf("expected snapshot instance id, got %q", id)
	}
	if err = reloaded.Run(ctx); err != nil {
		t.Fatal(err)
	}
	result, err := reloaded.ResumeBookmark(ctx, "A", 1)
	if err != nil {
		t.Fatal(err)
	}
	if result != workflow.ResumeSuccess {
		t.Fatalf("expected Success, got %v", result)
	}

	// a second load of any kind is rejected
	if err = reloaded.LoadSnapshot(ctx, "snap-2", rs); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := testContext(t)
	store := inmem.New()

	idle := make(chan struct{}, 1)
	i := New(mustRunner(t, runner.NewAwait("gate", "A", "B")), store,
		WithIdleHandler(func(ctx context.Context) {
			select {
			case idle <- struct{}{}:
			default:
			}
		}))
	instanceID := i.ID()

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, idle, "idle")

	preBms, err := i.GetBookmarks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err = i.Unload(ctx); err != nil {
		t.Fatal(err)
	}

	// unloaded instances fail fast but stay loadable elsewhere
	if _, err = i.GetBookmarks(ctx); !errors.Is(err, ErrUnloaded) {
		t.Fatalf("expected ErrUnloaded, got %v", err)
	}

	completed := make(chan struct{})
	reloaded := New(mustRunner(t, runner.NewAwait("gate", "A", "B")), store,
		WithCompletedHandler(func(ctx context.Context, status workflow.Status, outputs map[string]interface{}, fault error) {
			close(completed)
		}))
	if err = reloaded.Load(ctx, instanceID); err != nil {
		t.Fatal(err)
	}

	postBms, err := reloaded.GetBookmarks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(bookmarkNames(preBms), bookmarkNames(postBms)); diff != "" {
		t.Fatalf("bookmark set not preserved (-pre +post):\n%s", diff)
	}

	// the reloaded instance runs to completion
	if err = reloaded.Run(ctx); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"A", "B"} {
		result, err := reloaded.ResumeBookmark(ctx, name, name)
		if err != nil {
			t.Fatal(err)
		}
		if result != workflow.ResumeSuccess {
			t.Fatalf("resuming %s: expected Success, got %v", name, result)
		}
	}
	awaitEvent(t, completed, "completed")
}

func TestPersistKeepsLock(t *testing.T) {
	ctx := testContext(t)
	store := inmem.New()
	i := New(mustRunner(t, runner.NewAwait("gate", "A")), store)
	instanceID := i.ID()

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := i.Persist(ctx); err != nil {
		t.Fatal(err)
	}

	// a persisted-but-loaded instance remains locked against others
	other := New(mustRunner(t, runner.NewAwait("gate", "A")), store)
	err := other.Load(ctx, instanceID)
	if !errors.Is(err, storage.ErrInstanceLocked) {
		t.Fatalf("expected ErrInstanceLocked, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	ctx := testContext(t)
	completed := make(chan struct{})
	var gotStatus workflow.Status
	i := New(mustRunner(t, runner.NewAwait("gate", "A")), inmem.New(),
		WithCompletedHandler(func(ctx context.Context, status workflow.Status, outputs map[string]interface{}, fault error) {
			gotStatus = status
			close(completed)
		}))

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := i.Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, completed, "completed")
	if gotStatus != workflow.StatusCanceled {
		t.Errorf("expected Canceled, got %v", gotStatus)
	}

	// cancel is best-effort against terminal instances
	if err := i.Cancel(ctx); err != nil {
		t.Errorf("cancel after completion: %v", err)
	}
}

func TestTerminate(t *testing.T) {
	ctx := testContext(t)
	completed := make(chan struct{})
	var gotStatus workflow.Status
	var gotFault error
	i := New(mustRunner(t, runner.NewAwait("gate", "A")), inmem.New(),
		WithCompletedHandler(func(ctx context.Context, status workflow.Status, outputs map[string]interface{}, fault error) {
			gotStatus = status
			gotFault = fault
			close(completed)
		}))

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}
	reason := errors.New("operator terminated")
	if err := i.Terminate(ctx, reason); err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, completed, "completed")
	if gotStatus != workflow.StatusFaulted {
		t.Errorf("expected Faulted, got %v", gotStatus)
	}
	if gotFault == nil || gotFault.Error() != reason.Error() {
		t.Errorf("expected fault %v, got %v", reason, gotFault)
	}
}

func TestUnhandledFaultDefaultsToTerminate(t *testing.T) {
	ctx := testContext(t)
	boom := errors.New("boom")
	completed := make(chan struct{})
	var gotStatus workflow.Status
	i := New(mustRunner(t,
		&runner.Func{ActivityName: "explode", Fn: func(ctx context.Context, ac *runner.ActivityContext) error {
			return boom
		}},
	), inmem.New(),
		WithCompletedHandler(func(ctx context.Context, status workflow.Status, outputs map[string]interface{}, fault error) {
			gotStatus = status
			close(completed)
		}))

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, completed, "completed")
	if gotStatus != workflow.StatusFaulted {
		t.Errorf("expected Faulted, got %v", gotStatus)
	}
}

func TestUnhandledFaultAbortAction(t *testing.T) {
	ctx := testContext(t)
	boom := errors.New("boom")
	aborted := make(chan struct{})
	i := New(mustRunner(t,
		&runner.Func{ActivityName: "explode", Fn: func(ctx context.Context, ac *runner.ActivityContext) error {
			return boom
		}},
	), inmem.New(),
		WithUnhandledExceptionHandler(func(ctx context.Context, err error) UnhandledExceptionAction {
			return UnhandledExceptionAbort
		}),
		WithAbortedHandler(func(reason error) {
			close(aborted)
		}))

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, aborted, "aborted")

	err := i.Run(ctx)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
}

func TestPersistableIdleUnload(t *testing.T) {
	ctx := testContext(t)
	store := inmem.New()
	unloaded := make(chan struct{})
	i := New(mustRunner(t, runner.NewAwait("gate", "A")), store,
		WithPersistableIdleHandler(func(ctx context.Context) PersistableIdleAction {
			return PersistableIdleUnload
		}),
		WithUnloadedHandler(func(ctx context.Context) {
			close(unloaded)
		}))
	instanceID := i.ID()

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, unloaded, "unloaded")

	if err := i.Run(ctx); !errors.Is(err, ErrUnloaded) {
		t.Errorf("expected ErrUnloaded, got %v", err)
	}

	// the instance is reloadable under a fresh host
	reloaded := New(mustRunner(t, runner.NewAwait("gate", "A")), store)
	if err := reloaded.Load(ctx, instanceID); err != nil {
		t.Fatal(err)
	}
	bms, err := reloaded.GetBookmarks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"A"}, bookmarkNames(bms)); diff != "" {
		t.Errorf("bookmarks mismatch:\n%s", diff)
	}
}

// blockingActivity holds its turn until released, so operations queue
// behind it.
type blockingActivity struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingActivity) Name() string { return "block" }

func (b *blockingActivity) Execute(ctx context.Context, ac *runner.ActivityContext) error {
	close(b.started)
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestTurnTimeout(t *testing.T) {
	ctx := testContext(t)
	block := &blockingActivity{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	i := New(mustRunner(t, block, runner.NewAwait("gate", "A")), inmem.New())

	if err := i.Run(ctx); err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, block.started, "turn start")

	// the turn never yields within this budget
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := i.GetBookmarks(shortCtx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	close(block.release)
	if _, err = i.GetBookmarks(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRunnable(t *testing.T) {
	ctx := testContext(t)
	store := inmem.New()

	// nothing persisted yet
	empty := New(mustRunner(t, runner.NewAwait("gate", "A")), store)
	ok, err := empty.LoadRunnable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no runnable instance")
	}

	i := New(mustRunner(t, runner.NewAwait("gate", "A")), store)
	instanceID := i.ID()
	if err = i.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err = i.Unload(ctx); err != nil {
		t.Fatal(err)
	}

	reloaded := New(mustRunner(t, runner.NewAwait("gate", "A")), store)
	ok, err = reloaded.LoadRunnable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a runnable instance")
	}
	if reloaded.ID() != instanceID {
		t.Errorf("expected %s, got %s", instanceID, reloaded.ID())
	}
}

func TestSetID(t *testing.T) {
	i := New(mustRunner(t, runner.NewAwait("gate", "A")), inmem.New())
	if err := i.SetID("custom"); err != nil {
		t.Fatal(err)
	}
	if i.ID() != "custom" {
		t.Errorf("expected custom, got %s", i.ID())
	}
	if err := i.SetID("other"); !errors.Is(err, ErrAlreadyHasID) {
		t.Errorf("expected ErrAlreadyHasID, got %v", err)
	}

	// reading the identity fixes it
	j := New(mustRunner(t, runner.NewAwait("gate", "A")), inmem.New())
	_ = j.ID()
	if err := j.SetID("late"); !errors.Is(err, ErrAlreadyHasID) {
		t.Errorf("expected ErrAlreadyHasID, got %v", err)
	}
}

func TestRunAsync(t *testing.T) {
	done := make(chan error, 1)
	i := New(mustRunner(t, runner.NewAwait("gate", "A")), inmem.New())
	i.RunAsync(func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out awaiting async run")
	}
}
