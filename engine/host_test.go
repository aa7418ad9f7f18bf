package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/micromdm/nanowf/engine/storage/inmem"
	"github.com/micromdm/nanowf/workflow"
	"github.com/micromdm/nanowf/workflow/runner"
)

func testHost(t *testing.T, opts ...HostOption) *Host {
	t.Helper()
	h := NewHost(inmem.New(), opts...)
	h.RegisterProgram("await", func() workflow.Runner {
		r, err := runner.New(runner.NewAwait("gate", "A"))
		if err != nil {
			t.Fatal(err)
		}
		return r
	})
	return h
}

func TestHostStartAndResume(t *testing.T) {
	ctx := testContext(t)
	h := testHost(t)

	if _, err := h.Start(ctx, "missing"); !errors.Is(err, ErrNoSuchProgram) {
		t.Fatalf("expected ErrNoSuchProgram, got %v", err)
	}

	id, err := h.Start(ctx, "await")
	if err != nil {
		t.Fatal(err)
	}
	instance := h.Get(id)
	if instance == nil {
		t.Fatal("expected loaded instance")
	}

	result, err := instance.ResumeBookmark(ctx, "A", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if result != workflow.ResumeSuccess {
		t.Fatalf("expected Success, got %v", result)
	}
}

func TestHostUnloadReload(t *testing.T) {
	ctx := testContext(t)
	h := testHost(t)

	id, err := h.Start(ctx, "await")
	if err != nil {
		t.Fatal(err)
	}
	if err = h.Unload(ctx, id); err != nil {
		t.Fatal(err)
	}
	if h.Get(id) != nil {
		t.Fatal("expected instance evicted")
	}
	if err = h.Unload(ctx, id); !errors.Is(err, ErrNoSuchInstance) {
		t.Fatalf("expected ErrNoSuchInstance, got %v", err)
	}

	// reload by id; the host remembers the program
	instance, err := h.Load(ctx, id, "")
	if err != nil {
		t.Fatal(err)
	}
	if err = instance.Run(ctx); err != nil {
		t.Fatal(err)
	}
	result, err := instance.ResumeBookmark(ctx, "A", 1)
	if err != nil {
		t.Fatal(err)
	}
	if result != workflow.ResumeSuccess {
		t.Fatalf("expected Success, got %v", result)
	}

	// loading again returns the same loaded instance
	again, err := h.Load(ctx, id, "await")
	if err != nil {
		t.Fatal(err)
	}
	if again != instance {
		t.Error("expected the already-loaded instance")
	}
}

func TestHostEvictsUnloaded(t *testing.T) {
	ctx := testContext(t)
	var idles int32
	unloaded := make(chan struct{})
	h := testHost(t, WithInstanceOptions(
		// unload only the first instance; its reload must stay loaded
		WithPersistableIdleHandler(func(ctx context.Context) PersistableIdleAction {
			if atomic.AddInt32(&idles, 1) == 1 {
				return PersistableIdleUnload
			}
			return PersistableIdleNone
		}),
		WithUnloadedHandler(func(ctx context.Context) {
			close(unloaded)
		}),
	))

	id, err := h.Start(ctx, "await")
	if err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, unloaded, "unloaded")
	if h.Get(id) != nil {
		t.Fatal("expected self-eviction on unload")
	}

	// the evicted id reloads from the store and resumes
	instance, err := h.Load(ctx, id, "")
	if err != nil {
		t.Fatal(err)
	}
	if err = instance.Run(ctx); err != nil {
		t.Fatal(err)
	}
	result, err := instance.ResumeBookmark(ctx, "A", 1)
	if err != nil {
		t.Fatal(err)
	}
	if result != workflow.ResumeSuccess {
		t.Fatalf("expected Success, got %v", result)
	}
}

func TestHostEvictsAborted(t *testing.T) {
	ctx := testContext(t)
	aborted := make(chan struct{})
	h := testHost(t, WithInstanceOptions(
		WithAbortedHandler(func(reason error) {
			close(aborted)
		}),
	))

	id, err := h.Start(ctx, "await")
	if err != nil {
		t.Fatal(err)
	}
	instance := h.Get(id)
	if instance == nil {
		t.Fatal("expected loaded instance")
	}
	instance.Abort(errors.New("host gave up"))
	awaitEvent(t, aborted, "aborted")
	if h.Get(id) != nil {
		t.Fatal("expected self-eviction on abort")
	}
}

func TestHostLoadValidation(t *testing.T) {
	ctx := testContext(t)
	h := testHost(t)

	if _, err := h.Load(ctx, "", "await"); !errors.Is(err, ErrMissingInstance) {
		t.Errorf("expected ErrMissingInstance, got %v", err)
	}
	if _, err := h.Load(ctx, "unknown", ""); !errors.Is(err, ErrNoSuchProgram) {
		t.Errorf("expected ErrNoSuchProgram, got %v", err)
	}
}
