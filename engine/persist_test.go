package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/micromdm/nanowf/engine/storage"
	"github.com/micromdm/nanowf/engine/storage/inmem"

	"github.com/google/go-cmp/cmp"
)

type staticParticipant struct {
	collect map[string][]byte
	mapped  map[string][]byte

	sawCollected map[string][]byte
}

func (p *staticParticipant) CollectValues(ctx context.Context, instanceID string) (map[string][]byte, error) {
	return p.collect, nil
}

func (p *staticParticipant) MapValues(ctx context.Context, instanceID string, collected map[string][]byte) (map[string][]byte, error) {
	p.sawCollected = collected
	return p.mapped, nil
}

type recordingTracker struct {
	kinds []SaveKind
}

func (t *recordingTracker) Track(ctx context.Context, instanceID string, kind SaveKind) {
	t.kinds = append(t.kinds, kind)
}

func testCoordinatorRecordSet() *storage.RecordSet {
	return &storage.RecordSet{
		State:   []byte(`{}`),
		Status:  "Idle",
		Version: storage.RecordSetVersion,
	}
}

func TestCoordinatorParticipants(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	first := &staticParticipant{
		collect: map[string][]byte{"metrics/turns": []byte("3")},
	}
	second := &staticParticipant{
		mapped: map[string][]byte{"audit/derived": []byte("seen")},
	}
	tracker := &recordingTracker{}
	c := NewCoordinator(store,
		WithParticipant(first),
		WithParticipant(second),
		WithTracker(tracker),
	)

	if err := c.Save(ctx, "inst-1", SaveKindUnload, testCoordinatorRecordSet()); err != nil {
		t.Fatal(err)
	}

	// map phase sees the merged collect phase
	if diff := cmp.Diff(map[string][]byte{"metrics/turns": []byte("3")}, second.sawCollected); diff != "" {
		t.Errorf("collected values mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]SaveKind{SaveKindUnload}, tracker.kinds); diff != "" {
		t.Errorf("tracked kinds mismatch:\n%s", diff)
	}

	// both phases' records land in the stored metadata
	loader := NewCoordinator(store)
	rs, err := loader.Load(ctx, "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][]byte{
		"metrics/turns": []byte("3"),
		"audit/derived": []byte("seen"),
	}
	if diff := cmp.Diff(want, rs.Metadata); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestCoordinatorOwnerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: inmem.New()}
	c := NewCoordinator(store)

	// persist keeps the owner and lock alive
	if err := c.Save(ctx, "inst-2", SaveKindPersist, testCoordinatorRecordSet()); err != nil {
		t.Fatal(err)
	}
	if got := store.ownerDeletes; got != 0 {
		t.Fatalf("expected no owner cleanup after persist, got %d", got)
	}

	// unload releases the lock and deletes the self-created owner
	if err := c.Save(ctx, "inst-2", SaveKindUnload, testCoordinatorRecordSet()); err != nil {
		t.Fatal(err)
	}
	if got := store.ownerDeletes; got != 1 {
		t.Fatalf("expected one owner cleanup after unload, got %d", got)
	}

	// a racing abort does not attempt a second cleanup
	c.Abort("inst-2")
	if got := store.ownerDeletes; got != 1 {
		t.Errorf("expected no further owner cleanup, got %d", got)
	}
}

func TestCoordinatorProvidedOwner(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: inmem.New()}
	ownerID, err := store.CreateOwner(ctx)
	if err != nil {
		t.Fatal(err)
	}

	c := NewCoordinator(store, WithOwner(ownerID))
	if err = c.Save(ctx, "inst-3", SaveKindUnload, testCoordinatorRecordSet()); err != nil {
		t.Fatal(err)
	}

	// the coordinator must not delete an owner it did not create
	if got := store.ownerDeletes; got != 0 {
		t.Errorf("expected no owner cleanup for a provided owner, got %d", got)
	}
}

func TestCoordinatorUnlock(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	c := NewCoordinator(store)
	if err := c.Save(ctx, "inst-5", SaveKindPersist, testCoordinatorRecordSet()); err != nil {
		t.Fatal(err)
	}

	// persisted state stays locked against other coordinators
	other := NewCoordinator(store)
	if _, err := other.Load(ctx, "inst-5"); !errors.Is(err, storage.ErrInstanceLocked) {
		t.Fatalf("expected ErrInstanceLocked, got %v", err)
	}

	// unlock releases without writing state
	if err := c.Unlock(ctx, "inst-5"); err != nil {
		t.Fatal(err)
	}
	rs, err := other.Load(ctx, "inst-5")
	if err != nil {
		t.Fatal(err)
	}
	if rs.Status != "Idle" {
		t.Errorf("expected Idle, got %q", rs.Status)
	}

	// a second unlock is a no-op
	if err = c.Unlock(ctx, "inst-5"); err != nil {
		t.Fatal(err)
	}
}

func TestCoordinatorAborted(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(inmem.New())
	c.Abort("")

	if err := c.Save(ctx, "inst-4", SaveKindPersist, testCoordinatorRecordSet()); !errors.Is(err, ErrCoordinatorAborted) {
		t.Errorf("expected ErrCoordinatorAborted, got %v", err)
	}
	if _, err := c.Load(ctx, "inst-4"); !errors.Is(err, ErrCoordinatorAborted) {
		t.Errorf("expected ErrCoordinatorAborted, got %v", err)
	}
}
