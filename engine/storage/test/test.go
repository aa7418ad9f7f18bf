// Package test contains a conformance suite run against every
// instance store backend.
package test

import (
	"context"
	"errors"
	"testing"

	"github.com/micromdm/nanowf/engine/storage"

	"github.com/google/go-cmp/cmp"
)

// TestInstanceStorage runs the conformance suite against the store
// produced by newStorage.
func TestInstanceStorage(t *testing.T, newStorage func() storage.Store) {
	t.Run("testOwnerLifecycle", func(t *testing.T) {
		testOwnerLifecycle(t, newStorage())
	})
	t.Run("testSaveLoadRoundTrip", func(t *testing.T) {
		testSaveLoadRoundTrip(t, newStorage())
	})
	t.Run("testLocking", func(t *testing.T) {
		testLocking(t, newStorage())
	})
	t.Run("testComplete", func(t *testing.T) {
		testComplete(t, newStorage())
	})
	t.Run("testTryLoadAnyRunnable", func(t *testing.T) {
		testTryLoadAnyRunnable(t, newStorage())
	})
	t.Run("testValidation", func(t *testing.T) {
		testValidation(t, newStorage())
	})
}

// testRecordSet builds a representative snapshot. Values stay within
// JSON's native types so round-trips compare structurally equal.
func testRecordSet(status string) *storage.RecordSet {
	return &storage.RecordSet{
		State:  []byte(`{"idx":0,"executed":true}`),
		Status: status,
		Bookmarks: []storage.BookmarkRecord{
			{Name: "A"},
			{Name: "B", Scope: "scope-1"},
		},
		Metadata: map[string][]byte{
			"host/owner-display": []byte("test"),
		},
		Version: storage.RecordSetVersion,
	}
}

func mustCreateOwner(t *testing.T, ctx context.Context, s storage.Store) string {
	t.Helper()
	ownerID, err := s.CreateOwner(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ownerID == "" {
		t.Fatal("empty owner id")
	}
	return ownerID
}

func mustSave(t *testing.T, ctx context.Context, s storage.Store, ownerID, instanceID string, rs *storage.RecordSet, flags storage.SaveFlag) {
	t.Helper()
	if err := s.EnsureInstance(ctx, ownerID, instanceID); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveInstance(ctx, ownerID, instanceID, rs, flags); err != nil {
		t.Fatal(err)
	}
}

func testOwnerLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ownerID := mustCreateOwner(t, ctx, s)

	if err := s.DeleteOwner(ctx, ownerID); err != nil {
		t.Fatal(err)
	}
	// second delete: the owner record is already gone
	if err := s.DeleteOwner(ctx, ownerID); !errors.Is(err, storage.ErrOwnerNotFound) {
		t.Errorf("expected ErrOwnerNotFound, got %v", err)
	}
	// an instance cannot be created under a deleted owner
	if err := s.EnsureInstance(ctx, ownerID, "X"); !errors.Is(err, storage.ErrOwnerNotFound) {
		t.Errorf("expected ErrOwnerNotFound, got %v", err)
	}
}

func testSaveLoadRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ownerID := mustCreateOwner(t, ctx, s)

	rs := testRecordSet("Idle")
	mustSave(t, ctx, s, ownerID, "I-1", rs, storage.SaveFlagUnlock)

	// load under a fresh owner, as after a process restart
	owner2 := mustCreateOwner(t, ctx, s)
	loaded, err := s.LoadInstance(ctx, owner2, "I-1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(rs, loaded); diff != "" {
		t.Errorf("record set round-trip mismatch (-saved +loaded):\n%s", diff)
	}

	// loading an unknown instance
	if _, err = s.LoadInstance(ctx, owner2, "missing"); !errors.Is(err, storage.ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
}

func testLocking(t *testing.T, s storage.Store) {
	ctx := context.Background()
	owner1 := mustCreateOwner(t, ctx, s)
	owner2 := mustCreateOwner(t, ctx, s)

	rs := testRecordSet("Idle")
	// save without unlock: owner1 retains the lock
	mustSave(t, ctx, s, owner1, "I-lock", rs, storage.SaveFlagNone)

	if _, err := s.LoadInstance(ctx, owner2, "I-lock"); !errors.Is(err, storage.ErrInstanceLocked) {
		t.Errorf("expected ErrInstanceLocked on load, got %v", err)
	}
	if err := s.SaveInstance(ctx, owner2, "I-lock", rs, storage.SaveFlagNone); !errors.Is(err, storage.ErrInstanceLocked) {
		t.Errorf("expected ErrInstanceLocked on save, got %v", err)
	}
	if err := s.UnlockInstance(ctx, owner2, "I-lock"); !errors.Is(err, storage.ErrInstanceLocked) {
		t.Errorf("expected ErrInstanceLocked on unlock, got %v", err)
	}

	// the holder itself may re-save and unlock
	if err := s.SaveInstance(ctx, owner1, "I-lock", rs, storage.SaveFlagNone); err != nil {
		t.Fatal(err)
	}
	if err := s.UnlockInstance(ctx, owner1, "I-lock"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadInstance(ctx, owner2, "I-lock"); err != nil {
		t.Errorf("load after unlock: %v", err)
	}
}

func testDeleteOwnerReleasesLocks(t *testing.T, ctx context.Context, s storage.Store) {
	owner1 := mustCreateOwner(t, ctx, s)
	owner2 := mustCreateOwner(t, ctx, s)
	mustSave(t, ctx, s, owner1, "I-rel", testRecordSet("Idle"), storage.SaveFlagNone)
	if err := s.DeleteOwner(ctx, owner1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadInstance(ctx, owner2, "I-rel"); err != nil {
		t.Errorf("expected lock released by owner deletion, got %v", err)
	}
}

func testComplete(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ownerID := mustCreateOwner(t, ctx, s)

	rs := testRecordSet("Closed")
	rs.Bookmarks = nil
	rs.Outputs = map[string]interface{}{"A": "done"}
	mustSave(t, ctx, s, ownerID, "I-done", rs, storage.SaveFlagComplete)

	owner2 := mustCreateOwner(t, ctx, s)
	loaded, err := s.LoadInstance(ctx, owner2, "I-done")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.State) != 0 {
		t.Error("replay state should be deleted on complete")
	}
	if loaded.Status != "Closed" {
		t.Errorf("expected Closed, got %s", loaded.Status)
	}
	if diff := cmp.Diff(rs.Outputs, loaded.Outputs); diff != "" {
		t.Errorf("completion outputs mismatch (-saved +loaded):\n%s", diff)
	}

	t.Run("testDeleteOwnerReleasesLocks", func(t *testing.T) {
		testDeleteOwnerReleasesLocks(t, ctx, s)
	})
}

func testTryLoadAnyRunnable(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ownerID := mustCreateOwner(t, ctx, s)

	// nothing stored yet
	if _, _, ok, err := s.TryLoadAnyRunnable(ctx, ownerID); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected no runnable instance")
	}

	// a completed instance is not runnable
	done := testRecordSet("Closed")
	done.Bookmarks = nil
	mustSave(t, ctx, s, ownerID, "R-done", done, storage.SaveFlagComplete)

	idle := testRecordSet("Idle")
	mustSave(t, ctx, s, ownerID, "R-idle", idle, storage.SaveFlagUnlock)

	owner2 := mustCreateOwner(t, ctx, s)
	instanceID, loaded, ok, err := s.TryLoadAnyRunnable(ctx, owner2)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || instanceID != "R-idle" {
		t.Fatalf("expected R-idle, got ok=%v id=%s", ok, instanceID)
	}
	if diff := cmp.Diff(idle, loaded); diff != "" {
		t.Errorf("record set mismatch (-saved +loaded):\n%s", diff)
	}

	// owner2 now holds the lock; a third owner finds nothing
	owner3 := mustCreateOwner(t, ctx, s)
	if _, _, ok, err = s.TryLoadAnyRunnable(ctx, owner3); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Error("locked instance must not be loadable by another owner")
	}
}

func testValidation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ownerID := mustCreateOwner(t, ctx, s)

	for _, test := range []struct {
		name string
		fn   func() error
		want error
	}{
		{
			"missing_owner",
			func() error { return s.EnsureInstance(ctx, "", "X") },
			storage.ErrMissingOwnerID,
		},
		{
			"missing_instance",
			func() error { return s.EnsureInstance(ctx, ownerID, "") },
			storage.ErrMissingInstanceID,
		},
		{
			"invalid_record_set",
			func() error {
				if err := s.EnsureInstance(ctx, ownerID, "V-1"); err != nil {
					return err
				}
				return s.SaveInstance(ctx, ownerID, "V-1", &storage.RecordSet{}, storage.SaveFlagNone)
			},
			storage.ErrMissingStatus,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := test.fn(); !errors.Is(err, test.want) {
				t.Errorf("expected %v, got %v", test.want, err)
			}
		})
	}
}
