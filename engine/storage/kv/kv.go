// Package kv implements an instance store backend using a key-value interface.
package kv

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/micromdm/nanowf/engine/storage"
	"github.com/micromdm/nanowf/utils/kv"
	"github.com/micromdm/nanowf/utils/uuid"
)

// KV is an instance store backend using a key-value interface.
//
// Commands are made transactional with a single store-wide mutex:
// no partial command state is ever observable through this type.
type KV struct {
	mu         sync.RWMutex
	ownerStore kv.TraversingBucket
	instStore  kv.TraversingBucket
	ider       uuid.IDer
}

// New creates a new key-value instance store backend.
func New(ownerStore kv.TraversingBucket, instStore kv.TraversingBucket, ider uuid.IDer) *KV {
	return &KV{
		ownerStore: ownerStore,
		instStore:  instStore,
		ider:       ider,
	}
}

// CreateOwner implements the storage interface method.
func (s *KV) CreateOwner(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ownerID := s.ider.ID()
	created, err := time.Now().UTC().MarshalText()
	if err != nil {
		return "", fmt.Errorf("marshal owner created time: %w", err)
	}
	if err = s.ownerStore.Set(ctx, ownerID, created); err != nil {
		return "", fmt.Errorf("setting owner record: %w", err)
	}
	return ownerID, nil
}

// DeleteOwner implements the storage interface method.
func (s *KV) DeleteOwner(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return storage.ErrMissingOwnerID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, err := s.ownerStore.Has(ctx, ownerID); err != nil {
		return fmt.Errorf("checking owner: %w", err)
	} else if !ok {
		return storage.ErrOwnerNotFound
	}
	// release any instance locks this owner holds
	for _, instanceID := range kvInstanceIDs(s.instStore) {
		holder, err := kvLockOwner(ctx, s.instStore, instanceID)
		if err != nil {
			return err
		}
		if holder == ownerID {
			if err = s.instStore.Delete(ctx, instanceID+keySfxLock); err != nil {
				return fmt.Errorf("releasing lock for %s: %w", instanceID, err)
			}
		}
	}
	if err := s.ownerStore.Delete(ctx, ownerID); err != nil {
		return fmt.Errorf("deleting owner record: %w", err)
	}
	return nil
}

// EnsureInstance implements the storage interface method.
func (s *KV) EnsureInstance(ctx context.Context, ownerID, instanceID string) error {
	if err := validateIDs(ownerID, instanceID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, err := s.ownerStore.Has(ctx, ownerID); err != nil {
		return fmt.Errorf("checking owner: %w", err)
	} else if !ok {
		return storage.ErrOwnerNotFound
	}
	if err := s.instStore.Set(ctx, instanceID+keySfxExists, []byte("1")); err != nil {
		return fmt.Errorf("setting instance handle: %w", err)
	}
	return nil
}

// SaveInstance implements the storage interface method.
func (s *KV) SaveInstance(ctx context.Context, ownerID, instanceID string, rs *storage.RecordSet, flags storage.SaveFlag) error {
	if err := validateIDs(ownerID, instanceID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAndAcquireLock(ctx, ownerID, instanceID); err != nil {
		return err
	}
	if err := kvSetRecordSet(ctx, s.instStore, instanceID, rs); err != nil {
		return fmt.Errorf("setting record set: %w", err)
	}
	if flags&storage.SaveFlagComplete != 0 {
		// completion records stay; replay state is deleted
		if err := kvDeleteIfExists(ctx, s.instStore, instanceID+keySfxState); err != nil {
			return fmt.Errorf("deleting replay state: %w", err)
		}
	}
	if flags&(storage.SaveFlagUnlock|storage.SaveFlagComplete) != 0 {
		if err := kvDeleteIfExists(ctx, s.instStore, instanceID+keySfxLock); err != nil {
			return fmt.Errorf("releasing lock: %w", err)
		}
	}
	return nil
}

// LoadInstance implements the storage interface method.
func (s *KV) LoadInstance(ctx context.Context, ownerID, instanceID string) (*storage.RecordSet, error) {
	if err := validateIDs(ownerID, instanceID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAndAcquireLock(ctx, ownerID, instanceID); err != nil {
		return nil, err
	}
	rs, err := kvGetRecordSet(ctx, s.instStore, instanceID)
	if err != nil {
		// do not hold a lock we acquired for a failed load
		_ = s.instStore.Delete(ctx, instanceID+keySfxLock)
		return nil, err
	}
	return rs, nil
}

// TryLoadAnyRunnable implements the storage interface method.
func (s *KV) TryLoadAnyRunnable(ctx context.Context, ownerID string) (string, *storage.RecordSet, bool, error) {
	if ownerID == "" {
		return "", nil, false, storage.ErrMissingOwnerID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := kvInstanceIDs(s.instStore)
	sort.Strings(ids) // deterministic scan order
	for _, instanceID := range ids {
		holder, err := kvLockOwner(ctx, s.instStore, instanceID)
		if err != nil {
			return "", nil, false, err
		}
		if holder != "" && holder != ownerID {
			continue
		}
		rs, err := kvGetRecordSet(ctx, s.instStore, instanceID)
		if err != nil || !rs.Runnable() {
			continue
		}
		if err = s.instStore.Set(ctx, instanceID+keySfxLock, []byte(ownerID)); err != nil {
			return "", nil, false, fmt.Errorf("locking %s: %w", instanceID, err)
		}
		return instanceID, rs, true, nil
	}
	return "", nil, false, nil
}

// UnlockInstance implements the storage interface method.
func (s *KV) UnlockInstance(ctx context.Context, ownerID, instanceID string) error {
	if err := validateIDs(ownerID, instanceID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	holder, err := kvLockOwner(ctx, s.instStore, instanceID)
	if err != nil {
		return err
	}
	if holder != "" && holder != ownerID {
		return storage.ErrInstanceLocked
	}
	if err = kvDeleteIfExists(ctx, s.instStore, instanceID+keySfxLock); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

// checkAndAcquireLock takes the instance lock for ownerID.
// Callers must hold s.mu.
func (s *KV) checkAndAcquireLock(ctx context.Context, ownerID, instanceID string) error {
	holder, err := kvLockOwner(ctx, s.instStore, instanceID)
	if err != nil {
		return err
	}
	if holder != "" && holder != ownerID {
		return storage.ErrInstanceLocked
	}
	if err = s.instStore.Set(ctx, instanceID+keySfxLock, []byte(ownerID)); err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	return nil
}

func validateIDs(ownerID, instanceID string) error {
	if ownerID == "" {
		return storage.ErrMissingOwnerID
	}
	if instanceID == "" {
		return storage.ErrMissingInstanceID
	}
	return nil
}
