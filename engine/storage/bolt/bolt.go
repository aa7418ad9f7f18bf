// Package bolt implements an instance store backend using BoltDB.
//
// Every store command executes inside a single BoltDB read-write
// transaction spanning the owner, lock, and record buckets, so engine
// state and lock changes commit atomically.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/micromdm/nanowf/engine/storage"
	"github.com/micromdm/nanowf/utils/uuid"

	"go.etcd.io/bbolt"
)

var (
	bucketOwners  = []byte("owners")
	bucketLocks   = []byte("locks")
	bucketRecords = []byte("records")
)

// Bolt is a BoltDB-backed instance store backend.
type Bolt struct {
	db     *bbolt.DB
	ider   uuid.IDer
	closer bool // whether Close should close db (we opened it)
}

type config struct {
	db   *bbolt.DB
	path string
	mode os.FileMode
	ider uuid.IDer
}

// Option allows configuring a Bolt store.
type Option func(*config)

// WithDB uses an already-open BoltDB database.
func WithDB(db *bbolt.DB) Option {
	return func(c *config) {
		c.db = db
	}
}

// WithFileMode sets the mode for a created database file.
func WithFileMode(mode os.FileMode) Option {
	return func(c *config) {
		c.mode = mode
	}
}

func withIDer(ider uuid.IDer) Option {
	return func(c *config) {
		c.ider = ider
	}
}

// New opens (or creates) the BoltDB instance store at path.
func New(path string, opts ...Option) (*Bolt, error) {
	cfg := &config{path: path, mode: 0600, ider: uuid.NewUUID()}
	for _, opt := range opts {
		opt(cfg)
	}
	s := &Bolt{db: cfg.db, ider: cfg.ider}
	if s.db == nil {
		db, err := bbolt.Open(cfg.path, cfg.mode, &bbolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("opening bolt db: %w", err)
		}
		s.db = db
		s.closer = true
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketOwners, bucketLocks, bucketRecords} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		if s.closer {
			s.db.Close()
		}
		return nil, err
	}
	return s, nil
}

// Close closes the database if this store opened it.
func (s *Bolt) Close() error {
	if s.closer {
		return s.db.Close()
	}
	return nil
}

// CreateOwner implements the storage interface method.
func (s *Bolt) CreateOwner(_ context.Context) (string, error) {
	ownerID := s.ider.ID()
	created, err := time.Now().UTC().MarshalText()
	if err != nil {
		return "", fmt.Errorf("marshal owner created time: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOwners).Put([]byte(ownerID), created)
	})
	if err != nil {
		return "", fmt.Errorf("setting owner record: %w", err)
	}
	return ownerID, nil
}

// DeleteOwner implements the storage interface method.
func (s *Bolt) DeleteOwner(_ context.Context, ownerID string) error {
	if ownerID == "" {
		return storage.ErrMissingOwnerID
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		owners := tx.Bucket(bucketOwners)
		if owners.Get([]byte(ownerID)) == nil {
			return storage.ErrOwnerNotFound
		}
		// release locks held by this owner in the same transaction
		locks := tx.Bucket(bucketLocks)
		c := locks.Cursor()
		var release [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(v) == ownerID {
				release = append(release, append([]byte(nil), k...))
			}
		}
		for _, k := range release {
			if err := locks.Delete(k); err != nil {
				return fmt.Errorf("releasing lock %s: %w", k, err)
			}
		}
		return owners.Delete([]byte(ownerID))
	})
}

// EnsureInstance implements the storage interface method.
func (s *Bolt) EnsureInstance(_ context.Context, ownerID, instanceID string) error {
	if err := validateIDs(ownerID, instanceID); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketOwners).Get([]byte(ownerID)) == nil {
			return storage.ErrOwnerNotFound
		}
		records := tx.Bucket(bucketRecords)
		if records.Get(handleKey(instanceID)) != nil {
			return nil
		}
		return records.Put(handleKey(instanceID), []byte("1"))
	})
}

// SaveInstance implements the storage interface method.
func (s *Bolt) SaveInstance(_ context.Context, ownerID, instanceID string, rs *storage.RecordSet, flags storage.SaveFlag) error {
	if err := validateIDs(ownerID, instanceID); err != nil {
		return err
	}
	if err := rs.Validate(); err != nil {
		return fmt.Errorf("validating record set: %w", err)
	}
	save := *rs
	if flags&storage.SaveFlagComplete != 0 {
		// completion records stay; replay state is deleted
		save.State = nil
	}
	recs, err := json.Marshal(&save)
	if err != nil {
		return fmt.Errorf("marshal record set: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		locks := tx.Bucket(bucketLocks)
		if err := checkAndAcquireLock(locks, ownerID, instanceID); err != nil {
			return err
		}
		records := tx.Bucket(bucketRecords)
		if err := records.Put(handleKey(instanceID), []byte("1")); err != nil {
			return fmt.Errorf("setting instance handle: %w", err)
		}
		if err := records.Put(recordKey(instanceID), recs); err != nil {
			return fmt.Errorf("setting record set: %w", err)
		}
		if flags&(storage.SaveFlagUnlock|storage.SaveFlagComplete) != 0 {
			if err := locks.Delete([]byte(instanceID)); err != nil {
				return fmt.Errorf("releasing lock: %w", err)
			}
		}
		return nil
	})
}

// LoadInstance implements the storage interface method.
func (s *Bolt) LoadInstance(_ context.Context, ownerID, instanceID string) (*storage.RecordSet, error) {
	if err := validateIDs(ownerID, instanceID); err != nil {
		return nil, err
	}
	var rs *storage.RecordSet
	err := s.db.Update(func(tx *bbolt.Tx) error {
		recs := tx.Bucket(bucketRecords).Get(recordKey(instanceID))
		if recs == nil {
			return storage.NewErrInstanceNotFound(instanceID)
		}
		var err error
		if rs, err = unmarshalRecordSet(recs); err != nil {
			return err
		}
		return checkAndAcquireLock(tx.Bucket(bucketLocks), ownerID, instanceID)
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// TryLoadAnyRunnable implements the storage interface method.
func (s *Bolt) TryLoadAnyRunnable(_ context.Context, ownerID string) (string, *storage.RecordSet, bool, error) {
	if ownerID == "" {
		return "", nil, false, storage.ErrMissingOwnerID
	}
	var (
		instanceID string
		rs         *storage.RecordSet
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		locks := tx.Bucket(bucketLocks)
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			id, ok := instanceIDForRecordKey(k)
			if !ok {
				continue
			}
			if holder := locks.Get([]byte(id)); holder != nil && string(holder) != ownerID {
				continue
			}
			candidate, err := unmarshalRecordSet(v)
			if err != nil || !candidate.Runnable() {
				continue
			}
			if err = locks.Put([]byte(id), []byte(ownerID)); err != nil {
				return fmt.Errorf("locking %s: %w", id, err)
			}
			instanceID, rs = id, candidate
			return nil
		}
		return nil
	})
	if err != nil {
		return "", nil, false, err
	}
	return instanceID, rs, rs != nil, nil
}

// UnlockInstance implements the storage interface method.
func (s *Bolt) UnlockInstance(_ context.Context, ownerID, instanceID string) error {
	if err := validateIDs(ownerID, instanceID); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		locks := tx.Bucket(bucketLocks)
		if holder := locks.Get([]byte(instanceID)); holder != nil && string(holder) != ownerID {
			return storage.ErrInstanceLocked
		}
		return locks.Delete([]byte(instanceID))
	})
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

func checkAndAcquireLock(locks *bbolt.Bucket, ownerID, instanceID string) error {
	if holder := locks.Get([]byte(instanceID)); holder != nil && string(holder) != ownerID {
		return storage.ErrInstanceLocked
	}
	if err := locks.Put([]byte(instanceID), []byte(ownerID)); err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	return nil
}

func unmarshalRecordSet(b []byte) (*storage.RecordSet, error) {
	rs := new(storage.RecordSet)
	if err := json.Unmarshal(b, rs); err != nil {
		return nil, fmt.Errorf("unmarshal record set: %w", err)
	}
	if rs.Version != storage.RecordSetVersion {
		return nil, fmt.Errorf("%w: stored v%d, supported v%d",
			storage.ErrVersionMismatch, rs.Version, storage.RecordSetVersion)
	}
	return rs, nil
}

func handleKey(instanceID string) []byte { return []byte(instanceID + ".exists") }
func recordKey(instanceID string) []byte { return []byte(instanceID + ".records") }

func instanceIDForRecordKey(k []byte) (string, bool) {
	const sfx = ".records"
	ks := string(k)
	if len(ks) <= len(sfx) || ks[len(ks)-len(sfx):] != sfx {
		return "", false
	}
	return ks[:len(ks)-len(sfx)], true
}
