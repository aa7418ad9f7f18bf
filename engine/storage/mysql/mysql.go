// Package mysql implements an instance store backend using MySQL.
//
// Every store command runs in one SQL transaction so that lock and
// record changes commit atomically. See schema.sql for the tables.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/micromdm/nanowf/engine/storage"
	"github.com/micromdm/nanowf/utils/uuid"
)

// MySQLStorage implements a storage.Store using MySQL.
type MySQLStorage struct {
	db   *sql.DB
	ider uuid.IDer
}

type config struct {
	driver string
	dsn    string
	db     *sql.DB
	ider   uuid.IDer
}

// Option allows configuring a MySQLStorage.
type Option func(*config)

// WithDSN sets the storage MySQL data source name.
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithDriver sets a custom MySQL driver for the storage.
// Default driver is "mysql" but is ignored if WithDB is used.
func WithDriver(driver string) Option {
	return func(c *config) {
		c.driver = driver
	}
}

// WithDB sets a custom MySQL *sql.DB to the storage.
// If set, driver passed via WithDriver is ignored.
func WithDB(db *sql.DB) Option {
	return func(c *config) {
		c.db = db
	}
}

// New creates and returns a new MySQL instance store.
func New(opts ...Option) (*MySQLStorage, error) {
	cfg := &config{driver: "mysql", ider: uuid.NewUUID()}
	for _, opt := range opts {
		opt(cfg)
	}
	var err error
	if cfg.db == nil {
		cfg.db, err = sql.Open(cfg.driver, cfg.dsn)
		if err != nil {
			return nil, err
		}
	}
	if err = cfg.db.Ping(); err != nil {
		return nil, err
	}
	return &MySQLStorage{db: cfg.db, ider: cfg.ider}, nil
}

// txcb executes SQL within transactions when wrapped in tx().
type txcb func(ctx context.Context, tx *sql.Tx) error

// tx wraps g in transactions using db.
// If g returns an err the transaction will be rolled back; otherwise committed.
func tx(ctx context.Context, db *sql.DB, g txcb) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	if err = g(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx rollback: %w; while trying to handle error: %v", rbErr, err)
		}
		return fmt.Errorf("tx rolled back: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	return nil
}

// CreateOwner implements the storage interface method.
func (s *MySQLStorage) CreateOwner(ctx context.Context) (string, error) {
	ownerID := s.ider.ID()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO wf_owners (id) VALUES (?);`,
		ownerID,
	)
	if err != nil {
		return "", fmt.Errorf("inserting owner: %w", err)
	}
	return ownerID, nil
}

// DeleteOwner implements the storage interface method.
func (s *MySQLStorage) DeleteOwner(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return storage.ErrMissingOwnerID
	}
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `DELETE FROM wf_owners WHERE id = ?;`, ownerID)
		if err != nil {
			return fmt.Errorf("deleting owner: %w", err)
		}
		if ct, err := r.RowsAffected(); err != nil {
			return err
		} else if ct < 1 {
			return storage.ErrOwnerNotFound
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE wf_instances SET lock_owner = NULL WHERE lock_owner = ?;`,
			ownerID,
		)
		if err != nil {
			return fmt.Errorf("releasing locks: %w", err)
		}
		return nil
	})
}

// EnsureInstance implements the storage interface method.
func (s *MySQLStorage) EnsureInstance(ctx context.Context, ownerID, instanceID string) error {
	if err := validateIDs(ownerID, instanceID); err != nil {
		return err
	}
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := ownerExists(ctx, tx, ownerID); err != nil {
			return err
		}
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO wf_instances (id) VALUES (?) ON DUPLICATE KEY UPDATE id = id;`,
			instanceID,
		)
		if err != nil {
			return fmt.Errorf("inserting instance handle: %w", err)
		}
		return nil
	})
}

// SaveInstance implements the storage interface method.
func (s *MySQLStorage) SaveInstance(ctx context.Context, ownerID, instanceID string, rs *storage.RecordSet, flags storage.SaveFlag) error {
	if err := validateIDs(ownerID, instanceID); err != nil {
		return err
	}
	if err := rs.Validate(); err != nil {
		return fmt.Errorf("validating record set: %w", err)
	}
	cols, err := newRecordColumns(rs)
	if err != nil {
		return err
	}
	if flags&storage.SaveFlagComplete != 0 {
		// completion records stay; replay state is deleted
		cols.state = nil
	}
	unlock := flags&(storage.SaveFlagUnlock|storage.SaveFlagComplete) != 0
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := checkAndAcquireLock(ctx, tx, ownerID, instanceID, unlock); err != nil {
			return err
		}
		_, err := tx.ExecContext(
			ctx,
			`
UPDATE wf_instances
SET status = ?, state = ?, bookmarks = ?, outputs = ?, fault = ?, metadata = ?, version = ?
WHERE id = ?;`,
			rs.Status,
			cols.state,
			cols.bookmarks,
			cols.outputs,
			sqlNullString(rs.Fault),
			cols.metadata,
			rs.Version,
			instanceID,
		)
		if err != nil {
			return fmt.Errorf("updating records: %w", err)
		}
		return nil
	})
}

// LoadInstance implements the storage interface method.
func (s *MySQLStorage) LoadInstance(ctx context.Context, ownerID, instanceID string) (*storage.RecordSet, error) {
	if err := validateIDs(ownerID, instanceID); err != nil {
		return nil, err
	}
	var rs *storage.RecordSet
	err := tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		if rs, err = selectRecordSet(ctx, tx, instanceID); err != nil {
			return err
		}
		return checkAndAcquireLock(ctx, tx, ownerID, instanceID, false)
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// TryLoadAnyRunnable implements the storage interface method.
func (s *MySQLStorage) TryLoadAnyRunnable(ctx context.Context, ownerID string) (string, *storage.RecordSet, bool, error) {
	if ownerID == "" {
		return "", nil, false, storage.ErrMissingOwnerID
	}
	var (
		instanceID string
		rs         *storage.RecordSet
	)
	err := tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		err := tx.QueryRowContext(
			ctx,
			`
SELECT id FROM wf_instances
WHERE status IN ('Idle', 'Executing')
  AND (lock_owner IS NULL OR lock_owner = ?)
ORDER BY id
LIMIT 1
FOR UPDATE;`,
			ownerID,
		).Scan(&instanceID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return fmt.Errorf("selecting runnable instance: %w", err)
		}
		if rs, err = selectRecordSet(ctx, tx, instanceID); err != nil {
			return err
		}
		return checkAndAcquireLock(ctx, tx, ownerID, instanceID, false)
	})
	if err != nil {
		return "", nil, false, err
	}
	return instanceID, rs, rs != nil, nil
}

// UnlockInstance implements the storage interface method.
func (s *MySQLStorage) UnlockInstance(ctx context.Context, ownerID, instanceID string) error {
	if err := validateIDs(ownerID, instanceID); err != nil {
		return err
	}
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var holder sql.NullString
		err := tx.QueryRowContext(
			ctx,
			`SELECT lock_owner FROM wf_instances WHERE id = ? FOR UPDATE;`,
			instanceID,
		).Scan(&holder)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.NewErrInstanceNotFound(instanceID)
		} else if err != nil {
			return fmt.Errorf("selecting lock: %w", err)
		}
		if holder.Valid && holder.String != ownerID {
			return storage.ErrInstanceLocked
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE wf_instances SET lock_owner = NULL WHERE id = ?;`,
			instanceID,
		)
		if err != nil {
			return fmt.Errorf("releasing lock: %w", err)
		}
		return nil
	})
}

func ownerExists(ctx context.Context, tx *sql.Tx, ownerID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM wf_owners WHERE id = ?;`, ownerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrOwnerNotFound
	}
	return err
}

// checkAndAcquireLock takes (or releases) the instance row lock for ownerID.
func checkAndAcquireLock(ctx context.Context, tx *sql.Tx, ownerID, instanceID string, unlock bool) error {
	var holder sql.NullString
	err := tx.QueryRowContext(
		ctx,
		`SELECT lock_owner FROM wf_instances WHERE id = ? FOR UPDATE;`,
		instanceID,
	).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.NewErrInstanceNotFound(instanceID)
	} else if err != nil {
		return fmt.Errorf("selecting lock: %w", err)
	}
	if holder.Valid && holder.String != ownerID {
		return storage.ErrInstanceLocked
	}
	newHolder := sqlNullString(ownerID)
	if unlock {
		newHolder = sql.NullString{}
	}
	_, err = tx.ExecContext(
		ctx,
		`UPDATE wf_instances SET lock_owner = ? WHERE id = ?;`,
		newHolder,
		instanceID,
	)
	if err != nil {
		return fmt.Errorf("updating lock: %w", err)
	}
	return nil
}

// sqlNullString sets Valid to true if s is not empty.
func sqlNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
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
