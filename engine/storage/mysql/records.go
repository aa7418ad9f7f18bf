package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/micromdm/nanowf/engine/storage"
)

// recordColumns holds the marshalled nullable column values of a record set.
type recordColumns struct {
	state     []byte
	bookmarks []byte
	outputs   []byte
	metadata  []byte
}

func newRecordColumns(rs *storage.RecordSet) (*recordColumns, error) {
	cols := &recordColumns{state: rs.State}
	var err error
	if len(rs.Bookmarks) > 0 {
		if cols.bookmarks, err = json.Marshal(rs.Bookmarks); err != nil {
			return nil, fmt.Errorf("marshal bookmarks: %w", err)
		}
	}
	if len(rs.Outputs) > 0 {
		if cols.outputs, err = json.Marshal(rs.Outputs); err != nil {
			return nil, fmt.Errorf("marshal outputs: %w", err)
		}
	}
	if len(rs.Metadata) > 0 {
		if cols.metadata, err = json.Marshal(rs.Metadata); err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	return cols, nil
}

// selectRecordSet reads the committed record set for instanceID.
func selectRecordSet(ctx context.Context, tx *sql.Tx, instanceID string) (*storage.RecordSet, error) {
	var (
		status  sql.NullString
		fault   sql.NullString
		version sql.NullInt64
		cols    recordColumns
	)
	err := tx.QueryRowContext(
		ctx,
		`
SELECT status, state, bookmarks, outputs, fault, metadata, version
FROM wf_instances
WHERE id = ?;`,
		instanceID,
	).Scan(&status, &cols.state, &cols.bookmarks, &cols.outputs, &fault, &cols.metadata, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NewErrInstanceNotFound(instanceID)
	} else if err != nil {
		return nil, fmt.Errorf("selecting records: %w", err)
	}
	if !status.Valid {
		// handle exists but nothing was ever committed
		return nil, storage.NewErrInstanceNotFound(instanceID)
	}
	rs := &storage.RecordSet{
		Status:  status.String,
		State:   cols.state,
		Fault:   fault.String,
		Version: int(version.Int64),
	}
	if rs.Version != storage.RecordSetVersion {
		return nil, fmt.Errorf("%w: stored v%d, supported v%d",
			storage.ErrVersionMismatch, rs.Version, storage.RecordSetVersion)
	}
	if len(cols.bookmarks) > 0 {
		if err = json.Unmarshal(cols.bookmarks, &rs.Bookmarks); err != nil {
			return nil, fmt.Errorf("unmarshal bookmarks: %w", err)
		}
	}
	if len(cols.outputs) > 0 {
		if err = json.Unmarshal(cols.outputs, &rs.Outputs); err != nil {
			return nil, fmt.Errorf("unmarshal outputs: %w", err)
		}
	}
	if len(cols.metadata) > 0 {
		if err = json.Unmarshal(cols.metadata, &rs.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return rs, nil
}
