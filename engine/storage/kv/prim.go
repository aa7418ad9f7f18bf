package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/micromdm/nanowf/engine/storage"
	"github.com/micromdm/nanowf/utils/kv"
)

const (
	// instance bucket
	keySfxExists    = ".exists"    // instance handle created indicator
	keySfxLock      = ".lock"      // owner id currently holding the lock
	keySfxStatus    = ".status"    // status string; presence means committed state
	keySfxState     = ".state"     // serialized tree runner state
	keySfxBookmarks = ".bookmarks" // marshalled bookmark records
	keySfxOutputs   = ".outputs"   // marshalled completion outputs
	keySfxFault     = ".fault"     // completion fault text
	keySfxMeta      = ".meta"      // marshalled namespaced metadata
	keySfxVersion   = ".version"   // record set format version
)

// kvSetRecordSet writes rs field-wise under instanceID.
func kvSetRecordSet(ctx context.Context, b kv.Bucket, instanceID string, rs *storage.RecordSet) error {
	if err := rs.Validate(); err != nil {
		return fmt.Errorf("validating record set: %w", err)
	}
	set := map[string][]byte{
		instanceID + keySfxStatus:  []byte(rs.Status),
		instanceID + keySfxVersion: []byte(strconv.Itoa(rs.Version)),
	}
	del := []string{
		instanceID + keySfxState,
		instanceID + keySfxBookmarks,
		instanceID + keySfxOutputs,
		instanceID + keySfxFault,
		instanceID + keySfxMeta,
	}
	if len(rs.State) > 0 {
		set[instanceID+keySfxState] = rs.State
	}
	if len(rs.Bookmarks) > 0 {
		bms, err := json.Marshal(rs.Bookmarks)
		if err != nil {
			return fmt.Errorf("marshal bookmarks: %w", err)
		}
		set[instanceID+keySfxBookmarks] = bms
	}
	if len(rs.Outputs) > 0 {
		outs, err := json.Marshal(rs.Outputs)
		if err != nil {
			return fmt.Errorf("marshal outputs: %w", err)
		}
		set[instanceID+keySfxOutputs] = outs
	}
	if rs.Fault != "" {
		set[instanceID+keySfxFault] = []byte(rs.Fault)
	}
	if len(rs.Metadata) > 0 {
		meta, err := json.Marshal(rs.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		set[instanceID+keySfxMeta] = meta
	}
	for _, k := range del {
		if _, ok := set[k]; ok {
			continue
		}
		if err := kvDeleteIfExists(ctx, b, k); err != nil {
			return fmt.Errorf("clearing %s: %w", k, err)
		}
	}
	return kv.SetMap(ctx, b, set)
}

// kvGetRecordSet reads the field-wise record set for instanceID.
func kvGetRecordSet(ctx context.Context, b kv.Bucket, instanceID string) (*storage.RecordSet, error) {
	if ok, err := b.Has(ctx, instanceID+keySfxStatus); err != nil {
		return nil, fmt.Errorf("checking status: %w", err)
	} else if !ok {
		return nil, storage.NewErrInstanceNotFound(instanceID)
	}
	status, err := b.Get(ctx, instanceID+keySfxStatus)
	if err != nil {
		return nil, fmt.Errorf("getting status: %w", err)
	}
	verBytes, err := b.Get(ctx, instanceID+keySfxVersion)
	if err != nil {
		return nil, fmt.Errorf("getting version: %w", err)
	}
	version, err := strconv.Atoi(string(verBytes))
	if err != nil {
		return nil, fmt.Errorf("parsing version: %w", err)
	}
	rs := &storage.RecordSet{Status: string(status), Version: version}
	if version != storage.RecordSetVersion {
		return nil, fmt.Errorf("%w: stored v%d, supported v%d",
			storage.ErrVersionMismatch, version, storage.RecordSetVersion)
	}
	if rs.State, err = kvGetOptional(ctx, b, instanceID+keySfxState); err != nil {
		return nil, err
	}
	if bms, err := kvGetOptional(ctx, b, instanceID+keySfxBookmarks); err != nil {
		return nil, err
	} else if len(bms) > 0 {
		if err = json.Unmarshal(bms, &rs.Bookmarks); err != nil {
			return nil, fmt.Errorf("unmarshal bookmarks: %w", err)
		}
	}
	if outs, err := kvGetOptional(ctx, b, instanceID+keySfxOutputs); err != nil {
		return nil, err
	} else if len(outs) > 0 {
		if err = json.Unmarshal(outs, &rs.Outputs); err != nil {
			return nil, fmt.Errorf("unmarshal outputs: %w", err)
		}
	}
	if fault, err := kvGetOptional(ctx, b, instanceID+keySfxFault); err != nil {
		return nil, err
	} else {
		rs.Fault = string(fault)
	}
	if meta, err := kvGetOptional(ctx, b, instanceID+keySfxMeta); err != nil {
		return nil, err
	} else if len(meta) > 0 {
		if err = json.Unmarshal(meta, &rs.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return rs, nil
}

func kvGetOptional(ctx context.Context, b kv.Bucket, k string) ([]byte, error) {
	if ok, err := b.Has(ctx, k); err != nil {
		return nil, fmt.Errorf("checking %s: %w", k, err)
	} else if !ok {
		return nil, nil
	}
	v, err := b.Get(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", k, err)
	}
	return v, nil
}

// kvLockOwner returns the owner holding instanceID's lock ("" if unlocked).
func kvLockOwner(ctx context.Context, b kv.Bucket, instanceID string) (string, error) {
	v, err := kvGetOptional(ctx, b, instanceID+keySfxLock)
	return string(v), err
}

// kvDeleteIfExists deletes k, tolerating its absence. Some bucket
// implementations (diskv) error when erasing a missing key.
func kvDeleteIfExists(ctx context.Context, b kv.Bucket, k string) error {
	if ok, err := b.Has(ctx, k); err != nil {
		return fmt.Errorf("checking %s: %w", k, err)
	} else if !ok {
		return nil
	}
	return b.Delete(ctx, k)
}

// kvInstanceIDs scans the instance bucket for handles.
func kvInstanceIDs(b kv.TraversingBucket) []string {
	var ids []string
	for k := range b.Keys(nil) {
		if strings.HasSuffix(k, keySfxExists) {
			ids = append(ids, strings.TrimSuffix(k, keySfxExists))
		}
	}
	return ids
}
