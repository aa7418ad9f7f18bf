// Package diskv implements an instance store backend using the diskv key-value store.
package diskv

import (
	"path/filepath"

	"github.com/micromdm/nanowf/engine/storage/kv"
	"github.com/micromdm/nanowf/utils/kv/kvdiskv"
	"github.com/micromdm/nanowf/utils/uuid"

	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a diskv-backed instance store backend.
type Diskv struct {
	*kv.KV
}

func New(path string) *Diskv {
	flatTransform := func(s string) []string { return []string{} }
	return &Diskv{KV: kv.New(
		kvdiskv.NewBucket(diskv.New(diskv.Options{
			BasePath:     filepath.Join(path, "instance", "owner"),
			Transform:    flatTransform,
			CacheSizeMax: 1024 * 1024,
		})),
		kvdiskv.NewBucket(diskv.New(diskv.Options{
			BasePath:     filepath.Join(path, "instance", "state"),
			Transform:    flatTransform,
			CacheSizeMax: 1024 * 1024,
		})),
		uuid.NewUUID(),
	)}
}
