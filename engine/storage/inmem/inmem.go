// Package inmem implements an instance store backend using a map-based key-value store.
package inmem

import (
	"github.com/micromdm/nanowf/engine/storage/kv"
	"github.com/micromdm/nanowf/utils/kv/kvmap"
	"github.com/micromdm/nanowf/utils/uuid"
)

// InMem is an in-memory instance store backend.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(
		kvmap.NewBucket(),
		kvmap.NewBucket(),
		uuid.NewUUID(),
	)}
}
