package inmem

import (
	"testing"

	"github.com/micromdm/nanowf/engine/storage"
	"github.com/micromdm/nanowf/engine/storage/test"
)

func TestInmemStorage(t *testing.T) {
	test.TestInstanceStorage(t, func() storage.Store { return New() })
}
