package bolt

import (
	"path/filepath"
	"testing"

	"github.com/micromdm/nanowf/engine/storage"
	"github.com/micromdm/nanowf/engine/storage/test"
)

func TestBoltStorage(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "nanowf.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	test.TestInstanceStorage(t, func() storage.Store { return s })
}
