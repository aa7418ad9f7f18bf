package diskv

import (
	"os"
	"testing"

	"github.com/micromdm/nanowf/engine/storage"
	"github.com/micromdm/nanowf/engine/storage/test"
)

func TestDiskvStorage(t *testing.T) {
	test.TestInstanceStorage(t, func() storage.Store { return New("teststor") })
	os.RemoveAll("teststor")
}
