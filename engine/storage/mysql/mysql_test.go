package mysql

import (
	"os"
	"testing"

	"github.com/micromdm/nanowf/engine/storage"
	"github.com/micromdm/nanowf/engine/storage/test"

	_ "github.com/go-sql-driver/mysql"
)

func TestMySQLStorage(t *testing.T) {
	testDSN := os.Getenv("NANOWF_MYSQL_STORAGE_TEST_DSN")
	if testDSN == "" {
		t.Skip("NANOWF_MYSQL_STORAGE_TEST_DSN not set")
	}

	s, err := New(WithDSN(testDSN))
	if err != nil {
		t.Fatal(err)
	}

	// to test against an existing DB/DSN:
	//
	// DELETE FROM wf_instances;
	// DELETE FROM wf_owners;

	test.TestInstanceStorage(t, func() storage.Store { return s })
}
