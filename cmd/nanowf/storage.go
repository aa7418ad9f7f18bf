package main

import (
	"fmt"

	"github.com/micromdm/nanowf/engine/storage"
	storagebolt "github.com/micromdm/nanowf/engine/storage/bolt"
	storagediskv "github.com/micromdm/nanowf/engine/storage/diskv"
	storageinmem "github.com/micromdm/nanowf/engine/storage/inmem"
	storagemysql "github.com/micromdm/nanowf/engine/storage/mysql"

	_ "github.com/go-sql-driver/mysql"
)

func parseStorage(name, dsn string) (storage.Store, error) {
	switch name {
	case "inmem":
		return storageinmem.New(), nil
	case "file", "diskv":
		if dsn == "" {
			dsn = "db"
		}
		return storagediskv.New(dsn), nil
	case "bolt":
		if dsn == "" {
			dsn = "nanowf.db"
		}
		return storagebolt.New(dsn)
	case "mysql":
		return storagemysql.New(storagemysql.WithDSN(dsn))
	}
	return nil, fmt.Errorf("unknown storage: %s", name)
}
