package store_test

import (
	"testing"

	"github.com/dshills/pregel-go/pregel/store"
)

func init() {
	registerContractFactory(storeFactory{
		name: "MySQLStore",
		new: func(t *testing.T) store.ThreadStore {
			dsn := mysqlDSN(t)
			st, err := store.NewMySQLStore(dsn)
			if err != nil {
				t.Fatalf("NewMySQLStore: %v", err)
			}
			return st
		},
	})
}
