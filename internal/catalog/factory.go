package catalog

import (
	"database/sql"
	"fmt"

	"bnuystore/internal/config"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

// NewStoreFromConfig creates a Store based on the catalog config type.
func NewStoreFromConfig(cfg config.CatalogConfig) (*Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("path required for sqlite catalog")
		}
		return NewSQLite(cfg.Path)
	case "mysql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("dsn required for mysql catalog")
		}
		return NewMySQL(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown catalog type: %s", cfg.Type)
	}
}

// NewSQLite opens a SQLite-backed store. path can be a file path or
// ":memory:" for an in-memory database.
func NewSQLite(path string) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite catalog: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection to :memory: would see its own empty
		// database; pin the pool to one connection.
		db.SetMaxOpenConns(1)
	}
	return NewStore(db, "sqlite")
}

// NewMySQL opens a MySQL-backed store.
func NewMySQL(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql catalog: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog unreachable: %w", err)
	}
	return NewStore(db, "mysql")
}
