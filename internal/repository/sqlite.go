package repository

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "modernc.org/sqlite"
)

// defaultBusyTimeout bounds how long a writer waits on the audit table lock.
const defaultBusyTimeout = 5 * time.Second

// openSQLite opens the audit database with modernc.org/sqlite (pure Go).
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./kestrel.db"
	}

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// An in-memory database lives on one connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return db, nil
}

// sqliteDSN builds the connection string. The audit trail is append-heavy,
// so WAL lets readers (GET /decisions) proceed during inserts.
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}
