package config

import (
	"database/sql"
	"os"

	"github.com/applydeck/applydeck/internal/store/sqlite"
)

// OpenSQLite opens the embedded store backend. The process owns the file for
// its lifetime; there is no teardown beyond process exit.
func OpenSQLite() (*sql.DB, error) {
	path := os.Getenv("SQLITE_PATH")
	if path == "" {
		path = "data/applydeck.db"
	}
	return sqlite.Open(path)
}
