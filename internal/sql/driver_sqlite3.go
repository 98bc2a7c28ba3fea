//go:build !libsql

package sql

import (
	"errors"

	"github.com/rqlite/go-sqlite3"
)

// DriverName is the database/sql driver compiled into the binary.
// Build with the libsql tag to use the libSQL driver instead.
const DriverName = "sqlite3"

// isTransient reports lock contention and io failures of the database file.
func isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrFull, sqlite3.ErrCantOpen:
		return true
	}
	return false
}
