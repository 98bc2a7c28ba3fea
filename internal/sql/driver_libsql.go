//go:build libsql

package sql

import (
	"strings"

	_ "github.com/tursodatabase/go-libsql"
)

// DriverName is the database/sql driver compiled into the binary.
const DriverName = "libsql"

// libsql reports errors as plain strings
func isTransient(err error) bool {
	msg := err.Error()
	for _, s := range []string{"SQLITE_BUSY", "database is locked", "disk I/O error", "database or disk is full", "unable to open database"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
