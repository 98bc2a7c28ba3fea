package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pbinitiative/zenrepo/pkg/storage"
)

func ToNullString[S ~string](s S) sql.NullString {
	if s == "" {
		return sql.NullString{
			Valid: false,
		}
	}
	return sql.NullString{
		String: string(s),
		Valid:  true,
	}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// classify maps driver errors onto the errors of the storage package.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrVersionConflict), errors.Is(err, storage.ErrTransient):
		return err
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.Join(storage.ErrTransient, err)
	case strings.Contains(err.Error(), "UNIQUE constraint failed: definition.key"):
		return fmt.Errorf("%w: %w", storage.ErrVersionConflict, err)
	case strings.Contains(err.Error(), "constraint failed"):
		return fmt.Errorf("constraint violation: %w", err)
	case isTransient(err), errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("%w: %w", storage.ErrTransient, err)
	default:
		return fmt.Errorf("database error: %w", err)
	}
}
