package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/koustreak/blockidx/internal/database"
	"github.com/koustreak/blockidx/internal/errs"
)

// PostgreSQL SQLSTATE codes
// Full list: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrDuplicateTable      = "42P07"
	pgErrDuplicateObject     = "42710"
	pgErrInvalidCatalog      = "3D000"
	pgErrQueryCanceled       = "57014"
	pgErrLockNotAvailable    = "55P03"
)

// MapError translates pgx / pgconn native errors into *errs.Error.
func (Dialect) MapError(err error, msg string) *errs.Error {
	if kind, ok := database.CommonKind(err); ok {
		return errs.Wrap(kind, msg, err)
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return errs.Wrap(errs.ErrKindNotFound, msg, err)
	}

	// Postgres server-side error (SQLSTATE codes)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return errs.Wrap(classifySQLState(pgErr.Code), fmt.Sprintf("%s: %s", msg, pgErr.Message), err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
	}
	return errs.Wrap(errs.ErrKindQueryFailed, msg, err)
}

// IsAlreadyExists reports a table or index created concurrently by another
// process.
func (Dialect) IsAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrDuplicateTable || pgErr.Code == pgErrDuplicateObject
	}
	return false
}

func (Dialect) IsConnRefused(err error) bool {
	return database.IsConnRefused(err)
}

func classifySQLState(code string) errs.ErrKind {
	switch code {
	case pgErrUniqueViolation, pgErrForeignKeyViolation, pgErrDuplicateTable, pgErrDuplicateObject:
		return errs.ErrKindConflict
	case pgErrInvalidCatalog:
		return errs.ErrKindConnectionFailed
	case pgErrQueryCanceled, pgErrLockNotAvailable:
		return errs.ErrKindTimeout
	}
	// Class 08 is connection exceptions, class 28 invalid authorization.
	if len(code) >= 2 && (code[:2] == "08" || code[:2] == "28") {
		return errs.ErrKindConnectionFailed
	}
	return errs.ErrKindQueryFailed
}
