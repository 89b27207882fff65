package mysql

import (
	"errors"
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/koustreak/blockidx/internal/database"
	"github.com/koustreak/blockidx/internal/errs"
)

// MySQL error numbers
// Full list: https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
const (
	errDuplicateEntry   = 1062
	errNoReferencedRow  = 1452
	errRowIsReferenced  = 1451
	errTableExists      = 1050
	errDuplicateKeyName = 1061
	errBadFieldError    = 1054
	errParseError       = 1064
	errNoSuchTable      = 1146
	errDBAccessDenied   = 1044
	errAccessDenied     = 1045
	errNoDatabase       = 1046
	errUnknownDatabase  = 1049
	errTooManyConns     = 1040
	errUserTooManyConns = 1203
	errLockWaitTimeout  = 1205
	errConnRefused      = 2003
)

// MapError translates go-sql-driver/mysql errors into *errs.Error.
func (Dialect) MapError(err error, msg string) *errs.Error {
	if kind, ok := database.CommonKind(err); ok {
		return errs.Wrap(kind, msg, err)
	}

	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return errs.Wrap(
			classifyMySQLCode(mysqlErr.Number),
			fmt.Sprintf("%s: %s", msg, mysqlErr.Message),
			err,
		)
	}

	if errors.Is(err, gomysql.ErrInvalidConn) {
		return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
	}
	return errs.Wrap(errs.ErrKindQueryFailed, msg, err)
}

// IsAlreadyExists reports a table or index created concurrently by another
// process.
func (Dialect) IsAlreadyExists(err error) bool {
	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == errTableExists || mysqlErr.Number == errDuplicateKeyName
	}
	return false
}

func (Dialect) IsConnRefused(err error) bool {
	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == errConnRefused {
		return true
	}
	return database.IsConnRefused(err)
}

// classifyMySQLCode maps MySQL error numbers to ErrKind.
func classifyMySQLCode(code uint16) errs.ErrKind {
	switch code {
	case errDuplicateEntry, errNoReferencedRow, errRowIsReferenced, errTableExists, errDuplicateKeyName:
		return errs.ErrKindConflict
	case errDBAccessDenied, errAccessDenied, errNoDatabase, errUnknownDatabase,
		errTooManyConns, errUserTooManyConns, errConnRefused:
		return errs.ErrKindConnectionFailed
	case errLockWaitTimeout:
		return errs.ErrKindTimeout
	case errBadFieldError, errParseError, errNoSuchTable:
		return errs.ErrKindQueryFailed
	default:
		return errs.ErrKindQueryFailed
	}
}
