package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/koustreak/blockidx/internal/errs"
)

// CommonKind classifies the errors every driver can return through
// database/sql. ok is false when the dialect must look at native codes.
func CommonKind(err error) (kind errs.ErrKind, ok bool) {
	var classified *errs.Error
	switch {
	case errors.As(err, &classified):
		return classified.Kind, true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errs.ErrKindTimeout, true
	case errors.Is(err, sql.ErrNoRows):
		return errs.ErrKindNotFound, true
	case errors.Is(err, sql.ErrTxDone):
		return errs.ErrKindTxFinalized, true
	case IsConnRefused(err):
		return errs.ErrKindConnectionFailed, true
	}
	return errs.ErrKindUnknown, false
}
