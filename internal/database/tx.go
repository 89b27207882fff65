package database

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/koustreak/blockidx/internal/errs"
)

type txState int

const (
	txActive txState = iota
	txCommitted
	txRolledBack
)

func (s txState) String() string {
	switch s {
	case txCommitted:
		return "committed"
	case txRolledBack:
		return "rolled back"
	default:
		return "active"
	}
}

// Tx is a transaction bound to exactly one Conn.
//
// State moves active -> committed or active -> rolled back and never back.
// Statements issued after that fail with errs.ErrKindTxFinalized. Repeating
// the same terminal call (Commit twice, Rollback twice) is a no-op; crossing
// them (Commit after Rollback) is an error.
type Tx struct {
	conn *Conn
	tx   *sql.Tx
	id   uint64

	mu    sync.RWMutex
	state txState
}

// Conn returns the connection the transaction is bound to.
func (t *Tx) Conn() *Conn { return t.conn }

// Active reports whether statements may still be issued.
func (t *Tx) Active() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state == txActive
}

// Exec runs a statement and returns the number of rows affected.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := t.checkActive(); err != nil {
		return 0, err
	}
	t.conn.trace("exec", t.id, query, args, nil)

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		t.conn.trace("exec failed", t.id, query, args, err)
		return 0, t.mapError(err, "statement failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, t.mapError(err, "rows affected unavailable")
	}
	return n, nil
}

// Query runs a statement and returns every row as a column -> value map.
func (t *Tx) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := t.checkActive(); err != nil {
		return nil, err
	}
	t.conn.trace("query", t.id, query, args, nil)

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		t.conn.trace("query failed", t.id, query, args, err)
		return nil, t.mapError(err, "query failed")
	}
	result, err := ScanRows(rows)
	if err != nil {
		t.conn.trace("scan failed", t.id, query, args, err)
		return nil, t.mapError(err, "reading rows failed")
	}
	return result, nil
}

// Commit makes the transaction's writes visible to other transactions.
func (t *Tx) Commit(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case txCommitted:
		return nil
	case txRolledBack:
		return errs.New(errs.ErrKindTxFinalized, "cannot commit: transaction already rolled back")
	}

	err := t.tx.Commit()
	// database/sql finishes the transaction even when COMMIT fails, so the
	// handle is unusable either way.
	if err != nil {
		t.state = txRolledBack
		t.conn.log.DebugWith("commit failed", map[string]interface{}{"tx": t.id, "error": err.Error()})
		return t.conn.dialect.MapError(err, "commit failed")
	}
	t.state = txCommitted
	t.conn.log.TraceWith("commit", map[string]interface{}{"tx": t.id})
	return nil
}

// Rollback discards every write issued through the transaction.
func (t *Tx) Rollback(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case txRolledBack:
		return nil
	case txCommitted:
		return errs.New(errs.ErrKindTxFinalized, "cannot roll back: transaction already committed")
	}

	t.state = txRolledBack
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return t.conn.dialect.MapError(err, "rollback failed")
	}
	t.conn.log.TraceWith("rollback", map[string]interface{}{"tx": t.id})
	return nil
}

func (t *Tx) checkActive() error {
	if t.state != txActive {
		return errs.Newf(errs.ErrKindTxFinalized, "transaction %d is already %s", t.id, t.state)
	}
	return nil
}

func (t *Tx) mapError(err error, msg string) error {
	if errors.Is(err, sql.ErrTxDone) {
		return errs.Wrap(errs.ErrKindTxFinalized, "transaction finished by the driver", err)
	}
	return t.conn.dialect.MapError(err, msg)
}

// RunInTx runs fn inside tx, or inside an auto-transaction when tx is nil.
//
// An auto-transaction is committed when fn succeeds and rolled back when it
// fails; the error from fn is returned unchanged. A supplied transaction is
// never committed or rolled back here: that stays with the caller.
func RunInTx(ctx context.Context, conn *Conn, tx *Tx, fn func(*Tx) error) error {
	if tx != nil {
		if tx.conn != conn {
			return errs.Newf(errs.ErrKindInvalidInput,
				"transaction belongs to pool %s, not %s", tx.conn.key, conn.key)
		}
		return fn(tx)
	}

	auto, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = auto.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(auto); err != nil {
		if rbErr := auto.Rollback(ctx); rbErr != nil {
			conn.log.WarnWith("auto-transaction rollback failed", rbErr, map[string]interface{}{"tx": auto.id})
		}
		return err
	}
	return auto.Commit(ctx)
}

// StartTransaction opens a transaction on conn.
func StartTransaction(ctx context.Context, conn *Conn) (*Tx, error) {
	return conn.Begin(ctx)
}

// CommitTransaction commits tx.
func CommitTransaction(ctx context.Context, tx *Tx) error {
	return tx.Commit(ctx)
}

// RollbackTransaction rolls tx back.
func RollbackTransaction(ctx context.Context, tx *Tx) error {
	return tx.Rollback(ctx)
}
