package database_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/koustreak/blockidx/internal/database"
	"github.com/koustreak/blockidx/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTx_ExecAndCommit(t *testing.T) {
	conn, mock := connectMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `balances`").WithArgs("0xabc", 10).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := conn.Begin(ctx)
	require.NoError(t, err)
	assert.True(t, tx.Active())
	assert.Same(t, conn, tx.Conn())

	n, err := tx.Exec(ctx, "INSERT INTO `balances` (`address`, `balance`) VALUES (?, ?)", "0xabc", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, tx.Commit(ctx))
	assert.False(t, tx.Active())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTx_QueryConvertsBytes(t *testing.T) {
	conn, mock := connectMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"key", "n"}).AddRow([]byte("KEY_1"), int64(3)))
	mock.ExpectRollback()

	tx, err := conn.Begin(ctx)
	require.NoError(t, err)

	rows, err := tx.Query(ctx, "SELECT `key`, `n` FROM `t`")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "KEY_1", rows[0]["key"])
	assert.Equal(t, int64(3), rows[0]["n"])

	require.NoError(t, tx.Rollback(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTx_FinalizedState(t *testing.T) {
	tests := []struct {
		name     string
		finalize func(sqlmock.Sqlmock, *database.Tx) error
		again    func(*database.Tx) error
		crossed  func(*database.Tx) error
	}{
		{
			name: "committed",
			finalize: func(m sqlmock.Sqlmock, tx *database.Tx) error {
				m.ExpectCommit()
				return tx.Commit(context.Background())
			},
			again:   func(tx *database.Tx) error { return tx.Commit(context.Background()) },
			crossed: func(tx *database.Tx) error { return tx.Rollback(context.Background()) },
		},
		{
			name: "rolled back",
			finalize: func(m sqlmock.Sqlmock, tx *database.Tx) error {
				m.ExpectRollback()
				return tx.Rollback(context.Background())
			},
			again:   func(tx *database.Tx) error { return tx.Rollback(context.Background()) },
			crossed: func(tx *database.Tx) error { return tx.Commit(context.Background()) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, mock := connectMock(t)
			ctx := context.Background()

			mock.ExpectBegin()
			tx, err := conn.Begin(ctx)
			require.NoError(t, err)
			require.NoError(t, tt.finalize(mock, tx))

			assert.NoError(t, tt.again(tx), "repeating the same terminal call is a no-op")

			err = tt.crossed(tx)
			require.Error(t, err)
			assert.True(t, errs.IsTxFinalized(err))

			_, err = tx.Exec(ctx, "DELETE FROM `t`")
			assert.True(t, errs.IsTxFinalized(err))

			_, err = tx.Query(ctx, "SELECT 1")
			assert.True(t, errs.IsTxFinalized(err))

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTx_ExecErrorIsClassified(t *testing.T) {
	conn, mock := connectMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE").WillReturnError(context.DeadlineExceeded)

	tx, err := conn.Begin(ctx)
	require.NoError(t, err)

	_, err = tx.Exec(ctx, "UPDATE `t` SET `n` = 1")
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
	assert.True(t, tx.Active(), "a failed statement leaves the transaction to the caller")
}

func TestRunInTx_AutoCommit(t *testing.T) {
	conn, mock := connectMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	var affected int64
	err := database.RunInTx(ctx, conn, nil, func(tx *database.Tx) error {
		n, err := tx.Exec(ctx, "DELETE FROM `t` WHERE `a` = ?", 1)
		affected = n
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_AutoRollbackReturnsOriginalError(t *testing.T) {
	conn, mock := connectMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	var seen *database.Tx
	err := database.RunInTx(ctx, conn, nil, func(tx *database.Tx) error {
		seen = tx
		return boom
	})
	assert.Same(t, boom, err)
	assert.False(t, seen.Active())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_AutoRollbackOnPanic(t *testing.T) {
	conn, mock := connectMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = database.RunInTx(ctx, conn, nil, func(*database.Tx) error { panic("bad row") })
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_SuppliedTxIsLeftOpen(t *testing.T) {
	conn, mock := connectMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT").WillReturnError(sql.ErrConnDone)

	tx, err := database.StartTransaction(ctx, conn)
	require.NoError(t, err)

	err = database.RunInTx(ctx, conn, tx, func(got *database.Tx) error {
		assert.Same(t, tx, got)
		_, err := got.Exec(ctx, "INSERT INTO `t` VALUES (1)")
		return err
	})
	require.Error(t, err)
	assert.True(t, tx.Active(), "no implicit rollback of a caller transaction")

	mock.ExpectRollback()
	require.NoError(t, database.RollbackTransaction(ctx, tx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_ForeignTx(t *testing.T) {
	first, _ := newMock(t)
	second, secondMock := newMock(t)
	reg := newRegistry(t, &mockOpener{pools: []*sql.DB{first, second}})
	ctx := context.Background()

	a, err := reg.Connect(ctx, "mysql://root@localhost/one")
	require.NoError(t, err)
	b, err := reg.Connect(ctx, "mysql://root@localhost/two")
	require.NoError(t, err)

	secondMock.ExpectBegin()
	tx, err := b.Begin(ctx)
	require.NoError(t, err)

	err = database.RunInTx(ctx, a, tx, func(*database.Tx) error {
		t.Fatal("must not run against a foreign transaction")
		return nil
	})
	require.Error(t, err)
	assert.True(t, errs.IsInvalidInput(err))
}

func TestCommitTransaction(t *testing.T) {
	conn, mock := connectMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()

	tx, err := database.StartTransaction(ctx, conn)
	require.NoError(t, err)
	require.NoError(t, database.CommitTransaction(ctx, tx))
	require.NoError(t, database.CommitTransaction(ctx, tx))
	assert.NoError(t, mock.ExpectationsWereMet())
}
