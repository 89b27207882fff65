package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	cause := errors.New("dial tcp 127.0.0.1:3306: connect: connection refused")

	assert.Equal(t, "[invalid_input] bad endpoint", New(ErrKindInvalidInput, "bad endpoint").Error())
	assert.Equal(t,
		"[connection_failed] ping failed: dial tcp 127.0.0.1:3306: connect: connection refused",
		Wrap(ErrKindConnectionFailed, "ping failed", cause).Error(),
	)
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", New(ErrKindNotFound, "x"), IsNotFound},
		{"timeout", New(ErrKindTimeout, "x"), IsTimeout},
		{"connection", New(ErrKindConnectionFailed, "x"), IsConnectionFailed},
		{"query", New(ErrKindQueryFailed, "x"), IsQueryFailed},
		{"input", New(ErrKindInvalidInput, "x"), IsInvalidInput},
		{"conflict", New(ErrKindConflict, "x"), IsConflict},
		{"finalized", New(ErrKindTxFinalized, "x"), IsTxFinalized},
		{"unsupported", New(ErrKindUnsupportedType, "x"), IsUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			assert.True(t, tt.check(fmt.Errorf("outer: %w", tt.err)), "predicate must see through fmt wrapping")
			assert.False(t, tt.check(errors.New("plain")))
		})
	}
}

func TestWrap_KeepsInnerKindWhenUnknown(t *testing.T) {
	inner := New(ErrKindTxFinalized, "transaction already committed")

	wrapped := Wrap(ErrKindUnknown, "upsert balances", inner)
	assert.Equal(t, ErrKindTxFinalized, wrapped.Kind)
	assert.True(t, errors.Is(wrapped, inner))

	explicit := Wrap(ErrKindQueryFailed, "upsert balances", inner)
	assert.Equal(t, ErrKindQueryFailed, explicit.Kind)
}
