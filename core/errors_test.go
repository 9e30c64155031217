package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewErrorMessage(t *testing.T) {
	err := NewError(ErrValidation, "bad input")
	require.Equal(t, "validation: bad input", err.Error())
}

func TestWrapErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapError(ErrFatal, cause, "write wal")
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "disk full")
}

func TestWithDetail(t *testing.T) {
	err := NewError(ErrNotFound, "missing utxo").WithDetail("utxo", "abcd")
	require.Equal(t, "abcd", err.Detail["utxo"])
}

func TestIsKind(t *testing.T) {
	err := NewError(ErrConflict, "duplicate tx")
	require.True(t, IsKind(err, ErrConflict))
	require.False(t, IsKind(err, ErrTimeout))
}

func TestErrorInfoIsMatchesSentinelByKind(t *testing.T) {
	err := NewError(ErrNotFound, "something specific")
	require.True(t, errors.Is(err, ErrSentinelNotFound))
	require.False(t, errors.Is(err, ErrSentinelTimeout))
}

func TestNilErrorInfoError(t *testing.T) {
	var err *ErrorInfo
	require.Equal(t, "<nil>", err.Error())
}
