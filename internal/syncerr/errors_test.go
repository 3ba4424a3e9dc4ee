package syncerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/field-sync/field-sync/internal/syncerr"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	err := syncerr.New(syncerr.CodeValidation, "bad reading %d", 42)
	require.Equal(t, syncerr.CodeValidation, syncerr.CodeOf(err))
	require.Contains(t, err.Error(), "bad reading 42")

	// Codes survive wrapping with %w
	wrapped := fmt.Errorf("handler: %w", err)
	require.Equal(t, syncerr.CodeValidation, syncerr.CodeOf(wrapped))

	// Uncoded errors default to transient so they are retried
	require.Equal(t, syncerr.CodeTransient, syncerr.CodeOf(errors.New("plain")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := syncerr.Wrap(syncerr.CodeStorage, cause, "failed to persist")

	require.Equal(t, syncerr.CodeStorage, syncerr.CodeOf(err))
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "disk full")
	require.Contains(t, err.Error(), "failed to persist")
}

func TestPredicates(t *testing.T) {
	require.True(t, syncerr.IsTransient(syncerr.New(syncerr.CodeTransient, "timeout")))
	require.False(t, syncerr.IsTransient(syncerr.New(syncerr.CodeValidation, "rejected")))
	require.True(t, syncerr.IsValidation(syncerr.New(syncerr.CodeValidation, "rejected")))
	require.False(t, syncerr.IsValidation(syncerr.New(syncerr.CodeStorage, "disk full")))
}
