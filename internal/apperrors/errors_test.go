package apperrors_test

import (
	"errors"
	"testing"

	"github.com/schuellerf/bufferbane/internal/apperrors"
	"github.com/stretchr/testify/require"
)

func TestError_UnwrapsToCause(t *testing.T) {
	cause := errors.New("boom")
	err := apperrors.NewStorage("insert_measurements", "sqlite insert failed", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "storage_error")
	require.Contains(t, err.Error(), "insert_measurements")
}

func TestError_WithContextIsImmutable(t *testing.T) {
	base := apperrors.NewValidation("echo_validate", "no active session", nil)
	withCtx := base.WithContext("client_id", uint64(42))

	require.Empty(t, base.Context())
	require.Equal(t, uint64(42), withCtx.Context()["client_id"])
}

func TestError_WithContextChaining(t *testing.T) {
	err := apperrors.NewNetwork("probe_send", "write failed", nil).
		WithContext("target", "probe-1").
		WithContext("seq", uint32(7))

	ctx := err.Context()
	require.Equal(t, "probe-1", ctx["target"])
	require.Equal(t, uint32(7), ctx["seq"])
}
