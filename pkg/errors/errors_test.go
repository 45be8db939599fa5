package errors_test

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "engram/pkg/errors"
)

func TestWrap_PreservesKind(t *testing.T) {
	err := apperrors.NewPolicy("store", "secret content rejected")
	wrapped := apperrors.Wrap(err, "engine", "store failed")

	assert.True(t, apperrors.IsPolicy(wrapped))
	assert.Equal(t, apperrors.KindPolicy, apperrors.KindOf(wrapped))
}

func TestWrap_ForeignErrorBecomesTransport(t *testing.T) {
	cause := stderrors.New("connection refused")
	wrapped := apperrors.Wrap(cause, "vectordb", "search failed")

	require.Error(t, wrapped)
	assert.True(t, apperrors.IsTransport(wrapped))
	assert.True(t, stderrors.Is(wrapped, cause))
}

func TestWrap_Nil(t *testing.T) {
	assert.NoError(t, apperrors.Wrap(nil, "op", "msg"))
}

func TestError_IncludesOpAndField(t *testing.T) {
	err := apperrors.NewConfig("config", "vectorDbUrl", "missing required field")

	assert.Contains(t, err.Error(), "CONFIG")
	assert.Contains(t, err.Error(), "vectorDbUrl")
	assert.Contains(t, err.Error(), "config")
}

func TestKindOf_ForeignError(t *testing.T) {
	assert.Equal(t, apperrors.Kind(""), apperrors.KindOf(stderrors.New("plain")))
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("dial tcp: timeout")
	err := apperrors.NewTransport("embedding", "request failed", cause)

	var appErr *apperrors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, cause, appErr.Unwrap())
}
