package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrProviderTransient, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithProvider("veo")

	assert.Equal(t, ErrProviderTransient, KindOf(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, 502, HTTPStatusOf(err))
	assert.Contains(t, err.Error(), "provider_transient_error")
}

func TestError_KindSentinels(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("worker: %w", NewError(ErrTimeout, "poll ceiling exceeded"))

	assert.ErrorIs(t, wrapped, KindTimeout)
	assert.NotErrorIs(t, wrapped, KindProviderTransient)
	assert.Equal(t, ErrTimeout, KindOf(wrapped))
	assert.False(t, IsRetryable(wrapped))
}

func TestKindOf_PlainError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, ErrInternal, KindOf(errors.New("boom")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusOf(errors.New("boom")))
}

func TestStatusForKind(t *testing.T) {
	t.Parallel()

	cases := map[ErrorKind]int{
		ErrValidation:        http.StatusBadRequest,
		ErrPersonaNotFound:   http.StatusNotFound,
		ErrNotFound:          http.StatusNotFound,
		ErrProviderTransient: http.StatusServiceUnavailable,
		ErrProviderPermanent: http.StatusBadGateway,
		ErrTimeout:           http.StatusGatewayTimeout,
		ErrStore:             http.StatusInternalServerError,
		ErrRateLimited:       http.StatusTooManyRequests,
		ErrUnavailable:       http.StatusServiceUnavailable,
		ErrConflict:          http.StatusConflict,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusForKind(kind), string(kind))
	}
}

func TestStoreFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := StoreFailure("save job", cause)

	assert.ErrorIs(t, err, KindStore)
	assert.ErrorIs(t, err, cause)
	assert.False(t, err.Retryable)
}

func TestProviderHTTPError(t *testing.T) {
	t.Parallel()

	for _, status := range []int{408, 429, 500, 502, 503} {
		err := ProviderHTTPError("veo", status, "busy")
		assert.Equal(t, ErrProviderTransient, err.Kind, "status %d", status)
		assert.True(t, err.Retryable)
		assert.Equal(t, "veo", err.Provider)
	}
	for _, status := range []int{400, 401, 403, 404, 422} {
		err := ProviderHTTPError("runway", status, "")
		assert.Equal(t, ErrProviderPermanent, err.Kind, "status %d", status)
		assert.False(t, err.Retryable)
	}

	net := ProviderNetworkError("veo", errors.New("connection reset"))
	assert.True(t, IsRetryable(net))
	assert.ErrorIs(t, ProviderMalformed("veo", errors.New("bad json")), KindProviderPermanent)
}
