package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/cinegen/types"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusTeapot, []int{1, 2, 3})

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `[1,2,3]`, w.Body.String())
}

func TestWriteSuccess_CarriesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set(RequestIDHeader, "req-42")

	WriteSuccess(w, map[string]string{"key": "value"})

	var resp envelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "req-42", resp.RequestID)
	assert.False(t, resp.Timestamp.IsZero())
	assert.JSONEq(t, `{"key":"value"}`, string(resp.Data))
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		kind      types.ErrorKind
		message   string
		retryable bool
	}{
		{"validation", types.Validation("prompt is required"), http.StatusBadRequest, types.ErrValidation, "prompt is required", false},
		{"persona not found", types.Errorf(types.ErrPersonaNotFound, "no persona"), http.StatusNotFound, types.ErrPersonaNotFound, "no persona", false},
		{"transient", types.ProviderHTTPError("veo", 503, ""), http.StatusServiceUnavailable, types.ErrProviderTransient, "veo returned HTTP 503", true},
		{"explicit status", types.Validation("too big").WithHTTPStatus(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge, types.ErrValidation, "too big", false},
		{"plain error hides details", errors.New("pq: password authentication failed"), http.StatusInternalServerError, types.ErrInternal, "internal server error", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err, zap.NewNop())

			assert.Equal(t, tt.status, w.Code)
			var resp envelope
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.kind, resp.Error.Kind)
			assert.Equal(t, tt.message, resp.Error.Message)
			assert.Equal(t, tt.retryable, resp.Error.Retryable)
		})
	}
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"valid", `{"name":"alex"}`, 0},
		{"unknown field", `{"name":"alex","extra":1}`, http.StatusBadRequest},
		{"malformed", `{"name":`, http.StatusBadRequest},
		{"empty", ``, http.StatusBadRequest},
		{"too large", `{"name":"` + strings.Repeat("x", MaxJSONBodyBytes) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body *bytes.Buffer
			if tt.body != "" {
				body = bytes.NewBufferString(tt.body)
			}
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			if body != nil {
				r = httptest.NewRequest(http.MethodPost, "/", body)
			}
			w := httptest.NewRecorder()

			var dst payload
			err := DecodeJSONBody(w, r, &dst, zap.NewNop())
			if tt.status == 0 {
				require.NoError(t, err)
				assert.Equal(t, "alex", dst.Name)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestValidateContentType(t *testing.T) {
	for ct, ok := range map[string]bool{
		"application/json":                true,
		"application/json; charset=utf-8": true,
		"Application/JSON":                true,
		"text/plain":                      false,
		"":                                false,
	} {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Content-Type", ct)
		w := httptest.NewRecorder()
		assert.Equal(t, ok, ValidateContentType(w, r, nil), ct)
		if !ok {
			assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
		}
	}
}

func TestResponseWriter_Captures(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusInternalServerError)
	n, err := rw.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(5), rw.Bytes)
	assert.Same(t, rec, rw.Unwrap())
}
