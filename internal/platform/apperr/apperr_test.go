package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIs_MatchesByCode(t *testing.T) {
	err := fmt.Errorf("sign: %w", AlreadySigned())
	assert.True(t, errors.Is(err, ErrAlreadySigned))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestKindOf_UnknownIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestStatusCode(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:      http.StatusBadRequest,
		KindUnauthenticated: http.StatusUnauthorized,
		KindAuthz:           http.StatusForbidden,
		KindNotFound:        http.StatusNotFound,
		KindConflict:        http.StatusConflict,
		KindDispatch:        http.StatusBadGateway,
		KindCrypto:          http.StatusInternalServerError,
		KindInternal:        http.StatusInternalServerError,
	}
	for k, want := range cases {
		assert.Equal(t, want, StatusCode(k), k.String())
	}
}

func runHandler(t *testing.T, err error) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	HTTPErrorHandler(zerolog.New(io.Discard))(err, c)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHTTPErrorHandler_NotFound(t *testing.T) {
	rec, body := runHandler(t, NotFound("patient"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "patient not found", body["error"])
	assert.Equal(t, false, body["success"])
}

func TestHTTPErrorHandler_DecryptionIsGeneric(t *testing.T) {
	rec, body := runHandler(t, Decryption(errors.New("cipher: message authentication failed")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", body["error"])
	assert.NotContains(t, rec.Body.String(), "authentication failed")
}

func TestHTTPErrorHandler_EchoError(t *testing.T) {
	rec, body := runHandler(t, echo.NewHTTPError(http.StatusBadRequest, "invalid id"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid id", body["error"])
}
