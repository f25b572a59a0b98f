package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// StatusCode maps a Kind to the HTTP status returned to callers.
func StatusCode(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindAuthz:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDispatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// HTTPErrorHandler renders service errors as JSON. Crypto and internal
// failures are logged with their cause and answered with a generic message.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := errorBody{Error: "internal server error", Code: "internal_error"}

		var ae *Error
		var he *echo.HTTPError
		switch {
		case errors.As(err, &ae):
			status = StatusCode(ae.Kind)
			switch ae.Kind {
			case KindCrypto, KindInternal:
				logger.Error().
					Err(err).
					Str("request_id", fmt.Sprintf("%v", c.Get("request_id"))).
					Str("path", c.Request().URL.Path).
					Str("code", ae.Code).
					Msg("request failed")
				body.Code = ae.Code
			default:
				body = errorBody{Error: ae.Message, Code: ae.Code}
				if ae.Kind == KindDispatch {
					logger.Warn().Err(err).Str("code", ae.Code).Msg("external collaborator failed")
				}
			}
		case errors.As(err, &he):
			status = he.Code
			body.Error = fmt.Sprintf("%v", he.Message)
			body.Code = ""
		default:
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("unhandled error")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}
