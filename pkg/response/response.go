// Package response writes the JSON envelope shared by every API endpoint.
package response

import (
	"github.com/labstack/echo/v4"
)

// Envelope is the success body. Errors use the same success flag and are
// rendered by apperr.HTTPErrorHandler.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func JSON(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Success: true, Data: data})
}

// WithMessage is JSON plus a human-readable message.
func WithMessage(c echo.Context, status int, data any, message string) error {
	return c.JSON(status, Envelope{Success: true, Data: data, Message: message})
}
