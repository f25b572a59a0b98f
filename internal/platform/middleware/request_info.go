package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/medicosmart/medicosmart/internal/platform/hipaa"
)

// RequestInfo copies the client address and user agent into the request
// context for audit entries.
func RequestInfo() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := hipaa.WithRequestInfo(req.Context(), hipaa.RequestInfo{
				IPAddress: c.RealIP(),
				UserAgent: req.UserAgent(),
			})
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
