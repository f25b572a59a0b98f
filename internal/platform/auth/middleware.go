package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
)

type contextKey string

const actorKey contextKey = "actor"

// Actor is the authenticated caller of a request.
type Actor struct {
	ID       uuid.UUID
	Username string
	Role     Role
	Active   bool
}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

// UserLookup loads the current state of an account. Implementations return
// an error matching apperr.ErrNotFound for unknown ids.
type UserLookup interface {
	LookupActor(ctx context.Context, id uuid.UUID) (Actor, error)
}

// AuthConfig configures Authenticate.
type AuthConfig struct {
	Tokens *TokenIssuer
	Users  UserLookup
	// Skipper, when set, bypasses authentication for matching requests.
	Skipper func(c echo.Context) bool
}

// Authenticate validates the bearer token and loads the account it names.
// Role and active flag come from the account row, not the token, so a
// deactivation or role change takes effect on the next request.
func Authenticate(cfg AuthConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return apperr.Unauthenticated("missing authorization header")
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return apperr.Unauthenticated("invalid authorization format")
			}

			claims, err := cfg.Tokens.Parse(strings.TrimSpace(parts[1]))
			if err != nil {
				return apperr.Unauthenticated("invalid token")
			}
			userID, err := uuid.Parse(claims.Subject)
			if err != nil {
				return apperr.Unauthenticated("invalid token")
			}

			ctx := c.Request().Context()
			actor, err := cfg.Users.LookupActor(ctx, userID)
			if err != nil {
				if errors.Is(err, apperr.ErrNotFound) {
					return apperr.Unauthenticated("invalid token")
				}
				return err
			}
			if !actor.Active {
				return apperr.Forbidden("account is disabled")
			}

			c.Set("user_id", actor.ID.String())
			c.SetRequest(c.Request().WithContext(WithActor(ctx, actor)))
			return next(c)
		}
	}
}

// ActorFrom returns the authenticated actor of c.
func ActorFrom(c echo.Context) (Actor, error) {
	a, ok := ActorFromContext(c.Request().Context())
	if !ok {
		return Actor{}, apperr.Unauthenticated("authentication required")
	}
	return a, nil
}
