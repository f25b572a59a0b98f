package user

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/auth"
	"github.com/medicosmart/medicosmart/internal/platform/hipaa"
	"github.com/medicosmart/medicosmart/pkg/pagination"
	"github.com/medicosmart/medicosmart/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the auth and admin endpoints. credentials wraps the
// unauthenticated login and register routes, typically with a rate limiter.
func (h *Handler) RegisterRoutes(api *echo.Group, credentials ...echo.MiddlewareFunc) {
	a := api.Group("/auth")
	a.POST("/register", h.Register, credentials...)
	a.POST("/login", h.Login, credentials...)
	a.GET("/me", h.Me)
	a.PUT("/password", h.ChangePassword)
	a.POST("/logout", h.Logout)

	admin := api.Group("/admin")
	users := admin.Group("/users", auth.Require(auth.CapManageUsers))
	users.GET("", h.ListUsers)
	users.POST("", h.CreateUser)
	users.GET("/:id", h.GetUser)
	users.PUT("/:id", h.UpdateUser)
	users.DELETE("/:id", h.DeactivateUser)
	admin.GET("/stats", h.Stats, auth.Require(auth.CapManageUsers))
	admin.GET("/audit", h.ListAudit, auth.Require(auth.CapViewAudit))
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation("malformed request body")
	}
	return nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid id")
	}
	return id, nil
}

// -- Authentication --

func (h *Handler) Register(c echo.Context) error {
	var in RegisterInput
	if err := bind(c, &in); err != nil {
		return err
	}
	sess, err := h.svc.Register(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return response.WithMessage(c, http.StatusCreated, sess, "registration completed")
}

func (h *Handler) Login(c echo.Context) error {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := bind(c, &in); err != nil {
		return err
	}
	sess, err := h.svc.Login(c.Request().Context(), in.Username, in.Password)
	if err != nil {
		return err
	}
	return response.WithMessage(c, http.StatusOK, sess, "login successful")
}

func (h *Handler) Me(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	u, err := h.svc.Me(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	return response.JSON(c, http.StatusOK, map[string]interface{}{"user": u})
}

func (h *Handler) ChangePassword(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	var in PasswordChange
	if err := bind(c, &in); err != nil {
		return err
	}
	if err := h.svc.ChangePassword(c.Request().Context(), actor, in); err != nil {
		return err
	}
	return response.WithMessage(c, http.StatusOK, nil, "password updated")
}

// Logout is a no-op: sessions are stateless and the client drops its token.
func (h *Handler) Logout(c echo.Context) error {
	if _, err := auth.ActorFrom(c); err != nil {
		return err
	}
	return response.WithMessage(c, http.StatusOK, nil, "logged out")
}

// -- Administration --

func (h *Handler) ListUsers(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	f := Filter{Role: auth.Role(c.QueryParam("role")), Search: c.QueryParam("search")}
	users, total, err := h.svc.ListUsers(c.Request().Context(), actor, f, p.Limit, p.Offset())
	if err != nil {
		return err
	}
	if users == nil {
		users = []*User{}
	}
	return response.JSON(c, http.StatusOK, map[string]interface{}{
		"users":      users,
		"pagination": pagination.NewMeta(p, total),
	})
}

func (h *Handler) GetUser(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	u, err := h.svc.GetUser(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return response.JSON(c, http.StatusOK, map[string]interface{}{"user": u})
}

func (h *Handler) CreateUser(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := bind(c, &in); err != nil {
		return err
	}
	u, err := h.svc.CreateUser(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return response.WithMessage(c, http.StatusCreated, map[string]interface{}{"user": u}, "user created")
}

func (h *Handler) UpdateUser(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := bind(c, &in); err != nil {
		return err
	}
	u, err := h.svc.UpdateUser(c.Request().Context(), actor, id, in)
	if err != nil {
		return err
	}
	return response.WithMessage(c, http.StatusOK, map[string]interface{}{"user": u}, "user updated")
}

func (h *Handler) DeactivateUser(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeactivateUser(c.Request().Context(), actor, id); err != nil {
		return err
	}
	return response.WithMessage(c, http.StatusOK, nil, "user deactivated")
}

func (h *Handler) Stats(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	stats, err := h.svc.Stats(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	return response.JSON(c, http.StatusOK, map[string]interface{}{"stats": stats})
}

func (h *Handler) ListAudit(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	f, err := auditFilterFromQuery(c)
	if err != nil {
		return err
	}
	f.Limit, f.Offset = p.Limit, p.Offset()

	entries, total, err := h.svc.ListAudit(c.Request().Context(), actor, f)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []*hipaa.AuditEntry{}
	}
	return response.JSON(c, http.StatusOK, map[string]interface{}{
		"entries":    entries,
		"pagination": pagination.NewMeta(p, total),
	})
}

func auditFilterFromQuery(c echo.Context) (hipaa.AuditFilter, error) {
	var f hipaa.AuditFilter
	parseUUID := func(name string) (*uuid.UUID, error) {
		v := c.QueryParam(name)
		if v == "" {
			return nil, nil
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, apperr.Validation("invalid " + name)
		}
		return &id, nil
	}
	parseTime := func(name string) (*time.Time, error) {
		v := c.QueryParam(name)
		if v == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, apperr.Validation(name + " must be an RFC 3339 timestamp")
		}
		return &t, nil
	}

	var err error
	if f.ActorID, err = parseUUID("actor_id"); err != nil {
		return f, err
	}
	if f.EntityID, err = parseUUID("entity_id"); err != nil {
		return f, err
	}
	if f.Since, err = parseTime("since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTime("until"); err != nil {
		return f, err
	}
	f.EntityType = c.QueryParam("entity_type")
	switch a := hipaa.Action(c.QueryParam("action")); a {
	case "", hipaa.ActionRead, hipaa.ActionCreate, hipaa.ActionUpdate, hipaa.ActionDelete:
		f.Action = a
	default:
		return f, apperr.Validation("action must be READ, CREATE, UPDATE or DELETE")
	}
	return f, nil
}
