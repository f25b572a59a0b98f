package patient

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/auth"
	"github.com/medicosmart/medicosmart/pkg/pagination"
	"github.com/medicosmart/medicosmart/pkg/response"
)

var sortFields = map[string]string{
	"created_at": "p.created_at",
	"last_name":  "p.last_name",
	"first_name": "p.first_name",
	"birth_date": "p.birth_date",
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/patients")
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
}

func (h *Handler) List(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	sort := pagination.SortFromContext(c, sortFields, pagination.Sort{Column: "p.created_at", Desc: true})

	patients, total, err := h.svc.List(c.Request().Context(), actor, ListFilter{
		Search:     c.QueryParam("search"),
		SortColumn: sort.Column,
		SortDesc:   sort.Desc,
		Limit:      p.Limit,
		Offset:     p.Offset(),
	})
	if err != nil {
		return err
	}
	return response.JSON(c, http.StatusOK, map[string]interface{}{
		"patients":   patients,
		"pagination": pagination.NewMeta(p, total),
	})
}

func (h *Handler) Get(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return response.JSON(c, http.StatusOK, map[string]interface{}{"patient": p})
}

func (h *Handler) Create(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("malformed request body")
	}
	p, err := h.svc.Create(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return response.WithMessage(c, http.StatusCreated, map[string]interface{}{"patient": p}, "patient created")
}

func (h *Handler) Update(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("malformed request body")
	}
	p, err := h.svc.Update(c.Request().Context(), actor, id, in)
	if err != nil {
		return err
	}
	return response.WithMessage(c, http.StatusOK, map[string]interface{}{"patient": p}, "patient updated")
}

func (h *Handler) Delete(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), actor, id); err != nil {
		return err
	}
	return response.WithMessage(c, http.StatusOK, nil, "patient deleted")
}

// parseID reports malformed ids as not found so that probing with arbitrary
// values reveals nothing.
func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.NotFound("patient")
	}
	return id, nil
}
