package prescription

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/labstack/echo/v4"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/auth"
	"github.com/medicosmart/medicosmart/pkg/pagination"
	"github.com/medicosmart/medicosmart/pkg/response"
)

var sortFields = map[string]string{
	"created_at": "rx.created_at",
	"updated_at": "rx.updated_at",
	"signed_at":  "rx.signed_at",
	"status":     "rx.status",
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/prescriptions")
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/sign", h.Sign)
	g.POST("/:id/print", h.Print)
	g.POST("/:id/cancel", h.Cancel)
	g.POST("/:id/send", h.Send)
	g.GET("/:id/download", h.Download)
}

func (h *Handler) List(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	f, err := listFilterFromQuery(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	sort := pagination.SortFromContext(c, sortFields, pagination.Sort{Column: "rx.created_at", Desc: true})
	f.SortColumn, f.SortDesc = sort.Column, sort.Desc
	f.Limit, f.Offset = p.Limit, p.Offset()

	items, total, err := h.svc.List(c.Request().Context(), actor, f)
	if err != nil {
		return err
	}
	return response.JSON(c, http.StatusOK, map[string]interface{}{
		"prescriptions": items,
		"pagination":    pagination.NewMeta(p, total),
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
	rx, err := h.svc.Get(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return response.JSON(c, http.StatusOK, map[string]interface{}{"prescription": rx})
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
	rx, err := h.svc.Create(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return response.WithMessage(c, http.StatusCreated, map[string]interface{}{"prescription": rx}, "prescription created")
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
	return response.WithMessage(c, http.StatusOK, nil, "prescription deleted")
}

func (h *Handler) Sign(c echo.Context) error {
	return h.transition(c, h.svc.Sign, "prescription signed")
}

func (h *Handler) Print(c echo.Context) error {
	return h.transition(c, h.svc.Print, "prescription marked as printed")
}

func (h *Handler) Cancel(c echo.Context) error {
	return h.transition(c, h.svc.Cancel, "prescription cancelled")
}

type transitionFunc func(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Prescription, error)

func (h *Handler) transition(c echo.Context, fn transitionFunc, msg string) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rx, err := fn(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return response.WithMessage(c, http.StatusOK, map[string]interface{}{"prescription": rx}, msg)
}

func (h *Handler) Send(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in SendInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("malformed request body")
	}
	rx, comm, err := h.svc.Send(c.Request().Context(), actor, id, in)
	if err != nil {
		return err
	}
	return response.WithMessage(c, http.StatusOK, map[string]interface{}{
		"prescription":  rx,
		"communication": comm,
	}, "prescription sent")
}

func (h *Handler) Download(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	doc, err := h.svc.Download(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	header := c.Response().Header()
	header.Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", doc.FileName))
	header.Set("X-Content-SHA256", doc.Hash)
	header.Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, "application/pdf", doc.Data)
}

func listFilterFromQuery(c echo.Context) (ListFilter, error) {
	var f ListFilter
	var errs errsx.Map
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			errs.Set("patient_id", "must be a valid id")
		} else {
			f.PatientID = &id
		}
	}
	if v := c.QueryParam("status"); v != "" {
		st, ok := ParseStatus(v)
		if !ok {
			errs.Set("status", "is not a known status")
		}
		f.Status = st
	}
	if v := c.QueryParam("start_date"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			errs.Set("start_date", "must be a date in YYYY-MM-DD format")
		} else {
			f.From = &t
		}
	}
	if v := c.QueryParam("end_date"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			errs.Set("end_date", "must be a date in YYYY-MM-DD format")
		} else {
			// end_date is inclusive.
			t = t.AddDate(0, 0, 1)
			f.To = &t
		}
	}
	if !errs.IsEmpty() {
		return ListFilter{}, apperr.ValidationFields(errs.AsError())
	}
	return f, nil
}

// parseID reports malformed ids as not found.
func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.NotFound("prescription")
	}
	return id, nil
}
