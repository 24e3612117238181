package codelist

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/cohort/internal/platform/auth"
	"github.com/ehr/cohort/pkg/pagination"
)

// Handler provides REST endpoints for codelist reference data.
type Handler struct {
	svc *Service
}

// NewHandler creates a new codelist handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers codelist routes on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/codelists", auth.RequireRole(auth.RoleReader, auth.RoleAuthor))
	g.GET("", h.List)
	g.GET("/:name", h.Get)
}

// List handles GET /api/v1/codelists
func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	lists, total, err := h.svc.List(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	summaries := make([]Summary, 0, len(lists))
	for _, cl := range lists {
		summaries = append(summaries, cl.Summary())
	}
	return c.JSON(http.StatusOK, p.Response(summaries, total, c.Request().URL.Path))
}

// Get handles GET /api/v1/codelists/:name?category=...
func (h *Handler) Get(c echo.Context) error {
	categories := c.QueryParams()["category"]
	cl, err := h.svc.Filter(c.Request().Context(), c.Param("name"), categories)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, cl.Detail())
}
