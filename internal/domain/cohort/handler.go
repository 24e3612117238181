package cohort

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/cohort/internal/platform/auth"
)

// Handler exposes the loaded specification and a validation endpoint.
type Handler struct {
	spec      *Spec
	codelists CodelistLookup
}

// NewHandler creates a handler serving spec. codelists resolves references
// in documents submitted for validation.
func NewHandler(spec *Spec, codelists CodelistLookup) *Handler {
	return &Handler{spec: spec, codelists: codelists}
}

// RegisterRoutes registers specification routes on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleReader, auth.RoleAuthor))
	readGroup.GET("/spec", h.GetSpec)
	readGroup.GET("/spec/variables", h.ListVariables)

	api.POST("/specs/validate", h.Validate, auth.RequireRole(auth.RoleAuthor))
}

// VariableSummary describes one variable of a loaded specification.
type VariableSummary struct {
	Name       string     `json:"name"`
	Source     SourceKind `json:"source"`
	Returning  Returning  `json:"returning"`
	OutputType OutputType `json:"output_type"`
	Selection  Selection  `json:"selection"`
	Window     string     `json:"window,omitempty"`
	DateFormat string     `json:"date_format,omitempty"`
	Codelist   string     `json:"codelist,omitempty"`
	Hidden     bool       `json:"hidden,omitempty"`
	Parent     string     `json:"parent,omitempty"`
}

// Summarize describes v for listings.
func Summarize(v Variable) VariableSummary {
	s := VariableSummary{
		Name:       v.Name,
		Source:     v.Source.Kind,
		Returning:  v.Returning,
		OutputType: v.OutputType(),
		Selection:  v.Selection,
		DateFormat: v.DateFormat,
		Codelist:   v.Source.Codelist,
		Hidden:     v.Hidden,
		Parent:     v.Parent,
	}
	if v.Window.Kind != WindowNone {
		s.Window = v.Window.String()
	}
	return s
}

// ValidationResult is the body returned by the validation endpoint.
type ValidationResult struct {
	Valid    bool      `json:"valid"`
	Columns  []string  `json:"columns,omitempty"`
	Problems []Problem `json:"problems,omitempty"`
}

// Validate handles POST /api/v1/specs/validate. The body is a YAML or JSON
// document chosen by Content-Type.
func (h *Handler) Validate(c echo.Context) error {
	req := c.Request()
	var (
		doc Document
		err error
	)
	if isYAML(req.Header.Get(echo.HeaderContentType)) {
		doc, err = DecodeYAML(req.Body)
	} else {
		doc, err = DecodeJSON(req.Body)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	spec, err := Load(doc, h.codelists)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusUnprocessableEntity, ValidationResult{Problems: verr.Problems})
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, ValidationResult{Valid: true, Columns: spec.ColumnNames()})
}

// GetSpec handles GET /api/v1/spec
func (h *Handler) GetSpec(c echo.Context) error {
	if h.spec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no specification loaded")
	}
	return c.JSON(http.StatusOK, h.spec.Document())
}

// ListVariables handles GET /api/v1/spec/variables?hidden=true
func (h *Handler) ListVariables(c echo.Context) error {
	if h.spec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no specification loaded")
	}
	withHidden := c.QueryParam("hidden") == "true"
	out := make([]VariableSummary, 0)
	for _, v := range h.spec.Variables() {
		if v.Hidden && !withHidden {
			continue
		}
		out = append(out, Summarize(v))
	}
	return c.JSON(http.StatusOK, out)
}

func isYAML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "yaml")
}
