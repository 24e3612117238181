package pagination

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext(t *testing.T) {
	tests := []struct {
		query string
		want  Params
	}{
		{"", Params{Limit: DefaultLimit, Offset: 0}},
		{"?limit=50&offset=10", Params{Limit: 50, Offset: 10}},
		{"?limit=500", Params{Limit: MaxLimit, Offset: 0}},
		{"?limit=0", Params{Limit: DefaultLimit, Offset: 0}},
		{"?limit=abc&offset=xyz", Params{Limit: DefaultLimit, Offset: 0}},
		{"?offset=-5", Params{Limit: DefaultLimit, Offset: 0}},
	}
	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			c := e.NewContext(req, httptest.NewRecorder())
			if got := FromContext(c); got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestParams_Response(t *testing.T) {
	data := []string{"a", "b", "c"}

	r := Params{Limit: 3, Offset: 0}.Response(data, 10, "")
	if r.Total != 10 || r.Limit != 3 || r.Offset != 0 {
		t.Errorf("unexpected page %+v", r)
	}
	if !r.HasMore {
		t.Error("expected has_more when offset+limit < total")
	}
	if r.Links != nil {
		t.Errorf("expected no links without a base path, got %v", r.Links)
	}

	if r := (Params{Limit: 3, Offset: 0}).Response(data, 3, ""); r.HasMore {
		t.Error("expected has_more to be false on the last page")
	}
}

func TestParams_ResponseLinks(t *testing.T) {
	const base = "/api/v1/codelists"
	tests := []struct {
		name   string
		params Params
		total  int
		want   []Link
	}{
		{
			name:   "first page",
			params: Params{Limit: 10, Offset: 0},
			total:  25,
			want: []Link{
				{Relation: "self", URL: base + "?limit=10&offset=0"},
				{Relation: "next", URL: base + "?limit=10&offset=10"},
			},
		},
		{
			name:   "middle page",
			params: Params{Limit: 10, Offset: 10},
			total:  25,
			want: []Link{
				{Relation: "self", URL: base + "?limit=10&offset=10"},
				{Relation: "next", URL: base + "?limit=10&offset=20"},
				{Relation: "previous", URL: base + "?limit=10&offset=0"},
			},
		},
		{
			name:   "last page",
			params: Params{Limit: 10, Offset: 20},
			total:  25,
			want: []Link{
				{Relation: "self", URL: base + "?limit=10&offset=20"},
				{Relation: "previous", URL: base + "?limit=10&offset=10"},
			},
		},
		{
			name:   "previous clamps to zero",
			params: Params{Limit: 10, Offset: 5},
			total:  8,
			want: []Link{
				{Relation: "self", URL: base + "?limit=10&offset=5"},
				{Relation: "previous", URL: base + "?limit=10&offset=0"},
			},
		},
		{
			name:   "no results",
			params: Params{Limit: 10, Offset: 0},
			total:  0,
			want:   []Link{{Relation: "self", URL: base + "?limit=10&offset=0"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.params.Response(nil, tt.total, base).Links
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected links %+v, got %+v", tt.want, got)
			}
		})
	}
}
