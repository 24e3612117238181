// Package pagination reads limit/offset query parameters and shapes paginated
// listings.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Missing or invalid values fall back
// to DefaultLimit and 0; the limit is clamped to MaxLimit.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// Link is a navigation link to another page of the same listing.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// Response is one page of a listing.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Links   []Link      `json:"links,omitempty"`
}

// Response wraps data as the page selected by p. When basePath is set the
// page carries self, next and previous links.
func (p Params) Response(data interface{}, total int, basePath string) *Response {
	r := &Response{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.Offset+p.Limit < total,
	}
	if basePath == "" {
		return r
	}

	r.Links = append(r.Links, Link{Relation: "self", URL: p.url(basePath, p.Offset)})
	if r.HasMore {
		r.Links = append(r.Links, Link{Relation: "next", URL: p.url(basePath, p.Offset+p.Limit)})
	}
	if p.Offset > 0 {
		r.Links = append(r.Links, Link{Relation: "previous", URL: p.url(basePath, max(0, p.Offset-p.Limit))})
	}
	return r
}

func (p Params) url(basePath string, offset int) string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(p.Limit))
	q.Set("offset", strconv.Itoa(offset))
	return basePath + "?" + q.Encode()
}
