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

// Params holds paging parameters extracted from a FHIR search request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads _count and _offset from the query string.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("_count"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset, _ := strconv.Atoi(c.QueryParam("_offset"))
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// PreviousOffset never goes below zero.
func (p Params) PreviousOffset() int {
	if prev := p.Offset - p.Limit; prev > 0 {
		return prev
	}
	return 0
}

// Link is a single Bundle.link entry.
type Link struct {
	Relation string
	URL      string
}

// Links builds self/next/previous links for a searchset. Search filters are
// carried into every link so paging keeps the same result set.
func (p Params) Links(basePath string, filters url.Values, total int) []Link {
	build := func(offset int) string {
		q := url.Values{}
		for k, vs := range filters {
			q[k] = append([]string(nil), vs...)
		}
		q.Set("_offset", strconv.Itoa(offset))
		q.Set("_count", strconv.Itoa(p.Limit))
		return basePath + "?" + q.Encode()
	}

	links := []Link{{Relation: "self", URL: build(p.Offset)}}
	if p.HasNext(total) {
		links = append(links, Link{Relation: "next", URL: build(p.Offset + p.Limit)})
	}
	if p.HasPrevious() {
		links = append(links, Link{Relation: "previous", URL: build(p.PreviousOffset())})
	}
	return links
}
