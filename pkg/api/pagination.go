package api

import (
	"net/http"
	"net/url"
	"strconv"
)

const (
	// DefaultPageSize is used when limit is not specified.
	DefaultPageSize = 100
	// MaxPageSize is the upper bound for limit.
	MaxPageSize = 1000
)

// page holds limit/offset pagination parameters.
type page struct {
	Limit  int
	Offset int
}

// parsePage extracts limit and offset from the query string. Invalid
// values fall back to the defaults.
func parsePage(r *http.Request) page {
	q := r.URL.Query()
	p := page{Limit: DefaultPageSize}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		p.Limit = min(n, MaxPageSize)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		p.Offset = n
	}
	return p
}

// paginate returns the slice of items p selects.
func paginate[T any](items []T, p page) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	return items[p.Offset:min(p.Offset+p.Limit, len(items))]
}

// pageURL returns r's URL with limit and offset replaced.
func pageURL(r *http.Request, limit, offset int) string {
	u := url.URL{Path: r.URL.Path}
	q := r.URL.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()
	return u.String()
}

func (p page) links(r *http.Request, count int) (first, previous, next, last *string) {
	s := func(offset int) *string {
		u := pageURL(r, p.Limit, offset)
		return &u
	}
	first = s(0)
	lastOffset := 0
	if count > 0 {
		lastOffset = ((count - 1) / p.Limit) * p.Limit
	}
	last = s(lastOffset)
	if p.Offset > 0 {
		previous = s(max(p.Offset-p.Limit, 0))
	}
	if p.Offset+p.Limit < count {
		next = s(p.Offset + p.Limit)
	}
	return first, previous, next, last
}

// v3Page builds the galaxy v3 list envelope.
func v3Page(r *http.Request, p page, count int, data any) map[string]any {
	first, previous, next, last := p.links(r, count)
	return map[string]any{
		"meta": map[string]any{"count": count},
		"links": map[string]any{
			"first":    first,
			"previous": previous,
			"next":     next,
			"last":     last,
		},
		"data": data,
	}
}

// pulpPage builds the pulp list envelope.
func pulpPage(r *http.Request, p page, count int, results any) map[string]any {
	_, previous, next, _ := p.links(r, count)
	return map[string]any{
		"count":    count,
		"previous": previous,
		"next":     next,
		"results":  results,
	}
}
