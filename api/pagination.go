package api

import (
	"fmt"
	"net/url"
	"strconv"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// Page describes the window returned by a list endpoint.
type Page struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// pageParams reads "limit" and "offset". Missing values take the defaults;
// malformed or negative values are an error. limit is capped at
// maxPageLimit.
func pageParams(q url.Values) (limit, offset int, err error) {
	limit, offset = defaultPageLimit, 0
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
		limit = min(limit, maxPageLimit)
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// slicePage returns the items inside the window. An offset past the end
// yields an empty page.
func slicePage[T any](items []T, limit, offset int) ([]T, Page) {
	start := min(offset, len(items))
	end := min(start+limit, len(items))
	return items[start:end], Page{
		Total:   len(items),
		Limit:   limit,
		Offset:  offset,
		HasMore: end < len(items),
	}
}
