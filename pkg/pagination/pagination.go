package pagination

import (
	"fmt"
	"strconv"

	"callrelay-backend/pkg/constants"
)

// Params represents limit/offset query parameters
type Params struct {
	Limit  int
	Offset int
}

// Page is the envelope for one page of results
type Page[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	// HasMore is set when the page came back full
	HasMore bool `json:"has_more"`
}

// Parse parses limit and offset from their query strings. An empty limit
// means DefaultPageSize; larger limits are clamped to MaxPageSize.
func Parse(limitStr, offsetStr string) (Params, error) {
	p := Params{Limit: constants.DefaultPageSize}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid limit parameter: %w", err)
		}
		p.Limit = Clamp(l)
	}

	if offsetStr != "" {
		o, err := strconv.Atoi(offsetStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid offset parameter: %w", err)
		}
		if o < 0 {
			return Params{}, fmt.Errorf("offset must not be negative")
		}
		p.Offset = o
	}

	return p, nil
}

// Clamp bounds limit to [1, MaxPageSize], using DefaultPageSize for
// non-positive values.
func Clamp(limit int) int {
	switch {
	case limit <= 0:
		return constants.DefaultPageSize
	case limit > constants.MaxPageSize:
		return constants.MaxPageSize
	default:
		return limit
	}
}

// NewPage wraps items fetched with p
func NewPage[T any](items []T, p Params) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Items:   items,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: len(items) == p.Limit,
	}
}
