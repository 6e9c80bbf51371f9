// Package extractor turns lookup-site HTML into search and detail records.
// Source variants differ only in parsing rules and unit costs; the engine
// drives every variant the same way.
package extractor

import (
	"errors"

	"github.com/timmy/skiptrace/internal/domain"
)

// ErrUnknownMode is returned when no extractor is registered for a mode.
var ErrUnknownMode = errors.New("extractor: unknown mode")

// UnitCosts are the credit prices of one unit of work on a source.
type UnitCosts struct {
	SearchPage domain.Credits
	DetailPage domain.Credits
}

// Of returns the price of unit.
func (c UnitCosts) Of(unit domain.UnitType) domain.Credits {
	if unit == domain.UnitDetailPage {
		return c.DetailPage
	}
	return c.SearchPage
}

// Min returns the cheapest unit price.
func (c UnitCosts) Min() domain.Credits {
	return min(c.SearchPage, c.DetailPage)
}

// Slice is one query variant needed to cover a request, such as one of the
// discrete age buckets a source exposes. The zero Slice means "no slicing".
type Slice struct {
	Key    string
	MinAge int
	MaxAge int
}

// Overlaps reports whether the bucket intersects [lo, hi]. Zero bounds are open.
func (s Slice) Overlaps(lo, hi int) bool {
	if s.Key == "" {
		return true
	}
	if hi > 0 && s.MinAge > hi {
		return false
	}
	if lo > 0 && s.MaxAge < lo {
		return false
	}
	return true
}

// SearchPage is the parsed content of one listing page.
type SearchPage struct {
	Results []domain.SearchResult
	HasNext bool
}

// Extractor is the per-source parsing capability.
type Extractor interface {
	// Name returns the mode key of this source, e.g. "peoplelookup".
	Name() string

	// Costs returns the per-unit prices charged for this source.
	Costs() UnitCosts

	// Slices returns the query variants needed to cover filters.
	// Parameters:
	//   - filters: the task filters; only the age window matters here.
	// Returns:
	//   - []Slice: at least one slice unless no bucket overlaps the window.
	Slices(filters domain.FilterConfig) []Slice

	// SearchURL builds the listing URL for one sub-task, slice and 1-based page.
	SearchURL(sub domain.SubTask, slice Slice, page int) string

	// ParseSearch extracts the listing records of a search page.
	// Parameters:
	//   - body: the raw HTML returned by the proxy.
	// Returns:
	//   - SearchPage: records found and whether a next page exists.
	//   - err: non-nil if the document cannot be parsed.
	ParseSearch(body []byte) (SearchPage, error)

	// ParseDetail parses a detail page and merges it into the listing record.
	// The returned record has Enriched set.
	ParseDetail(body []byte, base domain.SearchResult) (domain.DetailResult, error)
}
