// Package pagination provides utilities for paging mailbox lists in chat commands.
// It parses the optional size argument of list commands, clamps it to the bounds a
// chat message can comfortably hold, and derives the short keys under which page
// cursors are stored. The package includes configurable defaults through options.
package pagination

import (
	"strconv"
	"strings"
	"time"
)

// Params represents pagination parameters extracted from a command argument.
// It contains the number of messages per page and any text left over.
type Params struct {
	Limit int64  // Number of messages per page
	Query string // Remaining argument text after the size was consumed
}

const (
	// MaxLimit is the maximum number of messages allowed per page
	MaxLimit int64 = 20
	// DefaultLimit is the default number of messages per page when not specified
	DefaultLimit int64 = 10
)

// PaginationOption is a function type for configuring pagination parameters.
// It follows the functional options pattern for flexible configuration.
type PaginationOption func(*Params)

// WithDefaultLimit returns a PaginationOption that sets the default limit.
// The limit is only applied if it's greater than 0.
func WithDefaultLimit(limit int64) PaginationOption {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// ParseListArgs extracts pagination parameters from a command argument string.
// A leading positive integer sets the page size; everything after it is kept as
// the query. The maximum limit is always enforced.
func ParseListArgs(args string, opts ...PaginationOption) *Params {
	params := &Params{Limit: DefaultLimit}

	for _, opt := range opts {
		opt(params)
	}

	fields := strings.Fields(args)
	if len(fields) > 0 {
		if val, err := strconv.ParseInt(fields[0], 10, 64); err == nil && val > 0 {
			params.Limit = val
			fields = fields[1:]
		}
	}
	params.Query = strings.Join(fields, " ")

	// enforce max limit
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}

	return params
}

// Clamp bounds a stored limit the same way ParseListArgs does, falling back
// to fallback when the stored value is unusable.
func Clamp(limit, fallback int64) int64 {
	if limit <= 0 {
		limit = fallback
	}
	return min(limit, MaxLimit)
}

// CursorKey derives a compact key identifying a page cursor stored at now.
// Keys are base36 milliseconds, short enough to fit a callback payload.
func CursorKey(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 36)
}

// HasNext reports whether the provider continuation token points at another page.
func HasNext(nextPageToken string) bool {
	return strings.TrimSpace(nextPageToken) != ""
}
