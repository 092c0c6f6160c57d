// Package pagination provides cursor-based pagination over ordered listings.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const cursorPrefix = "after:"

// DefaultLimit and MaxLimit bound a page request.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Cursor is a position in an ordered result set: the key of the last item
// already returned.
type Cursor struct {
	After string
}

// Encode returns an opaque cursor pointing just past key.
func Encode(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + key))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	key, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok || key == "" {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{After: key}, nil
}

// ClampLimit maps a requested page size onto [1, MaxLimit], using
// DefaultLimit for non-positive requests.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// ComputePage takes items in key order (at least limit+1 of them when more
// remain), the requested limit, and a function extracting an item's key.
// Returns the trimmed items, next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, key func(T) string) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(key(items[len(items)-1])), true
}
