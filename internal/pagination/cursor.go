// Package pagination encodes opaque cursors for sequence-ordered listings.
// A cursor names the last sequence a client has seen; the next page
// starts immediately after it.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

const prefix = "seq:"

// Encode returns the cursor for a page ending at seq.
func Encode(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(prefix + strconv.FormatInt(seq, 10)))
}

// Decode returns the sequence a cursor ends at. An empty cursor decodes
// to 0, the position before the first entry.
func Decode(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	s, ok := strings.CutPrefix(string(raw), prefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seq < 0 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}

// Page trims items fetched with limit+1 to limit and returns the cursor
// for the next page, or "" when there is none.
func Page[T any](items []T, limit int, seqOf func(T) int64) ([]T, string) {
	if limit <= 0 || len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	return items, Encode(seqOf(items[len(items)-1]))
}
