// Package listutil parses list query parameters shared by the JSON handlers.
package listutil

import (
	"net/url"
	"strconv"
)

// DefaultLimit is applied when the request does not name a limit.
const DefaultLimit = 20

// MaxLimit bounds any requested limit.
const MaxLimit = 200

// ParseLimit extracts "limit" from URL query values.
// PRE: none
// POST: returns a value in [1, MaxLimit]; DefaultLimit for missing or invalid input
func ParseLimit(q url.Values) int {
	n, err := strconv.Atoi(q.Get("limit"))
	if err != nil || n < 1 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// ParseInt reads an integer query value within [min, max].
// PRE: min <= max
// POST: ok is false when the value is missing, malformed or out of range
func ParseInt(q url.Values, key string, min, max int) (int, bool) {
	raw := q.Get(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return 0, false
	}
	return n, true
}
