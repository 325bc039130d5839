package models

import (
	"strconv"
	"strings"
	"time"
)

// SyncCursor is the per-table position up to which remote changes are applied.
type SyncCursor struct {
	TableID   string
	Value     string
	UpdatedAt time.Time
}

// CompareCursor orders two server cursors. Empty sorts first; integer tokens
// compare numerically, RFC 3339 timestamps chronologically and anything else
// lexicographically.
func CompareCursor(a, b string) int {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == b:
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	}

	if ai, err := strconv.ParseInt(a, 10, 64); err == nil {
		if bi, err := strconv.ParseInt(b, 10, 64); err == nil {
			return cmpInt(ai, bi)
		}
	}
	if at, err := time.Parse(time.RFC3339Nano, a); err == nil {
		if bt, err := time.Parse(time.RFC3339Nano, b); err == nil {
			return at.Compare(bt)
		}
	}
	return strings.Compare(a, b)
}

// MaxCursor returns the greatest of the given cursors.
func MaxCursor(values ...string) string {
	var out string
	for _, v := range values {
		if CompareCursor(v, out) > 0 {
			out = v
		}
	}
	return out
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
