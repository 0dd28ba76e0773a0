package store

import "time"

// Normalize returns t in UTC truncated to microseconds, the precision every
// backend stores. All timestamps are normalized before they are written or
// compared so lexical ordering in SQLite matches time ordering.
func Normalize(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}
