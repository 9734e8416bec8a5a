// Package epoch provides the single timestamp type threaded through every
// entity and merge comparison. Values are integer milliseconds since the Unix
// epoch; client-supplied timestamps are carried as-is and only ever compared
// against other Millis values, never against a wall clock of mixed provenance.
package epoch

import "time"

type Millis int64

func Now() Millis {
	return Millis(time.Now().UnixMilli())
}

func (m Millis) Time() time.Time {
	return time.UnixMilli(int64(m))
}

// After reports whether m is strictly later than other.
func (m Millis) After(other Millis) bool {
	return m > other
}
