package scheduler

import "time"

// nowNanos is the default clock source, overridable in tests via New's now
// parameter.
func nowNanos() int64 {
	return time.Now().UnixNano()
}
