package projecttree

import "time"

// SetTimeNow overrides the clock and returns a restore function.
func SetTimeNow(fn func() time.Time) func() {
	prev := timeNow
	timeNow = fn
	return func() { timeNow = prev }
}
