package jobqueue

import "time"

// SetClock replaces the queue's time source.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// SetRand replaces the jitter source.
func (q *Queue) SetRand(r func() float64) { q.rand = r }
