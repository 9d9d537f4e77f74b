// Package clock provides an injectable time source and process-monotonic
// counters. The runtime never calls time.Now directly for anything that ends
// up in a filename or a dedup key, so tests can pin the clock.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns the wall clock.
func System() Clock { return systemClock{} }

// Fixed returns a clock pinned to t.
func Fixed(t time.Time) Clock { return fixedClock{t} }

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

// Counter is a process-monotonic counter. The supervisor owns one and
// threads it into the queue store for unique requeue filenames.
type Counter struct {
	n atomic.Int64
}

// Next returns the next counter value, starting at 1.
func (c *Counter) Next() int64 { return c.n.Add(1) }
