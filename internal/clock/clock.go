// Package clock lets code that schedules work accept an injectable time
// source. Production code uses Real; tests use Fake and advance it explicitly.
package clock

import "time"

type Clock interface {
	Now() time.Time
	// After returns a channel that receives the current time once d has
	// elapsed.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
