package domain

import "github.com/jonboulle/clockwork"

// clock is a package-level time source so tests can freeze query id allocation via SetClock.
var clock = clockwork.NewRealClock()

// SetClock swaps the time source used for query ids. Pass nil to reset to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}

// queryIDLayout gives second resolution; submissions are user actions, not a high-frequency stream.
const queryIDLayout = "20060102150405"

// NewQueryID allocates a time-ordered query identifier from the current clock.
func NewQueryID() string {
	return clock.Now().UTC().Format(queryIDLayout)
}
