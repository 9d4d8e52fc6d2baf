package chat

import (
	"cmp"
	"slices"
	"time"
)

// DefaultGroupGap is the silence after which a sender's next event starts a
// new visual group.
const DefaultGroupGap = 5 * time.Minute

// SortEvents orders events for display: by creation time, then by ID so that
// equal timestamps still sort deterministically. Arrival order is never used.
func SortEvents(events []Event) {
	slices.SortFunc(events, func(a, b Event) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Grouped pairs an event with its presentational grouping flag.
type Grouped struct {
	Event
	// StartsGroup is true when the UI should render the sender header and
	// avatar for this event.
	StartsGroup bool
}

// Group derives sender groups over events sorted with SortEvents. An event
// starts a group when it is the first, when the sender changes, when it is a
// system event, or when more than gap has passed since the previous event.
func Group(events []Event, gap time.Duration) []Grouped {
	out := make([]Grouped, len(events))
	for i, ev := range events {
		starts := i == 0
		if !starts {
			prev := events[i-1]
			starts = prev.Sender.ID != ev.Sender.ID ||
				ev.Kind == KindSystem ||
				prev.Kind == KindSystem ||
				ev.CreatedAt.Sub(prev.CreatedAt) > gap
		}
		out[i] = Grouped{Event: ev, StartsGroup: starts}
	}
	return out
}
