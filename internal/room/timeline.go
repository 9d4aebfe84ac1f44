package room

import "time"

const (
	// timelineCapacity is the maximum number of retained events per room.
	timelineCapacity = 50

	// timelineBroadcast is how many recent events ride along in every
	// state_update.
	timelineBroadcast = 20
)

// Event is one entry in a room's activity timeline.
type Event struct {
	Time   string `json:"time"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

// timeline is a bounded ring of events. Oldest entries are dropped once the
// capacity is reached. Not safe for concurrent use on its own; callers hold
// the room lock.
type timeline struct {
	events []Event
}

func newTimeline() *timeline {
	return &timeline{events: make([]Event, 0, timelineCapacity)}
}

// append records an event, evicting the oldest entry when full.
func (t *timeline) append(now time.Time, source, text string) {
	e := Event{
		Time:   now.Format("15:04:05"),
		Source: source,
		Text:   text,
	}
	if len(t.events) >= timelineCapacity {
		copy(t.events, t.events[1:])
		t.events[len(t.events)-1] = e
		return
	}
	t.events = append(t.events, e)
}

// recent returns a copy of the newest n events, oldest first.
func (t *timeline) recent(n int) []Event {
	start := len(t.events) - n
	if start < 0 {
		start = 0
	}
	out := make([]Event, len(t.events)-start)
	copy(out, t.events[start:])
	return out
}
