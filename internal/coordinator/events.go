package coordinator

import (
	"fmt"
	"time"
)

// EventType classifies coordinator events.
type EventType int

const (
	// EventUpdated follows every successful cycle.
	EventUpdated EventType = iota
	// EventAvailable marks a device becoming available.
	EventAvailable
	// EventUnavailable marks a device exhausting its retry budget.
	EventUnavailable
)

func (t EventType) String() string {
	switch t {
	case EventUpdated:
		return "updated"
	case EventAvailable:
		return "available"
	case EventUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is a device state change.
type Event struct {
	Type     EventType
	DeviceID string
	At       time.Time
	Err      error // the failure that made a device unavailable
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.DeviceID, e.Type, e.Err)
	}
	return fmt.Sprintf("%s %s", e.DeviceID, e.Type)
}

func (c *Coordinator) emit(ev Event) {
	if _, err := c.events.EnqueueM(ev); err != nil {
		c.logger.WithField("error", err).Warn("Failed to record coordinator event")
	}
}

// DrainEvents returns and removes all buffered events, oldest first.
func (c *Coordinator) DrainEvents() []Event {
	var out []Event
	for !c.events.IsEmpty() {
		ev, err := c.events.Dequeue()
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}
