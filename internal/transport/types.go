package transport

import "context"

// Priority maps onto ntfy's 1..5 scale; other adapters may ignore it.
type Priority int

const (
	PriorityMin     Priority = 1
	PriorityLow     Priority = 2
	PriorityDefault Priority = 3
	PriorityHigh    Priority = 4
	PriorityUrgent  Priority = 5
)

func (p Priority) String() string {
	switch {
	case p == 0:
		return "default"
	case p <= PriorityMin:
		return "min"
	case p == PriorityLow:
		return "low"
	case p == PriorityHigh:
		return "high"
	case p >= PriorityUrgent:
		return "urgent"
	default:
		return "default"
	}
}

// ParsePriority accepts ntfy names ("high") or digits ("4"). Unknown values
// map to PriorityDefault.
func ParsePriority(s string) Priority {
	switch s {
	case "1", "min":
		return PriorityMin
	case "2", "low":
		return PriorityLow
	case "4", "high":
		return PriorityHigh
	case "5", "urgent", "max":
		return PriorityUrgent
	default:
		return PriorityDefault
	}
}

// Message is a human-readable push notification.
type Message struct {
	Title    string
	Body     string
	Priority Priority
	Tags     []string
	Click    string // optional URL opened when the notification is tapped

	// DedupKey identifies the event behind the message. Messages with
	// different keys are never collapsed even when their text matches.
	// Empty means dedup by content.
	DedupKey string
}

// Adapter delivers messages to one external channel.
type Adapter interface {
	Name() string
	Send(ctx context.Context, m Message) error
}
