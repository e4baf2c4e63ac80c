package bus

import "time"

// Event represents a domain event published on the bus. ChatID is set on
// events scoped to a single conversation so subscribers can ignore pushes
// that target a chat other than the one they are watching.
type Event struct {
	Kind      string
	ChatID    string
	Timestamp time.Time
	Payload   any
}
