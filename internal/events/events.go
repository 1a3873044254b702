// Package events publishes expense change notifications to a message broker.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event types.
const (
	ExpenseCreated = "expense.created"
	ExpenseUpdated = "expense.updated"
	ExpenseDeleted = "expense.deleted"
)

// Event is a lightweight change notification. Consumers that need the full
// row fetch it from the store.
type Event struct {
	Type      string    `json:"type"`
	ExpenseID int64     `json:"expense_id"`
	UserID    string    `json:"user_id"`
	Version   int64     `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates an event stamped with the current time.
func New(eventType string, expenseID int64, userID string, version int64) Event {
	return Event{
		Type:      eventType,
		ExpenseID: expenseID,
		UserID:    userID,
		Version:   version,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON converts the event to JSON bytes
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event. It is used when no broker is configured.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
