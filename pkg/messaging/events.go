package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypeItemListed        = "listing.created"
	EventTypeListingUpdated    = "listing.updated"
	EventTypeListingCancelled  = "listing.cancelled"
	EventTypeItemBought        = "listing.bought"
	EventTypeProceedsWithdrawn = "proceeds.withdrawn"
)

// Event is the observable trace of a marketplace state change. Every event
// carries the full item key plus the economically relevant fields so external
// indexers never need to query the stores directly.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	Collection string    `json:"collection,omitempty"`
	TokenID    uint64    `json:"token_id"`
	Seller     string    `json:"seller,omitempty"`
	Buyer      string    `json:"buyer,omitempty"`
	Account    string    `json:"account,omitempty"`
	Price      string    `json:"price,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEvent creates an event of the given type with ID and timestamp filled in.
func NewEvent(eventType string) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// Sink receives marketplace events. Publish is called after the originating
// operation has committed.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}
