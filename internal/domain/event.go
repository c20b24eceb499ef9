package domain

import (
	"context"
	"time"
)

// EventType labels an order lifecycle event.
type EventType string

const (
	EventActivated EventType = "activated"
	EventTriggered EventType = "triggered"
	EventFill      EventType = "fill"
	EventCanceled  EventType = "canceled"
	EventRejected  EventType = "rejected"
)

// OrderEvent is one append-only entry in the audit trail. Events are never
// mutated or deleted; the full history of an order is the ordered sequence of
// its events.
type OrderEvent struct {
	OrderID      string
	Pair         string
	Type         EventType
	Status       OrderStatus // status the order ended up in after this event
	FillQuantity float64     // fill delta, zero for non-fill events
	FillPrice    float64
	Reason       string
	Timestamp    time.Time
}

// EventSink receives every order event for audit. Implementations are
// append-only and out-of-band; the engine never reads events back through
// this interface.
type EventSink interface {
	Append(ctx context.Context, evt OrderEvent) error
}
