package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EventStore persists the append-only order event log. The write path is the
// EventSink used by the book; the read path exists for external reporting and
// archival only.
type EventStore interface {
	EventSink
	List(ctx context.Context, pair string, opts ListOpts) ([]OrderEvent, error)
	ListBefore(ctx context.Context, before time.Time) ([]OrderEvent, error)
}

// OrderStore persists order snapshots for reporting. The local book remains
// authoritative; snapshots are written on every transition.
type OrderStore interface {
	Upsert(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListByPair(ctx context.Context, pair string, opts ListOpts) ([]Order, error)
}
