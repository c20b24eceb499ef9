// Package book implements the local order book: every order's lifecycle state
// machine and the append-only event history behind it.
package book

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alcyone-trading/execbot/internal/domain"
)

// qtyEpsilon absorbs float rounding when comparing cumulative fill quantity
// against the requested quantity.
const qtyEpsilon = 1e-9

// transitions lists the legal order status moves. Anything not listed is an
// invalid transition.
var transitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending: {domain.OrderStatusOpen, domain.OrderStatusRejected},
	domain.OrderStatusOpen: {
		domain.OrderStatusPartiallyFilled,
		domain.OrderStatusFilled,
		domain.OrderStatusCanceled,
	},
	domain.OrderStatusPartiallyFilled: {
		domain.OrderStatusPartiallyFilled,
		domain.OrderStatusFilled,
		domain.OrderStatusCanceled,
	},
}

// Book tracks orders and their immutable event history. All status
// transitions for a given order are serialized by the book mutex, so a cancel
// can never race a fill for the same order ID.
type Book struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
	events []domain.OrderEvent
	seq    int64
	sink   domain.EventSink
	logger *slog.Logger
}

// New creates an empty Book. sink may be nil; when set, every recorded event
// is forwarded to it for audit.
func New(sink domain.EventSink, logger *slog.Logger) *Book {
	return &Book{
		orders: make(map[string]*domain.Order),
		sink:   sink,
		logger: logger.With(slog.String("component", "book")),
	}
}

// Place registers a new order in PENDING status. No event is recorded yet:
// PENDING is transient, and the first audit event is the activation or
// rejection that resolves it. This keeps rejected submissions at exactly one
// event.
func (b *Book) Place(req domain.OrderRequest) domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	now := time.Now().UTC()
	o := &domain.Order{
		ID:         uuid.NewString(),
		Seq:        b.seq,
		Pair:       req.Pair,
		Side:       req.Side,
		Type:       req.Type,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		Status:     domain.OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	b.orders[o.ID] = o
	return *o
}

// AssignExchangeID records the remote venue's order ID after a live
// confirmation. It is not a status transition and records no event.
func (b *Book) AssignExchangeID(id, exchangeOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, err := b.get(id)
	if err != nil {
		return err
	}
	o.ExchangeOrderID = exchangeOrderID
	return nil
}

// Activate moves a PENDING order to OPEN once validation passed and its
// reservation is secured.
func (b *Book) Activate(ctx context.Context, id string) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, err := b.get(id)
	if err != nil {
		return domain.Order{}, err
	}
	if err := b.transition(o, domain.OrderStatusOpen); err != nil {
		return *o, err
	}
	b.record(ctx, o, domain.EventActivated, 0, 0, "")
	return *o, nil
}

// Reject moves a PENDING order to REJECTED. Rejection is a normal terminal
// outcome, so it still produces exactly one event for audit.
func (b *Book) Reject(ctx context.Context, id, reason string) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, err := b.get(id)
	if err != nil {
		return domain.Order{}, err
	}
	if err := b.transition(o, domain.OrderStatusRejected); err != nil {
		return *o, err
	}
	o.Reason = reason
	b.record(ctx, o, domain.EventRejected, 0, 0, reason)
	return *o, nil
}

// Trigger arms a dormant stop-limit order whose stop price has been crossed.
// The status stays OPEN; only the matchability changes.
func (b *Book) Trigger(ctx context.Context, id string) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, err := b.get(id)
	if err != nil {
		return domain.Order{}, err
	}
	if o.Type != domain.OrderTypeStopLimit || o.Triggered || o.Status != domain.OrderStatusOpen {
		return *o, fmt.Errorf("book: trigger order %s (type %s, status %s): %w",
			id, o.Type, o.Status, domain.ErrInvalidTransition)
	}
	o.Triggered = true
	o.UpdatedAt = time.Now().UTC()
	b.record(ctx, o, domain.EventTriggered, 0, 0, "")
	return *o, nil
}

// RecordFill applies a fill delta to an order and advances its status to
// PARTIALLY_FILLED or FILLED based on the cumulative filled quantity.
func (b *Book) RecordFill(ctx context.Context, id string, quantity, price float64) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, err := b.get(id)
	if err != nil {
		return domain.Order{}, err
	}

	cum := o.FilledQuantity + quantity
	if cum > o.Quantity+qtyEpsilon {
		return *o, fmt.Errorf("book: fill %s overflows requested quantity (%.8f > %.8f): %w",
			id, cum, o.Quantity, domain.ErrInvalidTransition)
	}

	next := domain.OrderStatusPartiallyFilled
	if cum >= o.Quantity-qtyEpsilon {
		next = domain.OrderStatusFilled
	}
	if err := b.transition(o, next); err != nil {
		return *o, err
	}

	o.AvgFillPrice = (o.FilledQuantity*o.AvgFillPrice + quantity*price) / cum
	o.FilledQuantity = cum
	b.record(ctx, o, domain.EventFill, quantity, price, "")
	return *o, nil
}

// Cancel moves an order to CANCELED. Canceling a terminal (or still PENDING)
// order fails with domain.ErrOrderNotCancelable; the status check happens
// under the same lock fills use, so cancel cannot race a fill.
func (b *Book) Cancel(ctx context.Context, id string) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, err := b.get(id)
	if err != nil {
		return domain.Order{}, err
	}
	if o.Status != domain.OrderStatusOpen && o.Status != domain.OrderStatusPartiallyFilled {
		return *o, fmt.Errorf("book: cancel order %s in status %s: %w",
			id, o.Status, domain.ErrOrderNotCancelable)
	}
	if err := b.transition(o, domain.OrderStatusCanceled); err != nil {
		return *o, err
	}
	b.record(ctx, o, domain.EventCanceled, 0, 0, "")
	return *o, nil
}

// Get returns a snapshot of an order.
func (b *Book) Get(id string) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, err := b.get(id)
	if err != nil {
		return domain.Order{}, err
	}
	return *o, nil
}

// Open returns the resting orders for a pair (OPEN or PARTIALLY_FILLED) in
// ascending submission order, the tie-break used on each price tick.
func (b *Book) Open(pair string) []domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.Order
	for _, o := range b.orders {
		if o.Pair != pair {
			continue
		}
		if o.Status == domain.OrderStatusOpen || o.Status == domain.OrderStatusPartiallyFilled {
			out = append(out, *o)
		}
	}
	slices.SortFunc(out, func(a, c domain.Order) int {
		return int(a.Seq - c.Seq)
	})
	return out
}

// History returns a lazy, restartable sequence of order events, optionally
// filtered by pair and a since timestamp (zero values disable the filters).
// Each iteration reads a fresh snapshot of the event log.
func (b *Book) History(pair string, since time.Time) iter.Seq[domain.OrderEvent] {
	return func(yield func(domain.OrderEvent) bool) {
		b.mu.Lock()
		events := slices.Clone(b.events)
		b.mu.Unlock()

		for _, evt := range events {
			if pair != "" && evt.Pair != pair {
				continue
			}
			if !since.IsZero() && evt.Timestamp.Before(since) {
				continue
			}
			if !yield(evt) {
				return
			}
		}
	}
}

// get looks up an order. Callers must hold b.mu.
func (b *Book) get(id string) (*domain.Order, error) {
	o, ok := b.orders[id]
	if !ok {
		return nil, fmt.Errorf("book: order %s: %w", id, domain.ErrNotFound)
	}
	return o, nil
}

// transition validates and applies a status change. Callers must hold b.mu.
func (b *Book) transition(o *domain.Order, to domain.OrderStatus) error {
	if !slices.Contains(transitions[o.Status], to) {
		return fmt.Errorf("book: order %s transition %s -> %s: %w",
			o.ID, o.Status, to, domain.ErrInvalidTransition)
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// record appends an event to the history and forwards it to the sink.
// Sink failures are logged and never block the trading path. Callers must
// hold b.mu.
func (b *Book) record(ctx context.Context, o *domain.Order, typ domain.EventType, qty, price float64, reason string) {
	evt := domain.OrderEvent{
		OrderID:      o.ID,
		Pair:         o.Pair,
		Type:         typ,
		Status:       o.Status,
		FillQuantity: qty,
		FillPrice:    price,
		Reason:       reason,
		Timestamp:    o.UpdatedAt,
	}
	b.events = append(b.events, evt)

	if b.sink != nil {
		if err := b.sink.Append(ctx, evt); err != nil {
			b.logger.WarnContext(ctx, "event sink append failed",
				slog.String("order_id", o.ID),
				slog.String("event", string(typ)),
				slog.String("error", err.Error()),
			)
		}
	}
}
