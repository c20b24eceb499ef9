package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alcyone-trading/execbot/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. Rows are
// insert-only; nothing updates or deletes them.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts one order event.
func (s *EventStore) Append(ctx context.Context, evt domain.OrderEvent) error {
	const query = `
		INSERT INTO order_events (
			order_id, pair, event_type, status,
			fill_quantity, fill_price, reason, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, query,
		evt.OrderID, evt.Pair, string(evt.Type), string(evt.Status),
		evt.FillQuantity, evt.FillPrice, evt.Reason, evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event for %s: %w", evt.OrderID, err)
	}
	return nil
}

const eventSelectCols = `order_id, pair, event_type, status,
	fill_quantity, fill_price, reason, occurred_at`

func scanEvent(row pgx.Row) (domain.OrderEvent, error) {
	var evt domain.OrderEvent
	var typ, status string
	if err := row.Scan(
		&evt.OrderID, &evt.Pair, &typ, &status,
		&evt.FillQuantity, &evt.FillPrice, &evt.Reason, &evt.Timestamp,
	); err != nil {
		return domain.OrderEvent{}, err
	}
	evt.Type = domain.EventType(typ)
	evt.Status = domain.OrderStatus(status)
	return evt, nil
}

// List returns events for external reporting, oldest first, optionally
// filtered by pair and time range.
func (s *EventStore) List(ctx context.Context, pair string, opts domain.ListOpts) ([]domain.OrderEvent, error) {
	query := `SELECT ` + eventSelectCols + ` FROM order_events WHERE 1=1`
	args := []any{}
	argIdx := 1

	if pair != "" {
		query += fmt.Sprintf(" AND pair = $%d", argIdx)
		args = append(args, pair)
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND occurred_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY occurred_at ASC, id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var events []domain.OrderEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate events: %w", err)
	}
	return events, nil
}

// ListBefore returns all events that occurred strictly before the cutoff,
// the read path used by the archiver.
func (s *EventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.OrderEvent, error) {
	query := `SELECT ` + eventSelectCols + ` FROM order_events
		WHERE occurred_at < $1 ORDER BY occurred_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events before %s: %w", before, err)
	}
	defer rows.Close()

	var events []domain.OrderEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate events: %w", err)
	}
	return events, nil
}

// Compile-time interface check.
var _ domain.EventStore = (*EventStore)(nil)
