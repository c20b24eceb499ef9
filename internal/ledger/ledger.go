// Package ledger implements the portfolio ledger: per-asset balances, open
// positions, and the reservation mechanism that prevents concurrent order
// submissions from overspending a balance.
package ledger

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alcyone-trading/execbot/internal/domain"
)

// reservation is a hold on an asset balance. Each reservation is released or
// settled exactly once; closed tracks that.
type reservation struct {
	asset  string
	amount float64
	closed bool
}

// Ledger owns all balance and position state for one portfolio. Every
// mutation runs under a single mutex, making the ledger the serialization
// point for concurrent order submissions.
type Ledger struct {
	mu           sync.Mutex
	balances     map[string]*domain.Balance
	positions    map[string]*domain.Position
	reservations map[string]*reservation
	logger       *slog.Logger
}

// New creates an empty Ledger. Fund it with Deposit before trading.
func New(logger *slog.Logger) *Ledger {
	return &Ledger{
		balances:     make(map[string]*domain.Balance),
		positions:    make(map[string]*domain.Position),
		reservations: make(map[string]*reservation),
		logger:       logger.With(slog.String("component", "ledger")),
	}
}

// Deposit credits available funds for an asset.
func (l *Ledger) Deposit(asset string, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance(asset).Available += amount
}

// balance returns the balance entry for asset, creating it when missing.
// Callers must hold l.mu.
func (l *Ledger) balance(asset string) *domain.Balance {
	b, ok := l.balances[asset]
	if !ok {
		b = &domain.Balance{Asset: asset}
		l.balances[asset] = b
	}
	return b
}

// Reserve moves amount from available to locked and returns a reservation ID.
// It returns domain.ErrInsufficientBalance when the available balance cannot
// cover the amount.
func (l *Ledger) Reserve(asset string, amount float64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("ledger: reserve %s %f: %w", asset, amount, domain.ErrValidation)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.balance(asset)
	if b.Available < amount {
		return "", fmt.Errorf("ledger: reserve %.8f %s, available %.8f: %w",
			amount, asset, b.Available, domain.ErrInsufficientBalance)
	}

	b.Available -= amount
	b.Locked += amount

	id := uuid.NewString()
	l.reservations[id] = &reservation{asset: asset, amount: amount}
	return id, nil
}

// Release returns a reservation's funds from locked to available. Releasing
// an already-closed reservation is a programming error and is reported with
// domain.ErrReservationClosed, never silently ignored.
func (l *Ledger) Release(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[id]
	if !ok {
		return fmt.Errorf("ledger: release %s: %w", id, domain.ErrNotFound)
	}
	if r.closed {
		l.logger.Error("double release of reservation", slog.String("reservation_id", id))
		return fmt.Errorf("ledger: release %s: %w", id, domain.ErrReservationClosed)
	}

	b := l.balance(r.asset)
	b.Locked -= r.amount
	b.Available += r.amount
	r.closed = true
	return nil
}

// Settle converts a reservation into a realized balance change: actual is
// consumed from the locked funds and any excess over actual flows back to
// available. Settling twice is reported with domain.ErrReservationClosed.
func (l *Ledger) Settle(id string, actual float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[id]
	if !ok {
		return fmt.Errorf("ledger: settle %s: %w", id, domain.ErrNotFound)
	}
	if r.closed {
		l.logger.Error("double settle of reservation", slog.String("reservation_id", id))
		return fmt.Errorf("ledger: settle %s: %w", id, domain.ErrReservationClosed)
	}

	consumed := math.Min(actual, r.amount)
	b := l.balance(r.asset)
	b.Locked -= r.amount
	b.Available += r.amount - consumed
	r.closed = true
	return nil
}

// ApplyFill credits the proceeds of a fill and folds it into the pair's
// position. The cost side of the fill is consumed by Settle; ApplyFill only
// adds what the fill brought in: base asset on a buy, quote asset on a sell.
func (l *Ledger) ApplyFill(pair string, side domain.OrderSide, quantity, price float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if side == domain.OrderSideBuy {
		l.balance(domain.BaseAsset(pair)).Available += quantity
	} else {
		l.balance(domain.QuoteAsset(pair)).Available += quantity * price
	}

	pos, ok := l.positions[pair]
	if !ok {
		pos = &domain.Position{Pair: pair}
		l.positions[pair] = pos
	}

	signed := quantity
	if side == domain.OrderSideSell {
		signed = -quantity
	}
	next := pos.Quantity + signed

	switch {
	case pos.Quantity == 0 || (pos.Quantity > 0) == (signed > 0):
		// Extending in the same direction: volume-weighted entry price.
		prev := math.Abs(pos.Quantity)
		pos.AvgEntryPrice = (prev*pos.AvgEntryPrice + quantity*price) / (prev + quantity)
	case next == 0:
		pos.AvgEntryPrice = 0
	case (next > 0) != (pos.Quantity > 0):
		// Crossed through zero: the residual was entered at this fill's price.
		pos.AvgEntryPrice = price
	}
	pos.Quantity = next
	pos.UpdatedAt = time.Now().UTC()
}

// Balances returns a copy of all asset balances.
func (l *Ledger) Balances() map[string]domain.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]domain.Balance, len(l.balances))
	for asset, b := range l.balances {
		out[asset] = *b
	}
	return out
}

// Balance returns the balance for a single asset (zero value when unknown).
func (l *Ledger) Balance(asset string) domain.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.balances[asset]; ok {
		return *b
	}
	return domain.Balance{Asset: asset}
}

// Positions returns a copy of all non-flat positions.
func (l *Ledger) Positions() map[string]domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]domain.Position, len(l.positions))
	for pair, p := range l.positions {
		if p.Quantity == 0 {
			continue
		}
		out[pair] = *p
	}
	return out
}
