// Package engine orchestrates order execution: it validates requests,
// resolves prices through the oracle, reserves funds in the ledger, applies
// the matching policy, and commits results through the book. It is reactive:
// resting orders are re-evaluated only when the caller supplies a new tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alcyone-trading/execbot/internal/book"
	"github.com/alcyone-trading/execbot/internal/domain"
	"github.com/alcyone-trading/execbot/internal/ledger"
)

// Quoter resolves the current price for a pair. Implemented by oracle.Oracle.
type Quoter interface {
	Quote(ctx context.Context, pair string) (domain.Quote, error)
}

// Gateway is the live-mode collaborator that forwards confirmed actions to
// the remote venue. In paper mode it is absent and the engine is
// authoritative.
type Gateway interface {
	ConfirmOrder(ctx context.Context, order domain.Order) (exchangeOrderID string, err error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	PollStatus(ctx context.Context, exchangeOrderID string) (domain.OrderStatus, error)
}

// LotRule constrains order quantities for a pair, mirroring venue lot-size
// filters.
type LotRule struct {
	MinQty  float64
	MaxQty  float64
	StepQty float64
}

// Config holds the engine's tunables.
type Config struct {
	// SlippageMargin multiplies the quoted cost when sizing a market-order
	// reservation, so the hold covers adverse movement between quote and
	// fill. 1.05 reserves a 5% cushion.
	SlippageMargin float64

	// LotRules constrains quantities per pair. Pairs without a rule accept
	// any positive quantity.
	LotRules map[string]LotRule
}

// Engine is the execution engine. All its collaborators are injected; it
// holds no ambient global state.
type Engine struct {
	oracle  Quoter
	ledger  *ledger.Ledger
	book    *book.Book
	gateway Gateway // nil in paper mode
	orders  domain.OrderStore
	logger  *slog.Logger

	slippage float64
	lots     map[string]LotRule

	mu           sync.Mutex
	reservations map[string]string // order ID -> open reservation ID
}

// New creates an Engine in paper mode. Attach a gateway with WithGateway for
// live trading and an order snapshot store with WithOrderStore for reporting.
func New(q Quoter, l *ledger.Ledger, b *book.Book, cfg Config, logger *slog.Logger) *Engine {
	slippage := cfg.SlippageMargin
	if slippage <= 0 {
		slippage = 1.05
	}
	return &Engine{
		oracle:       q,
		ledger:       l,
		book:         b,
		logger:       logger.With(slog.String("component", "engine")),
		slippage:     slippage,
		lots:         cfg.LotRules,
		reservations: make(map[string]string),
	}
}

// WithGateway attaches the live-mode venue adapter.
func (e *Engine) WithGateway(g Gateway) *Engine {
	e.gateway = g
	return e
}

// WithOrderStore attaches an order snapshot store, written best-effort after
// every order mutation.
func (e *Engine) WithOrderStore(s domain.OrderStore) *Engine {
	e.orders = s
	return e
}

// Submit runs an order request through validation, reservation, and matching,
// and returns the resulting order snapshot. Business rejections (validation,
// insufficient balance) come back as a REJECTED order with a nil error;
// infrastructure failures (no price, gateway down) are returned as errors and
// leave no partial state behind.
func (e *Engine) Submit(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if reason := e.validate(req); reason != "" {
		o := e.book.Place(req)
		rejected, err := e.book.Reject(ctx, o.ID, reason)
		if err != nil {
			return domain.Order{}, err
		}
		e.snapshot(ctx, rejected)
		return rejected, nil
	}

	// Every order type consumes a quote at submission: market orders for the
	// fill price, limit orders for immediate matching, stop-limit orders for
	// the trigger check. Failing here creates no order and holds nothing.
	quote, err := e.oracle.Quote(ctx, req.Pair)
	if err != nil {
		return domain.Order{}, fmt.Errorf("engine: submit %s: %w", req.Pair, err)
	}

	o := e.book.Place(req)

	asset, amount := reservationFor(req, quote.Price, e.slippage)
	resID, err := e.ledger.Reserve(asset, amount)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			rejected, rejErr := e.book.Reject(ctx, o.ID, "insufficient balance")
			if rejErr != nil {
				return domain.Order{}, rejErr
			}
			e.snapshot(ctx, rejected)
			return rejected, nil
		}
		return domain.Order{}, fmt.Errorf("engine: reserve for %s: %w", o.ID, err)
	}

	if e.gateway != nil {
		exchangeID, gwErr := e.gateway.ConfirmOrder(ctx, o)
		if gwErr != nil {
			if relErr := e.ledger.Release(resID); relErr != nil {
				e.logger.ErrorContext(ctx, "release after gateway failure",
					slog.String("order_id", o.ID), slog.String("error", relErr.Error()))
			}
			rejected, rejErr := e.book.Reject(ctx, o.ID, "gateway confirmation failed")
			if rejErr != nil {
				return domain.Order{}, rejErr
			}
			e.snapshot(ctx, rejected)
			return rejected, fmt.Errorf("engine: confirm %s: %v: %w", o.ID, gwErr, domain.ErrGateway)
		}
		if err := e.book.AssignExchangeID(o.ID, exchangeID); err != nil {
			return domain.Order{}, err
		}
	}

	open, err := e.book.Activate(ctx, o.ID)
	if err != nil {
		return domain.Order{}, err
	}
	e.trackReservation(open.ID, resID)
	e.snapshot(ctx, open)

	matched, err := e.match(ctx, open, quote)
	if err != nil {
		return matched, err
	}
	return matched, nil
}

// Tick re-evaluates every resting order for the quote's pair, in ascending
// submission order. The caller's polling or streaming loop decides when ticks
// happen; the engine never schedules itself.
func (e *Engine) Tick(ctx context.Context, quote domain.Quote) error {
	var firstErr error
	for _, o := range e.book.Open(quote.Pair) {
		if _, err := e.match(ctx, o, quote); err != nil {
			e.logger.ErrorContext(ctx, "tick match failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Cancel cancels a resting order and releases its reservation. It fails with
// domain.ErrOrderNotCancelable when the order is already terminal.
func (e *Engine) Cancel(ctx context.Context, id string) (domain.Order, error) {
	canceled, err := e.book.Cancel(ctx, id)
	if err != nil {
		return canceled, err
	}

	if e.gateway != nil && canceled.ExchangeOrderID != "" {
		if gwErr := e.gateway.CancelOrder(ctx, canceled.ExchangeOrderID); gwErr != nil {
			e.logger.WarnContext(ctx, "remote cancel failed",
				slog.String("order_id", id),
				slog.String("exchange_order_id", canceled.ExchangeOrderID),
				slog.String("error", gwErr.Error()),
			)
		}
	}

	e.releaseReservation(ctx, id)
	e.snapshot(ctx, canceled)
	return canceled, nil
}

// Reconcile compares a live order against the venue and trusts the venue on
// divergence: a remotely filled order is replayed locally, a remotely
// canceled order is canceled locally. No-op in paper mode.
func (e *Engine) Reconcile(ctx context.Context, id string) (domain.Order, error) {
	o, err := e.book.Get(id)
	if err != nil {
		return domain.Order{}, err
	}
	if e.gateway == nil || o.ExchangeOrderID == "" || o.Status.Terminal() {
		return o, nil
	}

	remote, err := e.gateway.PollStatus(ctx, o.ExchangeOrderID)
	if err != nil {
		return o, fmt.Errorf("engine: poll %s: %v: %w", id, err, domain.ErrGateway)
	}

	switch remote {
	case domain.OrderStatusFilled:
		price := o.LimitPrice
		if price == 0 {
			quote, qErr := e.oracle.Quote(ctx, o.Pair)
			if qErr != nil {
				return o, fmt.Errorf("engine: reconcile %s: %w", id, qErr)
			}
			price = quote.Price
		}
		e.logger.WarnContext(ctx, "reconcile: venue reports filled, replaying locally",
			slog.String("order_id", id),
			slog.String("local_status", string(o.Status)),
		)
		return e.fill(ctx, o, price)
	case domain.OrderStatusCanceled:
		return e.Cancel(ctx, id)
	}
	return o, nil
}

// Get returns an order snapshot.
func (e *Engine) Get(id string) (domain.Order, error) {
	return e.book.Get(id)
}

// OpenOrders returns the resting orders for a pair in submission order.
func (e *Engine) OpenOrders(pair string) []domain.Order {
	return e.book.Open(pair)
}

// History returns the audit trail, optionally filtered by pair and since.
func (e *Engine) History(pair string, since time.Time) iter.Seq[domain.OrderEvent] {
	return e.book.History(pair, since)
}

// Balances returns the portfolio's asset balances.
func (e *Engine) Balances() map[string]domain.Balance {
	return e.ledger.Balances()
}

// Positions returns the portfolio's open positions.
func (e *Engine) Positions() map[string]domain.Position {
	return e.ledger.Positions()
}

// PortfolioValue marks every position to the current oracle price and returns
// total portfolio value in quote-asset terms alongside the cash balances.
func (e *Engine) PortfolioValue(ctx context.Context) (float64, error) {
	positions := e.ledger.Positions()

	// Cash first: balances whose asset is held as a position are valued
	// through the position mark instead of at face value.
	total := 0.0
	for asset, b := range e.ledger.Balances() {
		held := false
		for pair := range positions {
			if domain.BaseAsset(pair) == asset {
				held = true
				break
			}
		}
		if !held {
			total += b.Total()
		}
	}
	for pair, pos := range positions {
		quote, err := e.oracle.Quote(ctx, pair)
		if err != nil {
			return 0, fmt.Errorf("engine: value %s: %w", pair, err)
		}
		total += pos.Quantity * quote.Price
	}
	return total, nil
}

// validate checks request shape. A non-empty return is the rejection reason.
func (e *Engine) validate(req domain.OrderRequest) string {
	if !domain.ValidPair(req.Pair) {
		return "invalid pair"
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return "invalid side"
	}
	if req.Quantity <= 0 {
		return "quantity must be positive"
	}
	switch req.Type {
	case domain.OrderTypeMarket:
	case domain.OrderTypeLimit:
		if req.LimitPrice <= 0 {
			return "limit price required"
		}
	case domain.OrderTypeStopLimit:
		if req.LimitPrice <= 0 {
			return "limit price required"
		}
		if req.StopPrice <= 0 {
			return "stop price required"
		}
	default:
		return "invalid order type"
	}

	if rule, ok := e.lots[req.Pair]; ok {
		if rule.MinQty > 0 && req.Quantity < rule.MinQty {
			return fmt.Sprintf("quantity below minimum %g", rule.MinQty)
		}
		if rule.MaxQty > 0 && req.Quantity > rule.MaxQty {
			return fmt.Sprintf("quantity above maximum %g", rule.MaxQty)
		}
		if rule.StepQty > 0 {
			steps := req.Quantity / rule.StepQty
			if math.Abs(steps-math.Round(steps)) > 1e-9 {
				return fmt.Sprintf("quantity not a multiple of step %g", rule.StepQty)
			}
		}
	}
	return ""
}

// reservationFor sizes the worst-case hold for a request: buys lock the quote
// asset (market orders with a slippage cushion, limit orders at the limit
// price), sells lock the base asset quantity.
func reservationFor(req domain.OrderRequest, quotePrice, slippage float64) (asset string, amount float64) {
	if req.Side == domain.OrderSideSell {
		return domain.BaseAsset(req.Pair), req.Quantity
	}
	if req.Type == domain.OrderTypeMarket {
		return domain.QuoteAsset(req.Pair), quotePrice * req.Quantity * slippage
	}
	return domain.QuoteAsset(req.Pair), req.LimitPrice * req.Quantity
}

// match applies the matching policy for one order against one quote. Market
// orders fill immediately in full; limit orders fill when the quote is at or
// through the limit; stop-limit orders arm when the stop is crossed, then
// match as limit orders on the same tick.
func (e *Engine) match(ctx context.Context, o domain.Order, quote domain.Quote) (domain.Order, error) {
	if o.Type == domain.OrderTypeMarket {
		return e.fill(ctx, o, quote.Price)
	}

	if o.Type == domain.OrderTypeStopLimit && !o.Triggered {
		if !stopCrossed(o, quote.Price) {
			return o, nil
		}
		triggered, err := e.book.Trigger(ctx, o.ID)
		if err != nil {
			return o, err
		}
		o = triggered
		e.snapshot(ctx, o)
	}

	if !limitMatches(o, quote.Price) {
		return o, nil
	}
	// Fill at the better of quote and limit price; when the limit condition
	// holds that is always the quote price.
	return e.fill(ctx, o, quote.Price)
}

// fill executes the remaining quantity at price. The book transition comes
// first: it is the claim on the order, taken under the same lock a cancel
// uses, so a caller that loses the race returns here with no ledger side
// effects. Only after the claim succeeds are the reservation settled and the
// balances updated.
func (e *Engine) fill(ctx context.Context, o domain.Order, price float64) (domain.Order, error) {
	qty := o.Remaining()

	filled, err := e.book.RecordFill(ctx, o.ID, qty, price)
	if err != nil {
		return o, err
	}

	if resID := e.takeReservation(o.ID); resID != "" {
		actual := qty * price
		if o.Side == domain.OrderSideSell {
			actual = qty
		}
		if err := e.ledger.Settle(resID, actual); err != nil {
			return filled, fmt.Errorf("engine: settle for %s: %w", o.ID, err)
		}
	}

	e.ledger.ApplyFill(o.Pair, o.Side, qty, price)
	e.snapshot(ctx, filled)

	e.logger.InfoContext(ctx, "order filled",
		slog.String("order_id", filled.ID),
		slog.String("pair", filled.Pair),
		slog.String("side", string(filled.Side)),
		slog.Float64("quantity", qty),
		slog.Float64("price", price),
	)
	return filled, nil
}

// stopCrossed reports whether the quote crossed the stop price in the
// triggering direction: buys arm at or above the stop, sells at or below.
func stopCrossed(o domain.Order, price float64) bool {
	if o.Side == domain.OrderSideBuy {
		return price >= o.StopPrice
	}
	return price <= o.StopPrice
}

// limitMatches reports whether the quote satisfies the order's limit.
func limitMatches(o domain.Order, price float64) bool {
	if o.Side == domain.OrderSideBuy {
		return price <= o.LimitPrice
	}
	return price >= o.LimitPrice
}

func (e *Engine) trackReservation(orderID, resID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reservations[orderID] = resID
}

// takeReservation removes and returns the open reservation for an order, or
// "" when none is tracked.
func (e *Engine) takeReservation(orderID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	resID := e.reservations[orderID]
	delete(e.reservations, orderID)
	return resID
}

// releaseReservation releases any reservation still held for an order.
func (e *Engine) releaseReservation(ctx context.Context, orderID string) {
	resID := e.takeReservation(orderID)
	if resID == "" {
		return
	}
	if err := e.ledger.Release(resID); err != nil {
		e.logger.ErrorContext(ctx, "release reservation failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}
}

// snapshot writes the order to the snapshot store, best-effort.
func (e *Engine) snapshot(ctx context.Context, o domain.Order) {
	if e.orders == nil {
		return
	}
	if err := e.orders.Upsert(ctx, o); err != nil {
		e.logger.WarnContext(ctx, "order snapshot failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}
