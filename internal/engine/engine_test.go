package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alcyone-trading/execbot/internal/book"
	"github.com/alcyone-trading/execbot/internal/domain"
	"github.com/alcyone-trading/execbot/internal/ledger"
)

// fixedQuoter serves one price for every pair, or fails when err is set.
type fixedQuoter struct {
	mu    sync.Mutex
	price float64
	err   error
}

func (q *fixedQuoter) Quote(_ context.Context, pair string) (domain.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return domain.Quote{}, q.err
	}
	return domain.Quote{
		Pair:      pair,
		Price:     q.price,
		Timestamp: time.Now().UTC(),
		Source:    domain.QuoteSourceLive,
	}, nil
}

func (q *fixedQuoter) set(price float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.price = price
}

// fakeGateway scripts the venue's responses.
type fakeGateway struct {
	confirmErr error
	status     domain.OrderStatus
	canceled   []string
}

func (g *fakeGateway) ConfirmOrder(_ context.Context, o domain.Order) (string, error) {
	if g.confirmErr != nil {
		return "", g.confirmErr
	}
	return "EX-" + o.ID, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, exchangeOrderID string) error {
	g.canceled = append(g.canceled, exchangeOrderID)
	return nil
}

func (g *fakeGateway) PollStatus(context.Context, string) (domain.OrderStatus, error) {
	return g.status, nil
}

func newTestEngine(t *testing.T, quoter Quoter, deposits map[string]float64) (*Engine, *ledger.Ledger, *book.Book) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.New(logger)
	for asset, amount := range deposits {
		led.Deposit(asset, amount)
	}
	bk := book.New(nil, logger)
	return New(quoter, led, bk, Config{SlippageMargin: 1.05}, logger), led, bk
}

func eventCount(e *Engine) int {
	n := 0
	for range e.History("", time.Time{}) {
		n++
	}
	return n
}

func approx(got, want float64) bool {
	return math.Abs(got-want) < 1e-6
}

func TestMarketBuyFillsAtQuote(t *testing.T) {
	eng, led, _ := newTestEngine(t, &fixedQuoter{price: 50000}, map[string]float64{"USD": 1000})

	o, err := eng.Submit(context.Background(), domain.OrderRequest{
		Pair:     "BTC-USD",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 0.01,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.Status != domain.OrderStatusFilled {
		t.Fatalf("status = %s, want filled", o.Status)
	}
	if !approx(o.AvgFillPrice, 50000) {
		t.Fatalf("avg fill price = %f", o.AvgFillPrice)
	}

	usd := led.Balance("USD")
	if !approx(usd.Available, 500) || usd.Locked != 0 {
		t.Fatalf("USD after fill: available=%f locked=%f, want 500/0", usd.Available, usd.Locked)
	}
	if btc := led.Balance("BTC"); !approx(btc.Available, 0.01) {
		t.Fatalf("BTC after fill: %f, want 0.01", btc.Available)
	}

	pos := led.Positions()["BTC-USD"]
	if !approx(pos.Quantity, 0.01) || !approx(pos.AvgEntryPrice, 50000) {
		t.Fatalf("position = %+v", pos)
	}
}

func TestLimitBuyRestsThenFillsOnTick(t *testing.T) {
	quoter := &fixedQuoter{price: 50000}
	eng, led, _ := newTestEngine(t, quoter, map[string]float64{"USD": 1000})
	ctx := context.Background()

	o, err := eng.Submit(ctx, domain.OrderRequest{
		Pair:       "BTC-USD",
		Side:       domain.OrderSideBuy,
		Type:       domain.OrderTypeLimit,
		Quantity:   0.01,
		LimitPrice: 40000,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.Status != domain.OrderStatusOpen {
		t.Fatalf("status = %s, want open while quote is above limit", o.Status)
	}
	if usd := led.Balance("USD"); !approx(usd.Locked, 400) {
		t.Fatalf("resting limit buy should lock 400 USD, locked=%f", usd.Locked)
	}

	// A tick above the limit leaves the order resting.
	if err := eng.Tick(ctx, domain.Quote{Pair: "BTC-USD", Price: 45000}); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got, _ := eng.Get(o.ID); got.Status != domain.OrderStatusOpen {
		t.Fatalf("status after non-matching tick = %s", got.Status)
	}

	// A tick through the limit fills at the tick price, the better side.
	if err := eng.Tick(ctx, domain.Quote{Pair: "BTC-USD", Price: 39000}); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := eng.Get(o.ID)
	if got.Status != domain.OrderStatusFilled || !approx(got.AvgFillPrice, 39000) {
		t.Fatalf("after matching tick: status=%s avg=%f", got.Status, got.AvgFillPrice)
	}

	usd := led.Balance("USD")
	if !approx(usd.Available, 610) || usd.Locked != 0 {
		t.Fatalf("USD after fill: available=%f locked=%f, want 610/0", usd.Available, usd.Locked)
	}
}

func TestStopLimitTriggersThenMatches(t *testing.T) {
	quoter := &fixedQuoter{price: 50000}
	eng, _, _ := newTestEngine(t, quoter, map[string]float64{"USD": 1000})
	ctx := context.Background()

	o, err := eng.Submit(ctx, domain.OrderRequest{
		Pair:       "BTC-USD",
		Side:       domain.OrderSideBuy,
		Type:       domain.OrderTypeStopLimit,
		Quantity:   0.01,
		LimitPrice: 52000,
		StopPrice:  51000,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.Status != domain.OrderStatusOpen || o.Triggered {
		t.Fatalf("submitted stop-limit = %+v, want dormant open", o)
	}

	// Below the stop: stays dormant.
	eng.Tick(ctx, domain.Quote{Pair: "BTC-USD", Price: 50500})
	if got, _ := eng.Get(o.ID); got.Triggered {
		t.Fatal("stop must not trigger below the stop price")
	}

	// Through the stop and inside the limit: arms and fills on the same tick.
	eng.Tick(ctx, domain.Quote{Pair: "BTC-USD", Price: 51500})
	got, _ := eng.Get(o.ID)
	if got.Status != domain.OrderStatusFilled || !got.Triggered {
		t.Fatalf("after trigger tick: %+v", got)
	}
	if !approx(got.AvgFillPrice, 51500) {
		t.Fatalf("fill price = %f, want the tick price", got.AvgFillPrice)
	}

	var types []domain.EventType
	for evt := range eng.History("BTC-USD", time.Time{}) {
		types = append(types, evt.Type)
	}
	want := []domain.EventType{domain.EventActivated, domain.EventTriggered, domain.EventFill}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestMarketSellCreditsProceeds(t *testing.T) {
	eng, led, _ := newTestEngine(t, &fixedQuoter{price: 50000}, map[string]float64{"BTC": 1})

	o, err := eng.Submit(context.Background(), domain.OrderRequest{
		Pair:     "BTC-USD",
		Side:     domain.OrderSideSell,
		Type:     domain.OrderTypeMarket,
		Quantity: 0.5,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.Status != domain.OrderStatusFilled {
		t.Fatalf("status = %s", o.Status)
	}

	if btc := led.Balance("BTC"); !approx(btc.Available, 0.5) || btc.Locked != 0 {
		t.Fatalf("BTC after sell: available=%f locked=%f", btc.Available, btc.Locked)
	}
	if usd := led.Balance("USD"); !approx(usd.Available, 25000) {
		t.Fatalf("USD after sell: %f, want 25000", usd.Available)
	}
	pos := led.Positions()["BTC-USD"]
	if !approx(pos.Quantity, -0.5) || !approx(pos.AvgEntryPrice, 50000) {
		t.Fatalf("position = %+v", pos)
	}
}

func TestOracleFailureLeavesNoState(t *testing.T) {
	eng, led, _ := newTestEngine(t, &fixedQuoter{err: domain.ErrNoPriceAvailable},
		map[string]float64{"USD": 1000})

	_, err := eng.Submit(context.Background(), domain.OrderRequest{
		Pair:     "BTC-USD",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 0.01,
	})
	if !errors.Is(err, domain.ErrNoPriceAvailable) {
		t.Fatalf("want ErrNoPriceAvailable, got %v", err)
	}

	if n := eventCount(eng); n != 0 {
		t.Fatalf("failed submit left %d events", n)
	}
	usd := led.Balance("USD")
	if usd.Available != 1000 || usd.Locked != 0 {
		t.Fatalf("failed submit touched balances: %+v", usd)
	}
}

func TestValidationRejects(t *testing.T) {
	eng, led, _ := newTestEngine(t, &fixedQuoter{price: 50000}, map[string]float64{"USD": 1000})
	ctx := context.Background()

	cases := []struct {
		name string
		req  domain.OrderRequest
	}{
		{"bad pair", domain.OrderRequest{Pair: "BTCUSD", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1}},
		{"zero quantity", domain.OrderRequest{Pair: "BTC-USD", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 0}},
		{"limit without price", domain.OrderRequest{Pair: "BTC-USD", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Quantity: 1}},
		{"stop without stop price", domain.OrderRequest{Pair: "BTC-USD", Side: domain.OrderSideBuy, Type: domain.OrderTypeStopLimit, Quantity: 1, LimitPrice: 100}},
		{"bad side", domain.OrderRequest{Pair: "BTC-USD", Side: "hold", Type: domain.OrderTypeMarket, Quantity: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, err := eng.Submit(ctx, tc.req)
			if err != nil {
				t.Fatalf("rejection must not be an error: %v", err)
			}
			if o.Status != domain.OrderStatusRejected || o.Reason == "" {
				t.Fatalf("order = %+v, want rejected with reason", o)
			}
		})
	}

	if usd := led.Balance("USD"); usd.Available != 1000 || usd.Locked != 0 {
		t.Fatalf("rejections touched balances: %+v", usd)
	}
}

func TestLotRulesEnforced(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.New(logger)
	led.Deposit("USD", 1000000)
	eng := New(&fixedQuoter{price: 50000}, led, book.New(nil, logger), Config{
		SlippageMargin: 1.05,
		LotRules: map[string]LotRule{
			"BTC-USD": {MinQty: 0.001, MaxQty: 10, StepQty: 0.001},
		},
	}, logger)

	for _, qty := range []float64{0.0004, 11, 0.0015} {
		o, err := eng.Submit(context.Background(), domain.OrderRequest{
			Pair:     "BTC-USD",
			Side:     domain.OrderSideBuy,
			Type:     domain.OrderTypeMarket,
			Quantity: qty,
		})
		if err != nil {
			t.Fatalf("submit %f: %v", qty, err)
		}
		if o.Status != domain.OrderStatusRejected {
			t.Fatalf("quantity %f: status = %s, want rejected", qty, o.Status)
		}
	}

	o, err := eng.Submit(context.Background(), domain.OrderRequest{
		Pair:     "BTC-USD",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 0.002,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.Status != domain.OrderStatusFilled {
		t.Fatalf("conforming quantity: status = %s, want filled", o.Status)
	}
}

func TestInsufficientBalanceRejects(t *testing.T) {
	eng, _, _ := newTestEngine(t, &fixedQuoter{price: 50000}, map[string]float64{"USD": 10})

	o, err := eng.Submit(context.Background(), domain.OrderRequest{
		Pair:     "BTC-USD",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 0.01,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.Status != domain.OrderStatusRejected || o.Reason != "insufficient balance" {
		t.Fatalf("order = %+v", o)
	}
	if n := eventCount(eng); n != 1 {
		t.Fatalf("rejected submit left %d events, want 1", n)
	}
}

func TestCancelReleasesReservation(t *testing.T) {
	eng, led, _ := newTestEngine(t, &fixedQuoter{price: 50000}, map[string]float64{"USD": 1000})
	ctx := context.Background()

	o, err := eng.Submit(ctx, domain.OrderRequest{
		Pair:       "BTC-USD",
		Side:       domain.OrderSideBuy,
		Type:       domain.OrderTypeLimit,
		Quantity:   0.01,
		LimitPrice: 40000,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	canceled, err := eng.Cancel(ctx, o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != domain.OrderStatusCanceled {
		t.Fatalf("status = %s", canceled.Status)
	}

	usd := led.Balance("USD")
	if usd.Available != 1000 || usd.Locked != 0 {
		t.Fatalf("cancel must release the hold: %+v", usd)
	}

	if _, err := eng.Cancel(ctx, o.ID); !errors.Is(err, domain.ErrOrderNotCancelable) {
		t.Fatalf("second cancel: want ErrOrderNotCancelable, got %v", err)
	}
}

func TestGatewayRejectionRollsBack(t *testing.T) {
	eng, led, _ := newTestEngine(t, &fixedQuoter{price: 50000}, map[string]float64{"USD": 1000})
	eng = eng.WithGateway(&fakeGateway{confirmErr: errors.New("venue says no")})

	o, err := eng.Submit(context.Background(), domain.OrderRequest{
		Pair:     "BTC-USD",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 0.01,
	})
	if !errors.Is(err, domain.ErrGateway) {
		t.Fatalf("want ErrGateway, got %v", err)
	}
	if o.Status != domain.OrderStatusRejected {
		t.Fatalf("status = %s, want rejected", o.Status)
	}

	usd := led.Balance("USD")
	if usd.Available != 1000 || usd.Locked != 0 {
		t.Fatalf("gateway rollback must release the hold: %+v", usd)
	}
}

func TestReconcileTrustsVenue(t *testing.T) {
	quoter := &fixedQuoter{price: 50000}
	eng, led, _ := newTestEngine(t, quoter, map[string]float64{"USD": 1000})
	gw := &fakeGateway{status: domain.OrderStatusFilled}
	eng = eng.WithGateway(gw)
	ctx := context.Background()

	o, err := eng.Submit(ctx, domain.OrderRequest{
		Pair:       "BTC-USD",
		Side:       domain.OrderSideBuy,
		Type:       domain.OrderTypeLimit,
		Quantity:   0.01,
		LimitPrice: 40000,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.ExchangeOrderID == "" {
		t.Fatal("live submit must carry the venue's order ID")
	}

	// The venue reports the order filled; the local book replays it.
	got, err := eng.Reconcile(ctx, o.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Status != domain.OrderStatusFilled || !approx(got.AvgFillPrice, 40000) {
		t.Fatalf("after reconcile: %+v", got)
	}
	if btc := led.Balance("BTC"); !approx(btc.Available, 0.01) {
		t.Fatalf("reconciled fill must settle locally: BTC=%f", btc.Available)
	}

	// Reconciling a terminal order is a no-op.
	again, err := eng.Reconcile(ctx, o.ID)
	if err != nil || again.Status != domain.OrderStatusFilled {
		t.Fatalf("terminal reconcile: %+v, %v", again, err)
	}
}

func TestConcurrentSubmitsNeverOverspend(t *testing.T) {
	eng, led, _ := newTestEngine(t, &fixedQuoter{price: 50000}, map[string]float64{"USD": 1000})
	ctx := context.Background()

	const workers = 8
	results := make(chan domain.Order, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := eng.Submit(ctx, domain.OrderRequest{
				Pair:     "BTC-USD",
				Side:     domain.OrderSideBuy,
				Type:     domain.OrderTypeMarket,
				Quantity: 0.01,
			})
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			results <- o
		}()
	}
	wg.Wait()
	close(results)

	var filled int
	for o := range results {
		switch o.Status {
		case domain.OrderStatusFilled:
			filled++
		case domain.OrderStatusRejected:
		default:
			t.Fatalf("unexpected terminal status %s", o.Status)
		}
	}

	usd := led.Balance("USD")
	if usd.Available < 0 {
		t.Fatalf("available went negative: %f", usd.Available)
	}
	if usd.Locked != 0 {
		t.Fatalf("all reservations must be settled: locked=%f", usd.Locked)
	}
	if !approx(usd.Available, 1000-float64(filled)*500) {
		t.Fatalf("USD=%f with %d fills; spend does not add up", usd.Available, filled)
	}
	if btc := led.Balance("BTC"); !approx(btc.Available, float64(filled)*0.01) {
		t.Fatalf("BTC=%f with %d fills", btc.Available, filled)
	}
}

func TestCancelRacingFillLeavesNoPartialState(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		eng, led, _ := newTestEngine(t, &fixedQuoter{price: 50000}, map[string]float64{"USD": 1000})

		o, err := eng.Submit(ctx, domain.OrderRequest{
			Pair:       "BTC-USD",
			Side:       domain.OrderSideBuy,
			Type:       domain.OrderTypeLimit,
			Quantity:   0.01,
			LimitPrice: 40000,
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			// The loser of the race reports an error; only the final state matters.
			_ = eng.Tick(ctx, domain.Quote{Pair: "BTC-USD", Price: 39000})
		}()
		go func() {
			defer wg.Done()
			_, _ = eng.Cancel(ctx, o.ID)
		}()
		wg.Wait()

		got, err := eng.Get(o.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		usd := led.Balance("USD")
		btc := led.Balance("BTC")
		if usd.Locked != 0 {
			t.Fatalf("iteration %d: reservation left locked: %+v", i, usd)
		}

		switch got.Status {
		case domain.OrderStatusCanceled:
			if got.FilledQuantity != 0 {
				t.Fatalf("iteration %d: canceled order carries a fill: %+v", i, got)
			}
			if usd.Available != 1000 || btc.Available != 0 {
				t.Fatalf("iteration %d: canceled order moved funds: USD=%+v BTC=%+v", i, usd, btc)
			}
		case domain.OrderStatusFilled:
			if !approx(got.FilledQuantity, 0.01) {
				t.Fatalf("iteration %d: filled order quantity = %f", i, got.FilledQuantity)
			}
			if !approx(usd.Available, 610) || !approx(btc.Available, 0.01) {
				t.Fatalf("iteration %d: fill does not reconcile: USD=%+v BTC=%+v", i, usd, btc)
			}
		default:
			t.Fatalf("iteration %d: non-terminal status %s after race", i, got.Status)
		}
	}
}

func TestConcurrentTicksApplyFillOnce(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		eng, led, _ := newTestEngine(t, &fixedQuoter{price: 50000}, map[string]float64{"USD": 1000})

		o, err := eng.Submit(ctx, domain.OrderRequest{
			Pair:       "BTC-USD",
			Side:       domain.OrderSideBuy,
			Type:       domain.OrderTypeLimit,
			Quantity:   0.01,
			LimitPrice: 40000,
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}

		var wg sync.WaitGroup
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = eng.Tick(ctx, domain.Quote{Pair: "BTC-USD", Price: 39000})
			}()
		}
		wg.Wait()

		got, _ := eng.Get(o.ID)
		if got.Status != domain.OrderStatusFilled || !approx(got.FilledQuantity, 0.01) {
			t.Fatalf("iteration %d: order = %+v", i, got)
		}

		usd := led.Balance("USD")
		if !approx(usd.Available, 610) || usd.Locked != 0 {
			t.Fatalf("iteration %d: duplicate fill applied: %+v", i, usd)
		}
		if btc := led.Balance("BTC"); !approx(btc.Available, 0.01) {
			t.Fatalf("iteration %d: BTC = %f, want one fill's worth", i, btc.Available)
		}

		var fills int
		for evt := range eng.History("BTC-USD", time.Time{}) {
			if evt.Type == domain.EventFill {
				fills++
			}
		}
		if fills != 1 {
			t.Fatalf("iteration %d: fill events = %d, want 1", i, fills)
		}
	}
}

func TestPortfolioValueMarksPositions(t *testing.T) {
	quoter := &fixedQuoter{price: 50000}
	eng, _, _ := newTestEngine(t, quoter, map[string]float64{"USD": 1000})
	ctx := context.Background()

	if _, err := eng.Submit(ctx, domain.OrderRequest{
		Pair:     "BTC-USD",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 0.01,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	quoter.set(60000)
	total, err := eng.PortfolioValue(ctx)
	if err != nil {
		t.Fatalf("portfolio value: %v", err)
	}
	// 500 USD cash plus 0.01 BTC marked at 60000.
	if !approx(total, 1100) {
		t.Fatalf("portfolio value = %f, want 1100", total)
	}
}
