package ledger

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/alcyone-trading/execbot/internal/domain"
)

func newTestLedger() *Ledger {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	l := newTestLedger()
	l.Deposit("USDT", 1000)

	id, err := l.Reserve("USDT", 400)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	b := l.Balance("USDT")
	if b.Available != 600 || b.Locked != 400 {
		t.Fatalf("after reserve: available=%f locked=%f", b.Available, b.Locked)
	}

	if err := l.Release(id); err != nil {
		t.Fatalf("release: %v", err)
	}
	b = l.Balance("USDT")
	if b.Available != 1000 || b.Locked != 0 {
		t.Fatalf("after release: available=%f locked=%f", b.Available, b.Locked)
	}
}

func TestReserveInsufficientBalance(t *testing.T) {
	l := newTestLedger()
	l.Deposit("USDT", 100)

	if _, err := l.Reserve("USDT", 100.01); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("want ErrInsufficientBalance, got %v", err)
	}

	b := l.Balance("USDT")
	if b.Available != 100 || b.Locked != 0 {
		t.Fatalf("failed reserve must not touch balances: available=%f locked=%f", b.Available, b.Locked)
	}
}

func TestReserveRejectsNonPositiveAmount(t *testing.T) {
	l := newTestLedger()
	l.Deposit("USDT", 100)

	for _, amount := range []float64{0, -5} {
		if _, err := l.Reserve("USDT", amount); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("reserve %f: want ErrValidation, got %v", amount, err)
		}
	}
}

func TestSettleRefundsExcess(t *testing.T) {
	l := newTestLedger()
	l.Deposit("USDT", 1000)

	// Reserve with a slippage cushion, settle at the actual lower cost.
	id, err := l.Reserve("USDT", 525)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Settle(id, 500); err != nil {
		t.Fatalf("settle: %v", err)
	}

	b := l.Balance("USDT")
	if b.Available != 500 || b.Locked != 0 {
		t.Fatalf("after settle: available=%f locked=%f", b.Available, b.Locked)
	}
}

func TestSettleNeverConsumesMoreThanReserved(t *testing.T) {
	l := newTestLedger()
	l.Deposit("USDT", 1000)

	id, _ := l.Reserve("USDT", 100)
	if err := l.Settle(id, 150); err != nil {
		t.Fatalf("settle: %v", err)
	}

	b := l.Balance("USDT")
	if b.Available != 900 || b.Locked != 0 {
		t.Fatalf("settle above reservation must cap at the hold: available=%f locked=%f", b.Available, b.Locked)
	}
}

func TestDoubleSettleAndDoubleRelease(t *testing.T) {
	l := newTestLedger()
	l.Deposit("USDT", 1000)

	settled, _ := l.Reserve("USDT", 100)
	if err := l.Settle(settled, 100); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if err := l.Settle(settled, 100); !errors.Is(err, domain.ErrReservationClosed) {
		t.Fatalf("second settle: want ErrReservationClosed, got %v", err)
	}
	if err := l.Release(settled); !errors.Is(err, domain.ErrReservationClosed) {
		t.Fatalf("release after settle: want ErrReservationClosed, got %v", err)
	}

	released, _ := l.Reserve("USDT", 100)
	if err := l.Release(released); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := l.Release(released); !errors.Is(err, domain.ErrReservationClosed) {
		t.Fatalf("second release: want ErrReservationClosed, got %v", err)
	}

	if err := l.Release("no-such-reservation"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown reservation: want ErrNotFound, got %v", err)
	}
}

func TestConcurrentReservationsNeverOverspend(t *testing.T) {
	l := newTestLedger()
	l.Deposit("USDT", 100)

	const (
		workers = 50
		amount  = 10.0
	)

	var wg sync.WaitGroup
	ids := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if id, err := l.Reserve("USDT", amount); err == nil {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	var granted int
	for range ids {
		granted++
	}
	if granted > 10 {
		t.Fatalf("granted %d reservations, funds only cover 10", granted)
	}

	b := l.Balance("USDT")
	if b.Available < 0 {
		t.Fatalf("available went negative: %f", b.Available)
	}
	if got := b.Total(); got != 100 {
		t.Fatalf("reservations must conserve total funds: got %f", got)
	}
}

func TestApplyFillPositionFold(t *testing.T) {
	l := newTestLedger()

	// Two buys extend the long at a volume-weighted entry price.
	l.ApplyFill("BTC-USDT", domain.OrderSideBuy, 1, 100)
	l.ApplyFill("BTC-USDT", domain.OrderSideBuy, 1, 200)

	pos := l.Positions()["BTC-USDT"]
	if pos.Quantity != 2 || math.Abs(pos.AvgEntryPrice-150) > 1e-9 {
		t.Fatalf("after buys: qty=%f avg=%f", pos.Quantity, pos.AvgEntryPrice)
	}

	// Selling flat resets the entry price.
	l.ApplyFill("BTC-USDT", domain.OrderSideSell, 2, 180)
	if _, ok := l.Positions()["BTC-USDT"]; ok {
		t.Fatal("flat position must not be reported")
	}

	// Crossing through zero re-enters at the crossing fill's price.
	l.ApplyFill("BTC-USDT", domain.OrderSideBuy, 1, 100)
	l.ApplyFill("BTC-USDT", domain.OrderSideSell, 3, 120)
	pos = l.Positions()["BTC-USDT"]
	if pos.Quantity != -2 || pos.AvgEntryPrice != 120 {
		t.Fatalf("after zero cross: qty=%f avg=%f", pos.Quantity, pos.AvgEntryPrice)
	}
}

func TestApplyFillCreditsProceeds(t *testing.T) {
	l := newTestLedger()

	l.ApplyFill("BTC-USDT", domain.OrderSideBuy, 0.5, 50000)
	if got := l.Balance("BTC").Available; got != 0.5 {
		t.Fatalf("buy must credit base asset: got %f", got)
	}

	l.ApplyFill("BTC-USDT", domain.OrderSideSell, 0.5, 60000)
	if got := l.Balance("USDT").Available; got != 30000 {
		t.Fatalf("sell must credit quote proceeds: got %f", got)
	}
}
