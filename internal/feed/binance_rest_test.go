package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSymbol(t *testing.T) {
	cases := map[string]string{
		"BTC-USDT": "BTCUSDT",
		"eth-usdt": "ETHUSDT",
		"SOL-USD":  "SOLUSD",
	}
	for pair, want := range cases {
		if got := Symbol(pair); got != want {
			t.Errorf("Symbol(%q) = %q, want %q", pair, got, want)
		}
	}
}

func TestLivePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/price" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %s", got)
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"65432.10000000"}`))
	}))
	defer srv.Close()

	f := NewRESTFeed(srv.URL)
	price, ts, err := f.LivePrice(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("live price: %v", err)
	}
	if price != 65432.1 {
		t.Fatalf("price = %f", price)
	}
	if ts.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestLivePriceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	f := NewRESTFeed(srv.URL)
	if _, _, err := f.LivePrice(context.Background(), "NOPE-NOPE"); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}
