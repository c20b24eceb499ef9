// Package feed implements the live price feed collaborators: a pull-style
// REST ticker used by the oracle and a push-style WebSocket stream that
// drives the engine's tick loop.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// defaultRESTHost is the Binance public API; no credentials are needed for
// ticker reads.
const defaultRESTHost = "https://api.binance.com"

// Symbol converts a pair like "BTC-USDT" to the venue symbol "BTCUSDT".
func Symbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "-", ""))
}

// RESTFeed pulls spot prices from the Binance public ticker endpoint. It
// implements oracle.Feed.
type RESTFeed struct {
	host   string
	client *http.Client
}

// NewRESTFeed creates a RESTFeed against host (empty for the public API).
// Callers bound each request with a context deadline; the client timeout is a
// backstop.
func NewRESTFeed(host string) *RESTFeed {
	if host == "" {
		host = defaultRESTHost
	}
	return &RESTFeed{
		host:   strings.TrimRight(host, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// LivePrice fetches the current ticker price for a pair.
func (f *RESTFeed) LivePrice(ctx context.Context, pair string) (float64, time.Time, error) {
	u := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", f.host, url.QueryEscape(Symbol(pair)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("feed: build ticker request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("feed: ticker %s: %w", pair, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, time.Time{}, fmt.Errorf("feed: ticker %s: status %d", pair, resp.StatusCode)
	}

	var body struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, time.Time{}, fmt.Errorf("feed: decode ticker %s: %w", pair, err)
	}

	price, err := strconv.ParseFloat(body.Price, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("feed: parse ticker price %q: %w", body.Price, err)
	}
	return price, time.Now().UTC(), nil
}
