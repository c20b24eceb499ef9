package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alcyone-trading/execbot/internal/domain"
)

// defaultWSHost is the Binance combined-stream endpoint.
const defaultWSHost = "wss://stream.binance.com:9443"

// TickHandler is invoked for every price tick received from the stream.
type TickHandler func(ctx context.Context, quote domain.Quote)

// WSFeed subscribes to miniTicker streams for a set of pairs and invokes the
// handler on each tick. It reconnects with backoff on disconnect; the engine
// stays reactive and simply sees a gap in ticks while the feed is down.
type WSFeed struct {
	host     string
	pairs    []string
	bySymbol map[string]string
	onTick   TickHandler
	logger   *slog.Logger
}

// NewWSFeed creates a feed for the given pairs (empty host for the public
// endpoint).
func NewWSFeed(host string, pairs []string, onTick TickHandler, logger *slog.Logger) *WSFeed {
	if host == "" {
		host = defaultWSHost
	}
	bySymbol := make(map[string]string, len(pairs))
	for _, p := range pairs {
		bySymbol[Symbol(p)] = p
	}
	return &WSFeed{
		host:     strings.TrimRight(host, "/"),
		pairs:    pairs,
		bySymbol: bySymbol,
		onTick:   onTick,
		logger:   logger.With(slog.String("component", "ws_feed")),
	}
}

// Run connects and streams ticks until ctx is cancelled, reconnecting with a
// fixed backoff on failure.
func (f *WSFeed) Run(ctx context.Context) error {
	if len(f.pairs) == 0 {
		f.logger.Info("no pairs to stream, exiting")
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.runConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("stream disconnected, reconnecting",
				slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *WSFeed) streamURL() string {
	streams := make([]string, 0, len(f.pairs))
	for _, p := range f.pairs {
		streams = append(streams, strings.ToLower(Symbol(p))+"@miniTicker")
	}
	return f.host + "/stream?streams=" + strings.Join(streams, "/")
}

func (f *WSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("feed: dial stream: %w", err)
	}
	defer conn.Close()

	f.logger.Info("stream connected", slog.Int("pairs", len(f.pairs)))

	// Unblock ReadMessage when ctx is cancelled. done releases the watchdog
	// when this connection ends, so reconnects do not accumulate goroutines.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read stream: %w", err)
		}
		f.handleMessage(ctx, msg)
	}
}

// miniTicker is the subset of the Binance miniTicker payload we consume.
type miniTicker struct {
	Stream string `json:"stream"`
	Data   struct {
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Close     string `json:"c"`
	} `json:"data"`
}

func (f *WSFeed) handleMessage(ctx context.Context, msg []byte) {
	var tick miniTicker
	if err := json.Unmarshal(msg, &tick); err != nil {
		f.logger.Warn("malformed stream message", slog.String("error", err.Error()))
		return
	}
	pair, ok := f.bySymbol[tick.Data.Symbol]
	if !ok {
		return
	}
	price, err := strconv.ParseFloat(tick.Data.Close, 64)
	if err != nil {
		f.logger.Warn("malformed tick price",
			slog.String("symbol", tick.Data.Symbol),
			slog.String("price", tick.Data.Close),
		)
		return
	}

	ts := time.UnixMilli(tick.Data.EventTime).UTC()
	if tick.Data.EventTime == 0 {
		ts = time.Now().UTC()
	}
	if f.onTick != nil {
		f.onTick(ctx, domain.Quote{
			Pair:      pair,
			Price:     price,
			Timestamp: ts,
			Source:    domain.QuoteSourceLive,
		})
	}
}
