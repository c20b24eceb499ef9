// Package binance implements the live-mode gateway adapter against the
// Binance spot REST API. The engine treats this venue's confirmed state as
// the source of truth and reconciles local orders to match it.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alcyone-trading/execbot/internal/crypto"
	"github.com/alcyone-trading/execbot/internal/domain"
	"github.com/alcyone-trading/execbot/internal/feed"
)

// defaultHost is the production spot API; use the testnet host for dry runs.
const defaultHost = "https://api.binance.com"

// Client is the REST gateway to the exchange. It implements engine.Gateway.
//
// Exchange order IDs are returned in "SYMBOL:id" form because the venue
// requires the symbol on every follow-up call.
type Client struct {
	host       string
	auth       *crypto.HMACAuth
	httpClient *http.Client
}

// New creates a gateway client (empty host for production).
func New(host string, auth *crypto.HMACAuth) *Client {
	if host == "" {
		host = defaultHost
	}
	return &Client{
		host:       strings.TrimRight(host, "/"),
		auth:       auth,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// venueOrder is the subset of the venue order payload we consume.
type venueOrder struct {
	Symbol  string `json:"symbol"`
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
}

// ConfirmOrder forwards a locally validated order to the venue and returns
// the exchange order ID.
func (c *Client) ConfirmOrder(ctx context.Context, order domain.Order) (string, error) {
	params := url.Values{}
	params.Set("symbol", feed.Symbol(order.Pair))
	params.Set("side", strings.ToUpper(string(order.Side)))
	params.Set("quantity", strconv.FormatFloat(order.Quantity, 'f', -1, 64))

	switch order.Type {
	case domain.OrderTypeMarket:
		params.Set("type", "MARKET")
	case domain.OrderTypeLimit:
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", strconv.FormatFloat(order.LimitPrice, 'f', -1, 64))
	case domain.OrderTypeStopLimit:
		params.Set("type", "STOP_LOSS_LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", strconv.FormatFloat(order.LimitPrice, 'f', -1, 64))
		params.Set("stopPrice", strconv.FormatFloat(order.StopPrice, 'f', -1, 64))
	default:
		return "", fmt.Errorf("binance: unsupported order type %s", order.Type)
	}

	var resp venueOrder
	if err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return "", fmt.Errorf("binance: confirm order %s: %w", order.ID, err)
	}
	return fmt.Sprintf("%s:%d", resp.Symbol, resp.OrderID), nil
}

// CancelOrder cancels an order on the venue.
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	symbol, id, err := splitExchangeID(exchangeOrderID)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(id, 10))

	var resp venueOrder
	if err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params, &resp); err != nil {
		return fmt.Errorf("binance: cancel order %s: %w", exchangeOrderID, err)
	}
	return nil
}

// PollStatus queries the venue's view of an order's status.
func (c *Client) PollStatus(ctx context.Context, exchangeOrderID string) (domain.OrderStatus, error) {
	symbol, id, err := splitExchangeID(exchangeOrderID)
	if err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(id, 10))

	var resp venueOrder
	if err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params, &resp); err != nil {
		return "", fmt.Errorf("binance: poll order %s: %w", exchangeOrderID, err)
	}
	return mapStatus(resp.Status), nil
}

// doSigned executes a signed request: timestamp and signature are appended to
// the query string and the API key travels in the header.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, out any) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := params.Encode()
	query += "&signature=" + c.auth.Sign(query)

	req, err := http.NewRequestWithContext(ctx, method, c.host+path+"?"+query, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.auth.Key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			return fmt.Errorf("status %d: %s (code %d)", resp.StatusCode, apiErr.Msg, apiErr.Code)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func splitExchangeID(exchangeOrderID string) (string, int64, error) {
	symbol, idStr, ok := strings.Cut(exchangeOrderID, ":")
	if !ok {
		return "", 0, fmt.Errorf("binance: malformed exchange order id %q", exchangeOrderID)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("binance: malformed exchange order id %q: %w", exchangeOrderID, err)
	}
	return symbol, id, nil
}

// mapStatus translates venue order statuses to local ones.
func mapStatus(s string) domain.OrderStatus {
	switch s {
	case "NEW":
		return domain.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartiallyFilled
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED", "EXPIRED", "PENDING_CANCEL":
		return domain.OrderStatusCanceled
	case "REJECTED":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusOpen
	}
}
