// Package domain defines the core types shared by the execution engine: orders,
// quotes, balances, positions, order events, and the collaborator interfaces
// implemented by the cache, store, and feed layers.
package domain

import (
	"strings"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType selects the matching policy applied to an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further transition is possible from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderRequest is the caller-supplied intent to trade. LimitPrice is required
// for limit and stop-limit orders; StopPrice only for stop-limit.
type OrderRequest struct {
	Pair       string
	Side       OrderSide
	Type       OrderType
	Quantity   float64
	LimitPrice float64
	StopPrice  float64
}

// Order is the book-owned record of a request and its lifecycle. It is
// mutated only through book operations and becomes immutable once Status is
// terminal.
type Order struct {
	ID         string
	Seq        int64 // process-local submission order, used for tick priority
	Pair       string
	Side       OrderSide
	Type       OrderType
	Quantity   float64
	LimitPrice float64
	StopPrice  float64

	Status         OrderStatus
	FilledQuantity float64
	AvgFillPrice   float64
	Triggered      bool // stop-limit only: stop price has been crossed
	Reason         string

	ExchangeOrderID string // live mode: ID assigned by the remote venue

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() float64 {
	return o.Quantity - o.FilledQuantity
}

// BaseAsset returns the asset being traded for a pair like "BTC-USD".
func BaseAsset(pair string) string {
	base, _, _ := strings.Cut(pair, "-")
	return base
}

// QuoteAsset returns the pricing asset for a pair like "BTC-USD".
func QuoteAsset(pair string) string {
	_, quote, _ := strings.Cut(pair, "-")
	return quote
}

// ValidPair reports whether pair has the BASE-QUOTE shape.
func ValidPair(pair string) bool {
	base, quote, ok := strings.Cut(pair, "-")
	return ok && base != "" && quote != "" && !strings.Contains(quote, "-")
}
