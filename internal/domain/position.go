package domain

import "time"

// Position is the net holding in a trading pair, derived entirely from the
// fold of fills. Quantity is signed: positive long, negative short.
type Position struct {
	Pair          string
	Quantity      float64
	AvgEntryPrice float64
	UpdatedAt     time.Time
}

// Balance holds the funds of a single asset. Available can be spent;
// Locked is reserved by open orders.
type Balance struct {
	Asset     string
	Available float64
	Locked    float64
}

// Total returns available plus locked funds.
func (b Balance) Total() float64 {
	return b.Available + b.Locked
}
