package domain

import "time"

// QuoteSource tags where a price observation came from.
type QuoteSource string

const (
	QuoteSourceLive     QuoteSource = "live"
	QuoteSourceFallback QuoteSource = "fallback"
)

// Quote is a price observation for a trading pair at a point in time. It is
// transient: consumed by the matching decision and never persisted.
type Quote struct {
	Pair      string
	Price     float64
	Timestamp time.Time
	Source    QuoteSource
}

// Stale reports whether the observation is older than maxAge. A zero maxAge
// disables the check.
func (q Quote) Stale(maxAge time.Duration, now time.Time) bool {
	return maxAge > 0 && now.Sub(q.Timestamp) > maxAge
}
