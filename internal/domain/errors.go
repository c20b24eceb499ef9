package domain

import "errors"

var (
	// ErrNotFound is returned when an order, quote, or reservation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks a malformed order request; the order is rejected,
	// not failed.
	ErrValidation = errors.New("invalid order request")

	// ErrInsufficientBalance is returned when a reservation cannot be covered
	// by the available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNoPriceAvailable is returned when the live feed failed and no quote
	// has ever been cached for the pair.
	ErrNoPriceAvailable = errors.New("no price available")

	// ErrInvalidTransition marks an illegal order status transition. Under
	// correct locking it never occurs; seeing it is a defect.
	ErrInvalidTransition = errors.New("invalid order transition")

	// ErrOrderNotCancelable is returned when cancel reaches an order that is
	// already terminal.
	ErrOrderNotCancelable = errors.New("order not cancelable")

	// ErrReservationClosed is returned on a double release or double settle
	// of the same reservation.
	ErrReservationClosed = errors.New("reservation already closed")

	// ErrGateway is returned when the remote venue rejected or failed a
	// confirmation in live mode.
	ErrGateway = errors.New("gateway error")
)
