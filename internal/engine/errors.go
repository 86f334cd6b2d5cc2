package engine

import "errors"

var (
	// ErrExpired rejects conversions attempted after the offer window closed.
	ErrExpired = errors.New("engine: offer window has expired")

	// ErrUnauthorized rejects calls on a stream by anyone but its owner.
	ErrUnauthorized = errors.New("engine: caller does not own the stream")

	// ErrInvalidRecipient rejects the zero principal as a recipient.
	ErrInvalidRecipient = errors.New("engine: recipient is the zero principal")

	// ErrZeroAmount rejects conversions whose input is zero or floors to a
	// zero output amount.
	ErrZeroAmount = errors.New("engine: amount converts to zero output units")

	// ErrInsufficientReserves rejects operations that would leave the
	// custody reserve unable to cover outstanding vesting obligations.
	ErrInsufficientReserves = errors.New("engine: reserve cannot cover obligations")

	// ErrStreamNotFound rejects transfers of a stream with no balance.
	ErrStreamNotFound = errors.New("engine: stream has no balance")
)
