package engine

import "errors"

// Every operation reports failures as one of these kinds. The api layer
// maps them to HTTP status codes; callers match with errors.Is.
var (
	ErrNotFound = errors.New("not found")

	// Market creation / settlement input.
	ErrInvalidOptions  = errors.New("market needs at least two options")
	ErrInvalidDuration = errors.New("duration must be positive")
	ErrInvalidOption   = errors.New("option index out of range")
	ErrInvalidAmount   = errors.New("amount must be positive")

	// State-machine guards.
	ErrDeadlinePassed = errors.New("market deadline has passed")
	ErrNotSettled     = errors.New("market not settled")
	ErrAlreadySettled = errors.New("market already settled")
	ErrMarketClosed   = errors.New("market is closed")

	// Identity policy.
	ErrUnauthorized          = errors.New("not authorized")
	ErrCreatorCannotStake    = errors.New("creator cannot stake on own market")
	ErrCreatorCannotPurchase = errors.New("creator cannot purchase on own market")
	ErrSelfTrade             = errors.New("cannot fill own order")

	// Ledger guards.
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrBelowMinimum         = errors.New("stake below minimum")
	ErrInsufficientPosition = errors.New("amount exceeds unlocked position")

	// Idempotency / ownership.
	ErrAlreadyClaimed = errors.New("reward already claimed")
	ErrNoPosition     = errors.New("no position held")
	ErrNotWinner      = errors.New("option did not win")
	ErrOrderInactive  = errors.New("order is not active")
)
