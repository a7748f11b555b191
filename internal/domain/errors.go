package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")
	ErrLockLost      = errors.New("lock lost")
	ErrTxReverted    = errors.New("transaction reverted")
	ErrNoPrice       = errors.New("no usable price")
	ErrInvalidSymbol = errors.New("invalid market symbol")
)
