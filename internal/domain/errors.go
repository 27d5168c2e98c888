package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrMarketLocked  = errors.New("market locked by open trade")
	ErrInvalidPrice  = errors.New("entry price outside [0,1]")
	ErrInvalidAction = errors.New("invalid action")
	ErrMissingSize   = errors.New("missing size")
	ErrInvalidSize   = errors.New("invalid size")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrNoProvider    = errors.New("no market data provider")
	ErrLockHeld      = errors.New("lock already held")
)
