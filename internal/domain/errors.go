package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrRateLimited          = errors.New("rate limited")
	ErrNotRecognized        = errors.New("message not recognized")
	ErrInvalidPrice         = errors.New("invalid price")
	ErrSubscriptionRejected = errors.New("subscription rejected")
	ErrConnectTimeout       = errors.New("connect timeout")
	ErrRetryExhausted       = errors.New("retry attempts exhausted")
	ErrUnknownExchange      = errors.New("unknown exchange")
	ErrUnsupportedSymbol    = errors.New("unsupported symbol")
	ErrClosed               = errors.New("closed")
	ErrLockHeld             = errors.New("lock held")
)
