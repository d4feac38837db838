package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrLockHeld     = errors.New("lock already held")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")

	ErrDataStale              = errors.New("market data stale")
	ErrDuplicatePosition      = errors.New("position already exists for symbol")
	ErrNotOpen                = errors.New("position not open")
	ErrRiskRejected           = errors.New("rejected by risk governor")
	ErrTransient              = errors.New("transient execution failure")
	ErrExecutionFailed        = errors.New("execution failed")
	ErrOrderRejected          = errors.New("order rejected by brokerage")
	ErrReconciliationMismatch = errors.New("brokerage state disagrees with intent")
	ErrSessionClosed          = errors.New("session closed")
)
