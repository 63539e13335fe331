package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrSpecInvalid      = errors.New("invalid strategy spec")
	ErrSigningFailed    = errors.New("signing failed")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrLockHeld         = errors.New("lock already held")
	ErrTerminal         = errors.New("strategy in terminal state")
	ErrTransferActive   = errors.New("transfer already active for direction")
	ErrOutboundExceeded = errors.New("outbound transfers would exceed net amount")
	ErrSettlementFrozen = errors.New("settlement already confirmed")
)

// ConflictError is returned by the ledger when a compare-and-swap write
// carries a stale version. The caller must reload and re-evaluate; retrying
// the same write verbatim would overwrite another owner's progress.
type ConflictError struct {
	StrategyID      string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on strategy %s: expected %d, found %d",
		e.StrategyID, e.ExpectedVersion, e.ActualVersion)
}

// TransientVenueError wraps a venue failure that is safe to retry with
// backoff: timeouts, rate limits, 5xx responses.
type TransientVenueError struct {
	Venue string
	Op    string
	Err   error
}

func (e *TransientVenueError) Error() string {
	return fmt.Sprintf("transient venue error (%s %s): %v", e.Venue, e.Op, e.Err)
}

func (e *TransientVenueError) Unwrap() error { return e.Err }

// TransientBridgeError wraps a bridge failure that is safe to retry or keep
// polling, subject to the configured transfer timeout.
type TransientBridgeError struct {
	Op  string
	Err error
}

func (e *TransientBridgeError) Error() string {
	return fmt.Sprintf("transient bridge error (%s): %v", e.Op, e.Err)
}

func (e *TransientBridgeError) Unwrap() error { return e.Err }

// FatalStrategyError marks a strategy as beyond automatic progression:
// validation failures, venue rejections, exhausted retry budgets. The worker
// translates it into the Failed state with the carried stage and reason.
type FatalStrategyError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *FatalStrategyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal strategy error at %s: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("fatal strategy error at %s: %s", e.Stage, e.Reason)
}

func (e *FatalStrategyError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable at the worker boundary.
func IsTransient(err error) bool {
	var ve *TransientVenueError
	var be *TransientBridgeError
	return errors.As(err, &ve) || errors.As(err, &be)
}

// IsConflict reports whether err is a ledger version conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// AsFatal extracts a FatalStrategyError from err's chain, if present.
func AsFatal(err error) (*FatalStrategyError, bool) {
	var fe *FatalStrategyError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
