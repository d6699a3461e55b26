package types

import (
	"context"
	"errors"
)

var (
	ErrNotFound           = errors.New("coinmeter: not found")
	ErrInvalidInput       = errors.New("coinmeter: invalid input")
	ErrForbidden          = errors.New("coinmeter: forbidden")
	ErrInsufficientFunds  = errors.New("coinmeter: insufficient funds")
	ErrInvalidState       = errors.New("coinmeter: invalid state for transition")
	ErrDuplicate          = errors.New("coinmeter: duplicate operation")
	ErrDuplicateRequest   = errors.New("coinmeter: an open call already exists between these users")
	ErrCreatorUnavailable = errors.New("coinmeter: creator unavailable")

	// ErrTimeout and ErrUnavailable mean the outcome is unknown. Retry only
	// with the same idempotency key.
	ErrTimeout     = errors.New("coinmeter: datastore timeout")
	ErrUnavailable = errors.New("coinmeter: datastore unavailable")
)

// IsRetryable returns true if the operation may be retried with the same
// idempotency key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// IsBusinessRefusal returns true for definitive outcomes that a retry will not change.
func IsBusinessRefusal(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.Is(err, ErrCreatorUnavailable)
}

// FromContext maps context expiry onto ErrTimeout so callers never read a
// deadline as a definitive refusal.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}
