package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrLedgerInvariant   = errors.New("ledger invariant violation")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrWalletExists      = errors.New("wallet already exists")
	ErrPersistence       = errors.New("ledger persistence unavailable")
	ErrAlertNotFound     = errors.New("reconciliation alert not found")
)

// InvariantError reports a rejected post. Nothing from the post was committed.
type InvariantError struct {
	Reason string
	Cause  error
}

func (e *InvariantError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrLedgerInvariant, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", ErrLedgerInvariant, e.Reason)
}

func (e *InvariantError) Is(target error) bool {
	return target == ErrLedgerInvariant
}

func (e *InvariantError) Unwrap() error {
	return e.Cause
}

func invariant(reason string, cause error) error {
	return &InvariantError{Reason: reason, Cause: cause}
}
