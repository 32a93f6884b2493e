// Package apperr holds the error taxonomy shared by the ledger, gateway and refund packages.
// Business errors are returned to callers as-is; only ErrPersistence marks an infrastructure fault.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConflict               = errors.New("conflict")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrRetryExhausted         = errors.New("retry budget exhausted")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrPersistence            = errors.New("persistence failure")
)

// ErrAlreadyReversed also matches ErrConflict.
var ErrAlreadyReversed = fmt.Errorf("%w: entry already reversed", ErrConflict)

var business = []error{
	ErrNotFound,
	ErrInvalidStateTransition,
	ErrAlreadyReversed,
	ErrConflict,
	ErrInvalidAmount,
	ErrRetryExhausted,
	ErrInvalidArgument,
}

// IsBusiness reports whether err is a business-rule violation that must never be retried.
func IsBusiness(err error) bool {
	for _, b := range business {
		if errors.Is(err, b) {
			return true
		}
	}
	return false
}
