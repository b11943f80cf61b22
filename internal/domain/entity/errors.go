package entity

import (
	"errors"
	"fmt"
)

// Caller-facing transfer outcomes.
var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBusy              = errors.New("resource is busy")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrInvalidRequest    = errors.New("invalid request")
)

// Storage-level signals returned by a LedgerStore.
var (
	ErrPreconditionFailed   = errors.New("balance precondition failed")
	ErrContention           = errors.New("concurrent write conflict")
	ErrIdempotencyMismatch  = errors.New("idempotency token reused with different parameters")
	ErrDuplicateAccountName = errors.New("owner already holds an account with this name")
	ErrAccountExists        = errors.New("account already exists")
)

// AccountNotFoundError names the owner/account pair that failed to resolve.
type AccountNotFoundError struct {
	Owner string
	Name  string
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("Account %s not found for user %s", e.Name, e.Owner)
}

// Is lets errors.Is(err, ErrAccountNotFound) match.
func (e *AccountNotFoundError) Is(target error) bool {
	return target == ErrAccountNotFound
}

// NewAccountNotFound builds an AccountNotFoundError.
func NewAccountNotFound(owner, name string) error {
	return &AccountNotFoundError{Owner: owner, Name: name}
}
