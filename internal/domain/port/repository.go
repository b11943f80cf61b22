package port

import (
	"context"

	"tally.com/internal/domain/entity"
)

// AccountDirectory resolves a human-facing (owner, display name) pair to an account.
type AccountDirectory interface {
	ResolveAccount(ctx context.Context, ownerID, displayName string) (entity.AccountRef, error)
}

// LedgerStore holds account records and performs the atomic dual-entry transfer.
//
// AtomicTransfer returns nil, entity.ErrPreconditionFailed, entity.ErrContention,
// entity.ErrIdempotencyMismatch or an opaque error. A resubmitted instruction
// carrying an already-committed token returns nil without applying twice.
type LedgerStore interface {
	GetAccount(ctx context.Context, accountID string) (*entity.Account, error)
	AtomicTransfer(ctx context.Context, instruction entity.TransferInstruction) error
}

// Provisioner creates accounts and their ownership records.
type Provisioner interface {
	CreateAccount(ctx context.Context, account entity.Account, owners ...entity.Ownership) error
}

// Store is the full storage backend handed to the application at startup.
type Store interface {
	AccountDirectory
	LedgerStore
	Provisioner
	Ping(ctx context.Context) error
	Close() error
}
