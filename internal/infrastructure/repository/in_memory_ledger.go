package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"tally.com/internal/domain/entity"
	"tally.com/internal/domain/port"
	"tally.com/internal/infrastructure/logger"
)

var _ port.Store = (*InMemoryLedger)(nil)

type accountRecord struct {
	account entity.Account
	version uint64
}

// InMemoryLedger implements port.Store with optimistic concurrency: a
// transfer snapshots account versions, then commits only if neither account
// changed in between. A lost race surfaces as entity.ErrContention.
type InMemoryLedger struct {
	mu       sync.RWMutex
	accounts map[string]*accountRecord
	owners   map[string][]entity.Ownership
	tokens   *ttlcache.Cache[string, entity.TransferInstruction]
	logger   logger.Logger
	now      func() time.Time
	stopOnce sync.Once

	// beforeCommit runs between the snapshot and the commit. Tests use it
	// to force a conflicting write.
	beforeCommit func()
}

// NewInMemoryLedger creates a new in-memory ledger that remembers committed
// idempotency tokens for the retention window.
func NewInMemoryLedger(logger logger.Logger, retention time.Duration) *InMemoryLedger {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	tokens := ttlcache.New[string, entity.TransferInstruction](
		ttlcache.WithTTL[string, entity.TransferInstruction](retention),
		ttlcache.WithDisableTouchOnHit[string, entity.TransferInstruction](),
	)
	go tokens.Start()

	return &InMemoryLedger{
		accounts: make(map[string]*accountRecord),
		owners:   make(map[string][]entity.Ownership),
		tokens:   tokens,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateAccount stores an account and its ownership records.
func (l *InMemoryLedger) CreateAccount(ctx context.Context, account entity.Account, owners ...entity.Ownership) error {
	if account.Balance < 0 {
		return fmt.Errorf("%w: negative opening balance", entity.ErrInvalidRequest)
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.accounts[account.ID]; exists {
		return fmt.Errorf("%w: %s", entity.ErrAccountExists, account.ID)
	}

	now := l.now().UTC()
	records, err := normalizeOwnerships(owners, account, now)
	if err != nil {
		return err
	}
	for _, rec := range records {
		for _, existing := range l.owners[rec.OwnerID] {
			if existing.AccountName == rec.AccountName {
				return fmt.Errorf("%w: %s/%s", entity.ErrDuplicateAccountName, rec.OwnerID, rec.AccountName)
			}
		}
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	l.accounts[account.ID] = &accountRecord{account: account}
	for _, rec := range records {
		l.owners[rec.OwnerID] = append(l.owners[rec.OwnerID], rec)
	}

	l.logger.LogInfo(ctx, "Account created",
		"account_id", account.ID,
		"name", account.Name,
		"balance", account.Balance,
		"owners", len(records))

	return nil
}

// ResolveAccount finds the account an owner holds under displayName.
func (l *InMemoryLedger) ResolveAccount(ctx context.Context, ownerID, displayName string) (entity.AccountRef, error) {
	if ownerID == "" || displayName == "" {
		return entity.AccountRef{}, fmt.Errorf("%w: owner and account name are required", entity.ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return entity.AccountRef{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var matches []entity.Ownership
	for _, rec := range l.owners[ownerID] {
		if rec.AccountName == displayName {
			matches = append(matches, rec)
		}
	}

	rec, ok := entity.PickOwnership(matches)
	if !ok {
		return entity.AccountRef{}, entity.NewAccountNotFound(ownerID, displayName)
	}
	return entity.AccountRef{ID: rec.AccountID, OwnerID: ownerID, Name: rec.AccountName}, nil
}

// GetAccount returns a copy of the account record.
func (l *InMemoryLedger) GetAccount(ctx context.Context, accountID string) (*entity.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrAccountNotFound, accountID)
	}
	account := rec.account
	return &account, nil
}

// AtomicTransfer debits the source and credits the destination as one unit.
func (l *InMemoryLedger) AtomicTransfer(ctx context.Context, ins entity.TransferInstruction) error {
	if err := validateInstruction(ins); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.RLock()
	src, srcOK := l.accounts[ins.SourceID]
	dst, dstOK := l.accounts[ins.DestinationID]
	var srcVersion, dstVersion uint64
	if srcOK && dstOK {
		srcVersion, dstVersion = src.version, dst.version
	}
	l.mu.RUnlock()

	if !srcOK {
		return fmt.Errorf("%w: %s", entity.ErrAccountNotFound, ins.SourceID)
	}
	if !dstOK {
		return fmt.Errorf("%w: %s", entity.ErrAccountNotFound, ins.DestinationID)
	}

	if l.beforeCommit != nil {
		l.beforeCommit()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if ins.Token != "" {
		if item := l.tokens.Get(ins.Token); item != nil {
			if !item.Value().SameAs(ins) {
				return fmt.Errorf("%w: %s", entity.ErrIdempotencyMismatch, ins.Token)
			}
			l.logger.LogInfo(ctx, "Duplicate transfer token, skipping", "token", ins.Token)
			return nil
		}
	}

	if src.version != srcVersion || dst.version != dstVersion {
		return fmt.Errorf("%w: accounts %s, %s", entity.ErrContention, ins.SourceID, ins.DestinationID)
	}

	if src.account.Balance < ins.Amount {
		return fmt.Errorf("%w: balance %d, amount %d", entity.ErrPreconditionFailed, src.account.Balance, ins.Amount)
	}

	if dst.account.Balance > math.MaxInt64-ins.Amount {
		return fmt.Errorf("%w: account %s", errBalanceOverflow, ins.DestinationID)
	}

	now := l.now().UTC()
	src.account.Balance -= ins.Amount
	src.account.UpdatedAt = now
	src.version++
	dst.account.Balance += ins.Amount
	dst.account.UpdatedAt = now
	dst.version++

	if ins.Token != "" {
		l.tokens.Set(ins.Token, ins, ttlcache.DefaultTTL)
	}

	l.logger.LogInfo(ctx, "Transfer committed",
		"source", ins.SourceID,
		"destination", ins.DestinationID,
		"amount", ins.Amount,
		"token", ins.Token,
		"source_balance", src.account.Balance,
		"destination_balance", dst.account.Balance)

	return nil
}

// Ping always succeeds for the in-memory store.
func (l *InMemoryLedger) Ping(context.Context) error { return nil }

// Close stops the token expiry loop.
func (l *InMemoryLedger) Close() error {
	l.stopOnce.Do(l.tokens.Stop)
	return nil
}

func normalizeOwnership(o entity.Ownership, account entity.Account, now time.Time) entity.Ownership {
	o.AccountID = account.ID
	if o.AccountName == "" {
		o.AccountName = account.Name
	}
	if o.Role == "" {
		o.Role = entity.RoleOwner
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	return o
}

var errBalanceOverflow = errors.New("credit would overflow balance")

// validateInstruction rejects instructions no backend may apply.
func validateInstruction(ins entity.TransferInstruction) error {
	if ins.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", entity.ErrInvalidRequest, ins.Amount)
	}
	return nil
}

// normalizeOwnerships fills defaults on each record and rejects an owner
// listed twice under the same name.
func normalizeOwnerships(owners []entity.Ownership, account entity.Account, now time.Time) ([]entity.Ownership, error) {
	records := make([]entity.Ownership, 0, len(owners))
	seen := make(map[[2]string]struct{}, len(owners))
	for _, o := range owners {
		rec := normalizeOwnership(o, account, now)
		key := [2]string{rec.OwnerID, rec.AccountName}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %s/%s", entity.ErrDuplicateAccountName, rec.OwnerID, rec.AccountName)
		}
		seen[key] = struct{}{}
		records = append(records, rec)
	}
	return records, nil
}
