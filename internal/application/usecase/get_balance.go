package usecase

import (
	"context"
	"errors"
	"fmt"

	"tally.com/internal/domain/entity"
	"tally.com/internal/domain/port"
)

// GetBalanceUseCase handles balance retrieval
type GetBalanceUseCase struct {
	directory port.AccountDirectory
	ledger    port.LedgerStore
}

// NewGetBalanceUseCase creates a new GetBalanceUseCase
func NewGetBalanceUseCase(directory port.AccountDirectory, ledger port.LedgerStore) *GetBalanceUseCase {
	return &GetBalanceUseCase{
		directory: directory,
		ledger:    ledger,
	}
}

// Execute resolves the caller's account by name and returns its balance
func (uc *GetBalanceUseCase) Execute(ctx context.Context, ownerID, accountName string) (*entity.BalanceResponse, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: missing requester identity", entity.ErrInvalidRequest)
	}

	ref, err := uc.directory.ResolveAccount(ctx, ownerID, accountName)
	if err != nil {
		return nil, err
	}

	account, err := uc.ledger.GetAccount(ctx, ref.ID)
	if err != nil {
		if errors.Is(err, entity.ErrAccountNotFound) {
			return nil, entity.NewAccountNotFound(ownerID, accountName)
		}
		return nil, err
	}

	return &entity.BalanceResponse{
		Partner: ownerID,
		Name:    account.Name,
		Balance: account.Balance,
	}, nil
}
