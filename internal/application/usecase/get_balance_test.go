package usecase

import (
	"context"
	"errors"
	"testing"

	"tally.com/internal/domain/entity"
)

func TestGetBalanceUseCase_Execute(t *testing.T) {
	tests := []struct {
		name        string
		owner       string
		account     string
		resolveErr  error
		ledgerRes   *entity.Account
		ledgerErr   error
		wantErr     error
		wantText    string
		wantBalance *entity.BalanceResponse
	}{
		{
			name:        "successful balance retrieval",
			owner:       userOne,
			account:     "opex",
			ledgerRes:   &entity.Account{ID: "opex1", Name: "opex", Balance: 100},
			wantBalance: &entity.BalanceResponse{Partner: userOne, Name: "opex", Balance: 100},
		},
		{
			name:       "account not owned",
			owner:      userOne,
			account:    "special",
			resolveErr: entity.NewAccountNotFound(userOne, "special"),
			wantErr:    entity.ErrAccountNotFound,
			wantText:   "Account special not found for user test_user@test.com",
		},
		{
			name:      "account vanished after resolution",
			owner:     userOne,
			account:   "opex",
			ledgerErr: entity.ErrAccountNotFound,
			wantErr:   entity.ErrAccountNotFound,
			wantText:  "Account opex not found for user test_user@test.com",
		},
		{
			name:      "ledger error",
			owner:     userOne,
			account:   "opex",
			ledgerErr: errors.New("repository error"),
		},
		{
			name:    "missing owner",
			account: "opex",
			wantErr: entity.ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			directory := &mockDirectory{
				resolveFunc: func(ctx context.Context, ownerID, displayName string) (entity.AccountRef, error) {
					if tt.resolveErr != nil {
						return entity.AccountRef{}, tt.resolveErr
					}
					return entity.AccountRef{ID: "opex1", OwnerID: ownerID, Name: displayName}, nil
				},
			}
			ledger := &mockLedger{
				getAccountFunc: func(ctx context.Context, accountID string) (*entity.Account, error) {
					return tt.ledgerRes, tt.ledgerErr
				},
			}

			useCase := NewGetBalanceUseCase(directory, ledger)
			result, err := useCase.Execute(context.Background(), tt.owner, tt.account)

			wantAnyErr := tt.wantErr != nil || tt.ledgerErr != nil
			if (err != nil) != wantAnyErr {
				t.Fatalf("GetBalanceUseCase.Execute() error = %v, wantErr %v", err, wantAnyErr)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("GetBalanceUseCase.Execute() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantText != "" && err.Error() != tt.wantText {
				t.Errorf("GetBalanceUseCase.Execute() error text = %q, want %q", err.Error(), tt.wantText)
			}
			if tt.wantBalance != nil && *result != *tt.wantBalance {
				t.Errorf("Result = %+v, want %+v", *result, *tt.wantBalance)
			}
		})
	}
}
