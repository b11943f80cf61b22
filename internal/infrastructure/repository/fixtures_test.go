package repository

import (
	"context"
	"testing"

	"tally.com/internal/domain/entity"
	"tally.com/internal/domain/port"
)

const (
	userOne = "test_user@test.com"
	userTwo = "test_user2@test.com"
)

// seedAccounts provisions the fixture set used across store tests.
func seedAccounts(t *testing.T, store port.Provisioner) {
	t.Helper()

	fixtures := []struct {
		id      string
		name    string
		balance int64
		owner   string
	}{
		{"opex1", "opex", 100, userOne},
		{"savings1", "savings", 100, userOne},
		{"payroll1", "payroll", 100, userOne},
		{"opex2", "opex", 0, userTwo},
		{"savings2", "savings", 0, userTwo},
		{"special2", "test_user2_special_account", 1000, userTwo},
	}

	ctx := context.Background()
	for _, f := range fixtures {
		account := entity.Account{ID: f.id, Name: f.name, Balance: f.balance}
		if err := store.CreateAccount(ctx, account, entity.Ownership{OwnerID: f.owner}); err != nil {
			t.Fatalf("CreateAccount(%s) error = %v", f.id, err)
		}
	}
}

func balanceOf(t *testing.T, store port.LedgerStore, id string) int64 {
	t.Helper()

	account, err := store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount(%s) error = %v", id, err)
	}
	return account.Balance
}
