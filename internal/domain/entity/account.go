package entity

import "time"

// RoleOwner is the default role of an ownership record.
const RoleOwner = "owner"

// Account is a balance-bearing ledger entity. Balance is expressed in
// currency minor units and never goes below zero.
type Account struct {
	ID        string    `json:"id" db:"id" yaml:"id"`
	Name      string    `json:"name" db:"name" yaml:"name"`
	Balance   int64     `json:"balance" db:"balance" yaml:"balance"`
	CreatedAt time.Time `json:"created_at" db:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at" yaml:"-"`
}

// Ownership grants an owner identity access to an account under a display name.
type Ownership struct {
	OwnerID     string    `json:"owner_id" db:"owner_id"`
	AccountID   string    `json:"account_id" db:"account_id"`
	AccountName string    `json:"account_name" db:"account_name"`
	Role        string    `json:"role" db:"role"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// AccountRef is the result of resolving (owner, display name).
type AccountRef struct {
	ID      string
	OwnerID string
	Name    string
}

// BalanceResponse is returned by the balance inquiry.
type BalanceResponse struct {
	Partner string `json:"partner"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

// PickOwnership returns the ownership record that wins resolution among
// several records sharing a display name: earliest created, then smallest
// account id.
func PickOwnership(records []Ownership) (Ownership, bool) {
	if len(records) == 0 {
		return Ownership{}, false
	}
	best := records[0]
	for _, rec := range records[1:] {
		if rec.CreatedAt.Before(best.CreatedAt) ||
			(rec.CreatedAt.Equal(best.CreatedAt) && rec.AccountID < best.AccountID) {
			best = rec
		}
	}
	return best, true
}
