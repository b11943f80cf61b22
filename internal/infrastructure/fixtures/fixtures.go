// Package fixtures provisions accounts and ownership records from a YAML file.
package fixtures

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"tally.com/internal/domain/entity"
	"tally.com/internal/domain/port"
	"tally.com/internal/infrastructure/logger"
)

// File is the top-level fixture document.
type File struct {
	Accounts []Account `yaml:"accounts"`
}

// Account is one account and the owners that can see it.
type Account struct {
	ID      string  `yaml:"id,omitempty"`
	Name    string  `yaml:"name"`
	Balance int64   `yaml:"balance"`
	Owners  []Owner `yaml:"owners"`
}

// Owner grants an identity access to the account. Name defaults to the
// account name.
type Owner struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
	Role string `yaml:"role,omitempty"`
}

// UnmarshalYAML accepts either a bare owner id or a mapping.
func (o *Owner) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		o.ID = node.Value
		return nil
	}
	type plain Owner
	return node.Decode((*plain)(o))
}

// Parse decodes a fixture document, rejecting unknown fields.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}

	for i, a := range f.Accounts {
		if a.Name == "" {
			return nil, fmt.Errorf("account #%d: name is required", i+1)
		}
		if a.Balance < 0 {
			return nil, fmt.Errorf("account %q: balance must not be negative", a.Name)
		}
		for _, o := range a.Owners {
			if o.ID == "" {
				return nil, fmt.Errorf("account %q: owner id is required", a.Name)
			}
		}
	}
	return &f, nil
}

// ParseFile reads and decodes path.
func ParseFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	return Parse(bytes.NewReader(raw))
}

// Apply provisions every account in f. Accounts that already exist are
// skipped so a fixture file can be applied repeatedly.
func Apply(ctx context.Context, store port.Provisioner, f *File, log logger.Logger) (created int, err error) {
	for _, a := range f.Accounts {
		id := a.ID
		if id == "" {
			id = uuid.NewString()
		}

		owners := make([]entity.Ownership, 0, len(a.Owners))
		for _, o := range a.Owners {
			owners = append(owners, entity.Ownership{OwnerID: o.ID, AccountName: o.Name, Role: o.Role})
		}

		err := store.CreateAccount(ctx, entity.Account{ID: id, Name: a.Name, Balance: a.Balance}, owners...)
		switch {
		case errors.Is(err, entity.ErrAccountExists):
			log.LogInfo(ctx, "Account already provisioned, skipping", "account_id", id)
		case err != nil:
			return created, fmt.Errorf("account %q: %w", a.Name, err)
		default:
			created++
		}
	}
	return created, nil
}
