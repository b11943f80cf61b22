package entity

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	maxAmount = decimal.NewFromInt(math.MaxInt64)
	minAmount = decimal.NewFromInt(math.MinInt64)
)

// Amount is a quantity of currency minor units. It decodes from a JSON number
// or numeric string and rejects anything that is not a whole int64.
type Amount int64

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("%w: amount: %v", ErrInvalidRequest, err)
	}
	if !d.IsInteger() {
		return fmt.Errorf("%w: amount must be a whole number of minor units", ErrInvalidRequest)
	}
	if d.GreaterThan(maxAmount) || d.LessThan(minAmount) {
		return fmt.Errorf("%w: amount out of range", ErrInvalidRequest)
	}
	*a = Amount(d.IntPart())
	return nil
}

// TransferRequest is the inbound transfer payload.
type TransferRequest struct {
	SourceAccountName      string `json:"source_account_name"`
	DestinationAccountName string `json:"destination_account_name"`
	Amount                 Amount `json:"amount"`
	Partner                string `json:"partner"`
}

// Validate checks the request shape before any lookup happens.
func (r *TransferRequest) Validate() error {
	if r.SourceAccountName == "" {
		return fmt.Errorf("%w: missing required field: source_account_name", ErrInvalidRequest)
	}
	if r.DestinationAccountName == "" {
		return fmt.Errorf("%w: missing required field: destination_account_name", ErrInvalidRequest)
	}
	if r.Partner == "" {
		return fmt.Errorf("%w: missing required field: partner", ErrInvalidRequest)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	return nil
}

// TransferInstruction is what the coordinator hands to the ledger store.
type TransferInstruction struct {
	SourceID      string
	DestinationID string
	Amount        int64
	Token         string
}

// SameAs reports whether two instructions describe the same balance change.
func (t TransferInstruction) SameAs(other TransferInstruction) bool {
	return t.SourceID == other.SourceID &&
		t.DestinationID == other.DestinationID &&
		t.Amount == other.Amount
}

// TransferReceipt describes a committed transfer.
type TransferReceipt struct {
	Token              string `json:"token"`
	SourceAccount      string `json:"source_account_name"`
	DestinationAccount string `json:"destination_account_name"`
	Partner            string `json:"partner"`
	Amount             int64  `json:"amount"`
	Attempts           int    `json:"attempts"`
}

// Outcome is the terminal state of a transfer call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAccountNotFound
	OutcomeInsufficientFunds
	OutcomeBusy
	OutcomeTransferFailed
	OutcomeInvalidRequest
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAccountNotFound:
		return "account_not_found"
	case OutcomeInsufficientFunds:
		return "insufficient_funds"
	case OutcomeBusy:
		return "busy"
	case OutcomeInvalidRequest:
		return "invalid_request"
	default:
		return "transfer_failed"
	}
}

// OutcomeOf classifies an error returned by the transfer coordinator.
// Unknown errors degrade to OutcomeTransferFailed.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrTransferFailed):
		return OutcomeTransferFailed
	case errors.Is(err, ErrBusy):
		return OutcomeBusy
	case errors.Is(err, ErrInsufficientFunds):
		return OutcomeInsufficientFunds
	case errors.Is(err, ErrAccountNotFound):
		return OutcomeAccountNotFound
	case errors.Is(err, ErrInvalidRequest):
		return OutcomeInvalidRequest
	default:
		return OutcomeTransferFailed
	}
}
