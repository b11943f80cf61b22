package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"tally.com/internal/domain/entity"
	"tally.com/internal/domain/port"
	"tally.com/internal/infrastructure/logger"
	"tally.com/internal/infrastructure/retry"
)

// TransferCommand carries a transfer request together with the caller
// identity and the idempotency token for this call.
type TransferCommand struct {
	RequesterID string
	Token       string
	Request     entity.TransferRequest
}

// TransferFundsUseCase coordinates account resolution, the atomic ledger
// write and its retries, and maps every failure to a caller outcome.
type TransferFundsUseCase struct {
	directory port.AccountDirectory
	ledger    port.LedgerStore
	policy    retry.Policy
	timeout   time.Duration
	observer  port.TransferObserver
	logger    logger.Logger
}

// TransferOption customizes a TransferFundsUseCase.
type TransferOption func(*TransferFundsUseCase)

// WithRetryPolicy sets the policy used for ledger contention.
func WithRetryPolicy(p retry.Policy) TransferOption {
	return func(uc *TransferFundsUseCase) { uc.policy = p }
}

// WithTimeout bounds a whole transfer call. Zero disables the bound.
func WithTimeout(d time.Duration) TransferOption {
	return func(uc *TransferFundsUseCase) { uc.timeout = d }
}

// WithObserver sets the telemetry sink.
func WithObserver(o port.TransferObserver) TransferOption {
	return func(uc *TransferFundsUseCase) { uc.observer = o }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l logger.Logger) TransferOption {
	return func(uc *TransferFundsUseCase) { uc.logger = l }
}

// NewTransferFundsUseCase creates a new TransferFundsUseCase
func NewTransferFundsUseCase(
	directory port.AccountDirectory,
	ledger port.LedgerStore,
	opts ...TransferOption,
) *TransferFundsUseCase {
	uc := &TransferFundsUseCase{
		directory: directory,
		ledger:    ledger,
		policy:    retry.DefaultPolicy(),
		observer:  noopObserver{},
		logger:    logger.NewLogger(),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Execute performs one transfer. The returned error, if any, classifies with
// entity.OutcomeOf as AccountNotFound, InsufficientFunds, Busy,
// TransferFailed or InvalidRequest.
func (uc *TransferFundsUseCase) Execute(ctx context.Context, cmd TransferCommand) (receipt *entity.TransferReceipt, err error) {
	log := logger.FromContext(ctx, uc.logger)
	attempts := 0
	defer func() {
		outcome := entity.OutcomeOf(err)
		uc.observer.ObserveTransfer(outcome, attempts)
		if err != nil {
			log.LogWarning(ctx, "Transfer rejected",
				"outcome", outcome.String(),
				"attempts", attempts,
				"error", err.Error())
		}
	}()

	if cmd.RequesterID == "" {
		return nil, fmt.Errorf("%w: missing requester identity", entity.ErrInvalidRequest)
	}
	if err := cmd.Request.Validate(); err != nil {
		return nil, err
	}

	if uc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.timeout)
		defer cancel()
	}

	source, destination, err := uc.resolve(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if source.ID == destination.ID {
		return nil, fmt.Errorf("%w: source and destination are the same account", entity.ErrInvalidRequest)
	}

	instruction := entity.TransferInstruction{
		SourceID:      source.ID,
		DestinationID: destination.ID,
		Amount:        int64(cmd.Request.Amount),
		Token:         scopedToken(cmd.RequesterID, cmd.Token),
	}

	policy := uc.policy
	policy.OnRetry = func(attempt int, opErr error, delay time.Duration) {
		uc.observer.ObserveRetry(attempt)
		log.LogDebug(ctx, "Ledger contention, retrying",
			"attempt", attempt,
			"delay", delay.String(),
			"error", opErr.Error())
	}

	attempts, err = policy.Execute(ctx, func(ctx context.Context) error {
		return uc.ledger.AtomicTransfer(ctx, instruction)
	}, isContention)
	if err != nil {
		return nil, classifyCommitError(err)
	}

	log.LogInfo(ctx, "Transfer succeeded",
		"source", source.ID,
		"destination", destination.ID,
		"amount", instruction.Amount,
		"attempts", attempts)

	return &entity.TransferReceipt{
		Token:              cmd.Token,
		SourceAccount:      cmd.Request.SourceAccountName,
		DestinationAccount: cmd.Request.DestinationAccountName,
		Partner:            cmd.Request.Partner,
		Amount:             instruction.Amount,
		Attempts:           attempts,
	}, nil
}

// resolve looks both accounts up in parallel. A source NotFound wins over a
// destination NotFound regardless of which lookup finishes first.
func (uc *TransferFundsUseCase) resolve(ctx context.Context, cmd TransferCommand) (entity.AccountRef, entity.AccountRef, error) {
	var (
		source, destination       entity.AccountRef
		sourceErr, destinationErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		source, sourceErr = uc.directory.ResolveAccount(gctx, cmd.RequesterID, cmd.Request.SourceAccountName)
		return sourceErr
	})
	g.Go(func() error {
		destination, destinationErr = uc.directory.ResolveAccount(gctx, cmd.Request.Partner, cmd.Request.DestinationAccountName)
		if errors.Is(destinationErr, entity.ErrAccountNotFound) {
			// Let the source lookup finish so its NotFound takes precedence.
			return nil
		}
		return destinationErr
	})
	_ = g.Wait()

	switch {
	case errors.Is(sourceErr, entity.ErrAccountNotFound):
		return source, destination, sourceErr
	case errors.Is(destinationErr, entity.ErrAccountNotFound):
		return source, destination, destinationErr
	case errors.Is(sourceErr, entity.ErrInvalidRequest), errors.Is(destinationErr, entity.ErrInvalidRequest):
		return source, destination, errors.Join(sourceErr, destinationErr)
	case sourceErr != nil:
		return source, destination, fmt.Errorf("%w: resolve source: %v", entity.ErrTransferFailed, sourceErr)
	case destinationErr != nil:
		return source, destination, fmt.Errorf("%w: resolve destination: %v", entity.ErrTransferFailed, destinationErr)
	}
	return source, destination, nil
}

// scopedToken namespaces a caller-chosen token by requester. The length
// prefix keeps the key unambiguous whatever the requester id contains.
func scopedToken(requesterID, token string) string {
	if token == "" {
		return ""
	}
	return fmt.Sprintf("%d:%s:%s", len(requesterID), requesterID, token)
}

func isContention(err error) bool {
	return errors.Is(err, entity.ErrContention)
}

// classifyCommitError maps a ledger or retry error onto a caller outcome. The
// cause is formatted with %v so storage sentinels never escape.
func classifyCommitError(err error) error {
	switch {
	case errors.Is(err, entity.ErrPreconditionFailed):
		return fmt.Errorf("%w: %v", entity.ErrInsufficientFunds, err)
	case errors.Is(err, retry.ErrRetriesExhausted), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", entity.ErrBusy, err)
	default:
		return fmt.Errorf("%w: %v", entity.ErrTransferFailed, err)
	}
}

type noopObserver struct{}

func (noopObserver) ObserveTransfer(entity.Outcome, int) {}
func (noopObserver) ObserveRetry(int)                    {}
