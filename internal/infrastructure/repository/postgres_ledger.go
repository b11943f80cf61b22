package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"

	"tally.com/internal/domain/entity"
	"tally.com/internal/domain/port"
	"tally.com/internal/infrastructure/logger"
)

var _ port.Store = (*PostgresLedger)(nil)

// SQLSTATE codes that signal an optimistic-concurrency collision.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

const (
	accountsPrimaryKey      = "accounts_pkey"
	ownershipNameKey        = "ownerships_owner_name_key"
	transferRequestsPrimary = "transfer_requests_pkey"
)

// PostgresOptions configures the connection pool.
type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenPostgres opens a pooled connection through the pgx stdlib driver and pings it.
func OpenPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is not set")
	}

	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open postgres: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to connect to postgres: %w", err)
	}
	return db, nil
}

// PostgresLedger implements port.Store on PostgreSQL. Transfers run in a
// SERIALIZABLE transaction; serialization failures surface as
// entity.ErrContention.
type PostgresLedger struct {
	db        *sqlx.DB
	logger    logger.Logger
	retention time.Duration
	now       func() time.Time
}

// NewPostgresLedger wraps an open connection pool.
func NewPostgresLedger(db *sqlx.DB, logger logger.Logger, retention time.Duration) *PostgresLedger {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &PostgresLedger{
		db:        db,
		logger:    logger,
		retention: retention,
		now:       time.Now,
	}
}

type transferRequestRow struct {
	SourceID      string `db:"source_id"`
	DestinationID string `db:"destination_id"`
	Amount        int64  `db:"amount"`
}

// CreateAccount inserts an account and its ownership records in one transaction.
func (l *PostgresLedger) CreateAccount(ctx context.Context, account entity.Account, owners ...entity.Ownership) error {
	if account.Balance < 0 {
		return fmt.Errorf("%w: negative opening balance", entity.ErrInvalidRequest)
	}
	if account.ID == "" {
		return fmt.Errorf("%w: account id is required", entity.ErrInvalidRequest)
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := l.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (id, name, balance, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
		account.ID, account.Name, account.Balance, now,
	); err != nil {
		return classifyProvisionError(err, account.ID)
	}

	for _, o := range owners {
		rec := normalizeOwnership(o, account, now)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ownerships (owner_id, account_id, account_name, role, created_at) VALUES ($1, $2, $3, $4, $5)`,
			rec.OwnerID, rec.AccountID, rec.AccountName, rec.Role, rec.CreatedAt,
		); err != nil {
			return classifyProvisionError(err, rec.OwnerID+"/"+rec.AccountName)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit account: %w", err)
	}

	l.logger.LogInfo(ctx, "Account created",
		"account_id", account.ID,
		"name", account.Name,
		"balance", account.Balance,
		"owners", len(owners))
	return nil
}

// ResolveAccount picks the earliest-created ownership record matching the name.
func (l *PostgresLedger) ResolveAccount(ctx context.Context, ownerID, displayName string) (entity.AccountRef, error) {
	if ownerID == "" || displayName == "" {
		return entity.AccountRef{}, fmt.Errorf("%w: owner and account name are required", entity.ErrInvalidRequest)
	}

	var rec entity.Ownership
	err := l.db.GetContext(ctx, &rec,
		`SELECT owner_id, account_id, account_name, role, created_at
		   FROM ownerships
		  WHERE owner_id = $1 AND account_name = $2
		  ORDER BY created_at, account_id
		  LIMIT 1`,
		ownerID, displayName,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.AccountRef{}, entity.NewAccountNotFound(ownerID, displayName)
	}
	if err != nil {
		return entity.AccountRef{}, fmt.Errorf("failed to resolve account: %w", err)
	}
	return entity.AccountRef{ID: rec.AccountID, OwnerID: rec.OwnerID, Name: rec.AccountName}, nil
}

// GetAccount reads one account row.
func (l *PostgresLedger) GetAccount(ctx context.Context, accountID string) (*entity.Account, error) {
	var account entity.Account
	err := l.db.GetContext(ctx, &account,
		`SELECT id, name, balance, created_at, updated_at FROM accounts WHERE id = $1`,
		accountID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", entity.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// AtomicTransfer moves funds in a single serializable transaction that also
// records the idempotency token.
func (l *PostgresLedger) AtomicTransfer(ctx context.Context, ins entity.TransferInstruction) error {
	if err := validateInstruction(ins); err != nil {
		return err
	}

	tx, err := l.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classifyTransferError(err)
	}
	defer tx.Rollback()

	now := l.now().UTC()

	if ins.Token != "" {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM transfer_requests WHERE token = $1 AND created_at < $2`,
			ins.Token, now.Add(-l.retention),
		); err != nil {
			return classifyTransferError(err)
		}

		var prior transferRequestRow
		err := tx.GetContext(ctx, &prior,
			`SELECT source_id, destination_id, amount FROM transfer_requests WHERE token = $1`,
			ins.Token,
		)
		switch {
		case err == nil:
			recorded := entity.TransferInstruction{SourceID: prior.SourceID, DestinationID: prior.DestinationID, Amount: prior.Amount}
			if !recorded.SameAs(ins) {
				return fmt.Errorf("%w: %s", entity.ErrIdempotencyMismatch, ins.Token)
			}
			l.logger.LogInfo(ctx, "Duplicate transfer token, skipping", "token", ins.Token)
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return classifyTransferError(err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance - $1, updated_at = $2 WHERE id = $3 AND balance >= $1`,
		ins.Amount, now, ins.SourceID,
	)
	if err != nil {
		return classifyTransferError(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return classifyTransferError(err)
	} else if n == 0 {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, ins.SourceID); err != nil {
			return classifyTransferError(err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", entity.ErrAccountNotFound, ins.SourceID)
		}
		return fmt.Errorf("%w: amount %d", entity.ErrPreconditionFailed, ins.Amount)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance + $1, updated_at = $2 WHERE id = $3`,
		ins.Amount, now, ins.DestinationID,
	)
	if err != nil {
		return classifyTransferError(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return classifyTransferError(err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", entity.ErrAccountNotFound, ins.DestinationID)
	}

	if ins.Token != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transfer_requests (token, source_id, destination_id, amount, created_at) VALUES ($1, $2, $3, $4, $5)`,
			ins.Token, ins.SourceID, ins.DestinationID, ins.Amount, now,
		); err != nil {
			return classifyTransferError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyTransferError(err)
	}

	l.logger.LogInfo(ctx, "Transfer committed",
		"source", ins.SourceID,
		"destination", ins.DestinationID,
		"amount", ins.Amount,
		"token", ins.Token)
	return nil
}

// PruneExpiredTokens deletes idempotency records older than the retention window.
func (l *PostgresLedger) PruneExpiredTokens(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM transfer_requests WHERE created_at < $1`,
		l.now().UTC().Add(-l.retention),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune transfer tokens: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the connection.
func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the connection pool.
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

func classifyTransferError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgSerializationFailure, pgErr.Code == pgDeadlockDetected:
			return fmt.Errorf("%w: %w", entity.ErrContention, err)
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == transferRequestsPrimary:
			// A concurrent attempt with the same token committed first.
			return fmt.Errorf("%w: %w", entity.ErrContention, err)
		}
	}
	return fmt.Errorf("postgres transfer: %w", err)
}

func classifyProvisionError(err error, subject string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case accountsPrimaryKey:
			return fmt.Errorf("%w: %s", entity.ErrAccountExists, subject)
		case ownershipNameKey:
			return fmt.Errorf("%w: %s", entity.ErrDuplicateAccountName, subject)
		}
	}
	return fmt.Errorf("failed to provision %s: %w", subject, err)
}
