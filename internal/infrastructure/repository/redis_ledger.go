package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tally.com/internal/domain/entity"
	"tally.com/internal/domain/port"
	"tally.com/internal/infrastructure/logger"
)

var _ port.Store = (*RedisLedger)(nil)

// RedisOptions configures the Redis client.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// OpenRedis creates a client and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is not set")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}
	return client, nil
}

// redisAccount is the hash stored under account:{id}.
type redisAccount struct {
	Name      string `redis:"name"`
	Balance   int64  `redis:"balance"`
	CreatedAt int64  `redis:"created_at"`
	UpdatedAt int64  `redis:"updated_at"`
}

// RedisLedger implements port.Store on Redis using WATCH/MULTI/EXEC.
// A transaction aborted by a concurrent write surfaces as
// entity.ErrContention.
type RedisLedger struct {
	client    *redis.Client
	logger    logger.Logger
	retention time.Duration
	now       func() time.Time

	// beforeCommit runs after the watched reads and before EXEC.
	beforeCommit func()
}

// NewRedisLedger wraps a connected client.
func NewRedisLedger(client *redis.Client, logger logger.Logger, retention time.Duration) *RedisLedger {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisLedger{
		client:    client,
		logger:    logger,
		retention: retention,
		now:       time.Now,
	}
}

func accountKey(id string) string   { return "account:" + id }
func ownerKey(id string) string     { return "owner:" + id }
func transferKey(tok string) string { return "transfer:" + tok }

// CreateAccount writes the account hash and its ownership fields in one
// transaction.
func (l *RedisLedger) CreateAccount(ctx context.Context, account entity.Account, owners ...entity.Ownership) error {
	if account.Balance < 0 {
		return fmt.Errorf("%w: negative opening balance", entity.ErrInvalidRequest)
	}
	if account.ID == "" {
		return fmt.Errorf("%w: account id is required", entity.ErrInvalidRequest)
	}

	now := l.now().UTC()
	records, err := normalizeOwnerships(owners, account, now)
	if err != nil {
		return err
	}
	keys := []string{accountKey(account.ID)}
	for _, rec := range records {
		keys = append(keys, ownerKey(rec.OwnerID))
	}

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, accountKey(account.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", entity.ErrAccountExists, account.ID)
		}
		for _, rec := range records {
			taken, err := tx.HExists(ctx, ownerKey(rec.OwnerID), rec.AccountName).Result()
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("%w: %s/%s", entity.ErrDuplicateAccountName, rec.OwnerID, rec.AccountName)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, accountKey(account.ID),
				"name", account.Name,
				"balance", account.Balance,
				"created_at", now.UnixNano(),
				"updated_at", now.UnixNano())
			for _, rec := range records {
				raw, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				pipe.HSetNX(ctx, ownerKey(rec.OwnerID), rec.AccountName, raw)
			}
			return nil
		})
		return err
	}

	if err := l.client.Watch(ctx, txf, keys...); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: %w", entity.ErrContention, err)
		}
		return err
	}

	l.logger.LogInfo(ctx, "Account created",
		"account_id", account.ID,
		"name", account.Name,
		"balance", account.Balance,
		"owners", len(records))
	return nil
}

// ResolveAccount reads the owner's hash field for displayName.
func (l *RedisLedger) ResolveAccount(ctx context.Context, ownerID, displayName string) (entity.AccountRef, error) {
	if ownerID == "" || displayName == "" {
		return entity.AccountRef{}, fmt.Errorf("%w: owner and account name are required", entity.ErrInvalidRequest)
	}

	raw, err := l.client.HGet(ctx, ownerKey(ownerID), displayName).Bytes()
	if errors.Is(err, redis.Nil) {
		return entity.AccountRef{}, entity.NewAccountNotFound(ownerID, displayName)
	}
	if err != nil {
		return entity.AccountRef{}, fmt.Errorf("failed to resolve account: %w", err)
	}

	var rec entity.Ownership
	if err := json.Unmarshal(raw, &rec); err != nil {
		return entity.AccountRef{}, fmt.Errorf("corrupt ownership record %s/%s: %w", ownerID, displayName, err)
	}
	return entity.AccountRef{ID: rec.AccountID, OwnerID: ownerID, Name: rec.AccountName}, nil
}

// GetAccount reads the account hash.
func (l *RedisLedger) GetAccount(ctx context.Context, accountID string) (*entity.Account, error) {
	cmd := l.client.HGetAll(ctx, accountKey(accountID))
	fields, err := cmd.Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", entity.ErrAccountNotFound, accountID)
	}

	var rec redisAccount
	if err := cmd.Scan(&rec); err != nil {
		return nil, fmt.Errorf("corrupt account %s: %w", accountID, err)
	}
	return &entity.Account{
		ID:        accountID,
		Name:      rec.Name,
		Balance:   rec.Balance,
		CreatedAt: time.Unix(0, rec.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, rec.UpdatedAt).UTC(),
	}, nil
}

// AtomicTransfer watches both accounts and the token key, checks the
// precondition, then applies both entries and the token in one MULTI/EXEC.
func (l *RedisLedger) AtomicTransfer(ctx context.Context, ins entity.TransferInstruction) error {
	if err := validateInstruction(ins); err != nil {
		return err
	}
	srcKey, dstKey := accountKey(ins.SourceID), accountKey(ins.DestinationID)
	keys := []string{srcKey, dstKey}
	if ins.Token != "" {
		keys = append(keys, transferKey(ins.Token))
	}

	var duplicate bool
	txf := func(tx *redis.Tx) error {
		if ins.Token != "" {
			raw, err := tx.Get(ctx, transferKey(ins.Token)).Bytes()
			switch {
			case err == nil:
				var recorded entity.TransferInstruction
				if err := json.Unmarshal(raw, &recorded); err != nil {
					return fmt.Errorf("corrupt transfer record %s: %w", ins.Token, err)
				}
				if !recorded.SameAs(ins) {
					return fmt.Errorf("%w: %s", entity.ErrIdempotencyMismatch, ins.Token)
				}
				duplicate = true
				return nil
			case !errors.Is(err, redis.Nil):
				return err
			}
		}

		srcBalance, err := tx.HGet(ctx, srcKey, "balance").Int64()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", entity.ErrAccountNotFound, ins.SourceID)
		}
		if err != nil {
			return err
		}
		n, err := tx.Exists(ctx, dstKey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", entity.ErrAccountNotFound, ins.DestinationID)
		}
		if srcBalance < ins.Amount {
			return fmt.Errorf("%w: balance %d, amount %d", entity.ErrPreconditionFailed, srcBalance, ins.Amount)
		}

		if l.beforeCommit != nil {
			l.beforeCommit()
		}

		now := l.now().UTC().UnixNano()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, srcKey, "balance", -ins.Amount)
			pipe.HSet(ctx, srcKey, "updated_at", now)
			pipe.HIncrBy(ctx, dstKey, "balance", ins.Amount)
			pipe.HSet(ctx, dstKey, "updated_at", now)
			if ins.Token != "" {
				raw, err := json.Marshal(ins)
				if err != nil {
					return err
				}
				pipe.Set(ctx, transferKey(ins.Token), raw, l.retention)
			}
			return nil
		})
		return err
	}

	if err := l.client.Watch(ctx, txf, keys...); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: %w", entity.ErrContention, err)
		}
		return err
	}

	if duplicate {
		l.logger.LogInfo(ctx, "Duplicate transfer token, skipping", "token", ins.Token)
		return nil
	}

	l.logger.LogInfo(ctx, "Transfer committed",
		"source", ins.SourceID,
		"destination", ins.DestinationID,
		"amount", ins.Amount,
		"token", ins.Token)
	return nil
}

// Ping checks the connection.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the client.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
