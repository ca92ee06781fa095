// Package redisstore keeps accounts in Redis hashes and serializes work on a
// card with a redsync mutex, so several service instances can share one
// ledger.
package redisstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"card-authorizer/internal/domain"
	"card-authorizer/internal/errors"
	"card-authorizer/internal/security"
)

const (
	cardKeyPrefix = "card:"
	lockKeyPrefix = "lock:card:"

	fieldCardNumber     = "card_number"
	fieldOwnerName      = "owner_name"
	fieldCredentialHash = "credential_hash"
	fieldBalance        = "balance"
	fieldCreatedAt      = "created_at"
	fieldUpdatedAt      = "updated_at"
)

var (
	errNestedTransaction = errors.NewAppError(errors.InternalError, "cannot begin a transaction inside a transaction")
	errLockLost          = stderrors.New("card lock no longer held")
)

// LockOptions configures the per-card mutex.
type LockOptions struct {
	// Timeout bounds how long a caller waits for the mutex.
	Timeout time.Duration
	// Expiry is how long Redis keeps an abandoned mutex.
	Expiry time.Duration
	// RetryDelay is the pause between acquisition attempts.
	RetryDelay time.Duration
}

func DefaultLockOptions() LockOptions {
	return LockOptions{
		Timeout:    5 * time.Second,
		Expiry:     10 * time.Second,
		RetryDelay: 50 * time.Millisecond,
	}
}

type txState struct {
	held    map[string]*redsync.Mutex
	pending map[string]domain.Account
}

// Store implements domain.Store on Redis.
type Store struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
	logger *slog.Logger
	opts   LockOptions
	tx     *txState
}

var _ domain.Store = (*Store)(nil)

func NewStore(client redis.UniversalClient, logger *slog.Logger, opts LockOptions) *Store {
	defaults := DefaultLockOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.Expiry <= 0 {
		opts.Expiry = defaults.Expiry
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaults.RetryDelay
	}

	return &Store{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		logger: logger,
		opts:   opts,
	}
}

func cardKey(cardNumber string) string { return cardKeyPrefix + cardNumber }
func lockKey(cardNumber string) string { return lockKeyPrefix + cardNumber }

func (s *Store) Account() domain.AccountRepository {
	return &accountRepository{store: s}
}

// WithTransaction runs fn with a transaction-scoped store. Mutexes taken
// inside are held until fn returns; staged writes are flushed in one
// MULTI/EXEC block before they are released.
func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	if s.tx != nil {
		return errNestedTransaction
	}

	txStore := &Store{
		client: s.client,
		rs:     s.rs,
		logger: s.logger,
		opts:   s.opts,
		tx: &txState{
			held:    make(map[string]*redsync.Mutex),
			pending: make(map[string]domain.Account),
		},
	}
	defer txStore.unlockAll(ctx)

	if err := fn(txStore); err != nil {
		return err
	}

	return txStore.commit(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) commit(ctx context.Context) error {
	if len(s.tx.pending) == 0 {
		return nil
	}

	keys := make([]string, 0, len(s.tx.held))
	for id, mutex := range s.tx.held {
		if ok, err := mutex.ExtendContext(ctx); !ok || err != nil {
			s.logger.Error("Card lock lost before commit", "card_number", security.MaskCardNumber(id), "error", err)
			return errors.ErrLockTimeout.WithDetails("lock lost before commit")
		}
		keys = append(keys, lockKey(id))
	}

	// EXEC aborts if any watched lock key changes hands after the ownership
	// check below.
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		for id, mutex := range s.tx.held {
			owner, err := tx.Get(ctx, lockKey(id)).Result()
			if err != nil && !stderrors.Is(err, redis.Nil) {
				return err
			}
			if owner != mutex.Value() {
				return errLockLost
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for id, account := range s.tx.pending {
				pipe.HSet(ctx, cardKey(id), encodeAccount(account))
			}
			return nil
		})
		return err
	}, keys...)
	if stderrors.Is(err, errLockLost) || stderrors.Is(err, redis.TxFailedErr) {
		s.logger.Error("Card lock lost before commit", "error", err)
		return errors.ErrLockTimeout.WithDetails("lock lost before commit")
	}
	if err != nil {
		s.logger.Error("Failed to commit transaction", "error", err)
		return errors.NewAppError(errors.InternalError, "failed to commit transaction").WithDetails(err.Error())
	}

	return nil
}

func (s *Store) unlockAll(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for id, mutex := range s.tx.held {
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			s.logger.Warn("Failed to release card lock", "card_number", security.MaskCardNumber(id), "error", err)
		}
	}
	s.tx.held = nil
}

// lock takes the per-card mutex. Inside a transaction the mutex is kept until
// the transaction ends and release is nil.
func (s *Store) lock(ctx context.Context, cardNumber string) (release func(), err error) {
	if s.tx != nil {
		if _, ok := s.tx.held[cardNumber]; ok {
			return nil, nil
		}
	}

	mutex := s.rs.NewMutex(
		lockKey(cardNumber),
		redsync.WithExpiry(s.opts.Expiry),
		redsync.WithTries(int(s.opts.Timeout/s.opts.RetryDelay)+1),
		redsync.WithRetryDelay(s.opts.RetryDelay),
	)

	lockCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	if err := mutex.LockContext(lockCtx); err != nil {
		masked := security.MaskCardNumber(cardNumber)
		if stderrors.Is(ctx.Err(), context.Canceled) {
			s.logger.Warn("Canceled while waiting for card lock", "card_number", masked)
			return nil, errors.ErrRequestCanceled.WithDetails(err.Error())
		}
		if isLockContention(lockCtx, err) {
			s.logger.Warn("Timed out waiting for card lock", "card_number", masked)
			return nil, errors.ErrLockTimeout.WithDetails(err.Error())
		}
		s.logger.Error("Failed to acquire card lock", "card_number", masked, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to acquire card lock").WithDetails(err.Error())
	}

	if s.tx != nil {
		s.tx.held[cardNumber] = mutex
		return nil, nil
	}

	return func() {
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			s.logger.Warn("Failed to release card lock", "card_number", security.MaskCardNumber(cardNumber), "error", err)
		}
	}, nil
}

// isLockContention tells a mutex held elsewhere apart from a Redis failure.
// redsync reports contention either as ErrFailed or as a "lock already
// taken" error from the last attempt.
func isLockContention(ctx context.Context, err error) bool {
	return stderrors.Is(err, redsync.ErrFailed) ||
		strings.Contains(err.Error(), "lock already taken") ||
		stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(ctx.Err(), context.DeadlineExceeded)
}

// read returns staged writes first, then what Redis holds.
func (s *Store) read(ctx context.Context, cardNumber string) (*domain.Account, error) {
	if s.tx != nil {
		if account, ok := s.tx.pending[cardNumber]; ok {
			return &account, nil
		}
	}

	fields, err := s.client.HGetAll(ctx, cardKey(cardNumber)).Result()
	if err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to get card").WithDetails(err.Error())
	}
	if len(fields) == 0 {
		return nil, nil
	}

	account, err := decodeAccount(fields)
	if err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to decode card").WithDetails(err.Error())
	}
	return account, nil
}

func encodeAccount(account domain.Account) map[string]any {
	return map[string]any{
		fieldCardNumber:     account.CardNumber,
		fieldOwnerName:      account.OwnerName,
		fieldCredentialHash: account.CredentialHash,
		fieldBalance:        account.Balance.String(),
		fieldCreatedAt:      account.CreatedAt.Format(time.RFC3339Nano),
		fieldUpdatedAt:      account.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func decodeAccount(fields map[string]string) (*domain.Account, error) {
	balance, err := decimal.NewFromString(fields[fieldBalance])
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, fields[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt])
	if err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}

	return &domain.Account{
		CardNumber:     fields[fieldCardNumber],
		OwnerName:      fields[fieldOwnerName],
		CredentialHash: fields[fieldCredentialHash],
		Balance:        balance,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}, nil
}

type accountRepository struct {
	store *Store
}

func (r *accountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	s := r.store
	release, err := s.lock(ctx, account.CardNumber)
	if err != nil {
		return err
	}
	if release != nil {
		defer release()
	}

	masked := security.MaskCardNumber(account.CardNumber)

	existing, err := s.read(ctx, account.CardNumber)
	if err != nil {
		s.logger.Error("Failed to create card", "card_number", masked, "error", err)
		return err
	}
	if existing != nil {
		s.logger.Warn("Duplicate card creation attempt", "card_number", masked)
		return errors.ErrDuplicateAccount
	}

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	if s.tx != nil {
		s.tx.pending[account.CardNumber] = *account
		return nil
	}

	if err := s.client.HSet(ctx, cardKey(account.CardNumber), encodeAccount(*account)).Err(); err != nil {
		s.logger.Error("Failed to create card", "card_number", masked, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to create card").WithDetails(err.Error())
	}

	s.logger.Info("Card created successfully", "card_number", masked)
	return nil
}

func (r *accountRepository) GetAccount(ctx context.Context, cardNumber string) (*domain.Account, error) {
	account, err := r.store.read(ctx, cardNumber)
	if err != nil {
		r.store.logger.Error("Failed to get card", "card_number", security.MaskCardNumber(cardNumber), "error", err)
		return nil, err
	}
	if account == nil {
		r.store.logger.Warn("Card not found", "card_number", security.MaskCardNumber(cardNumber))
		return nil, errors.ErrAccountNotFound
	}
	return account, nil
}

func (r *accountRepository) GetAccountForUpdate(ctx context.Context, cardNumber string) (*domain.Account, error) {
	release, err := r.store.lock(ctx, cardNumber)
	if err != nil {
		return nil, err
	}
	if release != nil {
		defer release()
	}

	return r.GetAccount(ctx, cardNumber)
}

func (r *accountRepository) UpdateAccountBalance(ctx context.Context, cardNumber string, newBalance decimal.Decimal) error {
	s := r.store
	release, err := s.lock(ctx, cardNumber)
	if err != nil {
		return err
	}
	if release != nil {
		defer release()
	}

	masked := security.MaskCardNumber(cardNumber)

	account, err := s.read(ctx, cardNumber)
	if err != nil {
		return err
	}
	if account == nil {
		s.logger.Warn("No card found to update", "card_number", masked)
		return errors.ErrAccountNotFound
	}

	if newBalance.IsNegative() {
		s.logger.Warn("Balance constraint rejected update", "card_number", masked)
		return errors.ErrInsufficientFunds
	}

	account.Balance = newBalance
	account.UpdatedAt = time.Now().UTC()

	if s.tx != nil {
		s.tx.pending[cardNumber] = *account
		return nil
	}

	if err := s.client.HSet(ctx, cardKey(cardNumber), fieldBalance, newBalance.String(), fieldUpdatedAt, account.UpdatedAt.Format(time.RFC3339Nano)).Err(); err != nil {
		s.logger.Error("Failed to update card balance", "card_number", masked, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to update card balance").WithDetails(err.Error())
	}

	s.logger.Info("Card balance updated", "card_number", masked)
	return nil
}
