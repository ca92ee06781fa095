// Package memory is a single-process account store. Accounts live in a map
// and each card number is guarded by its own lock, so debits on different
// cards never wait on each other.
package memory

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"card-authorizer/internal/domain"
	"card-authorizer/internal/errors"
	"card-authorizer/internal/security"
)

var errNestedTransaction = errors.NewAppError(errors.InternalError, "cannot begin a transaction inside a transaction")

type state struct {
	mu       sync.RWMutex
	accounts map[string]domain.Account
}

// txState tracks what one transaction holds: the keys it locked and the
// account rows it will write on commit.
type txState struct {
	held    map[string]struct{}
	pending map[string]domain.Account
}

// Store implements domain.Store in memory.
type Store struct {
	state       *state
	locks       *lockTable
	logger      *slog.Logger
	lockTimeout time.Duration
	tx          *txState
}

var _ domain.Store = (*Store)(nil)

// NewStore creates an empty store. lockTimeout bounds every per-card lock
// wait; zero waits until the caller's context is done.
func NewStore(logger *slog.Logger, lockTimeout time.Duration) *Store {
	return &Store{
		state:       &state{accounts: make(map[string]domain.Account)},
		locks:       newLockTable(),
		logger:      logger,
		lockTimeout: lockTimeout,
	}
}

func (s *Store) Account() domain.AccountRepository {
	return &accountRepository{store: s}
}

// WithTransaction runs fn with a transaction-scoped store. Locks taken inside
// are released when fn returns or panics; staged writes are applied only when
// fn returns nil.
func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	if s.tx != nil {
		return errNestedTransaction
	}

	txStore := &Store{
		state:       s.state,
		locks:       s.locks,
		logger:      s.logger,
		lockTimeout: s.lockTimeout,
		tx: &txState{
			held:    make(map[string]struct{}),
			pending: make(map[string]domain.Account),
		},
	}
	defer txStore.releaseAll()

	if err := fn(txStore); err != nil {
		return err
	}

	txStore.commit()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

// Len reports how many accounts are stored.
func (s *Store) Len() int {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	return len(s.state.accounts)
}

func (s *Store) commit() {
	if len(s.tx.pending) == 0 {
		return
	}

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	for id, account := range s.tx.pending {
		s.state.accounts[id] = account
	}
}

func (s *Store) releaseAll() {
	for id := range s.tx.held {
		s.locks.release(id)
	}
	s.tx.held = nil
}

// lock takes the per-card lock. Inside a transaction the lock is kept until
// the transaction ends; release is nil in that case.
func (s *Store) lock(ctx context.Context, cardNumber string) (release func(), err error) {
	if s.tx != nil {
		if _, ok := s.tx.held[cardNumber]; ok {
			return nil, nil
		}
	}

	if err := s.locks.acquire(ctx, cardNumber, s.lockTimeout); err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("Timed out waiting for card lock", "card_number", security.MaskCardNumber(cardNumber))
			return nil, errors.ErrLockTimeout.WithDetails(err.Error())
		}
		return nil, errors.ErrRequestCanceled.WithDetails(err.Error())
	}

	if s.tx != nil {
		s.tx.held[cardNumber] = struct{}{}
		return nil, nil
	}

	return func() { s.locks.release(cardNumber) }, nil
}

// read returns the account as this store sees it: staged writes first, then
// committed state.
func (s *Store) read(cardNumber string) (domain.Account, bool) {
	if s.tx != nil {
		if account, ok := s.tx.pending[cardNumber]; ok {
			return account, true
		}
	}

	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	account, ok := s.state.accounts[cardNumber]
	return account, ok
}

func (s *Store) write(account domain.Account) {
	if s.tx != nil {
		s.tx.pending[account.CardNumber] = account
		return
	}

	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.accounts[account.CardNumber] = account
}

type accountRepository struct {
	store *Store
}

func (r *accountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	release, err := r.store.lock(ctx, account.CardNumber)
	if err != nil {
		return err
	}
	if release != nil {
		defer release()
	}

	masked := security.MaskCardNumber(account.CardNumber)

	if _, exists := r.store.read(account.CardNumber); exists {
		r.store.logger.Warn("Duplicate card creation attempt", "card_number", masked)
		return errors.ErrDuplicateAccount
	}

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	r.store.write(*account)

	r.store.logger.Info("Card created successfully", "card_number", masked)
	return nil
}

func (r *accountRepository) GetAccount(ctx context.Context, cardNumber string) (*domain.Account, error) {
	account, ok := r.store.read(cardNumber)
	if !ok {
		r.store.logger.Warn("Card not found", "card_number", security.MaskCardNumber(cardNumber))
		return nil, errors.ErrAccountNotFound
	}
	return &account, nil
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
	release, err := r.store.lock(ctx, cardNumber)
	if err != nil {
		return err
	}
	if release != nil {
		defer release()
	}

	masked := security.MaskCardNumber(cardNumber)

	account, ok := r.store.read(cardNumber)
	if !ok {
		r.store.logger.Warn("No card found to update", "card_number", masked)
		return errors.ErrAccountNotFound
	}

	if newBalance.IsNegative() {
		r.store.logger.Warn("Balance constraint rejected update", "card_number", masked)
		return errors.ErrInsufficientFunds
	}

	account.Balance = newBalance
	account.UpdatedAt = time.Now().UTC()
	r.store.write(account)

	r.store.logger.Info("Card balance updated", "card_number", masked)
	return nil
}
