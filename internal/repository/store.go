package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"card-authorizer/internal/domain"
	"card-authorizer/internal/errors"
)

var errNestedTransaction = errors.NewAppError(errors.InternalError, "cannot begin a transaction inside a transaction")

// Store provides a unified interface for all repository operations with transaction support
type Store struct {
	db          DB
	executor    SQLExecutor
	logger      *slog.Logger
	lockTimeout time.Duration
}

var _ domain.Store = (*Store)(nil)

// NewStore creates a new Store instance. lockTimeout bounds every row lock
// wait inside WithTransaction; zero leaves the server default.
func NewStore(db DB, logger *slog.Logger, lockTimeout time.Duration) *Store {
	return &Store{
		db:          db,
		executor:    db,
		logger:      logger,
		lockTimeout: lockTimeout,
	}
}

// Account returns an AccountRepository using the current executor
func (s *Store) Account() domain.AccountRepository {
	return NewAccountRepository(s.executor, s.logger)
}

// WithTransaction executes a function within a database transaction.
// Row locks taken by GetAccountForUpdate are held until commit or rollback.
func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	// Only the root store can begin transactions
	if s.db == nil {
		return errNestedTransaction
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("Failed to begin transaction", "error", err)
		return errors.NewAppError(errors.InternalError, "failed to begin transaction").WithDetails(err.Error())
	}

	txStore := &Store{
		executor:    tx,
		logger:      s.logger,
		lockTimeout: s.lockTimeout,
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if s.lockTimeout > 0 {
		if err := setLockTimeout(ctx, tx, s.lockTimeout); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("Failed to commit transaction", "error", err)
		return errors.NewAppError(errors.InternalError, "failed to commit transaction").WithDetails(err.Error())
	}

	return nil
}

// setLockTimeout scopes Postgres' lock_timeout to the current transaction.
func setLockTimeout(ctx context.Context, tx SQLExecutor, d time.Duration) error {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	if _, err := tx.ExecContext(ctx, "SELECT set_config('lock_timeout', $1, true)", fmt.Sprintf("%dms", ms)); err != nil {
		return errors.NewAppError(errors.InternalError, "failed to set lock timeout").WithDetails(err.Error())
	}

	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
