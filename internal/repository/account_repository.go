package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"card-authorizer/internal/domain"
	"card-authorizer/internal/errors"
	"card-authorizer/internal/security"
)

// Postgres error codes mapped onto domain errors.
const (
	pqUniqueViolation  = "23505"
	pqCheckViolation   = "23514"
	pqLockNotAvailable = "55P03"
	pqQueryCanceled    = "57014"
)

type accountRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewAccountRepository(db SQLExecutor, logger *slog.Logger) domain.AccountRepository {
	return &accountRepository{
		db:     db,
		logger: logger,
	}
}

func (r *accountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO cards (card_number, owner_name, credential_hash, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (card_number) DO NOTHING
	`

	now := time.Now().UTC()
	result, err := r.db.ExecContext(
		ctx,
		query,
		account.CardNumber,
		account.OwnerName,
		account.CredentialHash,
		account.Balance.String(),
		now,
		now,
	)

	masked := security.MaskCardNumber(account.CardNumber)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			r.logger.Warn("Duplicate card creation attempt", "card_number", masked)
			return errors.ErrDuplicateAccount
		}
		r.logger.Error("Failed to create card", "card_number", masked, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to create card").WithDetails(err.Error())
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to get rows affected").WithDetails(err.Error())
	}

	if rowsAffected == 0 {
		r.logger.Warn("Duplicate card creation attempt", "card_number", masked)
		return errors.ErrDuplicateAccount
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	r.logger.Info("Card created successfully", "card_number", masked)
	return nil
}

func (r *accountRepository) GetAccount(ctx context.Context, cardNumber string) (*domain.Account, error) {
	query := `
		SELECT card_number, owner_name, credential_hash, balance, created_at, updated_at
		FROM cards WHERE card_number = $1
	`

	return r.scanAccount(ctx, query, cardNumber)
}

func (r *accountRepository) GetAccountForUpdate(ctx context.Context, cardNumber string) (*domain.Account, error) {
	query := `
		SELECT card_number, owner_name, credential_hash, balance, created_at, updated_at
		FROM cards WHERE card_number = $1 FOR UPDATE
	`

	return r.scanAccount(ctx, query, cardNumber)
}

func (r *accountRepository) scanAccount(ctx context.Context, query string, cardNumber string) (*domain.Account, error) {
	var account domain.Account
	var balanceStr string

	err := r.db.QueryRowContext(ctx, query, cardNumber).Scan(
		&account.CardNumber,
		&account.OwnerName,
		&account.CredentialHash,
		&balanceStr,
		&account.CreatedAt,
		&account.UpdatedAt,
	)

	masked := security.MaskCardNumber(cardNumber)

	if err != nil {
		if err == sql.ErrNoRows {
			r.logger.Warn("Card not found", "card_number", masked)
			return nil, errors.ErrAccountNotFound
		}
		if isLockTimeout(ctx, err) {
			r.logger.Warn("Timed out waiting for card lock", "card_number", masked)
			return nil, errors.ErrLockTimeout.WithDetails(err.Error())
		}
		if stderrors.Is(ctx.Err(), context.Canceled) {
			r.logger.Warn("Canceled while reading card", "card_number", masked)
			return nil, errors.ErrRequestCanceled.WithDetails(err.Error())
		}
		r.logger.Error("Failed to get card", "card_number", masked, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get card").WithDetails(err.Error())
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		r.logger.Error("Failed to parse balance", "card_number", masked, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to parse balance").WithDetails(err.Error())
	}

	account.Balance = balance
	return &account, nil
}

func (r *accountRepository) UpdateAccountBalance(ctx context.Context, cardNumber string, newBalance decimal.Decimal) error {
	query := `
		UPDATE cards
		SET balance = $1, updated_at = $2
		WHERE card_number = $3
	`

	masked := security.MaskCardNumber(cardNumber)

	result, err := r.db.ExecContext(ctx, query, newBalance.String(), time.Now().UTC(), cardNumber)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqCheckViolation {
			r.logger.Warn("Balance constraint rejected update", "card_number", masked)
			return errors.ErrInsufficientFunds
		}
		if isLockTimeout(ctx, err) {
			r.logger.Warn("Timed out waiting for card lock", "card_number", masked)
			return errors.ErrLockTimeout.WithDetails(err.Error())
		}
		if stderrors.Is(ctx.Err(), context.Canceled) {
			r.logger.Warn("Canceled while updating card balance", "card_number", masked)
			return errors.ErrRequestCanceled.WithDetails(err.Error())
		}
		r.logger.Error("Failed to update card balance", "card_number", masked, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to update card balance").WithDetails(err.Error())
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to get rows affected").WithDetails(err.Error())
	}

	if rowsAffected == 0 {
		r.logger.Warn("No card found to update", "card_number", masked)
		return errors.ErrAccountNotFound
	}

	r.logger.Info("Card balance updated", "card_number", masked)
	return nil
}

// isLockTimeout reports whether a failed statement was waiting on a lock:
// either lock_timeout fired server side or the caller's deadline cancelled it.
func isLockTimeout(ctx context.Context, err error) bool {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqLockNotAvailable:
			return true
		case pqQueryCanceled:
			return stderrors.Is(ctx.Err(), context.DeadlineExceeded)
		}
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}
