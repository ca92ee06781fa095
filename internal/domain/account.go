package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Account is a prepaid card. CredentialHash never leaves the service layer;
// it is excluded from JSON so an Account can be returned as-is.
type Account struct {
	CardNumber     string          `json:"card_number"`
	OwnerName      string          `json:"owner_name"`
	CredentialHash string          `json:"-"`
	Balance        decimal.Decimal `json:"balance"`
	CreatedAt      time.Time       `json:"-"`
	UpdatedAt      time.Time       `json:"-"`
}

type AccountRepository interface {
	// CreateAccount inserts the account only if no account holds the same
	// card number; otherwise it returns errors.ErrDuplicateAccount.
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, cardNumber string) (*Account, error)
	// GetAccountForUpdate takes the exclusive per-card lock, held until the
	// enclosing transaction ends. Outside a transaction the lock is released
	// immediately, so callers always use it within Store.WithTransaction.
	GetAccountForUpdate(ctx context.Context, cardNumber string) (*Account, error)
	UpdateAccountBalance(ctx context.Context, cardNumber string, newBalance decimal.Decimal) error
}

// Store is the unit of work shared by every storage backend.
type Store interface {
	Account() AccountRepository
	// WithTransaction runs fn against a transaction-scoped Store. Writes are
	// committed when fn returns nil and discarded otherwise; every lock taken
	// inside is released on all exit paths, panics included.
	WithTransaction(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
	Close() error
}
