package service

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"card-authorizer/internal/domain"
	"card-authorizer/internal/errors"
	"card-authorizer/internal/security"
)

const (
	minCardNumberLength = 3
	maxCardNumberLength = 80
	maxOwnerNameLength  = 255
)

type AccountService struct {
	store    domain.Store
	verifier domain.CredentialVerifier
	logger   *slog.Logger
}

func NewAccountService(store domain.Store, verifier domain.CredentialVerifier, logger *slog.Logger) *AccountService {
	return &AccountService{
		store:    store,
		verifier: verifier,
		logger:   logger,
	}
}

type CreateAccountRequest struct {
	CardNumber string
	OwnerName  string
	Password   string
}

// CreateAccount registers a card with a zero balance. The password is stored
// only as a hash.
func (s *AccountService) CreateAccount(ctx context.Context, req CreateAccountRequest) (*domain.Account, error) {
	s.logger.Info("Creating card", "card_number", security.MaskCardNumber(req.CardNumber))

	if err := validateCardNumber(req.CardNumber); err != nil {
		return nil, err
	}

	if utf8.RuneCountInString(req.OwnerName) > maxOwnerNameLength {
		return nil, errors.NewAppErrorf(errors.InvalidInput, "owner name must be at most %d characters", maxOwnerNameLength)
	}

	if strings.TrimSpace(req.Password) == "" {
		return nil, errors.NewAppError(errors.InvalidInput, "password is required")
	}

	hash, err := s.verifier.Hash(req.Password)
	if err != nil {
		s.logger.Error("Failed to hash card password", "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to hash password").WithDetails(err.Error())
	}

	account := &domain.Account{
		CardNumber:     req.CardNumber,
		OwnerName:      strings.TrimSpace(req.OwnerName),
		CredentialHash: hash,
		Balance:        decimal.Zero,
	}

	if err := s.store.Account().CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("Card created successfully", "card_number", security.MaskCardNumber(account.CardNumber))
	return publicView(account), nil
}

// GetBalance is a point-in-time read and takes no lock.
func (s *AccountService) GetBalance(ctx context.Context, cardNumber string) (decimal.Decimal, error) {
	s.logger.Info("Getting card balance", "card_number", security.MaskCardNumber(cardNumber))

	if strings.TrimSpace(cardNumber) == "" {
		return decimal.Zero, errors.NewAppError(errors.InvalidInput, "card number is required")
	}

	account, err := s.store.Account().GetAccount(ctx, cardNumber)
	if err != nil {
		return decimal.Zero, err
	}

	return account.Balance, nil
}

func validateCardNumber(cardNumber string) error {
	if strings.TrimSpace(cardNumber) != cardNumber {
		return errors.NewAppError(errors.InvalidInput, "card number must not contain surrounding whitespace")
	}

	n := utf8.RuneCountInString(cardNumber)
	if n < minCardNumberLength || n > maxCardNumberLength {
		return errors.NewAppErrorf(errors.InvalidInput, "card number must be between %d and %d characters", minCardNumberLength, maxCardNumberLength)
	}

	return nil
}

// publicView strips the credential hash before an account leaves the service.
func publicView(account *domain.Account) *domain.Account {
	view := *account
	view.CredentialHash = ""
	return &view
}
