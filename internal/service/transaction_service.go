package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"card-authorizer/internal/domain"
	"card-authorizer/internal/errors"
	"card-authorizer/internal/security"
)

// StatusOK is reported for an approved debit.
const StatusOK = "OK"

var maxDebitAmount = decimal.NewFromInt(10_000_000_000)

// Bounds on the decimal representation, checked before any arithmetic so a
// value like 1e1000000000 never gets rescaled.
const (
	minAmountExponent  = -18
	maxAmountExponent  = 11
	maxAmountDigits    = 30
	maxAmountIntDigits = 11
)

type TransactionService struct {
	store    domain.Store
	verifier domain.CredentialVerifier
	logger   *slog.Logger
}

func NewTransactionService(store domain.Store, verifier domain.CredentialVerifier, logger *slog.Logger) *TransactionService {
	return &TransactionService{
		store:    store,
		verifier: verifier,
		logger:   logger,
	}
}

type DebitRequest struct {
	CardNumber string
	Password   string
	Amount     decimal.Decimal
}

// Debit subtracts req.Amount from the card balance while holding the card's
// exclusive lock. Rejections are checked in a fixed order, unknown card then
// wrong password then insufficient funds, and none of them writes anything.
func (s *TransactionService) Debit(ctx context.Context, req DebitRequest) (*domain.Account, error) {
	masked := security.MaskCardNumber(req.CardNumber)

	if err := s.validateDebit(req); err != nil {
		s.logger.Warn("Debit rejected by validation", "card_number", masked, "error", err)
		return nil, err
	}

	s.logger.Info("Processing debit", "card_number", masked, "amount", req.Amount)

	var result *domain.Account

	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		account, err := tx.Account().GetAccountForUpdate(ctx, req.CardNumber)
		if err != nil {
			if stderrors.Is(err, errors.ErrAccountNotFound) {
				return errors.ErrUnknownAccount
			}
			return err
		}

		if !s.verifier.Verify(req.Password, account.CredentialHash) {
			return errors.ErrInvalidCredential
		}

		newBalance := account.Balance.Sub(req.Amount)
		if newBalance.IsNegative() {
			return errors.ErrInsufficientFunds
		}

		if err := tx.Account().UpdateAccountBalance(ctx, req.CardNumber, newBalance); err != nil {
			return err
		}

		account.Balance = newBalance
		result = publicView(account)
		return nil
	})

	if err != nil {
		s.logger.Warn("Debit rejected", "card_number", masked, "error", err)
		return nil, err
	}

	s.logger.Info("Debit completed successfully", "card_number", masked, "balance", result.Balance)
	return result, nil
}

func (s *TransactionService) validateDebit(req DebitRequest) error {
	if strings.TrimSpace(req.CardNumber) == "" {
		return errors.NewAppError(errors.InvalidInput, "card number is required")
	}

	if strings.TrimSpace(req.Password) == "" {
		return errors.NewAppError(errors.InvalidInput, "password is required")
	}

	return ValidateAmount(req.Amount)
}

// ValidateAmount accepts positive amounts with at most two fractional digits.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.ErrInvalidAmount
	}

	exp := int(amount.Exponent())
	if exp < minAmountExponent || exp > maxAmountExponent {
		return errors.ErrInvalidAmount
	}

	digits := amount.NumDigits()
	if digits > maxAmountDigits || digits+exp > maxAmountIntDigits {
		return errors.ErrInvalidAmount
	}

	if !amount.Equal(amount.Round(2)) {
		return errors.ErrInvalidAmount
	}

	if amount.GreaterThan(maxDebitAmount) {
		return errors.NewAppError(errors.InvalidAmount, "amount exceeds maximum limit")
	}

	return nil
}
