package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"card-authorizer/internal/errors"
	"card-authorizer/internal/service"
)

// maxAmountLength caps the amount literal before it is parsed.
const maxAmountLength = 32

type TransactionHandler struct {
	transactionService *service.TransactionService
	logger             *slog.Logger
}

func NewTransactionHandler(transactionService *service.TransactionService, logger *slog.Logger) *TransactionHandler {
	return &TransactionHandler{
		transactionService: transactionService,
		logger:             logger,
	}
}

// DebitRequest accepts the amount either as a JSON number or as a numeric
// string.
type DebitRequest struct {
	CardNumber string      `json:"card_number"`
	Password   string      `json:"password"`
	Amount     json.Number `json:"amount"`
}

type DebitResponse struct {
	CardNumber string `json:"card_number"`
	OwnerName  string `json:"owner_name"`
	Balance    string `json:"balance"`
	Status     string `json:"status"`
}

func (h *TransactionHandler) Debit(w http.ResponseWriter, r *http.Request) {
	var req DebitRequest
	if appErr := decodeJSON(w, r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}

	if len(req.Amount) > maxAmountLength {
		writeError(w, errors.ErrInvalidAmount.WithDetails("amount literal too long"))
		return
	}

	amount, err := decimal.NewFromString(req.Amount.String())
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidAmount, "invalid amount format").WithDetails(err.Error()))
		return
	}

	account, err := h.transactionService.Debit(r.Context(), service.DebitRequest{
		CardNumber: req.CardNumber,
		Password:   req.Password,
		Amount:     amount,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, DebitResponse{
		CardNumber: account.CardNumber,
		OwnerName:  account.OwnerName,
		Balance:    account.Balance.StringFixed(2),
		Status:     service.StatusOK,
	})
}
