package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"card-authorizer/internal/errors"
	"card-authorizer/internal/service"
)

type AccountHandler struct {
	accountService *service.AccountService
	logger         *slog.Logger
}

func NewAccountHandler(accountService *service.AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
		logger:         logger,
	}
}

type CreateAccountRequest struct {
	CardNumber string `json:"card_number"`
	OwnerName  string `json:"owner_name"`
	Password   string `json:"password"`
}

type AccountResponse struct {
	CardNumber string `json:"card_number"`
	OwnerName  string `json:"owner_name"`
	Balance    string `json:"balance"`
}

type BalanceResponse struct {
	CardNumber string `json:"card_number"`
	Balance    string `json:"balance"`
}

func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if appErr := decodeJSON(w, r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}

	if strings.TrimSpace(req.OwnerName) == "" {
		writeError(w, errors.NewAppError(errors.InvalidInput, "owner_name is required"))
		return
	}

	account, err := h.accountService.CreateAccount(r.Context(), service.CreateAccountRequest{
		CardNumber: req.CardNumber,
		OwnerName:  req.OwnerName,
		Password:   req.Password,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	response := AccountResponse{
		CardNumber: account.CardNumber,
		OwnerName:  account.OwnerName,
		Balance:    account.Balance.StringFixed(2),
	}

	writeJSON(w, http.StatusCreated, response)
}

func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	cardNumber := mux.Vars(r)["card_number"]

	balance, err := h.accountService.GetBalance(r.Context(), cardNumber)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceResponse{
		CardNumber: cardNumber,
		Balance:    balance.StringFixed(2),
	})
}
