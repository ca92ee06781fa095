package errors

import (
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	AccountNotFound    ErrorCode = "account_not_found"
	DuplicateAccount   ErrorCode = "duplicate_account"
	UnknownAccount     ErrorCode = "unknown_account"
	InvalidCredential  ErrorCode = "invalid_credential"
	InsufficientFunds  ErrorCode = "insufficient_funds"
	LockTimeout        ErrorCode = "lock_timeout"
	InvalidInput       ErrorCode = "invalid_input"
	InvalidAmount      ErrorCode = "invalid_amount"
	Unauthorized       ErrorCode = "unauthorized"
	StorageUnavailable ErrorCode = "storage_unavailable"
	RequestCanceled    ErrorCode = "request_canceled"
	InternalError      ErrorCode = "internal_error"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is an AppError carrying the same code, so
// predefined errors can be matched with errors.Is regardless of message or
// details.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy of e with details attached. The predefined
// errors below are shared, so they are never mutated in place.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// HTTPStatus maps the error code onto the response status.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case InvalidInput, InvalidAmount:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case AccountNotFound:
		return http.StatusNotFound
	case DuplicateAccount:
		return http.StatusConflict
	case UnknownAccount, InvalidCredential, InsufficientFunds:
		return http.StatusUnprocessableEntity
	case LockTimeout, StorageUnavailable:
		return http.StatusServiceUnavailable
	case RequestCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the same request unchanged.
// Only a lock wait timeout qualifies; business rejections are deterministic.
func (e *AppError) Retryable() bool {
	return e.Code == LockTimeout
}

// Predefined errors for common cases
var (
	ErrAccountNotFound   = NewAppError(AccountNotFound, "card not found")
	ErrDuplicateAccount  = NewAppError(DuplicateAccount, "card number already exists")
	ErrUnknownAccount    = NewAppError(UnknownAccount, "card does not exist")
	ErrInvalidCredential = NewAppError(InvalidCredential, "invalid card password")
	ErrInsufficientFunds = NewAppError(InsufficientFunds, "insufficient funds")
	ErrLockTimeout       = NewAppError(LockTimeout, "timed out waiting for card lock")
	ErrInvalidAmount     = NewAppError(InvalidAmount, "amount must be positive with at most two decimal places")
	ErrUnauthorized      = NewAppError(Unauthorized, "invalid username or password")
	ErrRequestCanceled   = NewAppError(RequestCanceled, "request canceled before the card operation completed")
)
