package handler

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"

	"card-authorizer/internal/errors"
)

const maxRequestBodyBytes = 1 << 20

type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := Response{Data: data}
	json.NewEncoder(w).Encode(response)
}

func writeError(w http.ResponseWriter, appErr *errors.AppError) {
	w.Header().Set("Content-Type", "application/json")

	statusCode := appErr.HTTPStatus()
	errResponse := Error{
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Details:   appErr.Details,
		Retryable: appErr.Retryable(),
	}

	// Internal details are logged, never returned.
	if appErr.Code == errors.InternalError {
		errResponse.Details = ""
	}

	if appErr.Retryable() {
		w.Header().Set("Retry-After", "1")
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{Error: &errResponse})
}

// WriteError lets middleware outside this package answer in the same envelope.
func WriteError(w http.ResponseWriter, appErr *errors.AppError) {
	writeError(w, appErr)
}

func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		if appErr.Code == errors.InternalError {
			logger.Error("Request failed", "error", appErr.Error(), "details", appErr.Details)
		}
		writeError(w, appErr)
		return
	}

	logger.Error("Unexpected error", "error", err)
	writeError(w, errors.NewAppError(errors.InternalError, "an unexpected error occurred"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) *errors.AppError {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error())
	}
	return nil
}
