package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto its HTTP status and taxonomy code.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), ErrorBody{Error: model.ErrorCode(err), Message: err.Error()})
}

func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrDependencyExists),
		errors.Is(err, model.ErrStaleState),
		errors.Is(err, model.ErrNotDone),
		errors.Is(err, model.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrCredentialInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrResourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
