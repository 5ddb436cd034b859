package server

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/sudorandom/world-grid/pkg/docstore"
	"github.com/sudorandom/world-grid/pkg/gridengine"
	"github.com/sudorandom/world-grid/pkg/logging"
)

type errorBody struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

var errBadRequestBody = errors.New("malformed request body")

// statusFor maps engine and store errors to HTTP status codes.
func statusFor(err error) int {
	var verr *gridengine.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, gridengine.ErrLoginRequired):
		return http.StatusUnauthorized
	case errors.Is(err, docstore.ErrNotFound),
		errors.Is(err, gridengine.ErrUnknownMessage),
		errors.Is(err, gridengine.ErrNoMoreSignals):
		return http.StatusNotFound
	case errors.Is(err, gridengine.ErrNoClanTag),
		errors.Is(err, gridengine.ErrSelfFollow),
		errors.Is(err, gridengine.ErrHistoryInactive),
		errors.Is(err, gridengine.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, gridengine.ErrSyntheticMessage),
		errors.Is(err, gridengine.ErrProfanity),
		errors.Is(err, gridengine.ErrEmptyText),
		errors.Is(err, gridengine.ErrLocationRequired),
		errors.Is(err, gridengine.ErrInvalidSortKey),
		errors.Is(err, gridengine.ErrUnknownCommand),
		errors.Is(err, errBadRequestBody):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var verr *gridengine.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	if status == http.StatusInternalServerError {
		logging.Error().Err(err).Msg("request failed")
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}
