package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/service/provision"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure renders an orchestrator error with its kind and log tail.
func writeFailure(w http.ResponseWriter, err error) {
	failure := domain.FailureFrom(err, nil)
	writeJSON(w, statusForError(err), map[string]any{
		"error":      failure.Detail,
		"error_kind": failure.ErrorKind,
		"log_tail":   failure.LogTail,
	})
}

// statusForError maps error kinds onto HTTP semantics. Failures on the
// managed host are upstream failures, not ours.
func statusForError(err error) int {
	switch {
	case errors.Is(err, provision.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, provision.ErrNotRetryable):
		return http.StatusConflict
	}
	switch domain.KindOf(err) {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConfigValidationFailed:
		return http.StatusUnprocessableEntity
	case domain.KindStaleRoute:
		return http.StatusConflict
	case domain.KindNetworkTimeout:
		return http.StatusGatewayTimeout
	case domain.KindAuth, domain.KindChannelClosed, domain.KindInstallStepFailed,
		domain.KindContainerUnhealthy, domain.KindCommandFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
