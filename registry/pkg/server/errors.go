package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rebalnet/registry/registry/pkg/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the instruction error taxonomy onto HTTP statuses. The
// sentinel text is what clients branch on; internal detail stays in logs.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInvalidParameter):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrUnauthorized),
		errors.Is(err, types.ErrNotWhitelisted):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateBasket),
		errors.Is(err, types.ErrProposalAlreadyActive),
		errors.Is(err, types.ErrAlreadyVoted),
		errors.Is(err, types.ErrProposalNotActive),
		errors.Is(err, types.ErrProposalExpired),
		errors.Is(err, types.ErrInsufficientStake),
		errors.Is(err, types.ErrCooldownNotElapsed),
		errors.Is(err, types.ErrFeeVaultUnderfunded):
		status = http.StatusConflict
	case errors.Is(err, types.ErrNoImprovement):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrArithmeticOverflow):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		log.Error("server: request failed", "error", err)
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
