package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"externalorder/internal/model"
	"externalorder/internal/service"
	"externalorder/internal/storage"
)

func writeResponse(w http.ResponseWriter, status int, resp model.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("encode response failed", "error", err)
	}
}

// writeFailure answers with the failure envelope; data is the operation's
// zero payload (false for writes, null for reads).
func writeFailure(w http.ResponseWriter, err error, data any) {
	resp := model.Fail(err.Error())
	resp.Data = data
	writeResponse(w, statusFor(err), resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, errBadRequest), storage.IsInvalidRecord(err):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrRowsAffected),
		errors.Is(err, storage.ErrOrderExists),
		errors.Is(err, service.ErrTransitionRejected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
