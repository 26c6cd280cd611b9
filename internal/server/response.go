package server

import (
	"encoding/json"
	"net/http"

	"github.com/sessionmux/sessionmux/pkg/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the kernel error kind and message.
type ErrorDetail struct {
	Kind    types.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps a kernel error onto an HTTP status and body.
func writeError(w http.ResponseWriter, status int, err error) {
	kind := types.KindOf(err)
	if kind == "" {
		kind = "InternalError"
	}
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Kind: kind, Message: err.Error()}})
}

// writeKernelError picks the HTTP status from the error kind.
func writeKernelError(w http.ResponseWriter, err error) {
	writeError(w, statusForKind(types.KindOf(err)), err)
}

func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.ErrBadArgs, types.ErrUnsupportedOperation:
		return http.StatusBadRequest
	case types.ErrSessionNotFound:
		return http.StatusNotFound
	case types.ErrSessionNotLive, types.ErrResumeUnsupported, types.ErrClosedSink:
		return http.StatusConflict
	case types.ErrAuthRequired:
		return http.StatusUnauthorized
	case types.ErrSpawnFailed, types.ErrSpawnTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
