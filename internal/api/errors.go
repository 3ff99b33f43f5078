package api

import (
	"encoding/json"
	"net/http"

	"github.com/FluidXR/frameolink/internal/command"
)

// statusFor maps a failure kind to an HTTP status.
func statusFor(kind command.ErrorKind) int {
	switch kind {
	case command.ErrorKindInvalidRequest:
		return http.StatusBadRequest
	case command.ErrorKindBackendUnavailable,
		command.ErrorKindAuthTimeout,
		command.ErrorKindPermission,
		command.ErrorKindDeviceNotFound,
		command.ErrorKindConnection:
		return http.StatusServiceUnavailable
	case command.ErrorKindCommandTimeout:
		return http.StatusGatewayTimeout
	case command.ErrorKindSessionLost,
		command.ErrorKindProtocol,
		command.ErrorKindStreamOpen:
		return http.StatusBadGateway
	case command.ErrorKindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeCommandError reports a command that ran but did not succeed.
func writeCommandError(w http.ResponseWriter, res command.Result, message string) {
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:     message,
		Kind:      string(res.ErrorKind),
		Details:   res.Output,
		RequestID: res.RequestID,
	})
}

func writeError(w http.ResponseWriter, code int, message, details string) {
	resp := ErrorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
