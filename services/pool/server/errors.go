package server

import (
	"encoding/json"
	"net/http"

	"poolledger/services/pool/engine"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps a classified ledger error onto an HTTP status.
func statusFor(kind engine.Kind) int {
	switch kind {
	case engine.KindUnauthorized:
		return http.StatusForbidden
	case engine.KindInvalidState:
		return http.StatusConflict
	case engine.KindOutOfBounds:
		return http.StatusBadRequest
	case engine.KindInsufficient:
		return http.StatusUnprocessableEntity
	case engine.KindPaused:
		return http.StatusServiceUnavailable
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := engine.Classify(err)
	msg := err.Error()
	if kind == engine.KindInternal {
		msg = "internal error"
	}
	writeJSON(w, statusFor(kind), errorBody{Error: msg, Kind: string(kind)})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: "bad_request"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
