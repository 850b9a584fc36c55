package server

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"poolledger/services/pool/indexer"
)

const maxIdempotencyKey = 128

// IdempotencyStore persists responses keyed by caller and Idempotency-Key.
type IdempotencyStore interface {
	LookupResponse(ctx context.Context, caller, key string) (*indexer.StoredResponse, bool, error)
	SaveResponse(ctx context.Context, caller, key string, resp indexer.StoredResponse) error
}

type bufferingRecorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *bufferingRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *bufferingRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// idempotent replays stored responses for repeated Idempotency-Key headers.
// Only responses below 500 are recorded so transient failures can be retried.
func (s *Server) idempotent(next http.Handler) http.Handler {
	if s.cfg.Idempotency == nil {
		return next
	}
	store := s.cfg.Idempotency
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKey {
			badRequest(w, "Idempotency-Key too long")
			return
		}
		who := caller(r).String()
		stored, found, err := store.LookupResponse(r.Context(), who, key)
		if err != nil {
			s.logger.Error("idempotency lookup", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Kind: "internal"})
			return
		}
		if found {
			if stored.Method != r.Method || stored.Path != r.URL.Path {
				writeJSON(w, http.StatusConflict, errorBody{Error: "Idempotency-Key reused for a different request", Kind: "idempotency_conflict"})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		}

		rec := &bufferingRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 || rec.status >= http.StatusInternalServerError {
			return
		}
		resp := indexer.StoredResponse{Method: r.Method, Path: r.URL.Path, Status: rec.status, Body: rec.buf.Bytes()}
		if err := store.SaveResponse(context.WithoutCancel(r.Context()), who, key, resp); err != nil {
			s.logger.Warn("idempotency save", "error", err)
		}
	})
}
