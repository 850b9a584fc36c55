package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"poolledger/crypto"
	"poolledger/observability"
	"poolledger/observability/logging"
	"poolledger/services/pool/engine"
)

const maxBodyBytes = 1 << 20

// Config tunes the HTTP surface.
type Config struct {
	Auth           AuthConfig
	RateLimit      RateLimit
	AllowedOrigins []string
	Idempotency    IdempotencyStore
	Logger         *slog.Logger
}

// Server exposes the pool service over a JSON HTTP API.
type Server struct {
	svc     *engine.Service
	hub     *Hub
	cfg     Config
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
	render  renderer
}

// New builds a server for svc. hub may be nil when event streaming is not
// wanted; it should be the same hub registered as the service emitter.
func New(svc *engine.Service, hub *Hub, cfg Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("pool server: service required")
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return nil, errNoSecret
	}
	if hub == nil {
		hub = NewHub(0)
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:     svc,
		hub:     hub,
		cfg:     cfg,
		auth:    NewAuthenticator(cfg.Auth),
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  logger.With("component", "pool-http"),
		render:  renderer{decimals: int32(svc.Config().AssetDecimals)},
	}, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer, s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Get("/pool", s.handlePool)
			r.Get("/pool/withdrawals", s.handlePendingWithdrawals)
			r.Get("/pool/withdrawals/{id}", s.handleWithdrawal)
			r.Get("/accounts/{address}", s.handleAccount)
			r.Get("/applications/{id}", s.handleApplication)
			r.Get("/loans/{id}", s.handleLoan)
			r.Get("/template", s.handleTemplate)
			r.Get("/roles/{role}", s.handleMembers)
			r.Get("/events", s.handleEventStream)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware, s.limiter.Middleware, s.idempotent)
			r.Post("/tokens/faucet", s.handleFaucet)
			r.Post("/tokens/approve", s.handleApprove)
			r.Post("/tokens/transfer", s.handleTransfer)

			r.Post("/pool/deposit", s.handleDeposit)
			r.Post("/pool/stake", s.handleStake)
			r.Post("/pool/unstake", s.handleUnstake)
			r.Post("/pool/open", s.handleOpen)
			r.Post("/pool/close", s.handleClose)
			r.Post("/pool/revenue", s.handleWithdrawRevenue)
			r.Put("/pool/params", s.handleUpdateParams)
			r.Post("/pool/withdrawals", s.handleRequestWithdrawal)
			r.Post("/pool/withdrawals/fulfill", s.handleFulfill)
			r.Put("/pool/withdrawals/{id}", s.handleUpdateWithdrawal)
			r.Delete("/pool/withdrawals/{id}", s.handleCancelWithdrawal)

			r.Post("/applications", s.handleRequestLoan)
			r.Post("/applications/{id}/deny", s.handleDeny)
			r.Post("/applications/{id}/cancel", s.handleCancelLoan)
			r.Post("/applications/{id}/offer", s.handleDraftOffer)
			r.Put("/applications/{id}/offer", s.handleUpdateDraftOffer)
			r.Post("/applications/{id}/offer/lock", s.handleLockOffer)
			r.Post("/applications/{id}/offer/make", s.handleMakeOffer)
			r.Post("/applications/{id}/offer/cancel", s.handleCancelOffer)
			r.Post("/applications/{id}/borrow", s.handleBorrow)
			r.Post("/loans/{id}/repay", s.handleRepay)
			r.Get("/loans/{id}/can-default", s.handleCanDefault)
			r.Post("/loans/{id}/default", s.handleDefault)
			r.Put("/template", s.handleUpdateTemplate)

			r.Post("/roles/{role}/grant", s.handleGrant)
			r.Post("/roles/{role}/revoke", s.handleRevoke)
			r.Put("/pauses/{module}", s.handlePause)
		})
	})
	return otelhttp.NewHandler(r, "poold")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack exposes the underlying connection for the event stream upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := routePattern(r)
		elapsed := time.Since(start)
		observability.API().Observe(route, r.Method, rec.status, elapsed)
		s.logger.Debug("http request", "route", route, "method", r.Method, "status", rec.status, "duration", elapsed,
			logging.MaskField("authorization", r.Header.Get("Authorization")))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in handler", "route", r.URL.Path, "panic", rec)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Kind: string(engine.KindInternal)})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("id must be a positive integer")
	}
	return id, nil
}

func caller(r *http.Request) crypto.Address {
	addr, _ := CallerFromContext(r.Context())
	return addr
}

// decodeAmount reads an {"amount": "..."} body.
func decodeAmount(w http.ResponseWriter, r *http.Request) (*amountRequest, bool) {
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return nil, false
	}
	return &req, true
}

func (s *Server) ok(w http.ResponseWriter, body any) {
	if body == nil {
		body = map[string]bool{"ok": true}
	}
	writeJSON(w, http.StatusOK, body)
}
