package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"tally.com/internal/application/usecase"
	"tally.com/internal/domain/entity"
	"tally.com/internal/domain/port"
	"tally.com/internal/infrastructure/logger"
	"tally.com/internal/infrastructure/metrics"
)

const maxBodyBytes = 1 << 16

// HealthChecker reports whether the storage backend is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler holds HTTP handlers and their dependencies
type Handler struct {
	transferUseCase   *usecase.TransferFundsUseCase
	getBalanceUseCase *usecase.GetBalanceUseCase
	identity          port.IdentityResolver
	health            HealthChecker
	metrics           *metrics.Metrics
	limiter           *RateLimiter
	logger            logger.Logger
}

// HandlerOption configures optional Handler collaborators.
type HandlerOption func(*Handler)

// WithMetrics enables request instrumentation and the /metrics route.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithRateLimiter enables per-caller rate limiting on authenticated routes.
func WithRateLimiter(l *RateLimiter) HandlerOption {
	return func(h *Handler) { h.limiter = l }
}

// NewHandler creates a new HTTP handler
func NewHandler(
	transferUseCase *usecase.TransferFundsUseCase,
	getBalanceUseCase *usecase.GetBalanceUseCase,
	identity port.IdentityResolver,
	health HealthChecker,
	logger logger.Logger,
	opts ...HandlerOption,
) *Handler {
	h := &Handler{
		transferUseCase:   transferUseCase,
		getBalanceUseCase: getBalanceUseCase,
		identity:          identity,
		health:            health,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleTransfer handles POST /transfer requests
func (h *Handler) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestLogger := logger.FromContext(ctx, h.logger)

	var req entity.TransferRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		requestLogger.LogWarning(ctx, "Failed to parse transfer body", "error", err.Error())
		if errors.Is(err, entity.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	token := r.Header.Get("Idempotency-Key")
	if token == "" {
		token = RequestIDFromContext(ctx)
	}

	receipt, err := h.transferUseCase.Execute(ctx, usecase.TransferCommand{
		RequesterID: CallerFromContext(ctx),
		Token:       token,
		Request:     req,
	})
	if err != nil {
		status, message := transferErrorResponse(err)
		if status >= http.StatusInternalServerError {
			requestLogger.LogError(ctx, "Transfer failed", err)
		}
		writeError(w, status, message)
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}

// HandleBalance handles GET /balance/{account_name} requests
func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestLogger := logger.FromContext(ctx, h.logger)
	accountName := chi.URLParam(r, "account_name")

	balance, err := h.getBalanceUseCase.Execute(ctx, CallerFromContext(ctx), accountName)
	if err != nil {
		var notFound *entity.AccountNotFoundError
		switch {
		case errors.As(err, &notFound):
			writeError(w, http.StatusBadRequest, notFound.Error())
		case errors.Is(err, entity.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			requestLogger.LogError(ctx, "Failed to get balance", err)
			writeError(w, http.StatusInternalServerError, "Failed to get balance")
		}
		return
	}

	writeJSON(w, http.StatusOK, balance)
	requestLogger.LogDebug(ctx, "Balance retrieved", "account", accountName)
}

// HandleHealth handles GET /healthz requests
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.health.Ping(r.Context()); err != nil {
		logger.FromContext(r.Context(), h.logger).LogError(r.Context(), "Health check failed", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetupRoutes sets up all HTTP routes
func (h *Handler) SetupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware(h.logger))
	r.Use(LoggingMiddleware(h.logger))
	r.Use(chimw.Recoverer)
	if h.metrics != nil {
		r.Use(h.metrics.InstrumentHandler)
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Get("/healthz", h.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.identity, h.logger))
		if h.limiter != nil {
			r.Use(h.limiter.Middleware)
		}
		r.Get("/balance/{account_name}", h.HandleBalance)
		r.Post("/transfer", h.HandleTransfer)
	})

	return r
}

// transferErrorResponse maps a coordinator error to a status and body message.
func transferErrorResponse(err error) (int, string) {
	var notFound *entity.AccountNotFoundError
	if errors.As(err, &notFound) {
		return http.StatusBadRequest, notFound.Error()
	}

	switch entity.OutcomeOf(err) {
	case entity.OutcomeInsufficientFunds:
		return http.StatusBadRequest, "Insufficient funds"
	case entity.OutcomeBusy:
		return http.StatusLocked, "Resource is busy, try again later"
	case entity.OutcomeInvalidRequest:
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "Transfer failed"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
