package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tally.com/internal/application/usecase"
	"tally.com/internal/domain/entity"
	"tally.com/internal/infrastructure/logger"
	"tally.com/internal/infrastructure/metrics"
	"tally.com/internal/infrastructure/repository"
	"tally.com/internal/infrastructure/retry"
)

const (
	userOne = "test_user@test.com"
	userTwo = "test_user2@test.com"
)

// mockIdentity implements port.IdentityResolver using a plain header
type mockIdentity struct{}

func (mockIdentity) Identify(ctx context.Context, r *http.Request) (string, error) {
	if user := r.Header.Get("X-Test-User"); user != "" {
		return user, nil
	}
	return "", errors.New("no identity")
}

// mockLedger implements port.LedgerStore with a fixed transfer result
type mockLedger struct {
	transferErr error
}

func (m *mockLedger) GetAccount(ctx context.Context, id string) (*entity.Account, error) {
	return &entity.Account{ID: id}, nil
}

func (m *mockLedger) AtomicTransfer(ctx context.Context, ins entity.TransferInstruction) error {
	return m.transferErr
}

// mockHealth implements HealthChecker
type mockHealth struct {
	err error
}

func (m mockHealth) Ping(context.Context) error { return m.err }

func quietLogger() logger.Logger {
	return logger.New(logger.Options{Output: io.Discard})
}

func newTestServer(t *testing.T, opts ...HandlerOption) (http.Handler, *repository.InMemoryLedger) {
	t.Helper()

	log := quietLogger()
	ledger := repository.NewInMemoryLedger(log, time.Hour)
	t.Cleanup(func() { ledger.Close() })

	ctx := context.Background()
	for _, a := range []struct {
		id, name, owner string
		balance         int64
	}{
		{"opex1", "opex", userOne, 100},
		{"savings1", "savings", userOne, 100},
		{"opex2", "opex", userTwo, 0},
		{"special2", "special", userTwo, 1000},
	} {
		if err := ledger.CreateAccount(ctx, entity.Account{ID: a.id, Name: a.name, Balance: a.balance}, entity.Ownership{OwnerID: a.owner}); err != nil {
			t.Fatalf("CreateAccount(%s) error = %v", a.id, err)
		}
	}

	handler := NewHandler(
		usecase.NewTransferFundsUseCase(ledger, ledger, usecase.WithLogger(log)),
		usecase.NewGetBalanceUseCase(ledger, ledger),
		mockIdentity{},
		ledger,
		log,
		opts...,
	)
	return handler.SetupRoutes(), ledger
}

func do(t *testing.T, h http.Handler, method, path, user, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHandler_HandleBalance(t *testing.T) {
	h, _ := newTestServer(t)

	tests := []struct {
		name       string
		user       string
		account    string
		wantStatus int
		wantBody   map[string]any
	}{
		{
			name:       "own account",
			user:       userOne,
			account:    "opex",
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"partner": userOne, "name": "opex", "balance": float64(100)},
		},
		{
			name:       "account of another owner",
			user:       userOne,
			account:    "special",
			wantStatus: http.StatusBadRequest,
			wantBody:   map[string]any{"error": "Account special not found for user test_user@test.com"},
		},
		{
			name:       "anonymous",
			account:    "opex",
			wantStatus: http.StatusUnauthorized,
			wantBody:   map[string]any{"error": "Unauthorized"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, "/balance/"+tt.account, tt.user, "", nil)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			got := decodeBody(t, rec)
			for k, want := range tt.wantBody {
				if got[k] != want {
					t.Errorf("body[%s] = %v, want %v", k, got[k], want)
				}
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("missing X-Request-ID header")
			}
		})
	}
}

func TestHandler_HandleTransfer(t *testing.T) {
	tests := []struct {
		name       string
		user       string
		body       string
		wantStatus int
		wantError  string
		wantSrc    int64
		wantDst    int64
		dstID      string
	}{
		{
			name:       "cross-owner transfer",
			user:       userOne,
			body:       `{"source_account_name":"opex","destination_account_name":"opex","amount":1,"partner":"test_user2@test.com"}`,
			wantStatus: http.StatusOK,
			wantSrc:    99,
			wantDst:    1,
			dstID:      "opex2",
		},
		{
			name:       "source belongs to someone else",
			user:       userOne,
			body:       `{"source_account_name":"special","destination_account_name":"opex","amount":1,"partner":"test_user2@test.com"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Account special not found for user test_user@test.com",
			wantSrc:    100,
			wantDst:    0,
			dstID:      "opex2",
		},
		{
			name:       "destination missing",
			user:       userOne,
			body:       `{"source_account_name":"opex","destination_account_name":"payroll","amount":1,"partner":"test_user2@test.com"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Account payroll not found for user test_user2@test.com",
			wantSrc:    100,
			wantDst:    0,
			dstID:      "opex2",
		},
		{
			name:       "insufficient funds",
			user:       userOne,
			body:       `{"source_account_name":"opex","destination_account_name":"savings","amount":101,"partner":"test_user@test.com"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Insufficient funds",
			wantSrc:    100,
			wantDst:    100,
			dstID:      "savings1",
		},
		{
			name:       "fractional amount",
			user:       userOne,
			body:       `{"source_account_name":"opex","destination_account_name":"savings","amount":1.5,"partner":"test_user@test.com"}`,
			wantStatus: http.StatusBadRequest,
			wantSrc:    100,
			wantDst:    100,
			dstID:      "savings1",
		},
		{
			name:       "malformed body",
			user:       userOne,
			body:       `{"source_account_name":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid JSON body",
			wantSrc:    100,
			wantDst:    100,
			dstID:      "savings1",
		},
		{
			name:       "anonymous",
			body:       `{"source_account_name":"opex","destination_account_name":"savings","amount":1,"partner":"test_user@test.com"}`,
			wantStatus: http.StatusUnauthorized,
			wantSrc:    100,
			wantDst:    100,
			dstID:      "savings1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, ledger := newTestServer(t)
			rec := do(t, h, http.MethodPost, "/transfer", tt.user, tt.body, nil)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantError != "" {
				if got := decodeBody(t, rec)["error"]; got != tt.wantError {
					t.Errorf("error = %v, want %v", got, tt.wantError)
				}
			}

			src, _ := ledger.GetAccount(context.Background(), "opex1")
			dst, _ := ledger.GetAccount(context.Background(), tt.dstID)
			if src.Balance != tt.wantSrc || dst.Balance != tt.wantDst {
				t.Errorf("balances = %d/%d, want %d/%d", src.Balance, dst.Balance, tt.wantSrc, tt.wantDst)
			}
		})
	}
}

func TestHandler_HandleTransferIdempotencyKey(t *testing.T) {
	h, ledger := newTestServer(t)
	body := `{"source_account_name":"opex","destination_account_name":"savings","amount":5,"partner":"test_user@test.com"}`
	headers := map[string]string{"Idempotency-Key": "client-retry-1"}

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodPost, "/transfer", userOne, body, headers)
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d status = %d (body %s)", i, rec.Code, rec.Body.String())
		}
		if got := decodeBody(t, rec)["token"]; got != "client-retry-1" {
			t.Errorf("token = %v, want client-retry-1", got)
		}
	}

	src, _ := ledger.GetAccount(context.Background(), "opex1")
	if src.Balance != 95 {
		t.Errorf("opex1 = %d, want 95", src.Balance)
	}
}

func TestHandler_IdempotencyKeyPerCaller(t *testing.T) {
	h, ledger := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "k1"}

	rec := do(t, h, http.MethodPost, "/transfer", userOne,
		`{"source_account_name":"opex","destination_account_name":"savings","amount":1,"partner":"test_user@test.com"}`, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("first caller status = %d (body %s)", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/transfer", userTwo,
		`{"source_account_name":"special","destination_account_name":"opex","amount":1,"partner":"test_user@test.com"}`, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("second caller status = %d (body %s)", rec.Code, rec.Body.String())
	}

	special, _ := ledger.GetAccount(context.Background(), "special2")
	if special.Balance != 999 {
		t.Errorf("special2 = %d, want 999", special.Balance)
	}
	opex, _ := ledger.GetAccount(context.Background(), "opex1")
	if opex.Balance != 100 {
		t.Errorf("opex1 = %d, want 100", opex.Balance)
	}
}

func TestHandler_TransferErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		transferErr error
		wantStatus  int
		wantError   string
	}{
		{"busy", entity.ErrContention, http.StatusLocked, "Resource is busy, try again later"},
		{"opaque failure", errors.New("boom"), http.StatusInternalServerError, "Transfer failed"},
		{"account vanished", entity.ErrAccountNotFound, http.StatusInternalServerError, "Transfer failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := quietLogger()
			directory := repository.NewInMemoryLedger(log, time.Hour)
			t.Cleanup(func() { directory.Close() })
			ctx := context.Background()
			_ = directory.CreateAccount(ctx, entity.Account{ID: "a", Name: "opex", Balance: 10}, entity.Ownership{OwnerID: userOne})
			_ = directory.CreateAccount(ctx, entity.Account{ID: "b", Name: "savings"}, entity.Ownership{OwnerID: userOne})

			ledger := &mockLedger{transferErr: tt.transferErr}
			handler := NewHandler(
				usecase.NewTransferFundsUseCase(directory, ledger,
					usecase.WithRetryPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}),
					usecase.WithLogger(log)),
				usecase.NewGetBalanceUseCase(directory, ledger),
				mockIdentity{},
				mockHealth{},
				log,
			)

			body := `{"source_account_name":"opex","destination_account_name":"savings","amount":1,"partner":"test_user@test.com"}`
			rec := do(t, handler.SetupRoutes(), http.MethodPost, "/transfer", userOne, body, nil)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeBody(t, rec)["error"]; got != tt.wantError {
				t.Errorf("error = %v, want %v", got, tt.wantError)
			}
		})
	}
}

func TestHandler_HandleHealth(t *testing.T) {
	log := quietLogger()
	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
	}{
		{"store reachable", nil, http.StatusOK},
		{"store down", errors.New("connection refused"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(nil, nil, mockIdentity{}, mockHealth{err: tt.pingErr}, log)
			rec := do(t, handler.SetupRoutes(), http.MethodGet, "/healthz", "", "", nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandler_RateLimitAndMetrics(t *testing.T) {
	limiter := NewRateLimiter(0.001, 2, time.Minute)
	t.Cleanup(limiter.Stop)
	m := metrics.New()

	h, _ := newTestServer(t, WithRateLimiter(limiter), WithMetrics(m))

	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodGet, "/balance/opex", userOne, "", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodGet, "/balance/opex", userOne, "", nil); rec.Code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/balance/opex", userTwo, "", nil); rec.Code != http.StatusOK {
		t.Errorf("other caller status = %d, want 200", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/metrics", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`tally_http_requests_total{method="GET",path="/balance/{account_name}",status="429"} 1`)) {
		t.Errorf("metrics output missing rate-limited request:\n%s", rec.Body.String())
	}
}
