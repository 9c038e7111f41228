package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/challenge"
	evmemory "github.com/sheikh-saqib/challenge-escrow-ledger/internal/events/memory"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/ledger"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/logging"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/payments"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/pot"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/proof"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/review"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/settlement"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/storage/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type testServer struct {
	router  http.Handler
	tokens  *Tokens
	sandbox *payments.Sandbox
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logging.Discard()
	store := memory.NewMemoryLedgerStore()
	l := ledger.NewLedger(store, ledger.WithLogger(log))
	pots := pot.NewManager(store, decimal.NewFromInt(30), log)
	tracker := proof.NewTracker(store, decimal.NewFromInt(10), log)
	sandbox := payments.NewSandbox()
	recorder := evmemory.NewRecorder(log)

	engine := settlement.NewEngine(settlement.Dependencies{
		Store: store, Ledger: l, Pots: pots, Payments: sandbox,
		Events: recorder, Notifier: recorder, Log: log,
	})
	workflow := review.NewWorkflow(review.Dependencies{
		Store: store, Settler: engine, Intents: memory.NewIntentStore(),
		Events: recorder, Notifier: recorder, Log: log,
	})
	service := challenge.NewService(challenge.Dependencies{
		Store: store, Ledger: l, Pots: pots, Tracker: tracker, Payments: sandbox, Log: log,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "escrow_test_total", Help: "test"}))

	tokens := NewTokens(testSecret)
	h := NewHandler(Dependencies{
		Challenges: service,
		Review:     workflow,
		Settlement: engine,
		Ledger:     l,
		Tokens:     tokens,
		Gatherer:   reg,
		Log:        log,
	})
	return &testServer{router: NewRouter(h), tokens: tokens, sandbox: sandbox}
}

func (s *testServer) token(t *testing.T, user, role string) string {
	t.Helper()
	tok, err := s.tokens.Sign(user, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var out ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (s *testServer) createChallenge(t *testing.T, id string) {
	t.Helper()
	start := time.Now().Add(time.Hour).UTC()
	rec := s.do(t, http.MethodPost, "/challenges", s.token(t, "admin-1", RoleAdmin), map[string]any{
		"id":            id,
		"title":         "Morning run",
		"entry_fee":     "10",
		"forfeit_unit":  "10",
		"total_periods": 3,
		"starts_at":     start,
		"ends_at":       start.Add(72 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "escrow_test_total")
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/challenges/c1", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Code)

	forged, err := NewTokens("other-secret").Sign("alice", RoleAdmin, time.Hour)
	require.NoError(t, err)
	rec = s.do(t, http.MethodGet, "/challenges/c1", forged, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := s.tokens.Sign("alice", "", -time.Minute)
	require.NoError(t, err)
	rec = s.do(t, http.MethodGet, "/challenges/c1", expired, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	s := newTestServer(t)
	user := s.token(t, "alice", "")

	for _, path := range []string{
		"/challenges",
		"/challenges/c1/distribute",
		"/admin/challenges/c1/verify-all",
		"/admin/challenges/c1/reject/intent",
	} {
		rec := s.do(t, http.MethodPost, path, user, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}
}

func TestJoinAndWallet(t *testing.T) {
	s := newTestServer(t)
	s.createChallenge(t, "c1")
	alice := s.token(t, "alice", "")

	rec := s.do(t, http.MethodPost, "/challenges/c1/join", alice, map[string]string{"amount": "10"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p models.Participant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "alice", p.UserID)
	assert.True(t, p.InvestmentAmount.Equal(decimal.NewFromInt(10)))

	// joining twice is rejected
	rec = s.do(t, http.MethodPost, "/challenges/c1/join", alice, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state_transition", decodeError(t, rec).Code)

	rec = s.do(t, http.MethodGet, "/challenges/c1", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view challenge.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.Pot.TotalAmount.Equal(decimal.NewFromInt(10)))
	require.Len(t, view.Participants, 1)

	rec = s.do(t, http.MethodGet, "/wallets/alice", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var wallet walletResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wallet))
	assert.True(t, wallet.Balance.IsZero())

	rec = s.do(t, http.MethodGet, "/wallets/alice/transactions?limit=10", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var txns []models.LedgerTransaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txns))
	assert.Len(t, txns, 2)

	rec = s.do(t, http.MethodGet, "/wallets/alice/transactions?limit=0", alice, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/wallets/alice", s.token(t, "bob", ""), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/admin/wallets/alice/reconcile", s.token(t, "admin-1", RoleAdmin), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recon ledger.Reconciliation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recon))
	assert.True(t, recon.Balanced)
}

func TestJoinErrors(t *testing.T) {
	s := newTestServer(t)
	s.createChallenge(t, "c1")

	rec := s.do(t, http.MethodPost, "/challenges/c1/join", s.token(t, "alice", ""), map[string]string{"amount": "7"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeError(t, rec).Code)

	s.sandbox.FailChargesFor("bob", true)
	rec = s.do(t, http.MethodPost, "/challenges/c1/join", s.token(t, "bob", ""), nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "payment_failed", decodeError(t, rec).Code)

	rec = s.do(t, http.MethodPost, "/challenges/missing/join", s.token(t, "carol", ""), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRejectionNeedsIntent(t *testing.T) {
	s := newTestServer(t)
	s.createChallenge(t, "c1")
	admin := s.token(t, "admin-1", RoleAdmin)

	rec := s.do(t, http.MethodPost, "/admin/challenges/c1/reject/confirm", admin, map[string]string{"reason": "spam"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "intent_not_found", decodeError(t, rec).Code)

	// not pending review yet
	rec = s.do(t, http.MethodPost, "/admin/challenges/c1/reject/intent", admin, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state_transition", decodeError(t, rec).Code)
}

func TestUnknownFieldsRejected(t *testing.T) {
	s := newTestServer(t)
	s.createChallenge(t, "c1")
	rec := s.do(t, http.MethodPost, "/challenges/c1/proofs", s.token(t, "alice", ""), map[string]any{"period": 1, "photo": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMapDomainError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{models.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds"},
		{fmt.Errorf("challenge c1: %w", models.ErrNotFound), http.StatusNotFound, "not_found"},
		{models.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
		{models.ErrIntentExpired, http.StatusConflict, "intent_expired"},
		{models.ErrReferenceConflict, http.StatusConflict, "reference_conflict"},
		{models.ErrInvalidAmount, http.StatusBadRequest, "invalid_input"},
		{models.ErrExternalPaymentFailure, http.StatusBadGateway, "payment_failed"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, code, msg := mapDomainError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
		if status == http.StatusInternalServerError {
			assert.NotContains(t, msg, "boom")
		}
	}
}
