package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/authz"
	"identity-service/internal/bucketing"
	"identity-service/internal/clock"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/locking"
	"identity-service/internal/proof"
	"identity-service/internal/repository/memory"
	"identity-service/internal/service"
	"identity-service/internal/tier"
)

type testServer struct {
	t      *testing.T
	router http.Handler
	clock  *clock.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.NewStore()
	registry := authz.NewMemoryRegistry()
	proofs, err := proof.NewGenerator("")
	require.NoError(t, err)
	buckets := bucketing.New(8, 32)
	clk := clock.NewFake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	cfg := &config.Config{Hashing: config.HashingConfig{
		Argon2MemoryCost: 1024, Argon2TimeCost: 1, Argon2Parallelism: 1, Pepper: "p",
	}}

	factory := service.NewServiceFactory(service.Dependencies{
		Store:            store,
		Oracle:           authz.NewAuthorizer(registry, store.Identities),
		Tiers:            tier.DefaultTable(),
		Proofs:           proofs,
		Hasher:           hashing.NewHasher(cfg),
		IdentityLocker:   locking.NewStripedLocker(buckets),
		VerificationLock: locking.NewStripedLocker(buckets),
		Clock:            clk,
	}, zap.NewNop())

	logger := zap.NewNop()
	router := NewRouter(RouterConfig{}, func(context.Context) map[string]string { return nil }, logger,
		NewIdentityHandler(factory.IdentityService(), factory.AttestationService(), logger),
		NewAttestationHandler(factory.AttestationService(), factory.IdentityService(), logger),
		NewVerificationHandler(factory.VerificationService(), logger),
		NewAttesterHandler(registry, logger),
	)
	return &testServer{t: t, router: router, clock: clk}
}

func (s *testServer) do(method, path, user, role string, body interface{}) (int, Response) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(headerUserID, user)
	}
	if role != "" {
		req.Header.Set(headerUserRole, role)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp Response
	if rec.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec.Code, resp
}

// field pulls a value out of a decoded response payload.
func field(t *testing.T, data interface{}, path ...string) interface{} {
	t.Helper()
	cur := data
	for _, p := range path {
		m, ok := cur.(map[string]interface{})
		require.True(t, ok, "expected object at %q", p)
		cur = m[p]
	}
	return cur
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestRequiresCaller(t *testing.T) {
	s := newTestServer(t)
	code, resp := s.do(http.MethodGet, "/api/v1/identities/me", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, resp.Success)
}

func TestDisclosureOverHTTP(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(http.MethodPut, "/api/v1/attesters/kyc-co", "root", "", map[string]interface{}{"types": []string{"personal"}})
	require.Equal(t, http.StatusForbidden, code)
	code, _ = s.do(http.MethodPut, "/api/v1/attesters/kyc-co", "root", roleAdmin, map[string]interface{}{"types": []string{"personal"}})
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodPut, "/api/v1/attesters/kyc-co", "root", roleAdmin, map[string]interface{}{"types": []string{"astrology"}})
	require.Equal(t, http.StatusBadRequest, code)

	code, resp := s.do(http.MethodPost, "/api/v1/identities", "alice", "", map[string]interface{}{"ledgerAddress": "0xa11ce"})
	require.Equal(t, http.StatusCreated, code)
	identityID := field(t, resp.Data, "identity", "id").(string)
	assert.Len(t, field(t, resp.Data, "challenge"), 64)

	code, _ = s.do(http.MethodPost, "/api/v1/identities", "alice", "", map[string]interface{}{"ledgerAddress": "0xa11ce"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = s.do(http.MethodPost, "/api/v1/attestations", "kyc-co", "", map[string]interface{}{
		"identityId": identityID,
		"type":       "financial",
		"fields":     []map[string]string{{"name": "income", "value": "1"}},
		"confidence": 80,
	})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, resp = s.do(http.MethodPost, "/api/v1/attestations", "kyc-co", "", map[string]interface{}{
		"identityId": identityID,
		"type":       "personal",
		"fields": []map[string]string{
			{"name": "firstName", "value": "Alice"},
			{"name": "lastName", "value": "Liddell"},
		},
		"confidence": 90,
	})
	require.Equal(t, http.StatusCreated, code)
	attestationID := field(t, resp.Data, "id").(string)

	code, resp = s.do(http.MethodGet, "/api/v1/identities/me", "alice", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, field(t, resp.Data, "tier"))

	code, _ = s.do(http.MethodGet, "/api/v1/identities/"+identityID, "mallory", "", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, resp = s.do(http.MethodPost, "/api/v1/verifications", "bank", "", map[string]interface{}{
		"identityId":      identityID,
		"requestedFields": []string{"firstName", "ssn"},
		"purpose":         "account opening",
	})
	require.Equal(t, http.StatusCreated, code)
	verificationID := field(t, resp.Data, "id").(string)

	code, _ = s.do(http.MethodPost, "/api/v1/verifications/"+verificationID+"/consent", "bank", "", map[string]interface{}{})
	assert.Equal(t, http.StatusForbidden, code)

	code, resp = s.do(http.MethodPost, "/api/v1/verifications/"+verificationID+"/consent", "alice", "", map[string]interface{}{
		"selectedFields": []string{"firstName", "ssn"},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "approved", field(t, resp.Data, "result", "status"))
	assert.Equal(t, []interface{}{"firstName"}, field(t, resp.Data, "result", "disclosedFields"))

	code, _ = s.do(http.MethodPost, "/api/v1/verifications/"+verificationID+"/consent", "alice", "", map[string]interface{}{})
	assert.Equal(t, http.StatusConflict, code)

	code, resp = s.do(http.MethodGet, "/api/v1/verifications/"+verificationID+"/proof", "bank", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, field(t, resp.Data, "valid"))

	code, resp = s.do(http.MethodGet, "/api/v1/verifications/requested?limit=10", "bank", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, resp.Meta)
	assert.Equal(t, 1, resp.Meta.Total)

	code, _ = s.do(http.MethodGet, "/api/v1/verifications/received?limit=abc", "alice", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodPost, "/api/v1/attestations/"+attestationID+"/revoke", "other", "", map[string]interface{}{"reason": "x"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(http.MethodPost, "/api/v1/attestations/"+attestationID+"/revoke", "kyc-co", "", map[string]interface{}{"reason": "expired document"})
	require.Equal(t, http.StatusOK, code)

	code, resp = s.do(http.MethodGet, "/api/v1/identities/me", "alice", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, field(t, resp.Data, "tier"))

	code, _ = s.do(http.MethodGet, "/api/v1/attestations/missing", "kyc-co", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestConsentAfterWindowIsGone(t *testing.T) {
	s := newTestServer(t)

	code, resp := s.do(http.MethodPost, "/api/v1/identities", "alice", "", map[string]interface{}{"ledgerAddress": "0xa11ce"})
	require.Equal(t, http.StatusCreated, code)
	identityID := field(t, resp.Data, "identity", "id").(string)

	code, resp = s.do(http.MethodPost, "/api/v1/verifications", "bank", "", map[string]interface{}{
		"identityId":      identityID,
		"requestedFields": []string{"email"},
	})
	require.Equal(t, http.StatusCreated, code)
	verificationID := field(t, resp.Data, "id").(string)

	s.clock.Advance(8 * 24 * time.Hour)

	code, resp = s.do(http.MethodGet, "/api/v1/verifications/"+verificationID, "bank", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rejected", field(t, resp.Data, "result", "status"))

	code, _ = s.do(http.MethodPost, "/api/v1/verifications/"+verificationID+"/consent", "alice", "", map[string]interface{}{})
	assert.Equal(t, http.StatusGone, code)

	code, resp = s.do(http.MethodGet, "/api/v1/verifications/"+verificationID, "alice", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "revoked", field(t, resp.Data, "result", "status"))
}

func TestConsentAndRejectWithoutBody(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(http.MethodPut, "/api/v1/attesters/kyc-co", "root", roleAdmin, map[string]interface{}{"types": []string{"personal"}})
	require.Equal(t, http.StatusOK, code)
	code, resp := s.do(http.MethodPost, "/api/v1/identities", "alice", "", map[string]interface{}{"ledgerAddress": "0xa11ce"})
	require.Equal(t, http.StatusCreated, code)
	identityID := field(t, resp.Data, "identity", "id").(string)

	code, _ = s.do(http.MethodPost, "/api/v1/attestations", "kyc-co", "", map[string]interface{}{
		"identityId": identityID,
		"type":       "personal",
		"fields":     []map[string]string{{"name": "firstName", "value": "Alice"}},
		"confidence": 90,
	})
	require.Equal(t, http.StatusCreated, code)

	openRequest := func() string {
		code, resp := s.do(http.MethodPost, "/api/v1/verifications", "bank", "", map[string]interface{}{
			"identityId":      identityID,
			"requestedFields": []string{"firstName", "ssn"},
		})
		require.Equal(t, http.StatusCreated, code)
		return field(t, resp.Data, "id").(string)
	}

	consented := openRequest()
	code, resp = s.do(http.MethodPost, "/api/v1/verifications/"+consented+"/consent", "alice", "", nil)
	require.Equal(t, http.StatusOK, code, resp.Error)
	assert.Equal(t, "approved", field(t, resp.Data, "result", "status"))
	assert.Equal(t, []interface{}{"firstName"}, field(t, resp.Data, "result", "disclosedFields"))

	rejected := openRequest()
	code, resp = s.do(http.MethodPost, "/api/v1/verifications/"+rejected+"/reject", "alice", "", nil)
	require.Equal(t, http.StatusOK, code, resp.Error)
	assert.Equal(t, "rejected", field(t, resp.Data, "result", "status"))

	code, _ = s.do(http.MethodPost, "/api/v1/identities", "bob", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRejectsUnknownBodyFields(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(http.MethodPost, "/api/v1/identities", "alice", "", map[string]interface{}{"ledgerAddress": "0x1", "tier": 3})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetStatusCode(t *testing.T) {
	cases := map[error]int{
		service.ErrNotFound:          http.StatusNotFound,
		service.ErrForbidden:         http.StatusForbidden,
		service.ErrUnauthorized:      http.StatusUnauthorized,
		service.ErrInvalidArgument:   http.StatusBadRequest,
		service.ErrConflict:          http.StatusConflict,
		service.ErrExpired:           http.StatusGone,
		service.ErrRateLimited:       http.StatusTooManyRequests,
		authz.ErrInvalidAttesterSpec: http.StatusBadRequest,
		context.DeadlineExceeded:     http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, getStatusCode(err), err.Error())
	}
}
