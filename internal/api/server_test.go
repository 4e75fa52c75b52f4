package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/promptgate/promptgate/internal/admission"
	"github.com/promptgate/promptgate/internal/challenge"
	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/costs"
	"github.com/promptgate/promptgate/internal/db"
	"github.com/promptgate/promptgate/internal/models"
	"github.com/promptgate/promptgate/internal/ratelimit"
	"github.com/promptgate/promptgate/internal/settings"
	"github.com/promptgate/promptgate/internal/store"
	"github.com/promptgate/promptgate/internal/usage"
	"github.com/promptgate/promptgate/internal/verification"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testInternalSecret authenticates reconcile callbacks in tests.
const testInternalSecret = "pipe-secret"

type testServer struct {
	router   *gin.Engine
	accessor *settings.Accessor
	db       *gorm.DB
	upstream *httptest.Server
	now      time.Time
}

// newTestServer wires the full stack on the in-memory store with a stub
// upstream that reports a fixed actual cost.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{now: time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC)}
	nowFn := func() time.Time { return ts.now }

	memory := store.NewMemoryStore()
	memory.SetNowFunc(nowFn)
	accessor := settings.NewAccessor(memory, true)

	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(upstreamCostHeader, "4200")
		_, _ = w.Write([]byte(`{"reply":"hello"}`))
	}))
	t.Cleanup(upstream.Close)

	challenges := challenge.NewManager(memory, accessor, nowFn)
	verifier := verification.NewAdapter("", "", nil, memory, accessor)
	throttle := costs.NewThrottle(memory, accessor, nowFn)
	limiter := ratelimit.NewLimiter(memory, accessor, nowFn)
	pipeline := admission.NewPipeline(verifier, challenges, throttle, limiter)

	jwtCfg := config.JWTConfig{Secret: "test-secret", Expiry: time.Hour}
	server, errServer := NewServer(pipeline, challenges, accessor, usage.NewRecorder(conn), conn, jwtCfg, upstream.URL, testInternalSecret, nowFn)
	if errServer != nil {
		t.Fatalf("new server: %v", errServer)
	}

	// Tests issue challenges back to back.
	if errSet := accessor.SetValue(context.Background(), settings.IssueMinIntervalSecondsKey, json.RawMessage(`0`)); errSet != nil {
		t.Fatalf("set min interval: %v", errSet)
	}

	ts.router = server.Router()
	ts.accessor = accessor
	ts.db = conn
	ts.upstream = upstream
	return ts
}

// serve exposes the router over a real HTTP listener so requests travel
// the same transport production traffic does.
func (ts *testServer) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(ts.router)
	t.Cleanup(srv.Close)
	return srv
}

// doLive issues a request against a live listener started by serve.
func (ts *testServer) doLive(t *testing.T, srv *httptest.Server, method, path string, body any, headers map[string]string) (int, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, errMarshal := json.Marshal(body)
		if errMarshal != nil {
			t.Fatalf("marshal body: %v", errMarshal)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, errReq := http.NewRequest(method, srv.URL+path, reader)
	if errReq != nil {
		t.Fatalf("build request: %v", errReq)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, errDo := srv.Client().Do(req)
	if errDo != nil {
		t.Fatalf("do request: %v", errDo)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		t.Fatalf("read response: %v", errRead)
	}
	return resp.StatusCode, raw
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, errMarshal := json.Marshal(body)
		if errMarshal != nil {
			t.Fatalf("marshal body: %v", errMarshal)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &out); errDecode != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), errDecode)
	}
	return out
}

func (ts *testServer) issueChallenge(t *testing.T, fingerprint string) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/challenge", nil, map[string]string{fingerprintHeader: fingerprint})
	if rec.Code != http.StatusOK {
		t.Fatalf("issue challenge: status %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	id, _ := body["challenge_id"].(string)
	if id == "" {
		t.Fatalf("missing challenge_id in %v", body)
	}
	return id
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestChallengeThenChat(t *testing.T) {
	ts := newTestServer(t)
	srv := ts.serve(t)
	id := ts.issueChallenge(t, "client-a")

	status, body := ts.doLive(t, srv, http.MethodPost, "/v1/chat", map[string]any{"message": "hi"}, map[string]string{
		fingerprintHeader: "client-a",
		challengeHeader:   id,
	})
	if status != http.StatusOK {
		t.Fatalf("chat: status %d body %s", status, body)
	}
	if !strings.Contains(string(body), "hello") {
		t.Fatalf("expected upstream body, got %s", body)
	}

	// Both the pre-flight estimate and the reconciled actual land in the
	// usage ledger.
	var rows []models.UsageRecord
	if errFind := ts.db.Order("id ASC").Find(&rows).Error; errFind != nil {
		t.Fatalf("list usage: %v", errFind)
	}
	if len(rows) != 2 {
		t.Fatalf("usage rows %d, want 2", len(rows))
	}
	if !rows[0].Estimated || rows[1].Estimated {
		t.Fatalf("row flags %v/%v, want estimate then actual", rows[0].Estimated, rows[1].Estimated)
	}
	if rows[1].CostMicros != 4200 {
		t.Fatalf("actual cost %d, want 4200", rows[1].CostMicros)
	}
}

func TestChatWithoutChallenge(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/chat", map[string]any{"message": "hi"}, map[string]string{
		fingerprintHeader: "client-a",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["reason"] != string(admission.ReasonChallengeMissing) {
		t.Fatalf("reason %v, want challenge_missing", body["reason"])
	}
}

func TestChatChallengeFromAnotherClient(t *testing.T) {
	ts := newTestServer(t)
	id := ts.issueChallenge(t, "client-a")

	rec := ts.do(t, http.MethodPost, "/v1/chat", map[string]any{"message": "hi"}, map[string]string{
		fingerprintHeader: "client-b",
		challengeHeader:   id,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["reason"] != string(admission.ReasonChallengeWrongOwner) {
		t.Fatalf("reason %v, want challenge_wrong_owner", body["reason"])
	}
}

func TestChatRateLimitDenialShape(t *testing.T) {
	ts := newTestServer(t)
	if errSet := ts.accessor.SetValue(context.Background(), settings.IdentityPerMinuteKey, json.RawMessage(`1`)); errSet != nil {
		t.Fatalf("set limit: %v", errSet)
	}

	first := ts.do(t, http.MethodPost, "/v1/chat", nil, map[string]string{
		fingerprintHeader: "client-a",
		challengeHeader:   ts.issueChallenge(t, "client-a"),
	})
	if first.Code != http.StatusOK {
		t.Fatalf("first chat: status %d body %s", first.Code, first.Body.String())
	}

	second := ts.do(t, http.MethodPost, "/v1/chat", nil, map[string]string{
		fingerprintHeader: "client-a",
		challengeHeader:   ts.issueChallenge(t, "client-a"),
	})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second chat: status %d, want 429", second.Code)
	}
	body := decodeJSON(t, second)
	if body["reason"] != string(admission.ReasonRateLimitedIdentity) {
		t.Fatalf("reason %v, want rate_limited_identity", body["reason"])
	}
	if retry, ok := body["retry_after"].(float64); !ok || retry < 1 {
		t.Fatalf("retry_after %v, want >= 1", body["retry_after"])
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestIssuanceCapDenialShape(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < settings.DefaultMaxActiveChallenges; i++ {
		ts.issueChallenge(t, "client-a")
	}
	rec := ts.do(t, http.MethodPost, "/v1/challenge", nil, map[string]string{fingerprintHeader: "client-a"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["reason"] != "issuance_too_many_active" {
		t.Fatalf("reason %v, want issuance_too_many_active", body["reason"])
	}
}

func TestChallengeExpirySeconds(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/challenge", nil, map[string]string{fingerprintHeader: "client-a"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	// The clock is pinned, so the reported lifetime is the full TTL with no
	// wall-clock drift.
	if got, ok := body["expires_in_seconds"].(float64); !ok || int64(got) != settings.DefaultChallengeTTLSeconds {
		t.Fatalf("expires_in_seconds %v, want %d", body["expires_in_seconds"], settings.DefaultChallengeTTLSeconds)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/internal/reconcile", map[string]any{
		"identity":    "client-a",
		"cost_micros": 7000,
	}, map[string]string{internalSecretHeader: testInternalSecret})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}

	var rows []models.UsageRecord
	if errFind := ts.db.Find(&rows).Error; errFind != nil {
		t.Fatalf("list usage: %v", errFind)
	}
	if len(rows) != 1 || rows[0].CostMicros != 7000 || rows[0].Estimated {
		t.Fatalf("unexpected ledger rows %+v", rows)
	}

	bad := ts.do(t, http.MethodPost, "/internal/reconcile", map[string]any{"cost_micros": -1}, map[string]string{internalSecretHeader: testInternalSecret})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", bad.Code)
	}
}

func TestReconcileRequiresInternalSecret(t *testing.T) {
	ts := newTestServer(t)
	payload := map[string]any{"identity": "client-a", "cost_micros": 0}

	missing := ts.do(t, http.MethodPost, "/internal/reconcile", payload, nil)
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("no secret: status %d, want 401", missing.Code)
	}
	wrong := ts.do(t, http.MethodPost, "/internal/reconcile", payload, map[string]string{internalSecretHeader: "guessed"})
	if wrong.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status %d, want 401", wrong.Code)
	}

	// A rejected call must not touch the ledger.
	var count int64
	if errCount := ts.db.Model(&models.UsageRecord{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count usage: %v", errCount)
	}
	if count != 0 {
		t.Fatalf("usage rows %d, want 0", count)
	}

	ok := ts.do(t, http.MethodPost, "/internal/reconcile", payload, map[string]string{internalSecretHeader: testInternalSecret})
	if ok.Code != http.StatusOK {
		t.Fatalf("correct secret: status %d body %s", ok.Code, ok.Body.String())
	}
}

func (ts *testServer) adminToken(t *testing.T) string {
	t.Helper()
	hash, errHash := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if errHash != nil {
		t.Fatalf("hash: %v", errHash)
	}
	if errCreate := ts.db.Create(&models.Admin{Username: "root", PasswordHash: string(hash)}).Error; errCreate != nil {
		t.Fatalf("create admin: %v", errCreate)
	}

	rec := ts.do(t, http.MethodPost, "/v1/admin/login", map[string]any{"username": "root", "password": "hunter2"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", rec.Code, rec.Body.String())
	}
	token, _ := decodeJSON(t, rec)["token"].(string)
	if token == "" {
		t.Fatal("missing token")
	}
	return token
}

func TestAdminLoginRejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t)
	ts.adminToken(t)

	rec := ts.do(t, http.MethodPost, "/v1/admin/login", map[string]any{"username": "root", "password": "wrong"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
}

func TestAdminSettingsRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/v1/admin/settings", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
}

func TestAdminSettingsRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	token := ts.adminToken(t)
	auth := map[string]string{"Authorization": "Bearer " + token}
	ctx := context.Background()

	rec := ts.do(t, http.MethodPut, "/v1/admin/settings/"+settings.IdentityPerMinuteKey, map[string]any{"value": 42}, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status %d body %s", rec.Code, rec.Body.String())
	}
	// The write is immediately live for running instances.
	if got := ts.accessor.IdentityPerMinute(ctx); got != 42 {
		t.Fatalf("IdentityPerMinute = %d, want 42", got)
	}
	// And mirrored durably.
	var row models.Setting
	if errFind := ts.db.Where("key = ?", settings.IdentityPerMinuteKey).First(&row).Error; errFind != nil {
		t.Fatalf("find mirror: %v", errFind)
	}

	list := ts.do(t, http.MethodGet, "/v1/admin/settings", nil, auth)
	if list.Code != http.StatusOK {
		t.Fatalf("list: status %d", list.Code)
	}
	if !strings.Contains(list.Body.String(), settings.IdentityPerMinuteKey) {
		t.Fatal("listing should include the updated key")
	}

	del := ts.do(t, http.MethodDelete, "/v1/admin/settings/"+settings.IdentityPerMinuteKey, nil, auth)
	if del.Code != http.StatusOK {
		t.Fatalf("delete: status %d body %s", del.Code, del.Body.String())
	}
	if got := ts.accessor.IdentityPerMinute(ctx); got != settings.DefaultIdentityPerMinute {
		t.Fatalf("IdentityPerMinute = %d, want default after delete", got)
	}
}

func TestAdminSettingsRejectUnknownKeyAndBadValue(t *testing.T) {
	ts := newTestServer(t)
	auth := map[string]string{"Authorization": "Bearer " + ts.adminToken(t)}

	rec := ts.do(t, http.MethodPut, "/v1/admin/settings/NOT_A_KEY", map[string]any{"value": 1}, auth)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown key: status %d, want 400", rec.Code)
	}
	rec = ts.do(t, http.MethodPut, "/v1/admin/settings/"+settings.IdentityPerMinuteKey, map[string]any{"value": -3}, auth)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative value: status %d, want 400", rec.Code)
	}
}

func TestAdminUsageListing(t *testing.T) {
	ts := newTestServer(t)
	auth := map[string]string{"Authorization": "Bearer " + ts.adminToken(t)}

	ts.do(t, http.MethodPost, "/internal/reconcile", map[string]any{"identity": "client-a", "cost_micros": 100}, map[string]string{internalSecretHeader: testInternalSecret})
	ts.do(t, http.MethodPost, "/internal/reconcile", map[string]any{"identity": "client-b", "cost_micros": 200}, map[string]string{internalSecretHeader: testInternalSecret})

	rec := ts.do(t, http.MethodGet, "/v1/admin/usage?identity=client-b", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "client-b") || strings.Contains(rec.Body.String(), "client-a") {
		t.Fatalf("unexpected filtered listing %s", rec.Body.String())
	}
}

func TestUpstreamOutageIs502(t *testing.T) {
	ts := newTestServer(t)
	srv := ts.serve(t)
	ts.upstream.Close()

	status, body := ts.doLive(t, srv, http.MethodPost, "/v1/chat", nil, map[string]string{
		fingerprintHeader: "client-a",
		challengeHeader:   ts.issueChallenge(t, "client-a"),
	})
	if status != http.StatusBadGateway {
		t.Fatalf("status %d body %s, want 502", status, body)
	}
}
