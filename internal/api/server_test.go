package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven/backend/internal/abuse"
	"github.com/haven/backend/internal/auth"
	"github.com/haven/backend/internal/config"
	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/coverage"
	"github.com/haven/backend/internal/dispatch"
	"github.com/haven/backend/internal/events"
	"github.com/haven/backend/internal/infra"
	"github.com/haven/backend/internal/middleware"
	"github.com/haven/backend/internal/notify"
	"github.com/haven/backend/internal/org"
	"github.com/haven/backend/internal/realtime"
	"github.com/haven/backend/internal/store"
	"github.com/haven/backend/internal/subscription"
)

const userPhone = "+27820000001"

type fixture struct {
	t       *testing.T
	store   *store.Memory
	broker  *auth.Broker
	sender  *notify.MockSender
	payment *notify.MockPayment
	srv     *httptest.Server
}

// newFixture stands up the full stack over the in-memory store: an approved
// firm covering a square around Johannesburg, a subscribed group with one
// registered phone, firm staff, and a platform admin.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemory()
	bus := events.NewBus()
	sender := &notify.MockSender{}
	payment := notify.NewMockPayment()
	broker := auth.NewBroker(auth.BrokerConfig{HMACSecret: "test-secret", Issuer: "haven-test"})

	authCfg := config.AuthConfig{
		BcryptCost:       4,
		LockoutThreshold: 5,
		LockoutDuration:  30 * time.Minute,
		OTPLifetime:      10 * time.Minute,
		OTPAttempts:      3,
	}
	dispCfg := config.DispatchConfig{
		SubscriptionWindow: 30 * 24 * time.Hour,
		GraceWindow:        7 * 24 * time.Hour,
		DedupeWindow:       2 * time.Minute,
		MaxRequests:        5,
		RateWindow:         60 * time.Second,
		PendingTimeout:     15 * time.Minute,
		AllocatedTimeout:   10 * time.Minute,
		SilentTimeout:      30 * time.Minute,
	}

	resolver := coverage.NewResolver(mem, infra.NewLocalCache())
	subs := subscription.NewService(mem, payment, bus, dispCfg)
	disp := dispatch.NewService(mem, resolver, subs, bus, dispCfg)
	authSvc := auth.NewService(mem, broker, sender, authCfg)
	orgSvc := org.NewService(mem, sender, resolver, authCfg)
	abuseSvc := abuse.NewService(mem, payment, bus, config.FinesConfig{
		BaseCents: 5000, Multiplier: 1.5, CapCents: 50000,
		FineThreshold: 3, SuspendAt: 5, BanAt: 10,
		RecentWindow: 30 * 24 * time.Hour,
	})
	hub := realtime.NewHub(mem, bus)

	server := NewServer(Deps{
		Store:       mem,
		Auth:        authSvc,
		Dispatch:    disp,
		Subs:        subs,
		Org:         orgSvc,
		Abuse:       abuseSvc,
		Coverage:    resolver,
		Hub:         hub,
		Limiter:     middleware.NewRateLimiter(3, time.Minute),
		Attestation: notify.MockAttestation{},
		Development: false,
	})

	now := time.Now()
	require.NoError(t, mem.CreateFirm(ctx, &core.SecurityFirm{
		ID: "firm-a", Name: "Alpha Response", RegistrationNo: "reg-a",
		Status: core.FirmApproved, CreatedAt: now,
	}))
	require.NoError(t, mem.CreateCoverageArea(ctx, &core.CoverageArea{
		ID: "area-a", FirmID: "firm-a", Name: "metro",
		Ring: []core.Point{
			{Lon: 27, Lat: -27}, {Lon: 29, Lat: -27},
			{Lon: 29, Lat: -25}, {Lon: 27, Lat: -25}, {Lon: 27, Lat: -27},
		},
		Active: true, CreatedAt: now,
	}))
	require.NoError(t, mem.CreateProduct(ctx, &core.SubscriptionProduct{
		ID: "prod-1", FirmID: "firm-a", Name: "Home", MaxUsers: 5,
		PriceCents: 19900, CreditCost: 10, Active: true, CreatedAt: now,
	}))
	require.NoError(t, mem.CreateStoredSubscription(ctx, &core.StoredSubscription{
		ID: "sub-1", UserID: "user-1", ProductID: "prod-1",
		Applied: true, AppliedToGroup: "grp", PurchasedAt: now,
	}))
	expires := now.Add(20 * 24 * time.Hour)
	require.NoError(t, mem.CreateGroup(ctx, &core.UserGroup{
		ID: "grp", Name: "Home", Address: "12 Oak Ave",
		Point:          core.Point{Lon: 28.0, Lat: -26.2},
		SubscriptionID: "sub-1", SubscriptionExpiresAt: &expires,
		CreatedAt: now,
	}))
	require.NoError(t, mem.CreateGroupPhone(ctx, &core.GroupPhoneNumber{
		ID: "gp-1", GroupID: "grp", Phone: userPhone,
		Kind: core.PhoneIndividual, Verified: true,
	}))

	require.NoError(t, mem.CreatePrincipal(ctx, &core.Principal{
		ID: "user-1", Kind: core.KindEndUser, Email: "user@example.com",
		Phone: userPhone, Verified: true, CreatedAt: now,
	}))
	require.NoError(t, mem.CreatePrincipal(ctx, &core.Principal{
		ID: "office-1", Kind: core.KindFirmMember, Email: "office@alpha.example.com",
		Phone: "+27820000010", Verified: true, CreatedAt: now,
	}))
	require.NoError(t, mem.CreateFirmMember(ctx, &core.FirmMember{
		ID: "fm-office", PrincipalID: "office-1", FirmID: "firm-a",
		Role: core.RoleFirmUser, Active: true,
	}))
	require.NoError(t, mem.CreatePrincipal(ctx, &core.Principal{
		ID: "boss-1", Kind: core.KindFirmMember, Email: "boss@alpha.example.com",
		Phone: "+27820000011", Verified: true, CreatedAt: now,
	}))
	require.NoError(t, mem.CreateFirmMember(ctx, &core.FirmMember{
		ID: "fm-boss", PrincipalID: "boss-1", FirmID: "firm-a",
		Role: core.RoleFirmAdmin, Active: true,
	}))
	require.NoError(t, mem.CreateTeam(ctx, &core.Team{
		ID: "team-1", FirmID: "firm-a", Name: "Night shift",
		LeaderID: "fm-office", MemberIDs: []string{"fm-office"}, Active: true,
	}))
	require.NoError(t, mem.CreatePrincipal(ctx, &core.Principal{
		ID: "root", Kind: core.KindPlatformAdmin, Email: "root@haven.example.com",
		Phone: "+27820000099", Verified: true, CreatedAt: now,
	}))
	require.NoError(t, mem.CreatePrincipal(ctx, &core.Principal{
		ID: "founder", Kind: core.KindEndUser, Email: "founder@example.com",
		Phone: "+27820000050", Verified: true, CreatedAt: now,
	}))

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &fixture{t: t, store: mem, broker: broker, sender: sender, payment: payment, srv: srv}
}

func (f *fixture) token(principalID string, kind core.PrincipalKind) string {
	f.t.Helper()
	pair, err := f.broker.IssuePair(principalID, kind)
	require.NoError(f.t, err)
	return pair.AccessToken
}

// do fires a JSON request and decodes the JSON response, when there is one.
func (f *fixture) do(method, path, token string, body interface{}) (int, map[string]interface{}) {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(f.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestAccountFlow(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email": "new@example.com", "phone": "+27830000001", "password": "Sup3r-Secret",
	})
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, body["id"])

	last := f.sender.Last()
	require.NotNil(t, last)
	code := last.Message[len(last.Message)-6:]
	status, _ = f.do(http.MethodPost, "/v1/auth/verify-phone", "", map[string]string{
		"phone": "+27830000001", "code": code,
	})
	require.Equal(t, http.StatusOK, status)

	status, body = f.do(http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email": "new@example.com", "password": "Sup3r-Secret",
	})
	require.Equal(t, http.StatusOK, status)
	access := body["access_token"].(string)
	refresh := body["refresh_token"].(string)
	require.NotEmpty(t, access)

	status, body = f.do(http.MethodGet, "/v1/auth/me", access, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "new@example.com", body["email"])

	status, body = f.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{
		"refresh_token": refresh,
	})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["access_token"])

	status, _ = f.do(http.MethodPost, "/v1/auth/logout", access, nil)
	require.Equal(t, http.StatusNoContent, status)
	status, body = f.do(http.MethodGet, "/v1/auth/me", access, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, core.CodeTokenInvalid, body["error_code"])
}

func TestLoginRejectsInvalidAttestation(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/auth/login",
		strings.NewReader(`{"email":"user@example.com","password":"x"}`))
	require.NoError(t, err)
	req.Header.Set("X-Device-Platform", "android")
	req.Header.Set("X-Device-Attestation", "invalid")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPanicRequestFlow(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(http.MethodPost, "/v1/requests", "", map[string]interface{}{
		"phone": userPhone, "service": "security",
		"lon": 28.01, "lat": -26.21, "address": "13 Oak Ave",
	})
	require.Equal(t, http.StatusCreated, status)
	requestID := body["id"].(string)
	assert.Equal(t, "pending", body["status"])

	userTok := f.token("user-1", core.KindEndUser)
	officeTok := f.token("office-1", core.KindFirmMember)

	status, body = f.do(http.MethodGet, "/v1/requests/"+requestID, userTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotNil(t, body["request"])
	assert.NotNil(t, body["updates"])

	// A stranger cannot read someone else's emergency.
	status, _ = f.do(http.MethodGet, "/v1/requests/"+requestID, f.token("founder", core.KindEndUser), nil)
	require.Equal(t, http.StatusForbidden, status)

	status, body = f.do(http.MethodPost, "/v1/requests/"+requestID+"/allocate", officeTok,
		map[string]string{"team_id": "team-1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "allocated", body["status"])

	status, body = f.do(http.MethodPost, "/v1/requests/"+requestID+"/status", officeTok,
		map[string]string{"status": "accepted", "message": "on it"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "accepted", body["status"])

	// A second incident from the same phone can be withdrawn without a token.
	status, body = f.do(http.MethodPost, "/v1/requests", "", map[string]interface{}{
		"phone": userPhone, "service": "towing", "lon": 28.02, "lat": -26.2,
	})
	require.Equal(t, http.StatusCreated, status)
	secondID := body["id"].(string)
	status, body = f.do(http.MethodPost, "/v1/requests/cancel", "", map[string]string{
		"request_id": secondID, "phone": userPhone, "reason": "false alarm",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "cancelled", body["status"])
}

func TestIngestErrorEnvelopes(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(http.MethodPost, "/v1/requests", "", map[string]interface{}{
		"phone": "+27899999999", "service": "security", "lon": 28.0, "lat": -26.2,
	})
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, core.CodeUnauthorizedRequester, body["error_code"])
	assert.NotEmpty(t, body["timestamp"])

	// The HTTP limiter trips before dispatch sees the fourth attempt.
	for i := 0; i < 2; i++ {
		f.do(http.MethodPost, "/v1/requests", "", map[string]interface{}{
			"phone": "+27899999999", "service": "security", "lon": 28.0, "lat": -26.2,
		})
	}
	status, body = f.do(http.MethodPost, "/v1/requests", "", map[string]interface{}{
		"phone": "+27899999999", "service": "security", "lon": 28.0, "lat": -26.2,
	})
	require.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, core.CodeRateLimited, body["error_code"])
	details := body["details"].(map[string]interface{})
	assert.Greater(t, details["retry_after_seconds"].(float64), 0.0)
}

func TestMalformedBodyEnvelope(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.srv.URL+"/v1/requests", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, core.CodeInvalidInput, body["error_code"])
	// Every error envelope echoes the response correlation ID.
	assert.NotEmpty(t, body["request_id"])
	assert.Equal(t, resp.Header.Get(middleware.RequestIDHeader), body["request_id"])
}

func TestFirmVerificationOverHTTP(t *testing.T) {
	f := newFixture(t)
	founderTok := f.token("founder", core.KindEndUser)
	rootTok := f.token("root", core.KindPlatformAdmin)

	status, body := f.do(http.MethodPost, "/v1/firms", founderTok, map[string]string{
		"name": "Bravo Armed Response", "registration_no": "reg-b",
	})
	require.Equal(t, http.StatusCreated, status)
	firmID := body["id"].(string)
	assert.Equal(t, "draft", body["status"])

	status, body = f.do(http.MethodPost, "/v1/firms/"+firmID+"/submit", founderTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "submitted", body["status"])

	// The founder cannot approve their own firm.
	status, _ = f.do(http.MethodPost, "/v1/firms/"+firmID+"/approve", founderTok, nil)
	require.Equal(t, http.StatusForbidden, status)

	status, _ = f.do(http.MethodPost, "/v1/firms/"+firmID+"/review", rootTok, nil)
	require.Equal(t, http.StatusOK, status)
	status, body = f.do(http.MethodPost, "/v1/firms/"+firmID+"/approve", rootTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "approved", body["status"])
}

func TestMoneyEndpointsNeedFirmAdmin(t *testing.T) {
	f := newFixture(t)
	officeTok := f.token("office-1", core.KindFirmMember)
	bossTok := f.token("boss-1", core.KindFirmMember)

	buy := map[string]interface{}{
		"credits": 100, "amount_cents": 50000, "idempotency_key": "buy-1",
	}
	status, body := f.do(http.MethodPost, "/v1/firms/firm-a/credits", officeTok, buy)
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, core.CodeForbidden, body["error_code"])

	status, _ = f.do(http.MethodPost, "/v1/firms/firm-a/credits", bossTok, buy)
	require.Equal(t, http.StatusCreated, status)

	status, body = f.do(http.MethodGet, "/v1/firms/firm-a/transactions", bossTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["transactions"], 1)
}

func TestCoverageQuery(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(http.MethodGet, "/v1/coverage/firms?lon=28.0&lat=-26.2&service=security", "", nil)
	require.Equal(t, http.StatusOK, status)
	firms := body["firms"].([]interface{})
	require.Len(t, firms, 1)

	status, body = f.do(http.MethodGet, "/v1/coverage/firms?lon=10.0&lat=10.0", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["firms"])
}

func TestWebSocketAuth(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+f.token("user-1", core.KindEndUser), nil)
	require.NoError(t, err)
	conn.Close()
}
