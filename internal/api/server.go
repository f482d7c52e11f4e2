// Package api exposes the platform over REST/JSON and the realtime
// WebSocket endpoint.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haven/backend/internal/abuse"
	"github.com/haven/backend/internal/auth"
	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/coverage"
	"github.com/haven/backend/internal/dispatch"
	"github.com/haven/backend/internal/middleware"
	"github.com/haven/backend/internal/notify"
	"github.com/haven/backend/internal/org"
	"github.com/haven/backend/internal/realtime"
	"github.com/haven/backend/internal/store"
	"github.com/haven/backend/internal/subscription"
)

// Server wires every service behind the HTTP surface.
type Server struct {
	store       store.Store
	auth        *auth.Service
	dispatch    *dispatch.Service
	subs        *subscription.Service
	org         *org.Service
	abuse       *abuse.Service
	coverage    *coverage.Resolver
	hub         *realtime.Hub
	limiter     *middleware.RateLimiter
	attestation notify.Attestation
	development bool
	logger      *log.Logger
}

type Deps struct {
	Store       store.Store
	Auth        *auth.Service
	Dispatch    *dispatch.Service
	Subs        *subscription.Service
	Org         *org.Service
	Abuse       *abuse.Service
	Coverage    *coverage.Resolver
	Hub         *realtime.Hub
	Limiter     *middleware.RateLimiter
	Attestation notify.Attestation
	Development bool
}

func NewServer(d Deps) *Server {
	return &Server{
		store:       d.Store,
		auth:        d.Auth,
		dispatch:    d.Dispatch,
		subs:        d.Subs,
		org:         d.Org,
		abuse:       d.Abuse,
		coverage:    d.Coverage,
		hub:         d.Hub,
		limiter:     d.Limiter,
		attestation: d.Attestation,
		development: d.Development,
		logger:      log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	authed := middleware.Auth(s.auth)
	attested := middleware.Attestation(s.attestation, s.development)

	// Accounts
	v1.HandleFunc("/auth/register", s.handleRegister).Methods("POST")
	v1.HandleFunc("/auth/verify-phone", s.handleVerifyPhone).Methods("POST")
	v1.Handle("/auth/login", attested(http.HandlerFunc(s.handleLogin))).Methods("POST")
	v1.HandleFunc("/auth/refresh", s.handleRefresh).Methods("POST")
	v1.Handle("/auth/logout", authed(http.HandlerFunc(s.handleLogout))).Methods("POST")
	v1.Handle("/auth/me", authed(http.HandlerFunc(s.handleMe))).Methods("GET")
	v1.Handle("/auth/status", authed(http.HandlerFunc(s.handleAccountStatus))).Methods("GET")
	v1.HandleFunc("/auth/unlock/request", s.handleUnlockRequest).Methods("POST")
	v1.HandleFunc("/auth/unlock/verify", s.handleUnlockVerify).Methods("POST")

	// Panic requests. Ingest is deliberately open: alarms and cameras have
	// no account, and an emergency must not fail on a stale token.
	v1.Handle("/requests", attested(http.HandlerFunc(s.handleIngest))).Methods("POST")
	v1.HandleFunc("/requests/cancel", s.handleCancelByPhone).Methods("POST")
	v1.Handle("/requests/{id}", authed(http.HandlerFunc(s.handleGetRequest))).Methods("GET")
	v1.Handle("/requests/{id}/allocate", authed(http.HandlerFunc(s.handleAllocate))).Methods("POST")
	v1.Handle("/requests/{id}/handle-call", authed(http.HandlerFunc(s.handleHandleCall))).Methods("POST")
	v1.Handle("/requests/{id}/status", authed(http.HandlerFunc(s.handleTransition))).Methods("POST")
	v1.Handle("/requests/{id}/cancel", authed(http.HandlerFunc(s.handleCancel))).Methods("POST")
	v1.Handle("/requests/{id}/complete", authed(http.HandlerFunc(s.handleComplete))).Methods("POST")
	v1.Handle("/requests/{id}/reassign", authed(http.HandlerFunc(s.handleReassign))).Methods("POST")

	// Coverage
	v1.HandleFunc("/coverage/firms", s.handleCoveringFirms).Methods("GET")
	v1.Handle("/coverage/providers", authed(http.HandlerFunc(s.handleNearestProviders))).Methods("GET")

	// Firms
	v1.Handle("/firms", authed(http.HandlerFunc(s.handleRegisterFirm))).Methods("POST")
	v1.Handle("/firms/{id}/submit", authed(s.firmMove(s.org.SubmitFirm))).Methods("POST")
	v1.Handle("/firms/{id}/review", authed(s.firmMove(s.org.ReviewFirm))).Methods("POST")
	v1.Handle("/firms/{id}/approve", authed(s.firmMove(s.org.ApproveFirm))).Methods("POST")
	v1.Handle("/firms/{id}/reject", authed(s.firmMove(s.org.RejectFirm))).Methods("POST")
	v1.Handle("/firms/{id}/areas", authed(http.HandlerFunc(s.handleAddArea))).Methods("POST")
	v1.Handle("/firms/{id}/areas/{area}", authed(http.HandlerFunc(s.handleSetAreaActive))).Methods("PATCH")
	v1.Handle("/firms/{id}/members", authed(http.HandlerFunc(s.handleAddMember))).Methods("POST")
	v1.Handle("/firms/{id}/teams", authed(http.HandlerFunc(s.handleCreateTeam))).Methods("POST")
	v1.Handle("/firms/{id}/providers", authed(http.HandlerFunc(s.handleCreateProvider))).Methods("POST")
	v1.Handle("/firms/{id}/providers/{provider}/status", authed(http.HandlerFunc(s.handleProviderStatus))).Methods("POST")
	v1.Handle("/provider-types", authed(http.HandlerFunc(s.handleCreateProviderType))).Methods("POST")

	// Credits and products
	v1.Handle("/firms/{id}/credits", authed(http.HandlerFunc(s.handlePurchaseCredits))).Methods("POST")
	v1.Handle("/firms/{id}/transactions", authed(http.HandlerFunc(s.handleListTransactions))).Methods("GET")
	v1.Handle("/firms/{id}/products", authed(http.HandlerFunc(s.handleCreateProduct))).Methods("POST")
	v1.Handle("/products/{id}", authed(http.HandlerFunc(s.handleRetireProduct))).Methods("DELETE")

	// Subscriptions
	v1.Handle("/subscriptions", authed(http.HandlerFunc(s.handlePurchaseSubscription))).Methods("POST")
	v1.Handle("/subscriptions", authed(http.HandlerFunc(s.handleListSubscriptions))).Methods("GET")
	v1.Handle("/subscriptions/{id}/apply", authed(http.HandlerFunc(s.handleApplySubscription))).Methods("POST")

	// Groups
	v1.Handle("/groups", authed(http.HandlerFunc(s.handleCreateGroup))).Methods("POST")
	v1.Handle("/groups/{id}/validation", authed(http.HandlerFunc(s.handleGroupValidation))).Methods("GET")
	v1.Handle("/groups/{id}/members", authed(http.HandlerFunc(s.handleAddGroupMember))).Methods("POST")
	v1.Handle("/groups/{id}/members/{principal}", authed(http.HandlerFunc(s.handleRemoveGroupMember))).Methods("DELETE")
	v1.Handle("/groups/{id}/phones", authed(http.HandlerFunc(s.handleAddGroupPhone))).Methods("POST")
	v1.Handle("/groups/{id}/phones/{phone}/verify", authed(http.HandlerFunc(s.handleVerifyGroupPhone))).Methods("POST")
	v1.Handle("/groups/{id}/phones/{phone}", authed(http.HandlerFunc(s.handleRemoveGroupPhone))).Methods("DELETE")

	// Fines
	v1.Handle("/fines", authed(http.HandlerFunc(s.handleListFines))).Methods("GET")
	v1.Handle("/fines/{id}/pay", authed(http.HandlerFunc(s.handlePayFine))).Methods("POST")

	// Realtime
	v1.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	return r
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	middleware.WriteError(w, middleware.StatusFor(err), err)
}

func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteError(w, http.StatusBadRequest,
			core.NewError(core.CodeInvalidInput, "malformed request body"))
		return false
	}
	return true
}

func principal(r *http.Request) *core.Principal {
	return middleware.PrincipalFrom(r.Context())
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// --- accounts ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Phone    string `json:"phone"`
		Password string `json:"password"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	p, err := s.auth.Register(r.Context(), auth.RegisterInput{Email: in.Email, Phone: in.Phone, Password: in.Password})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleVerifyPhone(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Phone string `json:"phone"`
		Code  string `json:"code"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	if err := s.auth.VerifyPhone(r.Context(), in.Phone, in.Code); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	pair, err := s.auth.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	pair, err := s.auth.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if len(token) > 7 {
		token = token[7:] // strip "Bearer "
	}
	if err := s.auth.Revoke(r.Context(), token); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, principal(r))
}

func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.auth.Status(r.Context(), principal(r).ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleUnlockRequest(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email  string `json:"email"`
		Method string `json:"method"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	if err := s.auth.RequestUnlockOTP(r.Context(), in.Email, in.Method); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"sent": true})
}

func (s *Server) handleUnlockVerify(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	if err := s.auth.VerifyUnlockOTP(r.Context(), in.Email, in.Code); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unlocked": true})
}

// --- panic requests ---

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Phone       string  `json:"phone"`
		Service     string  `json:"service"`
		Lon         float64 `json:"lon"`
		Lat         float64 `json:"lat"`
		Address     string  `json:"address"`
		Description string  `json:"description"`
		Silent      bool    `json:"silent"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	if ok, retry := s.limiter.Allow(in.Phone); !ok {
		middleware.WriteError(w, http.StatusTooManyRequests,
			core.NewError(core.CodeRateLimited, "too many requests").
				WithDetail("retry_after_seconds", retry))
		return
	}
	req, err := s.dispatch.Ingest(r.Context(), dispatch.IngestInput{
		Phone:       in.Phone,
		Service:     core.ServiceType(in.Service),
		Point:       core.Point{Lon: in.Lon, Lat: in.Lat},
		Address:     in.Address,
		Description: in.Description,
		Silent:      in.Silent,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// handleCancelByPhone lets the originating phone withdraw its own request
// without a session, matching the tokenless ingest path.
func (s *Server) handleCancelByPhone(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RequestID string `json:"request_id"`
		Phone     string `json:"phone"`
		Reason    string `json:"reason"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	req, err := s.dispatch.Cancel(r.Context(), in.RequestID, dispatch.CancelActor{Phone: in.Phone}, in.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, updates, err := s.dispatch.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	if !s.mayViewRequest(r.Context(), principal(r), req) {
		s.fail(w, core.NewError(core.CodeForbidden, "not a participant in this request"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"request": req, "updates": updates})
}

func (s *Server) mayViewRequest(ctx context.Context, p *core.Principal, req *core.PanicRequest) bool {
	if p.Kind == core.KindPlatformAdmin || p.ID == req.RequesterID || p.Phone == req.RequesterPhone {
		return true
	}
	member, err := s.store.GetFirmMemberByPrincipal(ctx, p.ID)
	if err != nil {
		return false
	}
	return member != nil && member.Active && member.FirmID == req.FirmID
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TeamID     string `json:"team_id"`
		ProviderID string `json:"provider_id"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	req, err := s.dispatch.Allocate(r.Context(), dispatch.AllocateInput{
		RequestID:  mux.Vars(r)["id"],
		ActorID:    principal(r).ID,
		TeamID:     in.TeamID,
		ProviderID: in.ProviderID,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleHandleCall(w http.ResponseWriter, r *http.Request) {
	req, err := s.dispatch.HandleCall(r.Context(), mux.Vars(r)["id"], principal(r).ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Status  string   `json:"status"`
		Message string   `json:"message"`
		Lon     *float64 `json:"lon"`
		Lat     *float64 `json:"lat"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	var pos *core.Point
	if in.Lon != nil && in.Lat != nil {
		pos = &core.Point{Lon: *in.Lon, Lat: *in.Lat}
	}
	req, err := s.dispatch.Transition(r.Context(), mux.Vars(r)["id"], principal(r).ID,
		core.RequestStatus(in.Status), in.Message, pos)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Reason string `json:"reason"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	p := principal(r)
	req, err := s.dispatch.Cancel(r.Context(), mux.Vars(r)["id"],
		dispatch.CancelActor{PrincipalID: p.ID, Phone: p.Phone}, in.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var in struct {
		IsPrank  bool   `json:"is_prank"`
		Rating   *int   `json:"rating"`
		Comments string `json:"comments"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	req, err := s.dispatch.Complete(r.Context(), dispatch.CompleteInput{
		RequestID:   mux.Vars(r)["id"],
		ResponderID: principal(r).ID,
		IsPrank:     in.IsPrank,
		Rating:      in.Rating,
		Comments:    in.Comments,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TeamID     string `json:"team_id"`
		ProviderID string `json:"provider_id"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	req, err := s.dispatch.Reassign(r.Context(), dispatch.AllocateInput{
		RequestID:  mux.Vars(r)["id"],
		ActorID:    principal(r).ID,
		TeamID:     in.TeamID,
		ProviderID: in.ProviderID,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- coverage ---

func queryFloat(r *http.Request, name string) float64 {
	v, _ := strconv.ParseFloat(r.URL.Query().Get(name), 64)
	return v
}

func (s *Server) handleCoveringFirms(w http.ResponseWriter, r *http.Request) {
	service := core.ServiceType(r.URL.Query().Get("service"))
	if service == "" {
		service = core.ServiceSecurity
	}
	firms, err := s.coverage.CoveringFirms(r.Context(),
		core.Point{Lon: queryFloat(r, "lon"), Lat: queryFloat(r, "lat")}, service)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"firms": firms})
}

func (s *Server) handleNearestProviders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	candidates, err := s.coverage.NearestProviders(r.Context(),
		core.Point{Lon: queryFloat(r, "lon"), Lat: queryFloat(r, "lat")},
		r.URL.Query().Get("type"), queryFloat(r, "radius_km"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": candidates})
}

// --- firms ---

func (s *Server) handleRegisterFirm(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name           string `json:"name"`
		RegistrationNo string `json:"registration_no"`
		VATNo          string `json:"vat_no"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	firm, err := s.org.RegisterFirm(r.Context(), principal(r).ID, in.Name, in.RegistrationNo, in.VATNo)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, firm)
}

// firmMove adapts the four verification-step methods to one handler shape.
func (s *Server) firmMove(step func(ctx context.Context, firmID, actorID string) (*core.SecurityFirm, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firm, err := step(r.Context(), mux.Vars(r)["id"], principal(r).ID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, firm)
	})
}

func (s *Server) handleAddArea(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string       `json:"name"`
		Ring []core.Point `json:"ring"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	area, err := s.org.AddCoverageArea(r.Context(), mux.Vars(r)["id"], principal(r).ID, in.Name, in.Ring)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, area)
}

func (s *Server) handleSetAreaActive(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Active bool `json:"active"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	vars := mux.Vars(r)
	if err := s.org.SetCoverageAreaActive(r.Context(), vars["id"], principal(r).ID, vars["area"], in.Active); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PrincipalID string `json:"principal_id"`
		Role        string `json:"role"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	member, err := s.org.AddMember(r.Context(), mux.Vars(r)["id"], principal(r).ID,
		in.PrincipalID, core.MemberRole(in.Role))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name      string   `json:"name"`
		LeaderID  string   `json:"leader_id"`
		MemberIDs []string `json:"member_ids"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	team, err := s.org.CreateTeam(r.Context(), mux.Vars(r)["id"], principal(r).ID, in.Name, in.LeaderID, in.MemberIDs)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, team)
}

func (s *Server) handleCreateProviderType(w http.ResponseWriter, r *http.Request) {
	var in core.EmergencyProviderType
	if !readJSON(w, r, &in) {
		return
	}
	if err := s.org.CreateProviderType(r.Context(), principal(r).ID, &in); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var in core.EmergencyProvider
	if !readJSON(w, r, &in) {
		return
	}
	if err := s.org.CreateProvider(r.Context(), mux.Vars(r)["id"], principal(r).ID, &in); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Status string `json:"status"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	vars := mux.Vars(r)
	if err := s.org.SetProviderStatus(r.Context(), vars["id"], principal(r).ID,
		vars["provider"], core.ProviderStatus(in.Status)); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- credits, products, subscriptions ---

// requireFirmAdmin guards the money endpoints that the subscription service
// itself leaves open.
func (s *Server) requireFirmAdmin(r *http.Request, firmID string) error {
	member, err := s.store.GetFirmMemberByPrincipal(r.Context(), principal(r).ID)
	if err != nil {
		return err
	}
	if member == nil || !member.Active || member.FirmID != firmID || member.Role != core.RoleFirmAdmin {
		return core.NewError(core.CodeForbidden, "firm admin role required")
	}
	return nil
}

func (s *Server) handlePurchaseCredits(w http.ResponseWriter, r *http.Request) {
	firmID := mux.Vars(r)["id"]
	if err := s.requireFirmAdmin(r, firmID); err != nil {
		s.fail(w, err)
		return
	}
	var in struct {
		Credits        int64  `json:"credits"`
		AmountCents    int64  `json:"amount_cents"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	txn, err := s.subs.PurchaseCredits(r.Context(), firmID, in.Credits, in.AmountCents, in.IdempotencyKey)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	firmID := mux.Vars(r)["id"]
	if err := s.requireFirmAdmin(r, firmID); err != nil {
		s.fail(w, err)
		return
	}
	txns, err := s.subs.ListTransactions(r.Context(), firmID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txns})
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	firmID := mux.Vars(r)["id"]
	if err := s.requireFirmAdmin(r, firmID); err != nil {
		s.fail(w, err)
		return
	}
	var in struct {
		Name       string `json:"name"`
		MaxUsers   int    `json:"max_users"`
		PriceCents int64  `json:"price_cents"`
		CreditCost int64  `json:"credit_cost"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	product, err := s.subs.CreateProduct(r.Context(), firmID, in.Name, in.MaxUsers, in.PriceCents, in.CreditCost)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (s *Server) handleRetireProduct(w http.ResponseWriter, r *http.Request) {
	productID := mux.Vars(r)["id"]
	product, err := s.store.GetProduct(r.Context(), productID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if product == nil {
		s.fail(w, core.NewError(core.CodeProductNotFound, "product not found"))
		return
	}
	if err := s.requireFirmAdmin(r, product.FirmID); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.subs.RetireProduct(r.Context(), productID); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePurchaseSubscription(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ProductID      string `json:"product_id"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	sub, err := s.subs.PurchaseSubscription(r.Context(), principal(r).ID, in.ProductID, in.IdempotencyKey)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subs.ListStored(r.Context(), principal(r).ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": subs})
}

func (s *Server) handleApplySubscription(w http.ResponseWriter, r *http.Request) {
	var in struct {
		GroupID string `json:"group_id"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	group, err := s.subs.ApplySubscription(r.Context(), principal(r).ID, mux.Vars(r)["id"], in.GroupID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// --- groups ---

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name    string  `json:"name"`
		Address string  `json:"address"`
		Lon     float64 `json:"lon"`
		Lat     float64 `json:"lat"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	group, err := s.org.CreateGroup(r.Context(), principal(r).ID, in.Name, in.Address, core.Point{Lon: in.Lon, Lat: in.Lat})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) handleGroupValidation(w http.ResponseWriter, r *http.Request) {
	validation, err := s.subs.Validate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validation)
}

func (s *Server) handleAddGroupMember(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PrincipalID string `json:"principal_id"`
		Role        string `json:"role"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	membership, err := s.org.AddGroupMember(r.Context(), mux.Vars(r)["id"], principal(r).ID,
		in.PrincipalID, core.GroupRole(in.Role))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, membership)
}

func (s *Server) handleRemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.org.RemoveGroupMember(r.Context(), vars["id"], principal(r).ID, vars["principal"]); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddGroupPhone(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Phone string `json:"phone"`
		Kind  string `json:"kind"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	entry, err := s.org.AddGroupPhone(r.Context(), mux.Vars(r)["id"], principal(r).ID,
		in.Phone, core.PhoneKind(in.Kind))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleVerifyGroupPhone(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Code string `json:"code"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	vars := mux.Vars(r)
	if err := s.org.VerifyGroupPhone(r.Context(), vars["id"], principal(r).ID, vars["phone"], in.Code); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (s *Server) handleRemoveGroupPhone(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.org.RemoveGroupPhone(r.Context(), vars["id"], principal(r).ID, vars["phone"]); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- fines ---

func (s *Server) handleListFines(w http.ResponseWriter, r *http.Request) {
	fines, err := s.abuse.ListFines(r.Context(), principal(r).ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fines": fines})
}

func (s *Server) handlePayFine(w http.ResponseWriter, r *http.Request) {
	fine, err := s.abuse.PayFine(r.Context(), mux.Vars(r)["id"], principal(r).ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fine)
}

// --- realtime ---

// handleWebSocket authenticates from the Authorization header or, for
// browser clients that cannot set one on the upgrade, a token query
// parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if len(token) > 7 {
		token = token[7:]
	} else {
		token = r.URL.Query().Get("token")
	}
	p, _, err := s.auth.VerifyToken(r.Context(), token)
	if err != nil {
		s.fail(w, err)
		return
	}
	identity, err := realtime.BuildIdentity(r.Context(), s.store, p)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.hub.HandleWS(w, r, identity)
}
