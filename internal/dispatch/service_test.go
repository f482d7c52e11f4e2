package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven/backend/internal/config"
	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/coverage"
	"github.com/haven/backend/internal/events"
	"github.com/haven/backend/internal/infra"
	"github.com/haven/backend/internal/notify"
	"github.com/haven/backend/internal/store"
	"github.com/haven/backend/internal/subscription"
)

const (
	userPhone  = "+27820000001"
	alarmPhone = "+27820000002"
)

type fixture struct {
	svc   *Service
	store *store.Memory
	bus   *events.Bus
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		SubscriptionWindow: 30 * 24 * time.Hour,
		GraceWindow:        7 * 24 * time.Hour,
		DedupeWindow:       2 * time.Minute,
		MaxRequests:        5,
		RateWindow:         60 * time.Second,
		PendingTimeout:     15 * time.Minute,
		AllocatedTimeout:   10 * time.Minute,
		SilentTimeout:      30 * time.Minute,
	}
}

// seed builds an approved firm covering a square around Johannesburg, a
// subscribed group inside it with one registered phone, and the firm's
// office/field staff, team, and one tow truck.
func seed(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	bus := events.NewBus()
	cfg := testDispatchConfig()
	subs := subscription.NewService(mem, notify.NewMockPayment(), bus, cfg)
	resolver := coverage.NewResolver(mem, infra.NewLocalCache())
	svc := NewService(mem, resolver, subs, bus, cfg)

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
	require.NoError(t, mem.CreateGroupPhone(ctx, &core.GroupPhoneNumber{
		ID: "gp-2", GroupID: "grp", Phone: alarmPhone,
		Kind: core.PhoneAlarm, Verified: true,
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
		ID: "agent-1", Kind: core.KindFirmMember, Email: "agent@alpha.example.com",
		Phone: "+27820000011", Verified: true, CreatedAt: now,
	}))
	require.NoError(t, mem.CreateFirmMember(ctx, &core.FirmMember{
		ID: "fm-agent", PrincipalID: "agent-1", FirmID: "firm-a",
		Role: core.RoleFieldAgent, Active: true,
	}))
	require.NoError(t, mem.CreateTeam(ctx, &core.Team{
		ID: "team-1", FirmID: "firm-a", Name: "Night shift",
		LeaderID: "fm-agent", MemberIDs: []string{"fm-agent"}, Active: true,
	}))

	require.NoError(t, mem.CreateProviderType(ctx, &core.EmergencyProviderType{
		ID: "pt-tow", Code: "towing", Name: "Tow truck", DefaultRadiusKM: 40, Active: true,
	}))
	require.NoError(t, mem.CreateProvider(ctx, &core.EmergencyProvider{
		ID: "prov-1", FirmID: "firm-a", TypeID: "pt-tow", Name: "Tow 1",
		Current: core.Point{Lon: 28.05, Lat: -26.2}, RadiusKM: 40,
		Status: core.ProviderAvailable, Active: true,
	}))

	return &fixture{svc: svc, store: mem, bus: bus}
}

func (f *fixture) ingest(t *testing.T, service core.ServiceType) *core.PanicRequest {
	t.Helper()
	req, err := f.svc.Ingest(context.Background(), IngestInput{
		Phone:   userPhone,
		Service: service,
		Point:   core.Point{Lon: 28.01, Lat: -26.21},
		Address: "13 Oak Ave",
	})
	require.NoError(t, err)
	return req
}

func drain(ch chan *events.Event) *events.Event {
	select {
	case ev := <-ch:
		return ev
	default:
		return nil
	}
}

func TestIngestHappyPath(t *testing.T) {
	f := seed(t)
	created := f.bus.Subscribe(events.TypeRequestCreated)

	req := f.ingest(t, core.ServiceSecurity)
	assert.Equal(t, core.StatusPending, req.Status)
	assert.Equal(t, "grp", req.GroupID)
	assert.Equal(t, "firm-a", req.FirmID)
	assert.Equal(t, "user-1", req.RequesterID)
	assert.False(t, req.SilentMode)
	assert.False(t, req.GraceAlert)

	updates, err := f.store.ListStatusUpdates(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, core.StatusPending, updates[0].Status)

	ev := drain(created)
	require.NotNil(t, ev)
	assert.Equal(t, req.ID, ev.Subject)
	assert.Equal(t, "security", ev.Data["service"])
}

func TestIngestAlarmPhoneHasNoPrincipal(t *testing.T) {
	f := seed(t)
	req, err := f.svc.Ingest(context.Background(), IngestInput{
		Phone: alarmPhone, Service: core.ServiceSecurity,
		Point: core.Point{Lon: 28.0, Lat: -26.2},
	})
	require.NoError(t, err)
	assert.Empty(t, req.RequesterID)
}

func TestIngestCallGoesSilent(t *testing.T) {
	f := seed(t)
	req := f.ingest(t, core.ServiceCall)
	assert.True(t, req.SilentMode)
}

func TestIngestValidation(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, IngestInput{
		Phone: userPhone, Service: "plumbing",
		Point: core.Point{Lon: 28, Lat: -26},
	})
	assert.Equal(t, core.CodeInvalidServiceType, core.CodeOf(err))

	_, err = f.svc.Ingest(ctx, IngestInput{
		Phone: userPhone, Service: core.ServiceSecurity,
		Point: core.Point{Lon: 200, Lat: -26},
	})
	assert.Equal(t, core.CodeInvalidCoordinates, core.CodeOf(err))

	_, err = f.svc.Ingest(ctx, IngestInput{
		Phone: "+27829999999", Service: core.ServiceSecurity,
		Point: core.Point{Lon: 28, Lat: -26.2},
	})
	assert.Equal(t, core.CodeUnauthorizedRequester, core.CodeOf(err))
}

func TestIngestAccountGates(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	set := func(mut func(p *core.Principal)) {
		p, err := f.store.GetPrincipal(ctx, "user-1")
		require.NoError(t, err)
		mut(p)
		require.NoError(t, f.store.UpdatePrincipal(ctx, p))
	}

	// A login lockout never blocks the panic button.
	locked := time.Now().Add(30 * time.Minute)
	set(func(p *core.Principal) { p.LockedUntil = &locked })
	f.ingest(t, core.ServiceSecurity)

	set(func(p *core.Principal) { p.Suspended = true })
	_, err := f.svc.Ingest(ctx, IngestInput{
		Phone: userPhone, Service: core.ServiceAmbulance,
		Point: core.Point{Lon: 28, Lat: -26.2},
	})
	assert.Equal(t, core.CodeUserSuspended, core.CodeOf(err))

	set(func(p *core.Principal) { p.Suspended = false; p.Banned = true })
	_, err = f.svc.Ingest(ctx, IngestInput{
		Phone: userPhone, Service: core.ServiceAmbulance,
		Point: core.Point{Lon: 28, Lat: -26.2},
	})
	assert.Equal(t, core.CodeUserBanned, core.CodeOf(err))
}

func TestIngestDedupe(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	first := f.ingest(t, core.ServiceSecurity)

	_, err := f.svc.Ingest(ctx, IngestInput{
		Phone: userPhone, Service: core.ServiceSecurity,
		Point: core.Point{Lon: 28.01, Lat: -26.21},
	})
	require.Equal(t, core.CodeDuplicateRequest, core.CodeOf(err))
	ce, _ := core.AsError(err)
	assert.Equal(t, first.ID, ce.Details["request_id"])

	// A different service from the same phone is a distinct emergency.
	f.ingest(t, core.ServiceFire)

	// Closing the first request reopens the slot.
	_, err = f.svc.Cancel(ctx, first.ID, CancelActor{Phone: userPhone}, "false alarm")
	require.NoError(t, err)
	f.ingest(t, core.ServiceSecurity)
}

func TestIngestRateLimit(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.CreateRequest(ctx, &core.PanicRequest{
			ID: uuid.NewString(), RequesterPhone: userPhone, GroupID: "grp",
			FirmID: "firm-a", Service: core.ServiceSecurity,
			Point:  core.Point{Lon: 28, Lat: -26.2},
			Status: core.StatusCancelled, CreatedAt: now.Add(-time.Duration(i) * time.Second),
		}))
	}

	_, err := f.svc.Ingest(ctx, IngestInput{
		Phone: userPhone, Service: core.ServiceSecurity,
		Point: core.Point{Lon: 28, Lat: -26.2},
	})
	require.Equal(t, core.CodeRateLimited, core.CodeOf(err))
	ce, _ := core.AsError(err)
	assert.Equal(t, 60, ce.Details["retry_after_seconds"])
}

func TestIngestSubscriptionGates(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	setExpiry := func(at time.Time) {
		g, err := f.store.GetGroup(ctx, "grp")
		require.NoError(t, err)
		g.SubscriptionExpiresAt = &at
		require.NoError(t, f.store.UpdateGroup(ctx, g))
	}

	// Inside the grace window the request is accepted but flagged.
	setExpiry(time.Now().Add(-time.Hour))
	req := f.ingest(t, core.ServiceSecurity)
	assert.True(t, req.GraceAlert)

	setExpiry(time.Now().Add(-8 * 24 * time.Hour))
	_, err := f.svc.Ingest(ctx, IngestInput{
		Phone: userPhone, Service: core.ServiceFire,
		Point: core.Point{Lon: 28, Lat: -26.2},
	})
	assert.Equal(t, core.CodeSubscriptionExpired, core.CodeOf(err))
}

func TestIngestCoverageGate(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	// Another approved firm covers the far point; it should be suggested.
	require.NoError(t, f.store.CreateFirm(ctx, &core.SecurityFirm{
		ID: "firm-b", Name: "Bravo", RegistrationNo: "reg-b",
		Status: core.FirmApproved, CreatedAt: time.Now(),
	}))
	require.NoError(t, f.store.CreateCoverageArea(ctx, &core.CoverageArea{
		ID: "area-b", FirmID: "firm-b", Name: "coast",
		Ring: []core.Point{
			{Lon: 18, Lat: -34}, {Lon: 19, Lat: -34},
			{Lon: 19, Lat: -33}, {Lon: 18, Lat: -33}, {Lon: 18, Lat: -34},
		},
		Active: true, CreatedAt: time.Now(),
	}))

	_, err := f.svc.Ingest(ctx, IngestInput{
		Phone: userPhone, Service: core.ServiceSecurity,
		Point: core.Point{Lon: 18.5, Lat: -33.5}, // outside firm-a
	})
	require.Equal(t, core.CodeLocationNotCovered, core.CodeOf(err))
	ce, _ := core.AsError(err)
	assert.Equal(t, []string{"firm-b"}, ce.Details["suggested_firms"])
}

func TestAllocateTeam(t *testing.T) {
	f := seed(t)
	ctx := context.Background()
	req := f.ingest(t, core.ServiceSecurity)
	allocated := f.bus.Subscribe(events.TypeRequestAllocated)

	_, err := f.svc.Allocate(ctx, AllocateInput{RequestID: req.ID, ActorID: "office-1"})
	assert.Equal(t, core.CodeInvalidAssignment, core.CodeOf(err))

	_, err = f.svc.Allocate(ctx, AllocateInput{
		RequestID: req.ID, ActorID: "office-1", TeamID: "team-1", ProviderID: "prov-1",
	})
	assert.Equal(t, core.CodeInvalidAssignment, core.CodeOf(err))

	// Field agents never allocate.
	_, err = f.svc.Allocate(ctx, AllocateInput{RequestID: req.ID, ActorID: "agent-1", TeamID: "team-1"})
	assert.Equal(t, core.CodeForbidden, core.CodeOf(err))

	got, err := f.svc.Allocate(ctx, AllocateInput{RequestID: req.ID, ActorID: "office-1", TeamID: "team-1"})
	require.NoError(t, err)
	assert.Equal(t, core.StatusAllocated, got.Status)
	assert.Equal(t, "team-1", got.AssignedTeamID)

	ev := drain(allocated)
	require.NotNil(t, ev)
	assert.Equal(t, "team-1", ev.Data["team_id"])

	// Double allocation is an illegal transition.
	_, err = f.svc.Allocate(ctx, AllocateInput{RequestID: req.ID, ActorID: "office-1", TeamID: "team-1"})
	assert.Equal(t, core.CodeInvalidStatusTransition, core.CodeOf(err))
}

func TestProviderLifecycle(t *testing.T) {
	f := seed(t)
	ctx := context.Background()
	req := f.ingest(t, core.ServiceTowing)
	pranks := f.bus.Subscribe(events.TypePrankFlagged)

	got, err := f.svc.Allocate(ctx, AllocateInput{RequestID: req.ID, ActorID: "office-1", ProviderID: "prov-1"})
	require.NoError(t, err)
	assert.Equal(t, "prov-1", got.AssignedProviderID)

	prov, err := f.store.GetProvider(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, core.ProviderBusy, prov.Status)

	assignments, err := f.store.ListAssignments(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Greater(t, assignments[0].DistanceKM, 0.0)
	assert.Greater(t, assignments[0].ETAMinutes, 0)

	// External units have no account; the office records their progress.
	for _, next := range []core.RequestStatus{
		core.StatusAccepted, core.StatusEnRoute, core.StatusArrived, core.StatusInProgress,
	} {
		got, err = f.svc.Transition(ctx, req.ID, "office-1", next, "", nil)
		require.NoError(t, err)
		assert.Equal(t, next, got.Status)
	}
	assert.NotNil(t, got.AcceptedAt)
	assert.NotNil(t, got.ArrivedAt)

	rating := 1
	got, err = f.svc.Complete(ctx, CompleteInput{
		RequestID: req.ID, ResponderID: "office-1", IsPrank: true, Rating: &rating,
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// Provider is free again and the assignment is closed.
	prov, _ = f.store.GetProvider(ctx, "prov-1")
	assert.Equal(t, core.ProviderAvailable, prov.Status)
	assignments, _ = f.store.ListAssignments(ctx, req.ID)
	assert.True(t, assignments[0].Released)

	// The prank landed on the requester and was announced.
	user, _ := f.store.GetPrincipal(ctx, "user-1")
	assert.Equal(t, 1, user.PrankCount)
	ev := drain(pranks)
	require.NotNil(t, ev)
	assert.Equal(t, "user-1", ev.Subject)
	assert.Equal(t, 1, ev.Data["prank_count"])

	// Completion feedback is single-shot.
	_, err = f.svc.Complete(ctx, CompleteInput{RequestID: req.ID, ResponderID: "office-1"})
	assert.Equal(t, core.CodeInvalidStatusTransition, core.CodeOf(err))
}

func TestTransitionRequiresAssignedTeamMember(t *testing.T) {
	f := seed(t)
	ctx := context.Background()
	req := f.ingest(t, core.ServiceSecurity)

	_, err := f.svc.Allocate(ctx, AllocateInput{RequestID: req.ID, ActorID: "office-1", TeamID: "team-1"})
	require.NoError(t, err)

	// Office staff of the firm are not on team-1 and may not drive it.
	_, err = f.svc.Transition(ctx, req.ID, "office-1", core.StatusAccepted, "", nil)
	assert.Equal(t, core.CodeForbidden, core.CodeOf(err))

	// The team's own member may.
	got, err := f.svc.Transition(ctx, req.ID, "agent-1", core.StatusAccepted, "", nil)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAccepted, got.Status)

	// Completion is held to the same rule.
	for _, next := range []core.RequestStatus{
		core.StatusEnRoute, core.StatusArrived, core.StatusInProgress,
	} {
		_, err = f.svc.Transition(ctx, req.ID, "agent-1", next, "", nil)
		require.NoError(t, err)
	}
	_, err = f.svc.Complete(ctx, CompleteInput{RequestID: req.ID, ResponderID: "office-1"})
	assert.Equal(t, core.CodeForbidden, core.CodeOf(err))
	_, err = f.svc.Complete(ctx, CompleteInput{RequestID: req.ID, ResponderID: "agent-1"})
	require.NoError(t, err)
}

func TestProviderProgressNeedsOfficeRole(t *testing.T) {
	f := seed(t)
	ctx := context.Background()
	req := f.ingest(t, core.ServiceTowing)

	_, err := f.svc.Allocate(ctx, AllocateInput{RequestID: req.ID, ActorID: "office-1", ProviderID: "prov-1"})
	require.NoError(t, err)

	// A field agent is not the tow truck's dispatcher.
	_, err = f.svc.Transition(ctx, req.ID, "agent-1", core.StatusAccepted, "", nil)
	assert.Equal(t, core.CodeForbidden, core.CodeOf(err))

	got, err := f.svc.Transition(ctx, req.ID, "office-1", core.StatusAccepted, "", nil)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAccepted, got.Status)
}

func TestArrivalFarFromSceneIsAnnotated(t *testing.T) {
	f := seed(t)
	ctx := context.Background()
	req := f.ingest(t, core.ServiceSecurity)

	_, err := f.svc.Allocate(ctx, AllocateInput{RequestID: req.ID, ActorID: "office-1", TeamID: "team-1"})
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, req.ID, "agent-1", core.StatusAccepted, "", nil)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, req.ID, "agent-1", core.StatusEnRoute, "", nil)
	require.NoError(t, err)

	// Roughly 20 km east of the request point.
	far := core.Point{Lon: 28.21, Lat: -26.21}
	_, err = f.svc.Transition(ctx, req.ID, "agent-1", core.StatusArrived, "on scene", &far)
	require.NoError(t, err)

	updates, err := f.store.ListStatusUpdates(ctx, req.ID)
	require.NoError(t, err)
	last := updates[len(updates)-1]
	assert.Equal(t, core.StatusArrived, last.Status)
	assert.Contains(t, last.Message, "km from the request point")

	// A nearby report passes through untouched.
	req2 := f.ingest(t, core.ServiceFire)
	_, err = f.svc.Allocate(ctx, AllocateInput{RequestID: req2.ID, ActorID: "office-1", TeamID: "team-1"})
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, req2.ID, "agent-1", core.StatusAccepted, "", nil)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, req2.ID, "agent-1", core.StatusEnRoute, "", nil)
	require.NoError(t, err)
	near := core.Point{Lon: 28.011, Lat: -26.21}
	_, err = f.svc.Transition(ctx, req2.ID, "agent-1", core.StatusArrived, "on scene", &near)
	require.NoError(t, err)
	updates, err = f.store.ListStatusUpdates(ctx, req2.ID)
	require.NoError(t, err)
	assert.Equal(t, "on scene", updates[len(updates)-1].Message)
}

func TestAllocateProviderTypeMismatch(t *testing.T) {
	f := seed(t)
	req := f.ingest(t, core.ServiceSecurity)

	// prov-1 is a tow truck; a security request cannot take it.
	_, err := f.svc.Allocate(context.Background(), AllocateInput{
		RequestID: req.ID, ActorID: "office-1", ProviderID: "prov-1",
	})
	assert.Equal(t, core.CodeInvalidAssignment, core.CodeOf(err))
}

func TestCallHandledByOffice(t *testing.T) {
	f := seed(t)
	ctx := context.Background()
	req := f.ingest(t, core.ServiceCall)

	_, err := f.svc.Allocate(ctx, AllocateInput{RequestID: req.ID, ActorID: "office-1", TeamID: "team-1"})
	assert.Equal(t, core.CodeInvalidAssignmentForCall, core.CodeOf(err))

	got, err := f.svc.HandleCall(ctx, req.ID, "office-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusInProgress, got.Status)
	assert.NotNil(t, got.AcceptedAt)

	_, err = f.svc.HandleCall(ctx, req.ID, "office-1")
	assert.Equal(t, core.CodeInvalidStatusTransition, core.CodeOf(err))

	got, err = f.svc.Complete(ctx, CompleteInput{RequestID: req.ID, ResponderID: "office-1"})
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status)
}

func TestCancelAuthorisation(t *testing.T) {
	f := seed(t)
	ctx := context.Background()
	req := f.ingest(t, core.ServiceSecurity)

	_, err := f.svc.Cancel(ctx, req.ID, CancelActor{Phone: "+27829999999"}, "nope")
	assert.Equal(t, core.CodeForbidden, core.CodeOf(err))

	got, err := f.svc.Cancel(ctx, req.ID, CancelActor{Phone: userPhone}, "false alarm")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, got.Status)

	_, err = f.svc.Cancel(ctx, req.ID, CancelActor{Phone: userPhone}, "again")
	assert.Equal(t, core.CodeInvalidStatusTransition, core.CodeOf(err))

	// Office staff may cancel on the requester's behalf.
	req2 := f.ingest(t, core.ServiceFire)
	_, err = f.svc.Cancel(ctx, req2.ID, CancelActor{PrincipalID: "office-1"}, "resolved by phone")
	require.NoError(t, err)
}

func TestTransitionRules(t *testing.T) {
	f := seed(t)
	ctx := context.Background()
	req := f.ingest(t, core.ServiceSecurity)

	// No skipping ahead.
	_, err := f.svc.Transition(ctx, req.ID, "agent-1", core.StatusEnRoute, "", nil)
	require.Equal(t, core.CodeInvalidStatusTransition, core.CodeOf(err))
	ce, _ := core.AsError(err)
	assert.Equal(t, "pending", ce.Details["from"])

	// Outsiders cannot drive the machine.
	_, err = f.svc.Transition(ctx, req.ID, "user-1", core.StatusAllocated, "", nil)
	assert.Equal(t, core.CodeForbidden, core.CodeOf(err))

	_, err = f.svc.Transition(ctx, "missing", "agent-1", core.StatusAccepted, "", nil)
	assert.Equal(t, core.CodeRequestNotFound, core.CodeOf(err))
}

func TestReassignReleasesProvider(t *testing.T) {
	f := seed(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateProvider(ctx, &core.EmergencyProvider{
		ID: "prov-2", FirmID: "firm-a", TypeID: "pt-tow", Name: "Tow 2",
		Current: core.Point{Lon: 28.1, Lat: -26.25}, RadiusKM: 40,
		Status: core.ProviderAvailable, Active: true,
	}))
	etas := f.bus.Subscribe(events.TypeETAUpdate)

	req := f.ingest(t, core.ServiceTowing)
	_, err := f.svc.Allocate(ctx, AllocateInput{RequestID: req.ID, ActorID: "office-1", ProviderID: "prov-1"})
	require.NoError(t, err)

	got, err := f.svc.Reassign(ctx, AllocateInput{RequestID: req.ID, ActorID: "office-1", ProviderID: "prov-2"})
	require.NoError(t, err)
	assert.Equal(t, "prov-2", got.AssignedProviderID)

	p1, _ := f.store.GetProvider(ctx, "prov-1")
	p2, _ := f.store.GetProvider(ctx, "prov-2")
	assert.Equal(t, core.ProviderAvailable, p1.Status)
	assert.Equal(t, core.ProviderBusy, p2.Status)

	ev := drain(etas)
	require.NotNil(t, ev)
	assert.Equal(t, "prov-2", ev.Data["provider_id"])
}

func TestReassignKeepsBusyProviderWithOtherWork(t *testing.T) {
	f := seed(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateProvider(ctx, &core.EmergencyProvider{
		ID: "prov-2", FirmID: "firm-a", TypeID: "pt-tow", Name: "Tow 2",
		Current: core.Point{Lon: 28.1, Lat: -26.25}, RadiusKM: 40,
		Status: core.ProviderAvailable, Active: true,
	}))

	req := f.ingest(t, core.ServiceTowing)
	_, err := f.svc.Allocate(ctx, AllocateInput{RequestID: req.ID, ActorID: "office-1", ProviderID: "prov-1"})
	require.NoError(t, err)

	// A second open assignment pins prov-1 busy through the reassign.
	require.NoError(t, f.store.CreateRequest(ctx, &core.PanicRequest{
		ID: "other-request", RequesterPhone: alarmPhone, GroupID: "grp",
		FirmID: "firm-a", Service: core.ServiceTowing,
		Point:  core.Point{Lon: 28.02, Lat: -26.22},
		Status: core.StatusAllocated, AssignedProviderID: "prov-1",
		CreatedAt: time.Now(),
	}))
	require.NoError(t, f.store.CreateAssignment(ctx, &core.ProviderAssignment{
		ID: uuid.NewString(), RequestID: "other-request", ProviderID: "prov-1", CreatedAt: time.Now(),
	}))

	_, err = f.svc.Reassign(ctx, AllocateInput{RequestID: req.ID, ActorID: "office-1", ProviderID: "prov-2"})
	require.NoError(t, err)

	p1, _ := f.store.GetProvider(ctx, "prov-1")
	assert.Equal(t, core.ProviderBusy, p1.Status)
}

func TestTimeoutSweep(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	stale := f.ingest(t, core.ServiceSecurity)
	assigned := f.ingest(t, core.ServiceTowing)
	_, err := f.svc.Allocate(ctx, AllocateInput{RequestID: assigned.ID, ActorID: "office-1", ProviderID: "prov-1"})
	require.NoError(t, err)

	// Jump past both deadlines.
	f.svc.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	f.svc.TimeoutSweep(ctx)

	got, _ := f.store.GetRequest(ctx, stale.ID)
	assert.Equal(t, core.StatusCancelled, got.Status)

	got, _ = f.store.GetRequest(ctx, assigned.ID)
	assert.Equal(t, core.StatusPending, got.Status)
	assert.Empty(t, got.AssignedProviderID)
	prov, _ := f.store.GetProvider(ctx, "prov-1")
	assert.Equal(t, core.ProviderAvailable, prov.Status)
}
