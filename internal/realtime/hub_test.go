package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/events"
	"github.com/haven/backend/internal/store"
)

func seedRequest(t *testing.T, mem *store.Memory) *core.PanicRequest {
	t.Helper()
	req := &core.PanicRequest{
		ID: "req-1", RequesterPhone: "+27820000001", RequesterID: "user-1",
		GroupID: "grp", FirmID: "firm-a", Service: core.ServiceSecurity,
		Point: core.Point{Lon: 28, Lat: -26.2}, Status: core.StatusAllocated,
		AssignedTeamID: "team-1", CreatedAt: time.Now(),
	}
	require.NoError(t, mem.CreateRequest(context.Background(), req))
	return req
}

func frameOf(t *testing.T, s *Session) *Envelope {
	t.Helper()
	select {
	case raw := <-s.Send:
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return &env
	default:
		return nil
	}
}

func TestRoutingEntitlements(t *testing.T) {
	mem := store.NewMemory()
	bus := events.NewBus()
	hub := NewHub(mem, bus)
	req := seedRequest(t, mem)

	requester := hub.newSession(Identity{PrincipalID: "user-1", Kind: core.KindEndUser, Phone: "+27820000001"}, nil)
	agent := hub.newSession(Identity{PrincipalID: "agent-1", Kind: core.KindFirmMember, FirmID: "firm-a", TeamIDs: []string{"team-1"}}, nil)
	office := hub.newSession(Identity{PrincipalID: "office-1", Kind: core.KindFirmMember, FirmID: "firm-a", Office: true}, nil)
	rival := hub.newSession(Identity{PrincipalID: "office-2", Kind: core.KindFirmMember, FirmID: "firm-b", Office: true}, nil)
	admin := hub.newSession(Identity{PrincipalID: "admin-1", Kind: core.KindPlatformAdmin}, nil)
	watcher := hub.newSession(Identity{PrincipalID: "admin-2", Kind: core.KindPlatformAdmin}, nil)
	watcher.watchedFirms["firm-a"] = true

	hub.route(events.NewEvent(events.TypeRequestStatus, source, req.ID, map[string]interface{}{
		"request_id": req.ID, "status": "accepted",
	}))

	for _, s := range []*Session{requester, agent, office, watcher} {
		env := frameOf(t, s)
		require.NotNil(t, env, "session %s should receive the status", s.identity.PrincipalID)
		assert.Equal(t, events.TypeRequestStatus, env.Type)
		assert.Equal(t, req.ID, env.RequestID)
	}
	assert.Nil(t, frameOf(t, rival))
	assert.Nil(t, frameOf(t, admin))

	// Breadcrumbs reach only the requester and the assigned team.
	hub.route(events.NewEvent(events.TypeLocationUpdate, source, req.ID, map[string]interface{}{
		"request_id": req.ID, "lon": 28.01, "lat": -26.21,
	}))
	assert.NotNil(t, frameOf(t, requester))
	assert.NotNil(t, frameOf(t, agent))
	assert.Nil(t, frameOf(t, office))
	assert.Nil(t, frameOf(t, watcher))
}

func TestRoutingFollowsReassignment(t *testing.T) {
	mem := store.NewMemory()
	hub := NewHub(mem, events.NewBus())
	req := seedRequest(t, mem)

	agent := hub.newSession(Identity{PrincipalID: "agent-1", FirmID: "firm-a", TeamIDs: []string{"team-1"}}, nil)

	hub.route(events.NewEvent(events.TypeRequestStatus, source, req.ID, map[string]interface{}{
		"request_id": req.ID,
	}))
	require.NotNil(t, frameOf(t, agent))

	// Once the request moves to another team the old one goes quiet.
	req.AssignedTeamID = "team-2"
	require.NoError(t, mem.UpdateRequest(context.Background(), req))
	hub.route(events.NewEvent(events.TypeRequestStatus, source, req.ID, map[string]interface{}{
		"request_id": req.ID,
	}))
	assert.Nil(t, frameOf(t, agent))
}

func TestRunConsumesBus(t *testing.T) {
	mem := store.NewMemory()
	bus := events.NewBus()
	hub := NewHub(mem, bus)
	req := seedRequest(t, mem)

	requester := hub.newSession(Identity{PrincipalID: "user-1", Phone: "+27820000001"}, nil)
	hub.Run()

	bus.Emit(events.TypeRequestCreated, source, req.ID, map[string]interface{}{"request_id": req.ID})
	require.Eventually(t, func() bool {
		return len(requester.Send) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Stop()
	assert.Equal(t, 0, hub.SessionCount())
}

func TestRecordLocation(t *testing.T) {
	mem := store.NewMemory()
	bus := events.NewBus()
	hub := NewHub(mem, bus)
	req := seedRequest(t, mem)
	ctx := context.Background()
	updates := bus.Subscribe(events.TypeLocationUpdate)

	responder := Identity{PrincipalID: "agent-1", FirmID: "firm-a", TeamIDs: []string{"team-1"}}
	require.NoError(t, hub.RecordLocation(ctx, responder, req.ID, core.Point{Lon: 28.0, Lat: -26.2}, 5, core.SourceMobile))
	require.NoError(t, hub.RecordLocation(ctx, responder, req.ID, core.Point{Lon: 28.1, Lat: -26.2}, 5, core.SourceMobile))

	logs, err := mem.ListLocationLogs(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	<-updates
	ev := <-updates
	assert.Greater(t, ev.Data["total_distance_km"].(float64), 5.0)

	// Strangers cannot post breadcrumbs.
	err = hub.RecordLocation(ctx, Identity{PrincipalID: "nobody"}, req.ID, core.Point{Lon: 28, Lat: -26}, 5, core.SourceMobile)
	assert.Equal(t, core.CodeForbidden, core.CodeOf(err))

	err = hub.RecordLocation(ctx, responder, "missing", core.Point{Lon: 28, Lat: -26}, 5, core.SourceMobile)
	assert.Equal(t, core.CodeRequestNotFound, core.CodeOf(err))

	err = hub.RecordLocation(ctx, responder, req.ID, core.Point{Lon: 999, Lat: -26}, 5, core.SourceMobile)
	assert.Equal(t, core.CodeInvalidCoordinates, core.CodeOf(err))

	// Closed requests take no more points.
	req.Status = core.StatusCompleted
	require.NoError(t, mem.UpdateRequest(ctx, req))
	err = hub.RecordLocation(ctx, responder, req.ID, core.Point{Lon: 28, Lat: -26.2}, 5, core.SourceMobile)
	assert.Equal(t, core.CodeInvalidStatusTransition, core.CodeOf(err))
}

func TestLocationRateFloor(t *testing.T) {
	hub := NewHub(store.NewMemory(), events.NewBus())
	s := hub.newSession(Identity{PrincipalID: "agent-1"}, nil)

	assert.True(t, s.admitLocation("req-1"))
	assert.False(t, s.admitLocation("req-1"))
	// A different request has its own clock.
	assert.True(t, s.admitLocation("req-2"))

	s.mu.Lock()
	s.lastLocation["req-1"] = time.Now().Add(-2 * time.Second)
	s.mu.Unlock()
	assert.True(t, s.admitLocation("req-1"))
}

func TestBuildIdentity(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.CreateFirm(ctx, &core.SecurityFirm{
		ID: "firm-a", Name: "Alpha", RegistrationNo: "reg-a", Status: core.FirmApproved, CreatedAt: time.Now(),
	}))
	require.NoError(t, mem.CreatePrincipal(ctx, &core.Principal{
		ID: "agent-1", Kind: core.KindFirmMember, Email: "a@example.com", Phone: "+27820000011", CreatedAt: time.Now(),
	}))
	require.NoError(t, mem.CreateFirmMember(ctx, &core.FirmMember{
		ID: "fm-1", PrincipalID: "agent-1", FirmID: "firm-a", Role: core.RoleFieldAgent, Active: true,
	}))
	require.NoError(t, mem.CreateTeam(ctx, &core.Team{
		ID: "team-1", FirmID: "firm-a", Name: "Night", LeaderID: "fm-x", MemberIDs: []string{"fm-1"}, Active: true,
	}))
	require.NoError(t, mem.CreateTeam(ctx, &core.Team{
		ID: "team-2", FirmID: "firm-a", Name: "Day", LeaderID: "fm-1", Active: true,
	}))
	require.NoError(t, mem.CreateTeam(ctx, &core.Team{
		ID: "team-3", FirmID: "firm-a", Name: "Idle", LeaderID: "fm-1", Active: false,
	}))

	p, err := mem.GetPrincipal(ctx, "agent-1")
	require.NoError(t, err)
	id, err := BuildIdentity(ctx, mem, p)
	require.NoError(t, err)
	assert.Equal(t, "firm-a", id.FirmID)
	assert.False(t, id.Office)
	assert.ElementsMatch(t, []string{"team-1", "team-2"}, id.TeamIDs)

	// Plain end users carry no firm entitlements.
	require.NoError(t, mem.CreatePrincipal(ctx, &core.Principal{
		ID: "user-1", Kind: core.KindEndUser, Email: "u@example.com", Phone: "+27820000001", CreatedAt: time.Now(),
	}))
	p, _ = mem.GetPrincipal(ctx, "user-1")
	id, err = BuildIdentity(ctx, mem, p)
	require.NoError(t, err)
	assert.Empty(t, id.FirmID)
	assert.Empty(t, id.TeamIDs)
}
