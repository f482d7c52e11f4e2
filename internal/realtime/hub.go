// Package realtime fans dispatch events out to connected WebSocket clients
// and ingests responder location breadcrumbs.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/events"
	"github.com/haven/backend/internal/geo"
	"github.com/haven/backend/internal/store"
)

const source = "/v1/ws"

// lifecycleTypes are the events the hub forwards to clients.
var lifecycleTypes = []string{
	events.TypeRequestCreated,
	events.TypeRequestAllocated,
	events.TypeRequestStatus,
	events.TypeRequestCancelled,
	events.TypeRequestCompleted,
	events.TypeETAUpdate,
	events.TypeLocationUpdate,
}

// highFrequencyTypes are withheld from office and admin monitors, which only
// need lifecycle changes.
var highFrequencyTypes = map[string]bool{
	events.TypeETAUpdate:      true,
	events.TypeLocationUpdate: true,
}

// Identity is the resolved caller behind one session, fixed at connect time.
type Identity struct {
	PrincipalID string
	Kind        core.PrincipalKind
	Phone       string

	// Firm membership, empty for end users
	FirmID  string
	Office  bool
	TeamIDs []string
}

// Envelope is the wire frame pushed to clients.
type Envelope struct {
	Type      string                 `json:"type"`
	RequestID string                 `json:"request_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	TS        time.Time              `json:"ts"`
}

// Hub owns the session registry and routes bus events to the sessions
// entitled to them: requesters see everything about their own requests,
// assigned teams see everything while assigned, office staff and
// firm-subscribed platform admins see lifecycle changes.
type Hub struct {
	store  store.Store
	bus    events.Broker
	logger *log.Logger

	mu       sync.RWMutex
	sessions map[*Session]bool

	stop chan struct{}
	done chan struct{}
}

func NewHub(st store.Store, bus events.Broker) *Hub {
	return &Hub{
		store:    st,
		bus:      bus,
		logger:   log.New(log.Writer(), "[REALTIME] ", log.LstdFlags),
		sessions: make(map[*Session]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run consumes the bus until Stop.
func (h *Hub) Run() {
	ch := h.bus.Subscribe(lifecycleTypes...)
	go func() {
		defer close(h.done)
		for {
			select {
			case <-h.stop:
				h.bus.Unsubscribe(ch)
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				h.route(ev)
			}
		}
	}()
}

// Stop shuts the router down and closes every session.
func (h *Hub) Stop() {
	close(h.stop)
	<-h.done

	h.mu.Lock()
	open := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()
	for _, s := range open {
		s.close()
	}
}

// BuildIdentity resolves a principal's realtime entitlements.
func BuildIdentity(ctx context.Context, st store.Store, p *core.Principal) (Identity, error) {
	id := Identity{PrincipalID: p.ID, Kind: p.Kind, Phone: p.Phone}
	member, err := st.GetFirmMemberByPrincipal(ctx, p.ID)
	if err != nil {
		return id, err
	}
	if member == nil || !member.Active {
		return id, nil
	}
	id.FirmID = member.FirmID
	id.Office = member.Role.OfficeRole()

	teams, err := st.ListTeams(ctx, member.FirmID)
	if err != nil {
		return id, err
	}
	for _, t := range teams {
		if !t.Active {
			continue
		}
		if t.LeaderID == member.ID {
			id.TeamIDs = append(id.TeamIDs, t.ID)
			continue
		}
		for _, mid := range t.MemberIDs {
			if mid == member.ID {
				id.TeamIDs = append(id.TeamIDs, t.ID)
				break
			}
		}
	}
	return id, nil
}

func (h *Hub) attach(s *Session) {
	h.mu.Lock()
	h.sessions[s] = true
	h.mu.Unlock()
}

func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// route fans one bus event out to the entitled sessions.
func (h *Hub) route(ev *events.Event) {
	requestID, _ := ev.Data["request_id"].(string)
	if requestID == "" {
		return
	}
	req, err := h.store.GetRequest(context.Background(), requestID)
	if err != nil || req == nil {
		if err != nil {
			h.logger.Printf("route %s: load request %s: %v", ev.Type, requestID, err)
		}
		return
	}

	frame, err := json.Marshal(Envelope{
		Type:      ev.Type,
		RequestID: requestID,
		Payload:   ev.Data,
		TS:        ev.Time,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if h.entitled(s, ev.Type, req) {
			s.enqueue(frame)
		}
	}
}

func (h *Hub) entitled(s *Session, eventType string, req *core.PanicRequest) bool {
	id := s.identity

	// The requester follows their own emergency in full.
	if (id.PrincipalID != "" && id.PrincipalID == req.RequesterID) ||
		(id.Phone != "" && id.Phone == req.RequesterPhone) {
		return true
	}

	// The assigned team sees everything while the assignment holds.
	if req.AssignedTeamID != "" {
		for _, tid := range id.TeamIDs {
			if tid == req.AssignedTeamID {
				return true
			}
		}
	}

	// Monitors get lifecycle changes only.
	if highFrequencyTypes[eventType] {
		return false
	}
	if id.Office && id.FirmID == req.FirmID {
		return true
	}
	if id.Kind == core.KindPlatformAdmin && s.watchesFirm(req.FirmID) {
		return true
	}
	return false
}

// RecordLocation ingests one responder or requester breadcrumb, capped at
// one per second per session and request, and broadcasts the updated track.
func (h *Hub) RecordLocation(ctx context.Context, id Identity, requestID string, pt core.Point, accuracyM float64, src core.LocationSource) error {
	if pt.Lat < -90 || pt.Lat > 90 || pt.Lon < -180 || pt.Lon > 180 {
		return core.NewError(core.CodeInvalidCoordinates, "coordinates outside WGS84 bounds")
	}
	req, err := h.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return core.NewError(core.CodeRequestNotFound, "request not found")
	}
	if req.Status.Terminal() {
		return core.NewError(core.CodeInvalidStatusTransition, "request is closed")
	}
	if !h.mayTrack(id, req) {
		return core.NewError(core.CodeForbidden, "not a participant in this request")
	}

	if err := h.store.AppendLocationLog(ctx, &core.LocationLog{
		ID:        uuid.NewString(),
		RequestID: requestID,
		UserID:    id.PrincipalID,
		Point:     pt,
		AccuracyM: accuracyM,
		Source:    src,
		CreatedAt: time.Now(),
	}); err != nil {
		return err
	}

	logs, err := h.store.ListLocationLogs(ctx, requestID)
	if err != nil {
		return err
	}
	track := make([]core.Point, len(logs))
	for i, l := range logs {
		track[i] = l.Point
	}

	h.bus.Emit(events.TypeLocationUpdate, source, requestID, map[string]interface{}{
		"request_id":        requestID,
		"user_id":           id.PrincipalID,
		"lon":               pt.Lon,
		"lat":               pt.Lat,
		"accuracy_m":        accuracyM,
		"total_distance_km": geo.PathDistanceKM(track),
	})
	return nil
}

// mayTrack allows the requester and members of the assigned team to post
// breadcrumbs.
func (h *Hub) mayTrack(id Identity, req *core.PanicRequest) bool {
	if (id.PrincipalID != "" && id.PrincipalID == req.RequesterID) ||
		(id.Phone != "" && id.Phone == req.RequesterPhone) {
		return true
	}
	if req.AssignedTeamID != "" {
		for _, tid := range id.TeamIDs {
			if tid == req.AssignedTeamID {
				return true
			}
		}
	}
	// Office staff may log manual positions for their firm's requests.
	return id.Office && id.FirmID == req.FirmID
}
