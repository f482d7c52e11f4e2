// Package dispatch implements the panic-request lifecycle: the ingest
// pipeline with its gates, allocation to teams and providers, the status
// machine, and completion with prank feedback.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/haven/backend/internal/config"
	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/coverage"
	"github.com/haven/backend/internal/events"
	"github.com/haven/backend/internal/geo"
	"github.com/haven/backend/internal/metrics"
	"github.com/haven/backend/internal/store"
	"github.com/haven/backend/internal/subscription"
)

const source = "/v1/requests"

// arrivalToleranceKM flags arrivals reported suspiciously far from the scene.
const arrivalToleranceKM = 0.5

// Service drives panic requests end to end. Every mutation of a request row
// runs inside Atomically so concurrent transitions linearise on the row.
type Service struct {
	store  store.Store
	cover  *coverage.Resolver
	subs   *subscription.Service
	bus    events.Emitter
	cfg    config.DispatchConfig
	logger *log.Logger

	now func() time.Time
}

func NewService(st store.Store, cover *coverage.Resolver, subs *subscription.Service, bus events.Emitter, cfg config.DispatchConfig) *Service {
	return &Service{
		store:  st,
		cover:  cover,
		subs:   subs,
		bus:    bus,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		now:    time.Now,
	}
}

// IngestInput is a raw panic signal from a phone, alarm, or camera.
type IngestInput struct {
	Phone       string
	Service     core.ServiceType
	Point       core.Point
	Address     string
	Description string
	Silent      bool
}

// Ingest runs the full admission pipeline and persists a pending request.
//
// Gate order: service validity, requester authorisation (locked accounts
// pass — an emergency does not wait for an unlock OTP — banned and
// suspended do not), rate limit, dedupe, subscription, coverage. Transient
// store failures are retried with bounded backoff.
func (s *Service) Ingest(ctx context.Context, in IngestInput) (*core.PanicRequest, error) {
	started := s.now()
	req, err := s.ingest(ctx, in)
	metrics.IngestLatency.Observe(s.now().Sub(started).Seconds())
	metrics.PanicIngest.WithLabelValues(ingestOutcome(err)).Inc()
	return req, err
}

func (s *Service) ingest(ctx context.Context, in IngestInput) (*core.PanicRequest, error) {
	if !core.ValidServiceType(in.Service) {
		return nil, core.NewError(core.CodeInvalidServiceType, "unknown service type")
	}
	if in.Point.Lat < -90 || in.Point.Lat > 90 || in.Point.Lon < -180 || in.Point.Lon > 180 {
		return nil, core.NewError(core.CodeInvalidCoordinates, "coordinates outside WGS84 bounds")
	}

	var req *core.PanicRequest
	err := s.withRetry(ctx, func() error {
		req = nil
		return s.store.Atomically(ctx, func(tx store.Store) error {
			phone, err := tx.GetGroupPhoneByPhone(ctx, in.Phone)
			if err != nil {
				return err
			}
			if phone == nil {
				return core.NewError(core.CodeUnauthorizedRequester, "phone is not registered with any group")
			}

			// Requester account gates. Locked is deliberately NOT checked:
			// lockout protects login, not the panic button.
			requesterID := ""
			if principal, err := tx.GetPrincipalByPhone(ctx, in.Phone); err != nil {
				return err
			} else if principal != nil {
				requesterID = principal.ID
				if principal.Banned {
					return core.NewError(core.CodeUserBanned, "account is banned")
				}
				if principal.Suspended {
					return core.NewError(core.CodeUserSuspended, "account is suspended; settle outstanding fines")
				}
			}

			now := s.now()
			recent, err := tx.CountRequestsByPhoneSince(ctx, in.Phone, now.Add(-s.cfg.RateWindow))
			if err != nil {
				return err
			}
			if recent >= s.cfg.MaxRequests {
				return core.NewError(core.CodeRateLimited, "too many requests from this phone").
					WithDetail("retry_after_seconds", int(s.cfg.RateWindow.Seconds()))
			}

			if active, err := tx.ActiveRequestByPhoneService(ctx, in.Phone, in.Service); err != nil {
				return err
			} else if active != nil && now.Sub(active.CreatedAt) < s.cfg.DedupeWindow {
				return core.NewError(core.CodeDuplicateRequest, "an identical request is already open").
					WithDetail("request_id", active.ID)
			}

			group, err := tx.GetGroup(ctx, phone.GroupID)
			if err != nil {
				return err
			}
			if group == nil {
				return core.NewError(core.CodeNotFound, "group no longer exists")
			}

			validation, err := s.subs.ValidateGroup(ctx, tx, group)
			if err != nil {
				return err
			}
			graceAlert := false
			switch validation.Status {
			case "active":
			case "grace":
				graceAlert = true
			default:
				return core.NewError(core.CodeSubscriptionExpired, "group has no active subscription")
			}

			// Both the protected location and the actual incident point must
			// be inside the subscribed firm's coverage.
			for _, pt := range []core.Point{group.Point, in.Point} {
				covered, err := tx.FirmCovers(ctx, validation.FirmID, pt)
				if err != nil {
					return err
				}
				if !covered {
					return s.notCovered(ctx, in.Point, in.Service)
				}
			}

			req = &core.PanicRequest{
				ID:             uuid.NewString(),
				RequesterPhone: in.Phone,
				RequesterID:    requesterID,
				GroupID:        group.ID,
				FirmID:         validation.FirmID,
				Service:        in.Service,
				Point:          in.Point,
				Address:        in.Address,
				Description:    in.Description,
				Status:         core.StatusPending,
				GraceAlert:     graceAlert,
				SilentMode:     in.Silent || in.Service == core.ServiceCall,
				CreatedAt:      now,
			}
			if err := tx.CreateRequest(ctx, req); err != nil {
				return err
			}
			return tx.AppendStatusUpdate(ctx, &core.RequestStatusUpdate{
				ID:        uuid.NewString(),
				RequestID: req.ID,
				Status:    core.StatusPending,
				Message:   "request received",
				CreatedAt: now,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.bus.Emit(events.TypeRequestCreated, source, req.ID, map[string]interface{}{
		"request_id":  req.ID,
		"group_id":    req.GroupID,
		"firm_id":     req.FirmID,
		"service":     string(req.Service),
		"grace_alert": req.GraceAlert,
		"silent_mode": req.SilentMode,
	})
	return req, nil
}

// notCovered builds the rejection carrying firms that could serve the point.
func (s *Service) notCovered(ctx context.Context, pt core.Point, service core.ServiceType) error {
	e := core.NewError(core.CodeLocationNotCovered, "location is outside the subscribed firm's coverage")
	if firms, err := s.cover.CoveringFirms(ctx, pt, service); err == nil && len(firms) > 0 {
		ids := make([]string, len(firms))
		for i, f := range firms {
			ids[i] = f.ID
		}
		e.WithDetail("suggested_firms", ids)
	}
	return e
}

// AllocateInput assigns a request to a team xor a provider.
type AllocateInput struct {
	RequestID  string
	ActorID    string // principal performing the allocation
	TeamID     string
	ProviderID string
}

// Allocate moves a pending request to allocated. Office staff of the owning
// firm only. service=call never allocates to field responders; the office
// handles it via HandleCall.
func (s *Service) Allocate(ctx context.Context, in AllocateInput) (*core.PanicRequest, error) {
	if (in.TeamID == "") == (in.ProviderID == "") {
		return nil, core.NewError(core.CodeInvalidAssignment, "exactly one of team or provider required")
	}

	var req *core.PanicRequest
	var assignment *core.ProviderAssignment
	err := s.withRetry(ctx, func() error {
		assignment = nil
		return s.store.Atomically(ctx, func(tx store.Store) error {
			var err error
			req, err = s.lockedRequest(ctx, tx, in.RequestID)
			if err != nil {
				return err
			}
			if err := s.requireOffice(ctx, tx, in.ActorID, req.FirmID); err != nil {
				return err
			}
			if req.Service == core.ServiceCall {
				return core.NewError(core.CodeInvalidAssignmentForCall,
					"call requests are handled by office staff, not field responders")
			}
			if !core.CanTransition(req.Status, core.StatusAllocated) {
				return transitionError(req.Status, core.StatusAllocated)
			}

			now := s.now()
			if in.TeamID != "" {
				team, err := tx.GetTeam(ctx, in.TeamID)
				if err != nil {
					return err
				}
				if team == nil || team.FirmID != req.FirmID || !team.Active {
					return core.NewError(core.CodeInvalidAssignment, "team unavailable for this request")
				}
				req.AssignedTeamID = team.ID
				req.AssignedProviderID = ""
			} else {
				provider, err := tx.GetProvider(ctx, in.ProviderID)
				if err != nil {
					return err
				}
				if provider == nil || !provider.Active || provider.Status != core.ProviderAvailable {
					return core.NewError(core.CodeInvalidAssignment, "provider unavailable")
				}
				ptype, err := tx.GetProviderType(ctx, provider.TypeID)
				if err != nil {
					return err
				}
				if ptype == nil || ptype.Code != string(req.Service) {
					return core.NewError(core.CodeInvalidAssignment, "provider type does not match the service")
				}
				d := geo.DistanceKM(provider.Current, req.Point)
				assignment = &core.ProviderAssignment{
					ID:         uuid.NewString(),
					RequestID:  req.ID,
					ProviderID: provider.ID,
					DistanceKM: d,
					ETAMinutes: geo.ETAMinutes(d),
					CreatedAt:  now,
				}
				if err := tx.CreateAssignment(ctx, assignment); err != nil {
					return err
				}
				provider.Status = core.ProviderBusy
				if err := tx.UpdateProvider(ctx, provider); err != nil {
					return err
				}
				req.AssignedProviderID = provider.ID
				req.AssignedTeamID = ""
			}

			req.Status = core.StatusAllocated
			if err := tx.UpdateRequest(ctx, req); err != nil {
				return err
			}
			return tx.AppendStatusUpdate(ctx, &core.RequestStatusUpdate{
				ID:          uuid.NewString(),
				RequestID:   req.ID,
				Status:      core.StatusAllocated,
				Message:     "responder allocated",
				ResponderID: in.ActorID,
				CreatedAt:   now,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	data := map[string]interface{}{
		"request_id": req.ID,
		"firm_id":    req.FirmID,
	}
	if req.AssignedTeamID != "" {
		data["team_id"] = req.AssignedTeamID
	}
	if assignment != nil {
		data["provider_id"] = assignment.ProviderID
		data["distance_km"] = assignment.DistanceKM
		data["eta_minutes"] = assignment.ETAMinutes
	}
	s.bus.Emit(events.TypeRequestAllocated, source, req.ID, data)
	return req, nil
}

// HandleCall is the office path for service=call: a firm office member takes
// the call, moving it straight from pending to in_progress.
func (s *Service) HandleCall(ctx context.Context, requestID, actorID string) (*core.PanicRequest, error) {
	var req *core.PanicRequest
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		var err error
		req, err = s.lockedRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Service != core.ServiceCall {
			return core.NewError(core.CodeInvalidStatusTransition, "only call requests are handled this way")
		}
		if err := s.requireOffice(ctx, tx, actorID, req.FirmID); err != nil {
			return err
		}
		if req.Status != core.StatusPending {
			return transitionError(req.Status, core.StatusInProgress)
		}
		now := s.now()
		req.Status = core.StatusInProgress
		req.AcceptedAt = &now
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		return tx.AppendStatusUpdate(ctx, &core.RequestStatusUpdate{
			ID:          uuid.NewString(),
			RequestID:   req.ID,
			Status:      core.StatusInProgress,
			Message:     "call taken by office",
			ResponderID: actorID,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.emitStatus(req, "call taken by office")
	return req, nil
}

// Transition advances the request along the status table. The actor must be
// on the assigned team, or hold an office role when an external provider is
// assigned.
func (s *Service) Transition(ctx context.Context, requestID, actorID string, to core.RequestStatus, message string, position *core.Point) (*core.PanicRequest, error) {
	var req *core.PanicRequest
	note := message
	err := s.withRetry(ctx, func() error {
		note = message
		return s.store.Atomically(ctx, func(tx store.Store) error {
			var err error
			req, err = s.lockedRequest(ctx, tx, requestID)
			if err != nil {
				return err
			}
			member, err := tx.GetFirmMemberByPrincipal(ctx, actorID)
			if err != nil {
				return err
			}
			if member == nil || !member.Active || member.FirmID != req.FirmID {
				return core.NewError(core.CodeForbidden, "not a member of the responding firm")
			}
			if err := s.requireResponder(ctx, tx, member, req); err != nil {
				return err
			}
			if !core.CanTransition(req.Status, to) {
				return transitionError(req.Status, to)
			}

			now := s.now()
			switch to {
			case core.StatusAccepted:
				req.AcceptedAt = &now
			case core.StatusArrived:
				req.ArrivedAt = &now
				if position != nil {
					if d := geo.DistanceKM(*position, req.Point); d > arrivalToleranceKM {
						note = fmt.Sprintf("%s (arrival recorded %.1f km from the request point)",
							message, d)
						s.logger.Printf("request %s arrival reported %.1f km from the scene", req.ID, d)
					}
				}
			}
			req.Status = to
			if err := tx.UpdateRequest(ctx, req); err != nil {
				return err
			}
			return tx.AppendStatusUpdate(ctx, &core.RequestStatusUpdate{
				ID:          uuid.NewString(),
				RequestID:   req.ID,
				Status:      to,
				Message:     note,
				ResponderID: actorID,
				Position:    position,
				CreatedAt:   now,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	s.emitStatus(req, note)
	return req, nil
}

// CancelActor identifies who asked for the cancellation.
type CancelActor struct {
	PrincipalID string
	Phone       string
	System      bool // scheduler timeouts
}

// Cancel closes a pending or allocated request. The requester (by account
// or by originating phone), office staff of the owning firm, or the system
// may cancel.
func (s *Service) Cancel(ctx context.Context, requestID string, actor CancelActor, reason string) (*core.PanicRequest, error) {
	var req *core.PanicRequest
	var released string
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		var err error
		req, err = s.lockedRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if !actor.System {
			authorised := (actor.Phone != "" && actor.Phone == req.RequesterPhone) ||
				(actor.PrincipalID != "" && actor.PrincipalID == req.RequesterID)
			if !authorised && actor.PrincipalID != "" {
				if err := s.requireOffice(ctx, tx, actor.PrincipalID, req.FirmID); err == nil {
					authorised = true
				}
			}
			if !authorised {
				return core.NewError(core.CodeForbidden, "not allowed to cancel this request")
			}
		}
		if !core.CanTransition(req.Status, core.StatusCancelled) {
			return transitionError(req.Status, core.StatusCancelled)
		}

		released, err = s.releaseProvider(ctx, tx, req)
		if err != nil {
			return err
		}
		now := s.now()
		req.Status = core.StatusCancelled
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		return tx.AppendStatusUpdate(ctx, &core.RequestStatusUpdate{
			ID:          uuid.NewString(),
			RequestID:   req.ID,
			Status:      core.StatusCancelled,
			Message:     reason,
			ResponderID: actor.PrincipalID,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.bus.Emit(events.TypeRequestCancelled, source, req.ID, map[string]interface{}{
		"request_id": req.ID,
		"firm_id":    req.FirmID,
		"reason":     reason,
		"released":   released,
	})
	return req, nil
}

// CompleteInput carries the responder's closing feedback.
type CompleteInput struct {
	RequestID   string
	ResponderID string
	IsPrank     bool
	Rating      *int
	Comments    string
}

// Complete closes an in_progress request with its unique feedback row. A
// prank flag increments the requester's count under the principal row lock
// and emits prank.flagged for the abuse controls.
func (s *Service) Complete(ctx context.Context, in CompleteInput) (*core.PanicRequest, error) {
	if in.Rating != nil && (*in.Rating < 1 || *in.Rating > 5) {
		return nil, core.NewError(core.CodeInvalidStatusTransition, "rating must be 1..5")
	}

	var req *core.PanicRequest
	prankCount := 0
	err := s.withRetry(ctx, func() error {
		return s.store.Atomically(ctx, func(tx store.Store) error {
			var err error
			req, err = s.lockedRequest(ctx, tx, in.RequestID)
			if err != nil {
				return err
			}
			member, err := tx.GetFirmMemberByPrincipal(ctx, in.ResponderID)
			if err != nil {
				return err
			}
			if member == nil || !member.Active || member.FirmID != req.FirmID {
				return core.NewError(core.CodeForbidden, "not a member of the responding firm")
			}
			if err := s.requireResponder(ctx, tx, member, req); err != nil {
				return err
			}
			if !core.CanTransition(req.Status, core.StatusCompleted) {
				return transitionError(req.Status, core.StatusCompleted)
			}

			now := s.now()
			if err := tx.CreateFeedback(ctx, &core.RequestFeedback{
				RequestID:   req.ID,
				ResponderID: in.ResponderID,
				IsPrank:     in.IsPrank,
				Rating:      in.Rating,
				Comments:    in.Comments,
				CreatedAt:   now,
			}); err != nil {
				return err
			}

			if in.IsPrank && req.RequesterID != "" {
				principal, err := tx.GetPrincipal(ctx, req.RequesterID)
				if err != nil {
					return err
				}
				if principal != nil {
					principal.PrankCount++
					prankCount = principal.PrankCount
					if err := tx.UpdatePrincipal(ctx, principal); err != nil {
						return err
					}
				}
			}

			if _, err := s.releaseProvider(ctx, tx, req); err != nil {
				return err
			}

			req.Status = core.StatusCompleted
			req.CompletedAt = &now
			if err := tx.UpdateRequest(ctx, req); err != nil {
				return err
			}
			return tx.AppendStatusUpdate(ctx, &core.RequestStatusUpdate{
				ID:          uuid.NewString(),
				RequestID:   req.ID,
				Status:      core.StatusCompleted,
				Message:     in.Comments,
				ResponderID: in.ResponderID,
				CreatedAt:   now,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.bus.Emit(events.TypeRequestCompleted, source, req.ID, map[string]interface{}{
		"request_id": req.ID,
		"firm_id":    req.FirmID,
		"is_prank":   in.IsPrank,
	})
	if in.IsPrank && req.RequesterID != "" {
		s.bus.Emit(events.TypePrankFlagged, source, req.RequesterID, map[string]interface{}{
			"request_id":  req.ID,
			"user_id":     req.RequesterID,
			"prank_count": prankCount,
		})
	}
	return req, nil
}

// Reassign swaps the responder on a live request. The previous provider is
// released only if it has no other open assignment; the new ETA is
// broadcast as an eta_update.
func (s *Service) Reassign(ctx context.Context, in AllocateInput) (*core.PanicRequest, error) {
	if (in.TeamID == "") == (in.ProviderID == "") {
		return nil, core.NewError(core.CodeInvalidAssignment, "exactly one of team or provider required")
	}

	var req *core.PanicRequest
	var assignment *core.ProviderAssignment
	err := s.withRetry(ctx, func() error {
		assignment = nil
		return s.store.Atomically(ctx, func(tx store.Store) error {
			var err error
			req, err = s.lockedRequest(ctx, tx, in.RequestID)
			if err != nil {
				return err
			}
			if err := s.requireOffice(ctx, tx, in.ActorID, req.FirmID); err != nil {
				return err
			}
			if req.Status.Terminal() || !req.Assigned() {
				return core.NewError(core.CodeInvalidAssignment, "request has no live assignment to replace")
			}
			if req.Service == core.ServiceCall {
				return core.NewError(core.CodeInvalidAssignmentForCall,
					"call requests are handled by office staff, not field responders")
			}

			if _, err := s.releaseProvider(ctx, tx, req); err != nil {
				return err
			}

			now := s.now()
			if in.TeamID != "" {
				team, err := tx.GetTeam(ctx, in.TeamID)
				if err != nil {
					return err
				}
				if team == nil || team.FirmID != req.FirmID || !team.Active {
					return core.NewError(core.CodeInvalidAssignment, "team unavailable for this request")
				}
				req.AssignedTeamID = team.ID
				req.AssignedProviderID = ""
			} else {
				provider, err := tx.GetProvider(ctx, in.ProviderID)
				if err != nil {
					return err
				}
				if provider == nil || !provider.Active || provider.Status != core.ProviderAvailable {
					return core.NewError(core.CodeInvalidAssignment, "provider unavailable")
				}
				ptype, err := tx.GetProviderType(ctx, provider.TypeID)
				if err != nil {
					return err
				}
				if ptype == nil || ptype.Code != string(req.Service) {
					return core.NewError(core.CodeInvalidAssignment, "provider type does not match the service")
				}
				d := geo.DistanceKM(provider.Current, req.Point)
				assignment = &core.ProviderAssignment{
					ID:         uuid.NewString(),
					RequestID:  req.ID,
					ProviderID: provider.ID,
					DistanceKM: d,
					ETAMinutes: geo.ETAMinutes(d),
					CreatedAt:  now,
				}
				if err := tx.CreateAssignment(ctx, assignment); err != nil {
					return err
				}
				provider.Status = core.ProviderBusy
				if err := tx.UpdateProvider(ctx, provider); err != nil {
					return err
				}
				req.AssignedProviderID = provider.ID
				req.AssignedTeamID = ""
			}

			if err := tx.UpdateRequest(ctx, req); err != nil {
				return err
			}
			return tx.AppendStatusUpdate(ctx, &core.RequestStatusUpdate{
				ID:          uuid.NewString(),
				RequestID:   req.ID,
				Status:      req.Status,
				Message:     "responder reassigned",
				ResponderID: in.ActorID,
				CreatedAt:   now,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	data := map[string]interface{}{"request_id": req.ID}
	if assignment != nil {
		data["provider_id"] = assignment.ProviderID
		data["distance_km"] = assignment.DistanceKM
		data["eta_minutes"] = assignment.ETAMinutes
	}
	if req.AssignedTeamID != "" {
		data["team_id"] = req.AssignedTeamID
	}
	s.bus.Emit(events.TypeETAUpdate, source, req.ID, data)
	return req, nil
}

// Get returns a request with its status history.
func (s *Service) Get(ctx context.Context, requestID string) (*core.PanicRequest, []core.RequestStatusUpdate, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req == nil {
		return nil, nil, core.NewError(core.CodeRequestNotFound, "request not found")
	}
	updates, err := s.store.ListStatusUpdates(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	return req, updates, nil
}

// TimeoutSweep enforces the lifecycle deadlines over all open requests:
// pending past PendingTimeout is cancelled, allocated past AllocatedTimeout
// reverts to pending with its assignment released, and accepted or en_route
// requests silent past SilentTimeout raise a supervisor alert. The scheduler
// calls it every minute.
func (s *Service) TimeoutSweep(ctx context.Context) {
	open, err := s.store.ListNonTerminalRequests(ctx)
	if err != nil {
		s.logger.Printf("timeout sweep: list open requests: %v", err)
		return
	}
	now := s.now()
	for i := range open {
		req := &open[i]
		switch req.Status {
		case core.StatusPending:
			if now.Sub(req.CreatedAt) > s.cfg.PendingTimeout {
				if _, err := s.Cancel(ctx, req.ID, CancelActor{System: true}, "no_allocation"); err != nil {
					s.logger.Printf("timeout sweep: cancel %s: %v", req.ID, err)
				}
			}
		case core.StatusAllocated:
			if err := s.revertIfStale(ctx, req.ID, now); err != nil {
				s.logger.Printf("timeout sweep: revert %s: %v", req.ID, err)
			}
		case core.StatusAccepted, core.StatusEnRoute:
			s.alertIfSilent(ctx, req, now)
		}
	}
}

// revertIfStale puts an allocated request back in the pending pool when no
// responder accepted it in time. Re-checked under the row lock.
func (s *Service) revertIfStale(ctx context.Context, requestID string, now time.Time) error {
	var req *core.PanicRequest
	reverted := false
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		var err error
		req, err = s.lockedRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != core.StatusAllocated {
			return nil
		}
		updates, err := tx.ListStatusUpdates(ctx, req.ID)
		if err != nil {
			return err
		}
		allocatedAt := req.CreatedAt
		for _, u := range updates {
			if u.Status == core.StatusAllocated && u.CreatedAt.After(allocatedAt) {
				allocatedAt = u.CreatedAt
			}
		}
		if now.Sub(allocatedAt) <= s.cfg.AllocatedTimeout {
			return nil
		}
		if _, err := s.releaseProvider(ctx, tx, req); err != nil {
			return err
		}
		req.AssignedTeamID = ""
		req.Status = core.StatusPending
		reverted = true
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		return tx.AppendStatusUpdate(ctx, &core.RequestStatusUpdate{
			ID:        uuid.NewString(),
			RequestID: req.ID,
			Status:    core.StatusPending,
			Message:   "allocation timed out",
			CreatedAt: now,
		})
	})
	if err != nil {
		return err
	}
	if reverted {
		s.emitStatus(req, "allocation timed out")
	}
	return nil
}

// alertIfSilent raises a status event when a live response has produced no
// status update or location breadcrumb inside the silent window.
func (s *Service) alertIfSilent(ctx context.Context, req *core.PanicRequest, now time.Time) {
	last := req.CreatedAt
	if updates, err := s.store.ListStatusUpdates(ctx, req.ID); err == nil {
		for _, u := range updates {
			if u.CreatedAt.After(last) {
				last = u.CreatedAt
			}
		}
	}
	if logs, err := s.store.ListLocationLogs(ctx, req.ID); err == nil {
		for _, l := range logs {
			if l.CreatedAt.After(last) {
				last = l.CreatedAt
			}
		}
	}
	if now.Sub(last) <= s.cfg.SilentTimeout {
		return
	}
	s.logger.Printf("request %s silent for %s, alerting supervisors", req.ID, now.Sub(last).Truncate(time.Minute))
	s.bus.Emit(events.TypeRequestStatus, source, req.ID, map[string]interface{}{
		"request_id":       req.ID,
		"firm_id":          req.FirmID,
		"status":           string(req.Status),
		"supervisor_alert": true,
		"silent_minutes":   int(now.Sub(last).Minutes()),
	})
}

// --- helpers ---

func (s *Service) lockedRequest(ctx context.Context, tx store.Store, id string) (*core.PanicRequest, error) {
	req, err := tx.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, core.NewError(core.CodeRequestNotFound, "request not found")
	}
	return req, nil
}

// requireResponder restricts lifecycle progress on an assigned request to the
// assigned team's leader or members. External providers have no account, so
// office staff record their progress instead.
func (s *Service) requireResponder(ctx context.Context, tx store.Store, member *core.FirmMember, req *core.PanicRequest) error {
	if req.AssignedTeamID != "" {
		team, err := tx.GetTeam(ctx, req.AssignedTeamID)
		if err != nil {
			return err
		}
		if team != nil {
			if team.LeaderID == member.ID {
				return nil
			}
			for _, id := range team.MemberIDs {
				if id == member.ID {
					return nil
				}
			}
		}
		return core.NewError(core.CodeForbidden, "not on the assigned team")
	}
	if req.AssignedProviderID != "" && !member.Role.OfficeRole() {
		return core.NewError(core.CodeForbidden, "provider progress is recorded by office staff")
	}
	return nil
}

func (s *Service) requireOffice(ctx context.Context, tx store.Store, principalID, firmID string) error {
	member, err := tx.GetFirmMemberByPrincipal(ctx, principalID)
	if err != nil {
		return err
	}
	if member == nil || !member.Active || member.FirmID != firmID || !member.Role.OfficeRole() {
		return core.NewError(core.CodeForbidden, "office role in the owning firm required")
	}
	return nil
}

// releaseProvider frees the request's provider back to available, but only
// when it holds no other open assignment. Returns the released provider ID.
func (s *Service) releaseProvider(ctx context.Context, tx store.Store, req *core.PanicRequest) (string, error) {
	if req.AssignedProviderID == "" {
		return "", nil
	}
	providerID := req.AssignedProviderID
	open, err := tx.OpenAssignmentsForProvider(ctx, providerID)
	if err != nil {
		return "", err
	}
	others := 0
	for _, a := range open {
		if a.RequestID == req.ID {
			a.Released = true
			if err := tx.UpdateAssignment(ctx, &a); err != nil {
				return "", err
			}
			continue
		}
		others++
	}
	if others == 0 {
		provider, err := tx.GetProvider(ctx, providerID)
		if err != nil {
			return "", err
		}
		if provider != nil && provider.Status == core.ProviderBusy {
			provider.Status = core.ProviderAvailable
			if err := tx.UpdateProvider(ctx, provider); err != nil {
				return "", err
			}
		}
	}
	req.AssignedProviderID = ""
	return providerID, nil
}

func (s *Service) emitStatus(req *core.PanicRequest, message string) {
	s.bus.Emit(events.TypeRequestStatus, source, req.ID, map[string]interface{}{
		"request_id": req.ID,
		"firm_id":    req.FirmID,
		"status":     string(req.Status),
		"message":    message,
	})
}

func transitionError(from, to core.RequestStatus) error {
	return core.NewError(core.CodeInvalidStatusTransition, "transition not allowed").
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// withRetry retries transient store failures: 100 ms doubling backoff, at
// most 5 attempts, 5 s overall. Validation errors return immediately.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	deadline := time.Now().Add(5 * time.Second)
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if err = fn(); err == nil || !core.Retryable(err) {
			return err
		}
		if time.Now().Add(backoff).After(deadline) {
			break
		}
		s.logger.Printf("transient store failure (attempt %d): %v", attempt+1, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func ingestOutcome(err error) string {
	if err == nil {
		return "accepted"
	}
	switch core.CodeOf(err) {
	case core.CodeDuplicateRequest:
		return "duplicate"
	case core.CodeRateLimited:
		return "rate_limited"
	case core.CodeLocationNotCovered:
		return "not_covered"
	case core.CodeSubscriptionExpired:
		return "no_subscription"
	case core.CodeUserBanned, core.CodeUserSuspended, core.CodeUnauthorizedRequester:
		return "rejected"
	}
	return "error"
}
