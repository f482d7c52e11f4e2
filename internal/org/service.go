// Package org manages the organisational surface: firm onboarding and
// verification, coverage areas, staff and teams, provider fleets, and user
// groups with their phone books.
package org

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haven/backend/internal/auth"
	"github.com/haven/backend/internal/config"
	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/geo"
	"github.com/haven/backend/internal/notify"
	"github.com/haven/backend/internal/store"
)

// Invalidator lets the org service drop the coverage snapshot after firm or
// polygon mutations.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

type pendingOTP struct {
	digest       string
	expiresAt    time.Time
	attemptsLeft int
}

// Service guards every mutation behind the acting principal's role.
type Service struct {
	store    store.Store
	sender   notify.Sender
	coverage Invalidator
	cfg      config.AuthConfig
	logger   *log.Logger

	mu      sync.Mutex
	pending map[string]*pendingOTP // group phone ID -> verification code

	now func() time.Time
}

func NewService(st store.Store, sender notify.Sender, coverage Invalidator, cfg config.AuthConfig) *Service {
	return &Service{
		store:    st,
		sender:   sender,
		coverage: coverage,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[ORG] ", log.LstdFlags),
		pending:  make(map[string]*pendingOTP),
		now:      time.Now,
	}
}

// --- Firm lifecycle ---

// firmEdges is the verification state machine. Rejected firms may amend and
// resubmit.
var firmEdges = map[core.FirmStatus][]core.FirmStatus{
	core.FirmDraft:       {core.FirmSubmitted},
	core.FirmRejected:    {core.FirmSubmitted},
	core.FirmSubmitted:   {core.FirmUnderReview},
	core.FirmUnderReview: {core.FirmApproved, core.FirmRejected},
}

func firmCanMove(from, to core.FirmStatus) bool {
	for _, next := range firmEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RegisterFirm creates a draft firm with the registering principal as its
// first firm admin.
func (s *Service) RegisterFirm(ctx context.Context, actorID, name, registrationNo, vatNo string) (*core.SecurityFirm, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(registrationNo) == "" {
		return nil, core.NewError(core.CodeInvalidInput, "firm name and registration number are required")
	}

	var firm *core.SecurityFirm
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		actor, err := tx.GetPrincipal(ctx, actorID)
		if err != nil {
			return err
		}
		if actor == nil {
			return core.NewError(core.CodeNotFound, "user not found")
		}
		if existing, err := tx.GetFirmMemberByPrincipal(ctx, actorID); err != nil {
			return err
		} else if existing != nil {
			return core.NewError(core.CodePersonnelLimit, "already a member of a firm")
		}

		firm = &core.SecurityFirm{
			ID:             uuid.NewString(),
			Name:           name,
			RegistrationNo: strings.TrimSpace(registrationNo),
			VATNo:          strings.TrimSpace(vatNo),
			Status:         core.FirmDraft,
			CreatedAt:      s.now(),
		}
		if err := tx.CreateFirm(ctx, firm); err != nil {
			return err
		}
		return tx.CreateFirmMember(ctx, &core.FirmMember{
			ID:          uuid.NewString(),
			PrincipalID: actorID,
			FirmID:      firm.ID,
			Role:        core.RoleFirmAdmin,
			Active:      true,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Printf("firm %s registered by %s", firm.ID, actorID)
	return firm, nil
}

// SubmitFirm sends a draft or amended firm into the review queue. Firm
// admins only.
func (s *Service) SubmitFirm(ctx context.Context, firmID, actorID string) (*core.SecurityFirm, error) {
	return s.moveFirm(ctx, firmID, core.FirmSubmitted, func(tx store.Store) error {
		return s.requireFirmAdmin(ctx, tx, actorID, firmID)
	})
}

// ReviewFirm takes a submitted firm under review. Platform admins only.
func (s *Service) ReviewFirm(ctx context.Context, firmID, actorID string) (*core.SecurityFirm, error) {
	return s.moveFirm(ctx, firmID, core.FirmUnderReview, func(tx store.Store) error {
		return s.requirePlatformAdmin(ctx, tx, actorID)
	})
}

// ApproveFirm finishes review positively; the firm may now own active
// coverage and receive subscriptions.
func (s *Service) ApproveFirm(ctx context.Context, firmID, actorID string) (*core.SecurityFirm, error) {
	firm, err := s.moveFirm(ctx, firmID, core.FirmApproved, func(tx store.Store) error {
		return s.requirePlatformAdmin(ctx, tx, actorID)
	})
	if err != nil {
		return nil, err
	}
	s.coverage.Invalidate(ctx)
	return firm, nil
}

// RejectFirm finishes review negatively.
func (s *Service) RejectFirm(ctx context.Context, firmID, actorID string) (*core.SecurityFirm, error) {
	firm, err := s.moveFirm(ctx, firmID, core.FirmRejected, func(tx store.Store) error {
		return s.requirePlatformAdmin(ctx, tx, actorID)
	})
	if err != nil {
		return nil, err
	}
	s.coverage.Invalidate(ctx)
	return firm, nil
}

func (s *Service) moveFirm(ctx context.Context, firmID string, to core.FirmStatus, authorize func(tx store.Store) error) (*core.SecurityFirm, error) {
	var firm *core.SecurityFirm
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		if err := authorize(tx); err != nil {
			return err
		}
		var err error
		firm, err = tx.GetFirm(ctx, firmID)
		if err != nil {
			return err
		}
		if firm == nil {
			return core.NewError(core.CodeNotFound, "firm not found")
		}
		if !firmCanMove(firm.Status, to) {
			return core.NewError(core.CodeInvalidStatusTransition,
				fmt.Sprintf("firm cannot move from %s to %s", firm.Status, to))
		}
		firm.Status = to
		return tx.UpdateFirm(ctx, firm)
	})
	if err != nil {
		return nil, err
	}
	return firm, nil
}

// --- Coverage areas ---

// AddCoverageArea validates and stores a polygon for the firm. The ring is
// auto-closed; degenerate or self-intersecting rings are rejected.
func (s *Service) AddCoverageArea(ctx context.Context, firmID, actorID, name string, ring []core.Point) (*core.CoverageArea, error) {
	closed, err := geo.NormalizeRing(ring)
	if err != nil {
		return nil, err
	}
	area := &core.CoverageArea{
		ID:        uuid.NewString(),
		FirmID:    firmID,
		Name:      name,
		Ring:      closed,
		Active:    true,
		CreatedAt: s.now(),
	}
	err = s.store.Atomically(ctx, func(tx store.Store) error {
		if err := s.requireFirmAdmin(ctx, tx, actorID, firmID); err != nil {
			return err
		}
		return tx.CreateCoverageArea(ctx, area)
	})
	if err != nil {
		return nil, err
	}
	s.coverage.Invalidate(ctx)
	return area, nil
}

// SetCoverageAreaActive toggles a polygon without deleting its history.
func (s *Service) SetCoverageAreaActive(ctx context.Context, firmID, actorID, areaID string, active bool) error {
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		if err := s.requireFirmAdmin(ctx, tx, actorID, firmID); err != nil {
			return err
		}
		areas, err := tx.ListCoverageAreas(ctx, firmID)
		if err != nil {
			return err
		}
		for i := range areas {
			if areas[i].ID == areaID {
				areas[i].Active = active
				return tx.UpdateCoverageArea(ctx, &areas[i])
			}
		}
		return core.NewError(core.CodeNotFound, "coverage area not found")
	})
	if err != nil {
		return err
	}
	s.coverage.Invalidate(ctx)
	return nil
}

// --- Staff and teams ---

// AddMember enrols a principal into the firm. A principal belongs to at
// most one firm.
func (s *Service) AddMember(ctx context.Context, firmID, actorID, principalID string, role core.MemberRole) (*core.FirmMember, error) {
	switch role {
	case core.RoleFieldAgent, core.RoleTeamLeader, core.RoleFirmUser, core.RoleFirmSupervisor, core.RoleFirmAdmin:
	default:
		return nil, core.NewError(core.CodeInvalidStatusTransition, "unknown member role")
	}

	var member *core.FirmMember
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		if err := s.requireFirmAdmin(ctx, tx, actorID, firmID); err != nil {
			return err
		}
		principal, err := tx.GetPrincipal(ctx, principalID)
		if err != nil {
			return err
		}
		if principal == nil {
			return core.NewError(core.CodeNotFound, "user not found")
		}
		if existing, err := tx.GetFirmMemberByPrincipal(ctx, principalID); err != nil {
			return err
		} else if existing != nil {
			return core.NewError(core.CodePersonnelLimit, "already a member of a firm")
		}
		member = &core.FirmMember{
			ID:          uuid.NewString(),
			PrincipalID: principalID,
			FirmID:      firmID,
			Role:        role,
			Active:      true,
		}
		return tx.CreateFirmMember(ctx, member)
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// CreateTeam builds a responder team; the leader and all members must be
// active members of the firm.
func (s *Service) CreateTeam(ctx context.Context, firmID, actorID, name, leaderID string, memberIDs []string) (*core.Team, error) {
	var team *core.Team
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		if err := s.requireFirmAdmin(ctx, tx, actorID, firmID); err != nil {
			return err
		}
		staff, err := tx.ListFirmMembers(ctx, firmID)
		if err != nil {
			return err
		}
		active := make(map[string]bool, len(staff))
		for _, m := range staff {
			if m.Active {
				active[m.ID] = true
			}
		}
		if !active[leaderID] {
			return core.NewError(core.CodeNotFound, "team leader is not active firm staff")
		}
		for _, mid := range memberIDs {
			if !active[mid] {
				return core.NewError(core.CodeNotFound, "team member is not active firm staff")
			}
		}
		team = &core.Team{
			ID:        uuid.NewString(),
			FirmID:    firmID,
			Name:      name,
			LeaderID:  leaderID,
			MemberIDs: memberIDs,
			Active:    true,
		}
		return tx.CreateTeam(ctx, team)
	})
	if err != nil {
		return nil, err
	}
	return team, nil
}

// --- Provider catalogue and fleet ---

// CreateProviderType adds a catalogue entry. Platform admins only.
func (s *Service) CreateProviderType(ctx context.Context, actorID string, t *core.EmergencyProviderType) error {
	return s.store.Atomically(ctx, func(tx store.Store) error {
		if err := s.requirePlatformAdmin(ctx, tx, actorID); err != nil {
			return err
		}
		if t.Code == "" || t.Name == "" {
			return core.NewError(core.CodeInvalidServiceType, "provider type needs code and name")
		}
		if existing, err := tx.GetProviderTypeByCode(ctx, t.Code); err != nil {
			return err
		} else if existing != nil {
			return core.NewError(core.CodeInvalidServiceType, "provider type code already exists")
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		return tx.CreateProviderType(ctx, t)
	})
}

// CreateProvider adds a dispatchable unit to an approved firm's fleet.
func (s *Service) CreateProvider(ctx context.Context, firmID, actorID string, p *core.EmergencyProvider) error {
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		if err := s.requireFirmAdmin(ctx, tx, actorID, firmID); err != nil {
			return err
		}
		firm, err := tx.GetFirm(ctx, firmID)
		if err != nil {
			return err
		}
		if firm == nil || firm.Status != core.FirmApproved {
			return core.NewError(core.CodeFirmNotApproved, "firm must be approved to run providers")
		}
		ptype, err := tx.GetProviderType(ctx, p.TypeID)
		if err != nil {
			return err
		}
		if ptype == nil || !ptype.Active {
			return core.NewError(core.CodeInvalidServiceType, "provider type is not active")
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.FirmID = firmID
		if p.Status == "" {
			p.Status = core.ProviderOffline
		}
		return tx.CreateProvider(ctx, p)
	})
	if err != nil {
		return err
	}
	s.coverage.Invalidate(ctx)
	return nil
}

// SetProviderStatus moves a unit between available, offline, and
// maintenance. Busy is owned by dispatch and cannot be entered or left here.
func (s *Service) SetProviderStatus(ctx context.Context, firmID, actorID, providerID string, status core.ProviderStatus) error {
	switch status {
	case core.ProviderAvailable, core.ProviderOffline, core.ProviderMaintenance:
	default:
		return core.NewError(core.CodeInvalidStatusTransition, "status is dispatch-controlled")
	}
	return s.store.Atomically(ctx, func(tx store.Store) error {
		member, err := tx.GetFirmMemberByPrincipal(ctx, actorID)
		if err != nil {
			return err
		}
		if member == nil || !member.Active || member.FirmID != firmID {
			return core.NewError(core.CodeForbidden, "not a member of this firm")
		}
		provider, err := tx.GetProvider(ctx, providerID)
		if err != nil {
			return err
		}
		if provider == nil || provider.FirmID != firmID {
			return core.NewError(core.CodeNotFound, "provider not found")
		}
		if provider.Status == core.ProviderBusy {
			return core.NewError(core.CodeInvalidStatusTransition, "provider is on an active assignment")
		}
		provider.Status = status
		return tx.UpdateProvider(ctx, provider)
	})
}

// --- Groups and phone books ---

// CreateGroup creates a protected location owned by the caller. The owner's
// own phone joins the phone book already verified.
func (s *Service) CreateGroup(ctx context.Context, ownerID, name, address string, pt core.Point) (*core.UserGroup, error) {
	if pt.Lat < -90 || pt.Lat > 90 || pt.Lon < -180 || pt.Lon > 180 {
		return nil, core.NewError(core.CodeInvalidCoordinates, "coordinates outside WGS84 bounds")
	}
	var group *core.UserGroup
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		owner, err := tx.GetPrincipal(ctx, ownerID)
		if err != nil {
			return err
		}
		if owner == nil {
			return core.NewError(core.CodeNotFound, "user not found")
		}
		if !owner.Verified {
			return core.NewError(core.CodePhoneUnverified, "verify your phone before creating a group")
		}

		group = &core.UserGroup{
			ID:        uuid.NewString(),
			Name:      name,
			Address:   address,
			Point:     pt,
			CreatedAt: s.now(),
		}
		if err := tx.CreateGroup(ctx, group); err != nil {
			return err
		}
		if err := tx.CreateMembership(ctx, &core.GroupMembership{
			ID:          uuid.NewString(),
			GroupID:     group.ID,
			PrincipalID: ownerID,
			Role:        core.GroupOwner,
			Active:      true,
		}); err != nil {
			return err
		}
		// The owner's phone may already serve another group; a phone lives
		// in exactly one book, so that wins.
		err = tx.CreateGroupPhone(ctx, &core.GroupPhoneNumber{
			ID:       uuid.NewString(),
			GroupID:  group.ID,
			Phone:    owner.Phone,
			Kind:     core.PhoneIndividual,
			Verified: true,
		})
		if core.CodeOf(err) == core.CodePhoneExists {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

// AddGroupMember invites a principal into the group. Owner or admin only;
// the single owner seat never changes hands here.
func (s *Service) AddGroupMember(ctx context.Context, groupID, actorID, principalID string, role core.GroupRole) (*core.GroupMembership, error) {
	if role == core.GroupOwner {
		return nil, core.NewError(core.CodeGroupNotOwned, "a group has exactly one owner")
	}
	var membership *core.GroupMembership
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		if err := s.requireGroupAdmin(ctx, tx, groupID, actorID); err != nil {
			return err
		}
		principal, err := tx.GetPrincipal(ctx, principalID)
		if err != nil {
			return err
		}
		if principal == nil {
			return core.NewError(core.CodeNotFound, "user not found")
		}
		if existing, err := tx.GetMembership(ctx, groupID, principalID); err != nil {
			return err
		} else if existing != nil {
			if existing.Active {
				return core.NewError(core.CodeInvalidStatusTransition, "already a member")
			}
			existing.Active = true
			existing.Role = role
			membership = existing
			return tx.UpdateMembership(ctx, existing)
		}
		membership = &core.GroupMembership{
			ID:          uuid.NewString(),
			GroupID:     groupID,
			PrincipalID: principalID,
			Role:        role,
			Active:      true,
		}
		return tx.CreateMembership(ctx, membership)
	})
	if err != nil {
		return nil, err
	}
	return membership, nil
}

// RemoveGroupMember deactivates a membership. The owner cannot be removed.
func (s *Service) RemoveGroupMember(ctx context.Context, groupID, actorID, principalID string) error {
	return s.store.Atomically(ctx, func(tx store.Store) error {
		if err := s.requireGroupAdmin(ctx, tx, groupID, actorID); err != nil {
			return err
		}
		membership, err := tx.GetMembership(ctx, groupID, principalID)
		if err != nil {
			return err
		}
		if membership == nil || !membership.Active {
			return core.NewError(core.CodeNotFound, "membership not found")
		}
		if membership.Role == core.GroupOwner {
			return core.NewError(core.CodeGroupNotOwned, "the owner cannot be removed")
		}
		membership.Active = false
		return tx.UpdateMembership(ctx, membership)
	})
}

// AddGroupPhone registers a phone in the group's book. Individual phones
// start unverified and get a code by SMS; alarm and camera lines cannot
// receive one and are vouched for by the admin adding them.
func (s *Service) AddGroupPhone(ctx context.Context, groupID, actorID, phone string, kind core.PhoneKind) (*core.GroupPhoneNumber, error) {
	switch kind {
	case core.PhoneIndividual, core.PhoneAlarm, core.PhoneCamera:
	default:
		return nil, core.NewError(core.CodeInvalidStatusTransition, "unknown phone kind")
	}

	entry := &core.GroupPhoneNumber{
		ID:       uuid.NewString(),
		GroupID:  groupID,
		Phone:    phone,
		Kind:     kind,
		Verified: kind != core.PhoneIndividual,
	}
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		if err := s.requireGroupAdmin(ctx, tx, groupID, actorID); err != nil {
			return err
		}
		return tx.CreateGroupPhone(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	if kind == core.PhoneIndividual {
		if err := s.sendPhoneOTP(ctx, entry); err != nil {
			s.logger.Printf("verification SMS to %s: %v", phone, err)
		}
	}
	return entry, nil
}

func (s *Service) sendPhoneOTP(ctx context.Context, entry *core.GroupPhoneNumber) error {
	code, err := auth.GenerateOTP()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending[entry.ID] = &pendingOTP{
		digest:       auth.DigestOTP(code),
		expiresAt:    s.now().Add(s.cfg.OTPLifetime),
		attemptsLeft: s.cfg.OTPAttempts,
	}
	s.mu.Unlock()
	return s.sender.Send(ctx, notify.MethodSMS, entry.Phone,
		"Your Haven phone verification code is "+code)
}

// VerifyGroupPhone redeems the SMS code for an individual phone.
func (s *Service) VerifyGroupPhone(ctx context.Context, groupID, actorID, phoneID, code string) error {
	s.mu.Lock()
	p, ok := s.pending[phoneID]
	if ok {
		if s.now().After(p.expiresAt) {
			delete(s.pending, phoneID)
			s.mu.Unlock()
			return core.NewError(core.CodeOTPExpired, "verification code expired")
		}
		if !auth.MatchOTP(p.digest, code) {
			p.attemptsLeft--
			if p.attemptsLeft <= 0 {
				delete(s.pending, phoneID)
				s.mu.Unlock()
				return core.NewError(core.CodeTooManyAttempts, "verification attempts exhausted")
			}
			remaining := p.attemptsLeft
			s.mu.Unlock()
			return core.NewError(core.CodeBadOTP, "wrong code").
				WithDetail("attempts_remaining", remaining)
		}
		delete(s.pending, phoneID)
	}
	s.mu.Unlock()
	if !ok {
		return core.NewError(core.CodeBadOTP, "no verification pending")
	}

	return s.store.Atomically(ctx, func(tx store.Store) error {
		if err := s.requireGroupAdmin(ctx, tx, groupID, actorID); err != nil {
			return err
		}
		phones, err := tx.ListGroupPhones(ctx, groupID)
		if err != nil {
			return err
		}
		for i := range phones {
			if phones[i].ID == phoneID {
				phones[i].Verified = true
				return tx.UpdateGroupPhone(ctx, &phones[i])
			}
		}
		return core.NewError(core.CodeNotFound, "phone not found")
	})
}

// RemoveGroupPhone drops a phone from the book.
func (s *Service) RemoveGroupPhone(ctx context.Context, groupID, actorID, phoneID string) error {
	return s.store.Atomically(ctx, func(tx store.Store) error {
		if err := s.requireGroupAdmin(ctx, tx, groupID, actorID); err != nil {
			return err
		}
		phones, err := tx.ListGroupPhones(ctx, groupID)
		if err != nil {
			return err
		}
		for _, p := range phones {
			if p.ID == phoneID {
				return tx.DeleteGroupPhone(ctx, phoneID)
			}
		}
		return core.NewError(core.CodeNotFound, "phone not found")
	})
}

// --- authorisation helpers ---

func (s *Service) requireFirmAdmin(ctx context.Context, tx store.Store, actorID, firmID string) error {
	member, err := tx.GetFirmMemberByPrincipal(ctx, actorID)
	if err != nil {
		return err
	}
	if member == nil || !member.Active || member.FirmID != firmID || member.Role != core.RoleFirmAdmin {
		return core.NewError(core.CodeForbidden, "firm admin role required")
	}
	return nil
}

func (s *Service) requirePlatformAdmin(ctx context.Context, tx store.Store, actorID string) error {
	actor, err := tx.GetPrincipal(ctx, actorID)
	if err != nil {
		return err
	}
	if actor == nil || actor.Kind != core.KindPlatformAdmin {
		return core.NewError(core.CodeForbidden, "platform admin required")
	}
	return nil
}

func (s *Service) requireGroupAdmin(ctx context.Context, tx store.Store, groupID, actorID string) error {
	membership, err := tx.GetMembership(ctx, groupID, actorID)
	if err != nil {
		return err
	}
	if membership == nil || !membership.Active ||
		(membership.Role != core.GroupOwner && membership.Role != core.GroupAdmin) {
		return core.NewError(core.CodeGroupNotOwned, "group owner or admin required")
	}
	return nil
}
