package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/geo"
)

// Memory is the in-process Store used by tests, development mode, and the
// haven-check probe. All entities live in value maps behind one mutex, so
// every Atomically block is fully serialised, which trivially satisfies the
// row-lock contract. Spatial predicates run through internal/geo.
type Memory struct {
	mu sync.Mutex
	d  *memData

	// inTx marks a transactional view handed to Atomically callbacks; such
	// views reuse the already-held lock.
	inTx bool
}

type memData struct {
	principals  map[string]core.Principal
	firms       map[string]core.SecurityFirm
	members     map[string]core.FirmMember
	teams       map[string]core.Team
	areas       map[string]core.CoverageArea
	ptypes      map[string]core.EmergencyProviderType
	providers   map[string]core.EmergencyProvider
	groups      map[string]core.UserGroup
	memberships map[string]core.GroupMembership
	phones      map[string]core.GroupPhoneNumber
	products    map[string]core.SubscriptionProduct
	storedSubs  map[string]core.StoredSubscription
	creditTxns  map[string]core.CreditTransaction
	requests    map[string]core.PanicRequest
	updates     map[string]core.RequestStatusUpdate
	locations   map[string]core.LocationLog
	feedback    map[string]core.RequestFeedback // keyed by request ID
	fines       map[string]core.UserFine
	assignments map[string]core.ProviderAssignment
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{d: &memData{
		principals:  make(map[string]core.Principal),
		firms:       make(map[string]core.SecurityFirm),
		members:     make(map[string]core.FirmMember),
		teams:       make(map[string]core.Team),
		areas:       make(map[string]core.CoverageArea),
		ptypes:      make(map[string]core.EmergencyProviderType),
		providers:   make(map[string]core.EmergencyProvider),
		groups:      make(map[string]core.UserGroup),
		memberships: make(map[string]core.GroupMembership),
		phones:      make(map[string]core.GroupPhoneNumber),
		products:    make(map[string]core.SubscriptionProduct),
		storedSubs:  make(map[string]core.StoredSubscription),
		creditTxns:  make(map[string]core.CreditTransaction),
		requests:    make(map[string]core.PanicRequest),
		updates:     make(map[string]core.RequestStatusUpdate),
		locations:   make(map[string]core.LocationLog),
		feedback:    make(map[string]core.RequestFeedback),
		fines:       make(map[string]core.UserFine),
		assignments: make(map[string]core.ProviderAssignment),
	}}
}

func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (d *memData) clone() *memData {
	c := &memData{
		principals:  make(map[string]core.Principal, len(d.principals)),
		firms:       make(map[string]core.SecurityFirm, len(d.firms)),
		members:     make(map[string]core.FirmMember, len(d.members)),
		teams:       make(map[string]core.Team, len(d.teams)),
		areas:       make(map[string]core.CoverageArea, len(d.areas)),
		ptypes:      make(map[string]core.EmergencyProviderType, len(d.ptypes)),
		providers:   make(map[string]core.EmergencyProvider, len(d.providers)),
		groups:      make(map[string]core.UserGroup, len(d.groups)),
		memberships: make(map[string]core.GroupMembership, len(d.memberships)),
		phones:      make(map[string]core.GroupPhoneNumber, len(d.phones)),
		products:    make(map[string]core.SubscriptionProduct, len(d.products)),
		storedSubs:  make(map[string]core.StoredSubscription, len(d.storedSubs)),
		creditTxns:  make(map[string]core.CreditTransaction, len(d.creditTxns)),
		requests:    make(map[string]core.PanicRequest, len(d.requests)),
		updates:     make(map[string]core.RequestStatusUpdate, len(d.updates)),
		locations:   make(map[string]core.LocationLog, len(d.locations)),
		feedback:    make(map[string]core.RequestFeedback, len(d.feedback)),
		fines:       make(map[string]core.UserFine, len(d.fines)),
		assignments: make(map[string]core.ProviderAssignment, len(d.assignments)),
	}
	for k, v := range d.principals {
		c.principals[k] = v
	}
	for k, v := range d.firms {
		c.firms[k] = v
	}
	for k, v := range d.members {
		c.members[k] = v
	}
	for k, v := range d.teams {
		c.teams[k] = v
	}
	for k, v := range d.areas {
		c.areas[k] = v
	}
	for k, v := range d.ptypes {
		c.ptypes[k] = v
	}
	for k, v := range d.providers {
		c.providers[k] = v
	}
	for k, v := range d.groups {
		c.groups[k] = v
	}
	for k, v := range d.memberships {
		c.memberships[k] = v
	}
	for k, v := range d.phones {
		c.phones[k] = v
	}
	for k, v := range d.products {
		c.products[k] = v
	}
	for k, v := range d.storedSubs {
		c.storedSubs[k] = v
	}
	for k, v := range d.creditTxns {
		c.creditTxns[k] = v
	}
	for k, v := range d.requests {
		c.requests[k] = v
	}
	for k, v := range d.updates {
		c.updates[k] = v
	}
	for k, v := range d.locations {
		c.locations[k] = v
	}
	for k, v := range d.feedback {
		c.feedback[k] = v
	}
	for k, v := range d.fines {
		c.fines[k] = v
	}
	for k, v := range d.assignments {
		c.assignments[k] = v
	}
	return c
}

// Atomically serialises on the store mutex and rolls the whole data set back
// if fn fails, so partial mutations never become visible.
func (m *Memory) Atomically(ctx context.Context, fn func(tx Store) error) error {
	if m.inTx {
		// Nested transaction joins the outer one.
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	tx := &Memory{d: m.d, inTx: true}
	if err := fn(tx); err != nil {
		*m.d = *snapshot
		return err
	}
	return nil
}

// --- Principals ---

func (m *Memory) CreatePrincipal(ctx context.Context, p *core.Principal) error {
	defer m.lock()()
	for _, existing := range m.d.principals {
		if strings.EqualFold(existing.Email, p.Email) {
			return core.NewError(core.CodeEmailExists, "email already registered")
		}
		if existing.Phone == p.Phone {
			return core.NewError(core.CodePhoneExists, "phone already registered")
		}
	}
	m.d.principals[p.ID] = clonePrincipal(p)
	return nil
}

func (m *Memory) GetPrincipal(ctx context.Context, id string) (*core.Principal, error) {
	defer m.lock()()
	if p, ok := m.d.principals[id]; ok {
		return principalCopy(p), nil
	}
	return nil, nil
}

func (m *Memory) GetPrincipalByEmail(ctx context.Context, email string) (*core.Principal, error) {
	defer m.lock()()
	for _, p := range m.d.principals {
		if strings.EqualFold(p.Email, email) {
			return principalCopy(p), nil
		}
	}
	return nil, nil
}

func (m *Memory) GetPrincipalByPhone(ctx context.Context, phone string) (*core.Principal, error) {
	defer m.lock()()
	for _, p := range m.d.principals {
		if p.Phone == phone {
			return principalCopy(p), nil
		}
	}
	return nil, nil
}

func (m *Memory) UpdatePrincipal(ctx context.Context, p *core.Principal) error {
	defer m.lock()()
	if _, ok := m.d.principals[p.ID]; !ok {
		return core.NewError(core.CodeNotFound, "principal not found")
	}
	m.d.principals[p.ID] = clonePrincipal(p)
	return nil
}

func clonePrincipal(p *core.Principal) core.Principal {
	cp := *p
	if p.LockedUntil != nil {
		t := *p.LockedUntil
		cp.LockedUntil = &t
	}
	if p.OTP != nil {
		o := *p.OTP
		cp.OTP = &o
	}
	return cp
}

func principalCopy(p core.Principal) *core.Principal {
	return func() *core.Principal { c := clonePrincipal(&p); return &c }()
}

// --- Firms ---

func (m *Memory) CreateFirm(ctx context.Context, f *core.SecurityFirm) error {
	defer m.lock()()
	m.d.firms[f.ID] = *f
	return nil
}

func (m *Memory) GetFirm(ctx context.Context, id string) (*core.SecurityFirm, error) {
	defer m.lock()()
	if f, ok := m.d.firms[id]; ok {
		return &f, nil
	}
	return nil, nil
}

func (m *Memory) UpdateFirm(ctx context.Context, f *core.SecurityFirm) error {
	defer m.lock()()
	if _, ok := m.d.firms[f.ID]; !ok {
		return core.NewError(core.CodeNotFound, "firm not found")
	}
	m.d.firms[f.ID] = *f
	return nil
}

func (m *Memory) ListApprovedFirms(ctx context.Context) ([]core.SecurityFirm, error) {
	defer m.lock()()
	var out []core.SecurityFirm
	for _, f := range m.d.firms {
		if f.Status == core.FirmApproved {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Firm members and teams ---

func (m *Memory) CreateFirmMember(ctx context.Context, fm *core.FirmMember) error {
	defer m.lock()()
	m.d.members[fm.ID] = *fm
	return nil
}

func (m *Memory) GetFirmMember(ctx context.Context, id string) (*core.FirmMember, error) {
	defer m.lock()()
	if fm, ok := m.d.members[id]; ok {
		return &fm, nil
	}
	return nil, nil
}

func (m *Memory) GetFirmMemberByPrincipal(ctx context.Context, principalID string) (*core.FirmMember, error) {
	defer m.lock()()
	for _, fm := range m.d.members {
		if fm.PrincipalID == principalID {
			return &fm, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListFirmMembers(ctx context.Context, firmID string) ([]core.FirmMember, error) {
	defer m.lock()()
	var out []core.FirmMember
	for _, fm := range m.d.members {
		if fm.FirmID == firmID {
			out = append(out, fm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateTeam(ctx context.Context, t *core.Team) error {
	defer m.lock()()
	m.d.teams[t.ID] = cloneTeam(t)
	return nil
}

func (m *Memory) GetTeam(ctx context.Context, id string) (*core.Team, error) {
	defer m.lock()()
	if t, ok := m.d.teams[id]; ok {
		c := cloneTeam(&t)
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) ListTeams(ctx context.Context, firmID string) ([]core.Team, error) {
	defer m.lock()()
	var out []core.Team
	for _, t := range m.d.teams {
		if t.FirmID == firmID {
			out = append(out, cloneTeam(&t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneTeam(t *core.Team) core.Team {
	c := *t
	c.MemberIDs = append([]string(nil), t.MemberIDs...)
	return c
}

// --- Coverage areas ---

func (m *Memory) CreateCoverageArea(ctx context.Context, a *core.CoverageArea) error {
	defer m.lock()()
	m.d.areas[a.ID] = cloneArea(a)
	return nil
}

func (m *Memory) UpdateCoverageArea(ctx context.Context, a *core.CoverageArea) error {
	defer m.lock()()
	if _, ok := m.d.areas[a.ID]; !ok {
		return core.NewError(core.CodeNotFound, "coverage area not found")
	}
	m.d.areas[a.ID] = cloneArea(a)
	return nil
}

func (m *Memory) ListCoverageAreas(ctx context.Context, firmID string) ([]core.CoverageArea, error) {
	defer m.lock()()
	var out []core.CoverageArea
	for _, a := range m.d.areas {
		if a.FirmID == firmID {
			out = append(out, cloneArea(&a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FirmsCoveringPoint(ctx context.Context, pt core.Point) ([]core.SecurityFirm, error) {
	defer m.lock()()
	seen := make(map[string]bool)
	var out []core.SecurityFirm
	for _, a := range m.d.areas {
		if !a.Active || seen[a.FirmID] {
			continue
		}
		firm, ok := m.d.firms[a.FirmID]
		if !ok || firm.Status != core.FirmApproved {
			continue
		}
		if geo.Contains(a.Ring, pt) {
			seen[a.FirmID] = true
			out = append(out, firm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FirmCovers(ctx context.Context, firmID string, pt core.Point) (bool, error) {
	defer m.lock()()
	for _, a := range m.d.areas {
		if a.FirmID == firmID && a.Active && geo.Contains(a.Ring, pt) {
			return true, nil
		}
	}
	return false, nil
}

func cloneArea(a *core.CoverageArea) core.CoverageArea {
	c := *a
	c.Ring = append([]core.Point(nil), a.Ring...)
	return c
}

// --- Provider types and providers ---

func (m *Memory) CreateProviderType(ctx context.Context, t *core.EmergencyProviderType) error {
	defer m.lock()()
	m.d.ptypes[t.ID] = *t
	return nil
}

func (m *Memory) GetProviderType(ctx context.Context, id string) (*core.EmergencyProviderType, error) {
	defer m.lock()()
	if t, ok := m.d.ptypes[id]; ok {
		return &t, nil
	}
	return nil, nil
}

func (m *Memory) GetProviderTypeByCode(ctx context.Context, code string) (*core.EmergencyProviderType, error) {
	defer m.lock()()
	for _, t := range m.d.ptypes {
		if t.Code == code {
			return &t, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListProviderTypes(ctx context.Context) ([]core.EmergencyProviderType, error) {
	defer m.lock()()
	var out []core.EmergencyProviderType
	for _, t := range m.d.ptypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *Memory) CreateProvider(ctx context.Context, p *core.EmergencyProvider) error {
	defer m.lock()()
	m.d.providers[p.ID] = cloneProvider(p)
	return nil
}

func (m *Memory) GetProvider(ctx context.Context, id string) (*core.EmergencyProvider, error) {
	defer m.lock()()
	if p, ok := m.d.providers[id]; ok {
		c := cloneProvider(&p)
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) UpdateProvider(ctx context.Context, p *core.EmergencyProvider) error {
	defer m.lock()()
	if _, ok := m.d.providers[p.ID]; !ok {
		return core.NewError(core.CodeNotFound, "provider not found")
	}
	m.d.providers[p.ID] = cloneProvider(p)
	return nil
}

func (m *Memory) ListProviders(ctx context.Context, firmID string) ([]core.EmergencyProvider, error) {
	defer m.lock()()
	var out []core.EmergencyProvider
	for _, p := range m.d.providers {
		if p.FirmID == firmID {
			out = append(out, cloneProvider(&p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AvailableProvidersByType(ctx context.Context, typeID string) ([]core.EmergencyProvider, error) {
	defer m.lock()()
	var out []core.EmergencyProvider
	for _, p := range m.d.providers {
		if p.TypeID == typeID && p.Active && p.Status == core.ProviderAvailable {
			out = append(out, cloneProvider(&p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneProvider(p *core.EmergencyProvider) core.EmergencyProvider {
	c := *p
	c.Capabilities = append([]string(nil), p.Capabilities...)
	return c
}

// --- Groups ---

func (m *Memory) CreateGroup(ctx context.Context, g *core.UserGroup) error {
	defer m.lock()()
	m.d.groups[g.ID] = cloneGroup(g)
	return nil
}

func (m *Memory) GetGroup(ctx context.Context, id string) (*core.UserGroup, error) {
	defer m.lock()()
	if g, ok := m.d.groups[id]; ok {
		c := cloneGroup(&g)
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) UpdateGroup(ctx context.Context, g *core.UserGroup) error {
	defer m.lock()()
	if _, ok := m.d.groups[g.ID]; !ok {
		return core.NewError(core.CodeNotFound, "group not found")
	}
	m.d.groups[g.ID] = cloneGroup(g)
	return nil
}

func (m *Memory) GroupsExpiringBefore(ctx context.Context, t time.Time) ([]core.UserGroup, error) {
	defer m.lock()()
	var out []core.UserGroup
	for _, g := range m.d.groups {
		if g.SubscriptionExpiresAt != nil && g.SubscriptionExpiresAt.Before(t) {
			out = append(out, cloneGroup(&g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneGroup(g *core.UserGroup) core.UserGroup {
	c := *g
	if g.SubscriptionExpiresAt != nil {
		t := *g.SubscriptionExpiresAt
		c.SubscriptionExpiresAt = &t
	}
	return c
}

func (m *Memory) CreateMembership(ctx context.Context, gm *core.GroupMembership) error {
	defer m.lock()()
	m.d.memberships[gm.ID] = *gm
	return nil
}

func (m *Memory) UpdateMembership(ctx context.Context, gm *core.GroupMembership) error {
	defer m.lock()()
	if _, ok := m.d.memberships[gm.ID]; !ok {
		return core.NewError(core.CodeNotFound, "membership not found")
	}
	m.d.memberships[gm.ID] = *gm
	return nil
}

func (m *Memory) GetMembership(ctx context.Context, groupID, principalID string) (*core.GroupMembership, error) {
	defer m.lock()()
	for _, gm := range m.d.memberships {
		if gm.GroupID == groupID && gm.PrincipalID == principalID {
			return &gm, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListMemberships(ctx context.Context, groupID string) ([]core.GroupMembership, error) {
	defer m.lock()()
	var out []core.GroupMembership
	for _, gm := range m.d.memberships {
		if gm.GroupID == groupID {
			out = append(out, gm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListMembershipsByPrincipal(ctx context.Context, principalID string) ([]core.GroupMembership, error) {
	defer m.lock()()
	var out []core.GroupMembership
	for _, gm := range m.d.memberships {
		if gm.PrincipalID == principalID {
			out = append(out, gm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateGroupPhone(ctx context.Context, p *core.GroupPhoneNumber) error {
	defer m.lock()()
	for _, existing := range m.d.phones {
		if existing.Phone == p.Phone {
			return core.NewError(core.CodePhoneExists, "phone already belongs to a group")
		}
	}
	m.d.phones[p.ID] = *p
	return nil
}

func (m *Memory) UpdateGroupPhone(ctx context.Context, p *core.GroupPhoneNumber) error {
	defer m.lock()()
	if _, ok := m.d.phones[p.ID]; !ok {
		return core.NewError(core.CodeNotFound, "group phone not found")
	}
	m.d.phones[p.ID] = *p
	return nil
}

func (m *Memory) DeleteGroupPhone(ctx context.Context, id string) error {
	defer m.lock()()
	delete(m.d.phones, id)
	return nil
}

func (m *Memory) GetGroupPhoneByPhone(ctx context.Context, phone string) (*core.GroupPhoneNumber, error) {
	defer m.lock()()
	for _, p := range m.d.phones {
		if p.Phone == phone {
			return &p, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListGroupPhones(ctx context.Context, groupID string) ([]core.GroupPhoneNumber, error) {
	defer m.lock()()
	var out []core.GroupPhoneNumber
	for _, p := range m.d.phones {
		if p.GroupID == groupID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Products and stored subscriptions ---

func (m *Memory) CreateProduct(ctx context.Context, p *core.SubscriptionProduct) error {
	defer m.lock()()
	m.d.products[p.ID] = *p
	return nil
}

func (m *Memory) GetProduct(ctx context.Context, id string) (*core.SubscriptionProduct, error) {
	defer m.lock()()
	if p, ok := m.d.products[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *Memory) UpdateProduct(ctx context.Context, p *core.SubscriptionProduct) error {
	defer m.lock()()
	if _, ok := m.d.products[p.ID]; !ok {
		return core.NewError(core.CodeProductNotFound, "product not found")
	}
	m.d.products[p.ID] = *p
	return nil
}

func (m *Memory) DeleteProduct(ctx context.Context, id string) error {
	defer m.lock()()
	delete(m.d.products, id)
	return nil
}

func (m *Memory) ListProducts(ctx context.Context, firmID string) ([]core.SubscriptionProduct, error) {
	defer m.lock()()
	var out []core.SubscriptionProduct
	for _, p := range m.d.products {
		if p.FirmID == firmID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateStoredSubscription(ctx context.Context, s *core.StoredSubscription) error {
	defer m.lock()()
	m.d.storedSubs[s.ID] = cloneStoredSub(s)
	return nil
}

func (m *Memory) GetStoredSubscription(ctx context.Context, id string) (*core.StoredSubscription, error) {
	defer m.lock()()
	if s, ok := m.d.storedSubs[id]; ok {
		c := cloneStoredSub(&s)
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) GetStoredSubscriptionByPaymentRef(ctx context.Context, ref string) (*core.StoredSubscription, error) {
	defer m.lock()()
	for _, s := range m.d.storedSubs {
		if s.PaymentRef == ref {
			c := cloneStoredSub(&s)
			return &c, nil
		}
	}
	return nil, nil
}

func (m *Memory) UpdateStoredSubscription(ctx context.Context, s *core.StoredSubscription) error {
	defer m.lock()()
	if _, ok := m.d.storedSubs[s.ID]; !ok {
		return core.NewError(core.CodeNotFound, "stored subscription not found")
	}
	m.d.storedSubs[s.ID] = cloneStoredSub(s)
	return nil
}

func (m *Memory) ListStoredSubscriptions(ctx context.Context, userID string) ([]core.StoredSubscription, error) {
	defer m.lock()()
	var out []core.StoredSubscription
	for _, s := range m.d.storedSubs {
		if s.UserID == userID {
			out = append(out, cloneStoredSub(&s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AnyStoredSubscriptionForProduct(ctx context.Context, productID string) (bool, error) {
	defer m.lock()()
	for _, s := range m.d.storedSubs {
		if s.ProductID == productID {
			return true, nil
		}
	}
	return false, nil
}

func cloneStoredSub(s *core.StoredSubscription) core.StoredSubscription {
	c := *s
	if s.AppliedAt != nil {
		t := *s.AppliedAt
		c.AppliedAt = &t
	}
	return c
}

// --- Credit transactions ---

func (m *Memory) AppendCreditTransaction(ctx context.Context, t *core.CreditTransaction) error {
	defer m.lock()()
	m.d.creditTxns[t.ID] = *t
	return nil
}

func (m *Memory) ListCreditTransactions(ctx context.Context, firmID string) ([]core.CreditTransaction, error) {
	defer m.lock()()
	var out []core.CreditTransaction
	for _, t := range m.d.creditTxns {
		if t.FirmID == firmID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetCreditTransactionByRef(ctx context.Context, externalRef string) (*core.CreditTransaction, error) {
	defer m.lock()()
	for _, t := range m.d.creditTxns {
		if t.ExternalRef == externalRef {
			return &t, nil
		}
	}
	return nil, nil
}

// --- Panic requests ---

func (m *Memory) CreateRequest(ctx context.Context, r *core.PanicRequest) error {
	defer m.lock()()
	m.d.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *Memory) GetRequest(ctx context.Context, id string) (*core.PanicRequest, error) {
	defer m.lock()()
	if r, ok := m.d.requests[id]; ok {
		c := cloneRequest(&r)
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) UpdateRequest(ctx context.Context, r *core.PanicRequest) error {
	defer m.lock()()
	if _, ok := m.d.requests[r.ID]; !ok {
		return core.NewError(core.CodeRequestNotFound, "request not found")
	}
	m.d.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *Memory) ActiveRequestByPhoneService(ctx context.Context, phone string, service core.ServiceType) (*core.PanicRequest, error) {
	defer m.lock()()
	var newest *core.PanicRequest
	for _, r := range m.d.requests {
		if r.RequesterPhone != phone || r.Service != service || r.Status.Terminal() {
			continue
		}
		c := cloneRequest(&r)
		if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
			newest = &c
		}
	}
	return newest, nil
}

func (m *Memory) CountRequestsByPhoneSince(ctx context.Context, phone string, since time.Time) (int, error) {
	defer m.lock()()
	count := 0
	for _, r := range m.d.requests {
		if r.RequesterPhone == phone && !r.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) ListNonTerminalRequests(ctx context.Context) ([]core.PanicRequest, error) {
	defer m.lock()()
	var out []core.PanicRequest
	for _, r := range m.d.requests {
		if !r.Status.Terminal() {
			out = append(out, cloneRequest(&r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListRequestsByGroup(ctx context.Context, groupID string) ([]core.PanicRequest, error) {
	defer m.lock()()
	var out []core.PanicRequest
	for _, r := range m.d.requests {
		if r.GroupID == groupID {
			out = append(out, cloneRequest(&r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneRequest(r *core.PanicRequest) core.PanicRequest {
	c := *r
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.ArrivedAt = cloneTime(r.ArrivedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// --- Status updates ---

func (m *Memory) AppendStatusUpdate(ctx context.Context, u *core.RequestStatusUpdate) error {
	defer m.lock()()
	m.d.updates[u.ID] = *u
	return nil
}

func (m *Memory) ListStatusUpdates(ctx context.Context, requestID string) ([]core.RequestStatusUpdate, error) {
	defer m.lock()()
	var out []core.RequestStatusUpdate
	for _, u := range m.d.updates {
		if u.RequestID == requestID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- Location logs ---

func (m *Memory) AppendLocationLog(ctx context.Context, l *core.LocationLog) error {
	defer m.lock()()
	m.d.locations[l.ID] = *l
	return nil
}

func (m *Memory) ListLocationLogs(ctx context.Context, requestID string) ([]core.LocationLog, error) {
	defer m.lock()()
	var out []core.LocationLog
	for _, l := range m.d.locations {
		if l.RequestID == requestID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- Feedback ---

func (m *Memory) CreateFeedback(ctx context.Context, f *core.RequestFeedback) error {
	defer m.lock()()
	if _, ok := m.d.feedback[f.RequestID]; ok {
		return core.NewError(core.CodeInvalidStatusTransition, "feedback already recorded")
	}
	m.d.feedback[f.RequestID] = cloneFeedback(f)
	return nil
}

func (m *Memory) GetFeedback(ctx context.Context, requestID string) (*core.RequestFeedback, error) {
	defer m.lock()()
	if f, ok := m.d.feedback[requestID]; ok {
		c := cloneFeedback(&f)
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) CountPrankFeedbackSince(ctx context.Context, userID string, since time.Time) (int, error) {
	defer m.lock()()
	count := 0
	for _, f := range m.d.feedback {
		if !f.IsPrank || f.CreatedAt.Before(since) {
			continue
		}
		if r, ok := m.d.requests[f.RequestID]; ok && r.RequesterID == userID {
			count++
		}
	}
	return count, nil
}

func cloneFeedback(f *core.RequestFeedback) core.RequestFeedback {
	c := *f
	if f.Rating != nil {
		r := *f.Rating
		c.Rating = &r
	}
	return c
}

// --- Fines ---

func (m *Memory) CreateFine(ctx context.Context, f *core.UserFine) error {
	defer m.lock()()
	m.d.fines[f.ID] = cloneFine(f)
	return nil
}

func (m *Memory) GetFine(ctx context.Context, id string) (*core.UserFine, error) {
	defer m.lock()()
	if f, ok := m.d.fines[id]; ok {
		c := cloneFine(&f)
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) UpdateFine(ctx context.Context, f *core.UserFine) error {
	defer m.lock()()
	if _, ok := m.d.fines[f.ID]; !ok {
		return core.NewError(core.CodeNotFound, "fine not found")
	}
	m.d.fines[f.ID] = cloneFine(f)
	return nil
}

func (m *Memory) ListFines(ctx context.Context, userID string) ([]core.UserFine, error) {
	defer m.lock()()
	var out []core.UserFine
	for _, f := range m.d.fines {
		if f.UserID == userID {
			out = append(out, cloneFine(&f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListUnpaidFines(ctx context.Context, userID string) ([]core.UserFine, error) {
	defer m.lock()()
	var out []core.UserFine
	for _, f := range m.d.fines {
		if f.UserID == userID && !f.Paid {
			out = append(out, cloneFine(&f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneFine(f *core.UserFine) core.UserFine {
	c := *f
	c.PaidAt = cloneTime(f.PaidAt)
	return c
}

// --- Provider assignments ---

func (m *Memory) CreateAssignment(ctx context.Context, a *core.ProviderAssignment) error {
	defer m.lock()()
	m.d.assignments[a.ID] = *a
	return nil
}

func (m *Memory) UpdateAssignment(ctx context.Context, a *core.ProviderAssignment) error {
	defer m.lock()()
	if _, ok := m.d.assignments[a.ID]; !ok {
		return core.NewError(core.CodeNotFound, "assignment not found")
	}
	m.d.assignments[a.ID] = *a
	return nil
}

func (m *Memory) OpenAssignmentsForProvider(ctx context.Context, providerID string) ([]core.ProviderAssignment, error) {
	defer m.lock()()
	var out []core.ProviderAssignment
	for _, a := range m.d.assignments {
		if a.ProviderID != providerID || a.Released {
			continue
		}
		if r, ok := m.d.requests[a.RequestID]; ok && !r.Status.Terminal() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListAssignments(ctx context.Context, requestID string) ([]core.ProviderAssignment, error) {
	defer m.lock()()
	var out []core.ProviderAssignment
	for _, a := range m.d.assignments {
		if a.RequestID == requestID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
