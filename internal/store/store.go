// Package store is the persistence boundary. The Store interface exposes
// one method per table operation plus Atomically, which runs a function
// inside a single transaction with row-lock semantics on the hot rows
// (principal, firm, stored subscription, panic request).
//
// Two implementations exist: Postgres (lib/pq + PostGIS) for production and
// Memory for tests, development, and the haven-check probe. Lookups return
// (nil, nil) when the row does not exist; callers translate that into the
// client-facing not-found codes.
package store

import (
	"context"
	"time"

	"github.com/haven/backend/internal/core"
)

type Store interface {
	// Atomically runs fn against a transactional view of the store. Reads
	// of firm, principal, stored-subscription, and request rows inside fn
	// take row locks; concurrent transactions touching the same rows
	// serialise. fn returning an error rolls every mutation back.
	Atomically(ctx context.Context, fn func(tx Store) error) error

	// Principals
	CreatePrincipal(ctx context.Context, p *core.Principal) error
	GetPrincipal(ctx context.Context, id string) (*core.Principal, error)
	GetPrincipalByEmail(ctx context.Context, email string) (*core.Principal, error)
	GetPrincipalByPhone(ctx context.Context, phone string) (*core.Principal, error)
	UpdatePrincipal(ctx context.Context, p *core.Principal) error

	// Firms
	CreateFirm(ctx context.Context, f *core.SecurityFirm) error
	GetFirm(ctx context.Context, id string) (*core.SecurityFirm, error)
	UpdateFirm(ctx context.Context, f *core.SecurityFirm) error
	ListApprovedFirms(ctx context.Context) ([]core.SecurityFirm, error)

	// Firm members and teams
	CreateFirmMember(ctx context.Context, m *core.FirmMember) error
	GetFirmMember(ctx context.Context, id string) (*core.FirmMember, error)
	GetFirmMemberByPrincipal(ctx context.Context, principalID string) (*core.FirmMember, error)
	ListFirmMembers(ctx context.Context, firmID string) ([]core.FirmMember, error)
	CreateTeam(ctx context.Context, t *core.Team) error
	GetTeam(ctx context.Context, id string) (*core.Team, error)
	ListTeams(ctx context.Context, firmID string) ([]core.Team, error)

	// Coverage areas
	CreateCoverageArea(ctx context.Context, a *core.CoverageArea) error
	UpdateCoverageArea(ctx context.Context, a *core.CoverageArea) error
	ListCoverageAreas(ctx context.Context, firmID string) ([]core.CoverageArea, error)
	// FirmsCoveringPoint returns approved firms with at least one active
	// polygon containing the point, each firm at most once.
	FirmsCoveringPoint(ctx context.Context, pt core.Point) ([]core.SecurityFirm, error)
	// FirmCovers reports whether the firm has an active polygon containing pt.
	FirmCovers(ctx context.Context, firmID string, pt core.Point) (bool, error)

	// Provider types and providers
	CreateProviderType(ctx context.Context, t *core.EmergencyProviderType) error
	GetProviderType(ctx context.Context, id string) (*core.EmergencyProviderType, error)
	GetProviderTypeByCode(ctx context.Context, code string) (*core.EmergencyProviderType, error)
	ListProviderTypes(ctx context.Context) ([]core.EmergencyProviderType, error)
	CreateProvider(ctx context.Context, p *core.EmergencyProvider) error
	GetProvider(ctx context.Context, id string) (*core.EmergencyProvider, error)
	UpdateProvider(ctx context.Context, p *core.EmergencyProvider) error
	ListProviders(ctx context.Context, firmID string) ([]core.EmergencyProvider, error)
	// AvailableProvidersByType returns available, active providers of the
	// given type across all firms.
	AvailableProvidersByType(ctx context.Context, typeID string) ([]core.EmergencyProvider, error)

	// Groups
	CreateGroup(ctx context.Context, g *core.UserGroup) error
	GetGroup(ctx context.Context, id string) (*core.UserGroup, error)
	UpdateGroup(ctx context.Context, g *core.UserGroup) error
	GroupsExpiringBefore(ctx context.Context, t time.Time) ([]core.UserGroup, error)
	CreateMembership(ctx context.Context, m *core.GroupMembership) error
	UpdateMembership(ctx context.Context, m *core.GroupMembership) error
	GetMembership(ctx context.Context, groupID, principalID string) (*core.GroupMembership, error)
	ListMemberships(ctx context.Context, groupID string) ([]core.GroupMembership, error)
	ListMembershipsByPrincipal(ctx context.Context, principalID string) ([]core.GroupMembership, error)
	CreateGroupPhone(ctx context.Context, p *core.GroupPhoneNumber) error
	UpdateGroupPhone(ctx context.Context, p *core.GroupPhoneNumber) error
	DeleteGroupPhone(ctx context.Context, id string) error
	GetGroupPhoneByPhone(ctx context.Context, phone string) (*core.GroupPhoneNumber, error)
	ListGroupPhones(ctx context.Context, groupID string) ([]core.GroupPhoneNumber, error)

	// Subscription products and stored subscriptions
	CreateProduct(ctx context.Context, p *core.SubscriptionProduct) error
	GetProduct(ctx context.Context, id string) (*core.SubscriptionProduct, error)
	UpdateProduct(ctx context.Context, p *core.SubscriptionProduct) error
	DeleteProduct(ctx context.Context, id string) error
	ListProducts(ctx context.Context, firmID string) ([]core.SubscriptionProduct, error)
	CreateStoredSubscription(ctx context.Context, s *core.StoredSubscription) error
	GetStoredSubscription(ctx context.Context, id string) (*core.StoredSubscription, error)
	GetStoredSubscriptionByPaymentRef(ctx context.Context, ref string) (*core.StoredSubscription, error)
	UpdateStoredSubscription(ctx context.Context, s *core.StoredSubscription) error
	ListStoredSubscriptions(ctx context.Context, userID string) ([]core.StoredSubscription, error)
	// AnyStoredSubscriptionForProduct reports whether a stored subscription
	// ever referenced the product (products with history cannot be deleted).
	AnyStoredSubscriptionForProduct(ctx context.Context, productID string) (bool, error)

	// Credit transactions (append-only)
	AppendCreditTransaction(ctx context.Context, t *core.CreditTransaction) error
	ListCreditTransactions(ctx context.Context, firmID string) ([]core.CreditTransaction, error)
	GetCreditTransactionByRef(ctx context.Context, externalRef string) (*core.CreditTransaction, error)

	// Panic requests
	CreateRequest(ctx context.Context, r *core.PanicRequest) error
	GetRequest(ctx context.Context, id string) (*core.PanicRequest, error)
	UpdateRequest(ctx context.Context, r *core.PanicRequest) error
	// ActiveRequestByPhoneService returns the newest non-terminal request
	// for the phone + service pair, or nil.
	ActiveRequestByPhoneService(ctx context.Context, phone string, service core.ServiceType) (*core.PanicRequest, error)
	CountRequestsByPhoneSince(ctx context.Context, phone string, since time.Time) (int, error)
	ListNonTerminalRequests(ctx context.Context) ([]core.PanicRequest, error)
	ListRequestsByGroup(ctx context.Context, groupID string) ([]core.PanicRequest, error)

	// Status updates (append-only)
	AppendStatusUpdate(ctx context.Context, u *core.RequestStatusUpdate) error
	ListStatusUpdates(ctx context.Context, requestID string) ([]core.RequestStatusUpdate, error)

	// Location logs (append-only, cascade with request)
	AppendLocationLog(ctx context.Context, l *core.LocationLog) error
	ListLocationLogs(ctx context.Context, requestID string) ([]core.LocationLog, error)

	// Feedback (unique per request)
	CreateFeedback(ctx context.Context, f *core.RequestFeedback) error
	GetFeedback(ctx context.Context, requestID string) (*core.RequestFeedback, error)
	// CountPrankFeedbackSince counts is_prank feedback on requests authored
	// by the user with feedback written after since.
	CountPrankFeedbackSince(ctx context.Context, userID string, since time.Time) (int, error)

	// Fines
	CreateFine(ctx context.Context, f *core.UserFine) error
	GetFine(ctx context.Context, id string) (*core.UserFine, error)
	UpdateFine(ctx context.Context, f *core.UserFine) error
	ListFines(ctx context.Context, userID string) ([]core.UserFine, error)
	ListUnpaidFines(ctx context.Context, userID string) ([]core.UserFine, error)

	// Provider assignments
	CreateAssignment(ctx context.Context, a *core.ProviderAssignment) error
	UpdateAssignment(ctx context.Context, a *core.ProviderAssignment) error
	OpenAssignmentsForProvider(ctx context.Context, providerID string) ([]core.ProviderAssignment, error)
	ListAssignments(ctx context.Context, requestID string) ([]core.ProviderAssignment, error)
}
