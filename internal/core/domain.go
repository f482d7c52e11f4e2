// Package core defines the Haven domain model: principals, firms, coverage,
// subscriptions, and the panic-request lifecycle.
package core

import "time"

// PrincipalKind distinguishes the three caller variants.
type PrincipalKind string

const (
	KindEndUser       PrincipalKind = "end_user"
	KindFirmMember    PrincipalKind = "firm_member"
	KindPlatformAdmin PrincipalKind = "platform_admin"
)

// Principal is a person or automation that can call the system.
type Principal struct {
	ID           string        `json:"id"`
	Kind         PrincipalKind `json:"kind"`
	Email        string        `json:"email"` // stored lowercase, unique
	Phone        string        `json:"phone"` // E.164, unique
	PasswordHash string        `json:"-"`
	Verified     bool          `json:"verified"`
	Suspended    bool          `json:"suspended"`
	Banned       bool          `json:"banned"`
	PrankCount   int           `json:"prank_count"`

	// Lockout state
	FailedAttempts int        `json:"-"`
	LockedUntil    *time.Time `json:"-"`

	// Active unlock OTP, nil when none pending
	OTP *UnlockOTP `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// UnlockOTP is the pending one-time code for account unlock or verification.
// Only the SHA-256 digest of the code is kept.
type UnlockOTP struct {
	Digest       string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	AttemptsLeft int       `json:"attempts_left"`
}

// Locked reports whether the principal is locked at the given instant.
func (p *Principal) Locked(now time.Time) bool {
	return p.LockedUntil != nil && now.Before(*p.LockedUntil)
}

// FirmStatus is the verification status of a security firm.
type FirmStatus string

const (
	FirmDraft       FirmStatus = "draft"
	FirmSubmitted   FirmStatus = "submitted"
	FirmUnderReview FirmStatus = "under_review"
	FirmApproved    FirmStatus = "approved"
	FirmRejected    FirmStatus = "rejected"
)

// SecurityFirm is an organisation offering responder services.
// Only approved firms may own active coverage or receive subscriptions.
type SecurityFirm struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	RegistrationNo string     `json:"registration_no"`
	VATNo          string     `json:"vat_no,omitempty"`
	Status         FirmStatus `json:"status"`
	CreditBalance  int64      `json:"credit_balance"` // never negative
	Locked         bool       `json:"locked"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CoverageArea is a firm-owned polygon within which it offers response.
// The ring is closed (first == last vertex) and non-self-intersecting.
type CoverageArea struct {
	ID        string    `json:"id"`
	FirmID    string    `json:"firm_id"`
	Name      string    `json:"name"`
	Ring      []Point   `json:"ring"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Point is a WGS84 coordinate (SRID 4326).
type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// MemberRole is a firm member's role within its firm.
type MemberRole string

const (
	RoleFieldAgent     MemberRole = "field_agent"
	RoleTeamLeader     MemberRole = "team_leader"
	RoleFirmUser       MemberRole = "firm_user"
	RoleFirmSupervisor MemberRole = "firm_supervisor"
	RoleFirmAdmin      MemberRole = "firm_admin"
)

// OfficeRole reports whether the role may allocate and cancel requests.
func (r MemberRole) OfficeRole() bool {
	switch r {
	case RoleFirmUser, RoleFirmSupervisor, RoleFirmAdmin:
		return true
	}
	return false
}

// FirmMember ties a principal to exactly one firm with a role.
type FirmMember struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principal_id"`
	FirmID      string     `json:"firm_id"`
	Role        MemberRole `json:"role"`
	Active      bool       `json:"active"`
}

// Team is a firm-owned responder team with one leader.
type Team struct {
	ID        string   `json:"id"`
	FirmID    string   `json:"firm_id"`
	Name      string   `json:"name"`
	LeaderID  string   `json:"leader_id"` // FirmMember ID
	MemberIDs []string `json:"member_ids"`
	Active    bool     `json:"active"`
}

// ServiceType determines dispatch rules for a panic request.
type ServiceType string

const (
	ServiceCall      ServiceType = "call"
	ServiceSecurity  ServiceType = "security"
	ServiceAmbulance ServiceType = "ambulance"
	ServiceFire      ServiceType = "fire"
	ServiceTowing    ServiceType = "towing"
)

// ValidServiceType reports whether s is one of the five service types.
func ValidServiceType(s ServiceType) bool {
	switch s {
	case ServiceCall, ServiceSecurity, ServiceAmbulance, ServiceFire, ServiceTowing:
		return true
	}
	return false
}

// EmergencyProviderType is a platform-administered catalogue entry.
type EmergencyProviderType struct {
	ID              string  `json:"id"`
	Code            string  `json:"code"` // unique
	Name            string  `json:"name"`
	DefaultRadiusKM float64 `json:"default_radius_km"`
	Priority        int     `json:"priority"`
	Active          bool    `json:"active"`
}

// ProviderStatus is the availability state of a dispatchable unit.
type ProviderStatus string

const (
	ProviderAvailable   ProviderStatus = "available"
	ProviderBusy        ProviderStatus = "busy"
	ProviderOffline     ProviderStatus = "offline"
	ProviderMaintenance ProviderStatus = "maintenance"
)

// EmergencyProvider is a dispatchable unit (ambulance, tow truck, ...) owned
// by a firm. It must reference an active provider type.
type EmergencyProvider struct {
	ID           string         `json:"id"`
	FirmID       string         `json:"firm_id"`
	TypeID       string         `json:"type_id"`
	Name         string         `json:"name"`
	Current      Point          `json:"current_position"`
	Base         Point          `json:"base_position"`
	RadiusKM     float64        `json:"coverage_radius_km"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Status       ProviderStatus `json:"status"`
	Active       bool           `json:"active"`
}

// GroupRole is a membership role inside a user group.
type GroupRole string

const (
	GroupOwner  GroupRole = "owner"
	GroupAdmin  GroupRole = "admin"
	GroupMember GroupRole = "member"
)

// UserGroup is a protected location: a named point with an address and a set
// of authorised phone numbers. Exactly one owner membership exists at any
// time unless the group is being torn down.
type UserGroup struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Point   Point  `json:"point"`

	// Active subscription projection
	SubscriptionID        string     `json:"subscription_id,omitempty"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// GroupMembership links an end user to a group with a role.
type GroupMembership struct {
	ID          string    `json:"id"`
	GroupID     string    `json:"group_id"`
	PrincipalID string    `json:"principal_id"`
	Role        GroupRole `json:"role"`
	Active      bool      `json:"active"`
}

// PhoneKind classifies a group phone number.
type PhoneKind string

const (
	PhoneIndividual PhoneKind = "individual"
	PhoneAlarm      PhoneKind = "alarm"
	PhoneCamera     PhoneKind = "camera"
)

// GroupPhoneNumber is an authorised phone in a group. A phone appears in at
// most one group's set at a time.
type GroupPhoneNumber struct {
	ID       string    `json:"id"`
	GroupID  string    `json:"group_id"`
	Phone    string    `json:"phone"` // E.164
	Kind     PhoneKind `json:"kind"`
	Verified bool      `json:"verified"`
}

// SubscriptionProduct is a firm-owned offer.
type SubscriptionProduct struct {
	ID         string    `json:"id"`
	FirmID     string    `json:"firm_id"`
	Name       string    `json:"name"`
	MaxUsers   int       `json:"max_users"`
	PriceCents int64     `json:"price_cents"`
	CreditCost int64     `json:"credit_cost"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// StoredSubscription is a paid-for-but-unapplied entitlement. Once applied,
// the (subscription -> group) edge is immutable.
type StoredSubscription struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ProductID      string     `json:"product_id"`
	Applied        bool       `json:"applied"`
	AppliedToGroup string     `json:"applied_to_group,omitempty"`
	PurchasedAt    time.Time  `json:"purchased_at"`
	AppliedAt      *time.Time `json:"applied_at,omitempty"`
	PaymentRef     string     `json:"payment_ref,omitempty"`
}

// CreditTransaction is an append-only record of a firm balance change.
type CreditTransaction struct {
	ID          string    `json:"id"`
	FirmID      string    `json:"firm_id"`
	Delta       int64     `json:"delta"` // positive purchase, negative debit
	Reason      string    `json:"reason"`
	ExternalRef string    `json:"external_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// PanicRequest is the central entity of the dispatch lifecycle.
type PanicRequest struct {
	ID             string        `json:"id"`
	RequesterPhone string        `json:"requester_phone"`
	RequesterID    string        `json:"requester_user_id"`
	GroupID        string        `json:"group_id"`
	FirmID         string        `json:"firm_id"` // firm owning the subscription at ingest
	Service        ServiceType   `json:"service_type"`
	Point          Point         `json:"point"`
	Address        string        `json:"address"`
	Description    string        `json:"description,omitempty"`
	Status         RequestStatus `json:"status"`
	GraceAlert     bool          `json:"grace_alert,omitempty"`
	SilentMode     bool          `json:"silent_mode,omitempty"`

	// Assignment: team xor provider
	AssignedTeamID     string `json:"assigned_team_id,omitempty"`
	AssignedProviderID string `json:"assigned_provider_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Assigned reports whether the request has an assignee.
func (r *PanicRequest) Assigned() bool {
	return r.AssignedTeamID != "" || r.AssignedProviderID != ""
}

// RequestStatusUpdate is an append-only lifecycle log entry.
type RequestStatusUpdate struct {
	ID          string        `json:"id"`
	RequestID   string        `json:"request_id"`
	Status      RequestStatus `json:"status"`
	Message     string        `json:"message,omitempty"`
	ResponderID string        `json:"responder_id,omitempty"`
	Position    *Point        `json:"position,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// LocationSource tags where a GPS breadcrumb came from.
type LocationSource string

const (
	SourceMobile LocationSource = "mobile"
	SourceWeb    LocationSource = "web"
	SourceManual LocationSource = "manual"
)

// LocationLog is an append-only GPS breadcrumb. Deletion cascades with the
// request.
type LocationLog struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id"`
	UserID    string         `json:"user_id"`
	Point     Point          `json:"point"`
	AccuracyM float64        `json:"accuracy_m"`
	Source    LocationSource `json:"source"`
	CreatedAt time.Time      `json:"created_at"`
}

// RequestFeedback is the single completion record for a request.
type RequestFeedback struct {
	RequestID   string    `json:"request_id"`
	ResponderID string    `json:"responder_id"`
	IsPrank     bool      `json:"is_prank"`
	Rating      *int      `json:"rating,omitempty"` // 1..5
	Comments    string    `json:"comments,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserFine is a fine levied for prank accumulation. Amounts are cents.
type UserFine struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	AmountCents int64      `json:"amount_cents"`
	Reason      string     `json:"reason"`
	Paid        bool       `json:"paid"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	PaymentRef  string     `json:"payment_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ProviderAssignment records a provider dispatch with the distance and ETA
// computed at allocation time.
type ProviderAssignment struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	ProviderID string    `json:"provider_id"`
	DistanceKM float64   `json:"distance_km"`
	ETAMinutes int       `json:"eta_minutes"`
	Released   bool      `json:"released"`
	CreatedAt  time.Time `json:"created_at"`
}
