package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven/backend/internal/config"
	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/events"
	"github.com/haven/backend/internal/notify"
	"github.com/haven/backend/internal/store"
)

type fixture struct {
	svc     *Service
	store   *store.Memory
	payment *notify.MockPayment
	bus     *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	payment := notify.NewMockPayment()
	bus := events.NewBus()
	cfg := config.DispatchConfig{
		SubscriptionWindow: 30 * 24 * time.Hour,
		GraceWindow:        7 * 24 * time.Hour,
	}
	return &fixture{
		svc:     NewService(mem, payment, bus, cfg),
		store:   mem,
		payment: payment,
		bus:     bus,
	}
}

func ring() []core.Point {
	return []core.Point{
		{Lon: 27, Lat: -27}, {Lon: 29, Lat: -27}, {Lon: 29, Lat: -25},
		{Lon: 27, Lat: -25}, {Lon: 27, Lat: -27},
	}
}

// seed builds an approved firm with coverage and credits, a product, and a
// group owned by "owner".
func (f *fixture) seed(t *testing.T, credits int64, maxUsers int) (firmID, productID, groupID string) {
	t.Helper()
	ctx := context.Background()

	firmID, productID, groupID = "firm-1", "", "group-1"
	require.NoError(t, f.store.CreateFirm(ctx, &core.SecurityFirm{
		ID: firmID, Name: "Acme Security", RegistrationNo: "r1",
		Status: core.FirmApproved, CreditBalance: credits, CreatedAt: time.Now(),
	}))
	require.NoError(t, f.store.CreateCoverageArea(ctx, &core.CoverageArea{
		ID: "area-1", FirmID: firmID, Name: "jhb", Ring: ring(), Active: true, CreatedAt: time.Now(),
	}))

	p, err := f.svc.CreateProduct(ctx, firmID, "Home", maxUsers, 19900, 10)
	require.NoError(t, err)
	productID = p.ID

	require.NoError(t, f.store.CreateGroup(ctx, &core.UserGroup{
		ID: groupID, Name: "Home", Address: "1 Main Rd",
		Point: core.Point{Lon: 28, Lat: -26}, CreatedAt: time.Now(),
	}))
	require.NoError(t, f.store.CreateMembership(ctx, &core.GroupMembership{
		ID: "m-owner", GroupID: groupID, PrincipalID: "owner",
		Role: core.GroupOwner, Active: true,
	}))
	return firmID, productID, groupID
}

func TestPurchaseCreditsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	firmID, _, _ := f.seed(t, 0, 4)

	txn, err := f.svc.PurchaseCredits(ctx, firmID, 100, 50000, "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), txn.Delta)

	// Same idempotency key replays the settled charge: no double credit.
	again, err := f.svc.PurchaseCredits(ctx, firmID, 100, 50000, "key-1")
	require.NoError(t, err)
	assert.Equal(t, txn.ID, again.ID)

	firm, _ := f.store.GetFirm(ctx, firmID)
	assert.Equal(t, int64(100), firm.CreditBalance)

	txns, _ := f.store.ListCreditTransactions(ctx, firmID)
	assert.Len(t, txns, 1)
}

func TestPurchaseCreditsRequiresApprovedFirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateFirm(ctx, &core.SecurityFirm{
		ID: "draft-firm", Name: "n", RegistrationNo: "r", Status: core.FirmDraft, CreatedAt: time.Now(),
	}))
	_, err := f.svc.PurchaseCredits(ctx, "draft-firm", 10, 1000, "k")
	assert.Equal(t, core.CodeFirmNotApproved, core.CodeOf(err))

	_, err = f.svc.CreateProduct(ctx, "draft-firm", "x", 4, 1000, 1)
	assert.Equal(t, core.CodeFirmNotApproved, core.CodeOf(err))
}

func TestPurchaseAndApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	firmID, productID, groupID := f.seed(t, 50, 4)

	applied := f.bus.Subscribe(events.TypeSubscriptionApplied)

	sub, err := f.svc.PurchaseSubscription(ctx, "owner", productID, "buy-1")
	require.NoError(t, err)
	assert.False(t, sub.Applied)

	group, err := f.svc.ApplySubscription(ctx, "owner", sub.ID, groupID)
	require.NoError(t, err)
	require.NotNil(t, group.SubscriptionExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *group.SubscriptionExpiresAt, time.Minute)

	// Firm debited, ledger balances.
	firm, _ := f.store.GetFirm(ctx, firmID)
	assert.Equal(t, int64(40), firm.CreditBalance)
	txns, _ := f.store.ListCreditTransactions(ctx, firmID)
	var sum int64
	for _, txn := range txns {
		sum += txn.Delta
	}
	assert.Equal(t, int64(-10), sum)

	select {
	case ev := <-applied:
		assert.Equal(t, groupID, ev.Subject)
	default:
		t.Fatal("subscription.applied not emitted")
	}

	// Second apply of the same entitlement fails.
	_, err = f.svc.ApplySubscription(ctx, "owner", sub.ID, groupID)
	assert.Equal(t, core.CodeAlreadyApplied, core.CodeOf(err))
}

func TestApplyExtensionStacks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, productID, groupID := f.seed(t, 50, 4)

	s1, err := f.svc.PurchaseSubscription(ctx, "owner", productID, "buy-1")
	require.NoError(t, err)
	g1, err := f.svc.ApplySubscription(ctx, "owner", s1.ID, groupID)
	require.NoError(t, err)
	first := *g1.SubscriptionExpiresAt

	s2, err := f.svc.PurchaseSubscription(ctx, "owner", productID, "buy-2")
	require.NoError(t, err)
	g2, err := f.svc.ApplySubscription(ctx, "owner", s2.ID, groupID)
	require.NoError(t, err)

	// Second application extends from the current expiry, not from now.
	assert.WithinDuration(t, first.Add(30*24*time.Hour), *g2.SubscriptionExpiresAt, time.Second)
}

func TestApplyInsufficientCreditsRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	firmID, productID, groupID := f.seed(t, 5, 4) // product costs 10

	sub, err := f.svc.PurchaseSubscription(ctx, "owner", productID, "buy-1")
	require.NoError(t, err)

	_, err = f.svc.ApplySubscription(ctx, "owner", sub.ID, groupID)
	assert.Equal(t, core.CodeInsufficientCredits, core.CodeOf(err))

	// Nothing moved.
	firm, _ := f.store.GetFirm(ctx, firmID)
	assert.Equal(t, int64(5), firm.CreditBalance)
	stored, _ := f.store.GetStoredSubscription(ctx, sub.ID)
	assert.False(t, stored.Applied)
	group, _ := f.store.GetGroup(ctx, groupID)
	assert.Nil(t, group.SubscriptionExpiresAt)
}

func TestApplyPhoneLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, productID, groupID := f.seed(t, 50, 2)

	// The product seat count caps registered phone numbers, not memberships.
	for i, phone := range []string{"+27821110001", "+27821110002", "+27821110003"} {
		require.NoError(t, f.store.CreateGroupPhone(ctx, &core.GroupPhoneNumber{
			ID: "gp-" + phone, GroupID: groupID, Phone: phone,
			Kind: core.PhoneIndividual, Verified: i == 0,
		}))
	}

	sub, err := f.svc.PurchaseSubscription(ctx, "owner", productID, "buy-1")
	require.NoError(t, err)
	_, err = f.svc.ApplySubscription(ctx, "owner", sub.ID, groupID)
	require.Equal(t, core.CodeUserLimitExceeded, core.CodeOf(err))
	ce, _ := core.AsError(err)
	assert.Equal(t, 2, ce.Details["max_users"])
	assert.Equal(t, 3, ce.Details["group_phones"])

	// Dropping back inside the limit clears the block; extra memberships
	// never count against it.
	require.NoError(t, f.store.DeleteGroupPhone(ctx, "gp-+27821110003"))
	require.NoError(t, f.store.CreateMembership(ctx, &core.GroupMembership{
		ID: "m-u1", GroupID: groupID, PrincipalID: "u1",
		Role: core.GroupMember, Active: true,
	}))
	_, err = f.svc.ApplySubscription(ctx, "owner", sub.ID, groupID)
	require.NoError(t, err)
}

func TestApplyRequiresGroupAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, productID, groupID := f.seed(t, 50, 4)
	require.NoError(t, f.store.CreateMembership(ctx, &core.GroupMembership{
		ID: "m-plain", GroupID: groupID, PrincipalID: "plain",
		Role: core.GroupMember, Active: true,
	}))

	sub, err := f.svc.PurchaseSubscription(ctx, "plain", productID, "buy-1")
	require.NoError(t, err)
	_, err = f.svc.ApplySubscription(ctx, "plain", sub.ID, groupID)
	assert.Equal(t, core.CodeGroupNotOwned, core.CodeOf(err))
}

func TestApplyOutsideCoverage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, productID, _ := f.seed(t, 50, 4)

	require.NoError(t, f.store.CreateGroup(ctx, &core.UserGroup{
		ID: "far-group", Name: "Farm", Address: "far away",
		Point: core.Point{Lon: 18, Lat: -33}, CreatedAt: time.Now(),
	}))
	require.NoError(t, f.store.CreateMembership(ctx, &core.GroupMembership{
		ID: "m-far", GroupID: "far-group", PrincipalID: "owner",
		Role: core.GroupOwner, Active: true,
	}))

	sub, err := f.svc.PurchaseSubscription(ctx, "owner", productID, "buy-1")
	require.NoError(t, err)
	_, err = f.svc.ApplySubscription(ctx, "owner", sub.ID, "far-group")
	assert.Equal(t, core.CodeLocationNotCovered, core.CodeOf(err))
}

func TestValidateLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	firmID, productID, groupID := f.seed(t, 50, 4)

	v, err := f.svc.Validate(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, "none", v.Status)

	sub, err := f.svc.PurchaseSubscription(ctx, "owner", productID, "buy-1")
	require.NoError(t, err)
	_, err = f.svc.ApplySubscription(ctx, "owner", sub.ID, groupID)
	require.NoError(t, err)

	v, err = f.svc.Validate(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, "active", v.Status)
	assert.Equal(t, firmID, v.FirmID)

	// 31 days on: inside the 7 day grace window.
	f.svc.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	v, _ = f.svc.Validate(ctx, groupID)
	assert.Equal(t, "grace", v.Status)

	// 38 days on: expired outright.
	f.svc.now = func() time.Time { return time.Now().Add(38 * 24 * time.Hour) }
	v, _ = f.svc.Validate(ctx, groupID)
	assert.Equal(t, "expired", v.Status)
}

func TestRetireProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, productID, _ := f.seed(t, 50, 4)

	// With purchase history the product only deactivates.
	_, err := f.svc.PurchaseSubscription(ctx, "owner", productID, "buy-1")
	require.NoError(t, err)
	require.NoError(t, f.svc.RetireProduct(ctx, productID))
	p, _ := f.store.GetProduct(ctx, productID)
	require.NotNil(t, p)
	assert.False(t, p.Active)

	// A deactivated product cannot be purchased.
	_, err = f.svc.PurchaseSubscription(ctx, "owner", productID, "buy-2")
	assert.Equal(t, core.CodeProductNotFound, core.CodeOf(err))
}

func TestPaymentDeclined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, productID, _ := f.seed(t, 50, 4)

	f.payment.FailNext = true
	_, err := f.svc.PurchaseSubscription(ctx, "owner", productID, "buy-1")
	assert.Equal(t, core.CodePaymentFailed, core.CodeOf(err))

	subs, _ := f.store.ListStoredSubscriptions(ctx, "owner")
	assert.Empty(t, subs)
}
