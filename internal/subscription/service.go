// Package subscription owns the credit ledger and the purchase/apply
// lifecycle of subscriptions. Payment gateway calls always happen outside
// store transactions; the store work is idempotent on the gateway reference
// so a retried webhook or client never double-applies.
package subscription

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/haven/backend/internal/config"
	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/events"
	"github.com/haven/backend/internal/notify"
	"github.com/haven/backend/internal/store"
)

const source = "/v1/subscriptions"

// Service wires the store, the payment gateway, and the event bus.
type Service struct {
	store   store.Store
	payment notify.Payment
	bus     events.Emitter
	cfg     config.DispatchConfig
	logger  *log.Logger

	now func() time.Time
}

func NewService(st store.Store, payment notify.Payment, bus events.Emitter, cfg config.DispatchConfig) *Service {
	return &Service{
		store:   st,
		payment: payment,
		bus:     bus,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[SUBS] ", log.LstdFlags),
		now:     time.Now,
	}
}

// PurchaseCredits charges the gateway and credits the firm's balance.
// Idempotent on the gateway reference: replaying a settled charge appends
// nothing.
func (s *Service) PurchaseCredits(ctx context.Context, firmID string, credits, amountCents int64, idempotencyKey string) (*core.CreditTransaction, error) {
	if credits <= 0 {
		return nil, core.NewError(core.CodePaymentFailed, "credit amount must be positive")
	}
	firm, err := s.store.GetFirm(ctx, firmID)
	if err != nil {
		return nil, err
	}
	if firm == nil {
		return nil, core.NewError(core.CodeNotFound, "firm not found")
	}
	if firm.Status != core.FirmApproved {
		return nil, core.NewError(core.CodeFirmNotApproved, "firm is not approved")
	}

	res, err := s.charge(ctx, notify.ChargeRequest{
		IdempotencyKey: idempotencyKey,
		AmountCents:    amountCents,
		Currency:       "ZAR",
		Description:    fmt.Sprintf("%d platform credits", credits),
		PrincipalID:    firmID,
	})
	if err != nil {
		return nil, err
	}

	var txn *core.CreditTransaction
	err = s.store.Atomically(ctx, func(tx store.Store) error {
		if prev, err := tx.GetCreditTransactionByRef(ctx, res.Ref); err != nil {
			return err
		} else if prev != nil {
			txn = prev
			return nil
		}
		firm, err := tx.GetFirm(ctx, firmID)
		if err != nil {
			return err
		}
		firm.CreditBalance += credits
		if err := tx.UpdateFirm(ctx, firm); err != nil {
			return err
		}
		txn = &core.CreditTransaction{
			ID:          uuid.NewString(),
			FirmID:      firmID,
			Delta:       credits,
			Reason:      "credit_purchase",
			ExternalRef: res.Ref,
			CreatedAt:   s.now(),
		}
		return tx.AppendCreditTransaction(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// CreateProduct registers a firm-owned subscription offer.
func (s *Service) CreateProduct(ctx context.Context, firmID, name string, maxUsers int, priceCents, creditCost int64) (*core.SubscriptionProduct, error) {
	firm, err := s.store.GetFirm(ctx, firmID)
	if err != nil {
		return nil, err
	}
	if firm == nil {
		return nil, core.NewError(core.CodeNotFound, "firm not found")
	}
	if firm.Status != core.FirmApproved {
		return nil, core.NewError(core.CodeFirmNotApproved, "only approved firms may sell subscriptions")
	}
	if maxUsers <= 0 || priceCents <= 0 || creditCost < 0 {
		return nil, core.NewError(core.CodeProductNotFound, "invalid product parameters")
	}
	p := &core.SubscriptionProduct{
		ID:         uuid.NewString(),
		FirmID:     firmID,
		Name:       name,
		MaxUsers:   maxUsers,
		PriceCents: priceCents,
		CreditCost: creditCost,
		Active:     true,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RetireProduct removes an offer. Products with purchase history are only
// deactivated so the ledger keeps resolving.
func (s *Service) RetireProduct(ctx context.Context, productID string) error {
	return s.store.Atomically(ctx, func(tx store.Store) error {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if p == nil {
			return core.NewError(core.CodeProductNotFound, "product not found")
		}
		referenced, err := tx.AnyStoredSubscriptionForProduct(ctx, productID)
		if err != nil {
			return err
		}
		if referenced {
			p.Active = false
			return tx.UpdateProduct(ctx, p)
		}
		return tx.DeleteProduct(ctx, productID)
	})
}

// PurchaseSubscription charges the product price and stores an unapplied
// entitlement. Idempotent on the gateway reference.
func (s *Service) PurchaseSubscription(ctx context.Context, userID, productID, idempotencyKey string) (*core.StoredSubscription, error) {
	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product == nil || !product.Active {
		return nil, core.NewError(core.CodeProductNotFound, "product not found")
	}
	firm, err := s.store.GetFirm(ctx, product.FirmID)
	if err != nil {
		return nil, err
	}
	if firm == nil || firm.Status != core.FirmApproved {
		return nil, core.NewError(core.CodeFirmNotApproved, "firm is not approved")
	}

	res, err := s.charge(ctx, notify.ChargeRequest{
		IdempotencyKey: idempotencyKey,
		AmountCents:    product.PriceCents,
		Currency:       "ZAR",
		Description:    "subscription: " + product.Name,
		PrincipalID:    userID,
	})
	if err != nil {
		return nil, err
	}

	var sub *core.StoredSubscription
	err = s.store.Atomically(ctx, func(tx store.Store) error {
		if prev, err := tx.GetStoredSubscriptionByPaymentRef(ctx, res.Ref); err != nil {
			return err
		} else if prev != nil {
			sub = prev
			return nil
		}
		sub = &core.StoredSubscription{
			ID:          uuid.NewString(),
			UserID:      userID,
			ProductID:   productID,
			PurchasedAt: s.now(),
			PaymentRef:  res.Ref,
		}
		return tx.CreateStoredSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ApplySubscription binds a stored subscription to a group. All five
// preconditions are checked in one transaction under row locks on the
// stored subscription and the firm, so two concurrent applies of the same
// entitlement serialise and the second fails SUB_ALREADY_APPLIED.
func (s *Service) ApplySubscription(ctx context.Context, userID, subscriptionID, groupID string) (*core.UserGroup, error) {
	var group *core.UserGroup
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		sub, err := tx.GetStoredSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil || sub.UserID != userID {
			return core.NewError(core.CodeNotFound, "subscription not found")
		}
		if sub.Applied {
			return core.NewError(core.CodeAlreadyApplied, "subscription already applied").
				WithDetail("applied_to_group", sub.AppliedToGroup)
		}

		product, err := tx.GetProduct(ctx, sub.ProductID)
		if err != nil {
			return err
		}
		if product == nil {
			return core.NewError(core.CodeProductNotFound, "product no longer exists")
		}
		firm, err := tx.GetFirm(ctx, product.FirmID)
		if err != nil {
			return err
		}
		if firm == nil || firm.Status != core.FirmApproved {
			return core.NewError(core.CodeFirmNotApproved, "firm is not approved")
		}

		group, err = tx.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if group == nil {
			return core.NewError(core.CodeNotFound, "group not found")
		}
		membership, err := tx.GetMembership(ctx, groupID, userID)
		if err != nil {
			return err
		}
		if membership == nil || !membership.Active ||
			(membership.Role != core.GroupOwner && membership.Role != core.GroupAdmin) {
			return core.NewError(core.CodeGroupNotOwned, "caller does not administer this group")
		}

		phones, err := tx.ListGroupPhones(ctx, groupID)
		if err != nil {
			return err
		}
		if len(phones) > product.MaxUsers {
			return core.NewError(core.CodeUserLimitExceeded, "group has more phone numbers than the product allows").
				WithDetail("max_users", product.MaxUsers).
				WithDetail("group_phones", len(phones))
		}

		covered, err := tx.FirmCovers(ctx, firm.ID, group.Point)
		if err != nil {
			return err
		}
		if !covered {
			return core.NewError(core.CodeLocationNotCovered, "firm does not cover the group location")
		}

		if firm.CreditBalance < product.CreditCost {
			return core.NewError(core.CodeInsufficientCredits, "firm has insufficient credits").
				WithDetail("required", product.CreditCost).
				WithDetail("available", firm.CreditBalance)
		}
		firm.CreditBalance -= product.CreditCost
		if err := tx.UpdateFirm(ctx, firm); err != nil {
			return err
		}
		if err := tx.AppendCreditTransaction(ctx, &core.CreditTransaction{
			ID:          uuid.NewString(),
			FirmID:      firm.ID,
			Delta:       -product.CreditCost,
			Reason:      "subscription_apply",
			ExternalRef: "sub:" + sub.ID,
			CreatedAt:   s.now(),
		}); err != nil {
			return err
		}

		// Extension stacks on a still-active subscription, never shortens.
		now := s.now()
		base := now
		if group.SubscriptionExpiresAt != nil && group.SubscriptionExpiresAt.After(now) {
			base = *group.SubscriptionExpiresAt
		}
		expires := base.Add(s.cfg.SubscriptionWindow)
		group.SubscriptionID = sub.ID
		group.SubscriptionExpiresAt = &expires
		if err := tx.UpdateGroup(ctx, group); err != nil {
			return err
		}

		sub.Applied = true
		sub.AppliedToGroup = groupID
		sub.AppliedAt = &now
		return tx.UpdateStoredSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}

	s.bus.Emit(events.TypeSubscriptionApplied, source, groupID, map[string]interface{}{
		"group_id":        groupID,
		"subscription_id": subscriptionID,
		"expires_at":      group.SubscriptionExpiresAt.Format(time.RFC3339),
	})
	return group, nil
}

// Validation is the subscription state of a group at one instant.
type Validation struct {
	Status    string     `json:"status"` // active | grace | expired | none
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	FirmID    string     `json:"firm_id,omitempty"`
}

// Validate reports active / grace / expired for the group's subscription.
// Grace runs for the configured window past expiry.
func (s *Service) Validate(ctx context.Context, groupID string) (*Validation, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, core.NewError(core.CodeNotFound, "group not found")
	}
	return s.validateGroup(ctx, s.store, group)
}

// ValidateGroup evaluates an already-loaded group, usable inside a caller's
// transaction.
func (s *Service) ValidateGroup(ctx context.Context, tx store.Store, group *core.UserGroup) (*Validation, error) {
	return s.validateGroup(ctx, tx, group)
}

func (s *Service) validateGroup(ctx context.Context, tx store.Store, group *core.UserGroup) (*Validation, error) {
	v := &Validation{Status: "none"}
	if group.SubscriptionID == "" || group.SubscriptionExpiresAt == nil {
		return v, nil
	}
	v.ExpiresAt = group.SubscriptionExpiresAt

	if sub, err := tx.GetStoredSubscription(ctx, group.SubscriptionID); err != nil {
		return nil, err
	} else if sub != nil {
		if product, err := tx.GetProduct(ctx, sub.ProductID); err != nil {
			return nil, err
		} else if product != nil {
			v.FirmID = product.FirmID
		}
	}

	now := s.now()
	switch {
	case now.Before(*group.SubscriptionExpiresAt):
		v.Status = "active"
	case now.Before(group.SubscriptionExpiresAt.Add(s.cfg.GraceWindow)):
		v.Status = "grace"
	default:
		v.Status = "expired"
	}
	return v, nil
}

// ListStored returns the user's stored subscriptions.
func (s *Service) ListStored(ctx context.Context, userID string) ([]core.StoredSubscription, error) {
	return s.store.ListStoredSubscriptions(ctx, userID)
}

// ListTransactions returns the firm's credit ledger, oldest first.
func (s *Service) ListTransactions(ctx context.Context, firmID string) ([]core.CreditTransaction, error) {
	return s.store.ListCreditTransactions(ctx, firmID)
}

func (s *Service) charge(ctx context.Context, req notify.ChargeRequest) (*notify.ChargeResult, error) {
	cctx, cancel := context.WithTimeout(ctx, notify.DefaultTimeout)
	defer cancel()
	res, err := s.payment.Charge(cctx, req)
	if err != nil {
		if _, ok := core.AsError(err); ok {
			return nil, err
		}
		return nil, core.NewError(core.CodeGatewayUnavailable, "payment gateway unavailable")
	}
	if !res.Approved {
		return nil, core.NewError(core.CodePaymentFailed, "payment was declined")
	}
	return res, nil
}
