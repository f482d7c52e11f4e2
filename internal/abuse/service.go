// Package abuse escalates prank flags into fines, suspensions, and bans, and
// handles fine settlement.
package abuse

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/haven/backend/internal/config"
	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/events"
	"github.com/haven/backend/internal/metrics"
	"github.com/haven/backend/internal/notify"
	"github.com/haven/backend/internal/store"
)

const source = "/v1/fines"

// Service applies the prank escalation ladder. It subscribes to prank flags
// on the bus and mutates each offender inside a single transaction per
// event, so concurrent flags for one user serialise on the principal row.
type Service struct {
	store   store.Store
	payment notify.Payment
	bus     events.Broker
	cfg     config.FinesConfig
	logger  *log.Logger

	stop chan struct{}
	done chan struct{}

	now func() time.Time
}

func NewService(st store.Store, payment notify.Payment, bus events.Broker, cfg config.FinesConfig) *Service {
	return &Service{
		store:   st,
		payment: payment,
		bus:     bus,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[ABUSE] ", log.LstdFlags),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start consumes prank flags until Stop is called.
func (s *Service) Start() {
	ch := s.bus.Subscribe(events.TypePrankFlagged)
	go func() {
		defer close(s.done)
		for {
			select {
			case <-s.stop:
				s.bus.Unsubscribe(ch)
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := s.HandlePrank(context.Background(), ev.Subject); err != nil {
					s.logger.Printf("prank escalation for %s: %v", ev.Subject, err)
				}
			}
		}
	}()
}

// Stop shuts the consumer down and waits for the in-flight event.
func (s *Service) Stop() {
	close(s.stop)
	<-s.done
}

// HandlePrank runs the escalation ladder for one confirmed prank:
//
//	recent pranks >= threshold  -> fine, growing geometrically up to the cap
//	total >= suspend level      -> suspended while any fine is unpaid
//	total >= ban level          -> banned, permanently
func (s *Service) HandlePrank(ctx context.Context, userID string) error {
	var fined *core.UserFine
	suspended, banned := false, false

	err := s.store.Atomically(ctx, func(tx store.Store) error {
		fined, suspended, banned = nil, false, false

		principal, err := tx.GetPrincipal(ctx, userID)
		if err != nil {
			return err
		}
		if principal == nil {
			return core.NewError(core.CodeNotFound, "user not found")
		}

		now := s.now()
		recent, err := tx.CountPrankFeedbackSince(ctx, userID, now.Add(-s.cfg.RecentWindow))
		if err != nil {
			return err
		}

		if recent >= s.cfg.FineThreshold {
			amount := int64(float64(s.cfg.BaseCents) * math.Pow(s.cfg.Multiplier, float64(recent-s.cfg.FineThreshold)))
			if amount > s.cfg.CapCents {
				amount = s.cfg.CapCents
			}
			fined = &core.UserFine{
				ID:          uuid.NewString(),
				UserID:      userID,
				AmountCents: amount,
				Reason:      "repeated prank requests",
				CreatedAt:   now,
			}
			if err := tx.CreateFine(ctx, fined); err != nil {
				return err
			}
		}

		dirty := false
		if principal.PrankCount >= s.cfg.SuspendAt && !principal.Suspended {
			unpaid, err := tx.ListUnpaidFines(ctx, userID)
			if err != nil {
				return err
			}
			if len(unpaid) > 0 {
				principal.Suspended = true
				suspended = true
				dirty = true
			}
		}
		if principal.PrankCount >= s.cfg.BanAt && !principal.Banned {
			principal.Banned = true
			banned = true
			dirty = true
		}
		if dirty {
			return tx.UpdatePrincipal(ctx, principal)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if fined != nil {
		metrics.FinesIssued.Inc()
		s.logger.Printf("fined %s %d cents", userID, fined.AmountCents)
	}
	if suspended {
		s.bus.Emit(events.TypeAccountSuspended, source, userID, map[string]interface{}{
			"user_id": userID,
			"reason":  "unpaid prank fines",
		})
	}
	if banned {
		s.bus.Emit(events.TypeAccountBanned, source, userID, map[string]interface{}{
			"user_id": userID,
			"reason":  "prank count exceeded the ban level",
		})
	}
	return nil
}

// PayFine charges the gateway for one fine and settles it. When the last
// unpaid fine clears, a suspension lifts; a ban never does.
func (s *Service) PayFine(ctx context.Context, fineID, userID string) (*core.UserFine, error) {
	fine, err := s.store.GetFine(ctx, fineID)
	if err != nil {
		return nil, err
	}
	if fine == nil || fine.UserID != userID {
		return nil, core.NewError(core.CodeNotFound, "fine not found")
	}
	if fine.Paid {
		return fine, nil
	}

	cctx, cancel := context.WithTimeout(ctx, notify.DefaultTimeout)
	res, err := s.payment.Charge(cctx, notify.ChargeRequest{
		IdempotencyKey: "fine:" + fine.ID,
		AmountCents:    fine.AmountCents,
		Currency:       "USD",
		Description:    "prank fine settlement",
		PrincipalID:    userID,
	})
	cancel()
	if err != nil {
		if _, ok := core.AsError(err); ok {
			return nil, err
		}
		return nil, core.NewError(core.CodeGatewayUnavailable, "payment gateway unavailable")
	}
	if !res.Approved {
		return nil, core.NewError(core.CodePaymentFailed, "payment was declined")
	}

	err = s.store.Atomically(ctx, func(tx store.Store) error {
		fine, err = tx.GetFine(ctx, fineID)
		if err != nil {
			return err
		}
		if fine.Paid {
			return nil
		}
		now := s.now()
		fine.Paid = true
		fine.PaidAt = &now
		fine.PaymentRef = res.Ref
		if err := tx.UpdateFine(ctx, fine); err != nil {
			return err
		}

		unpaid, err := tx.ListUnpaidFines(ctx, userID)
		if err != nil {
			return err
		}
		if len(unpaid) > 0 {
			return nil
		}
		principal, err := tx.GetPrincipal(ctx, userID)
		if err != nil {
			return err
		}
		if principal != nil && principal.Suspended && !principal.Banned {
			principal.Suspended = false
			return tx.UpdatePrincipal(ctx, principal)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fine, nil
}

// ListFines returns the user's fines, unpaid and settled.
func (s *Service) ListFines(ctx context.Context, userID string) ([]core.UserFine, error) {
	return s.store.ListFines(ctx, userID)
}
