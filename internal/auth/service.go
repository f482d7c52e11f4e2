package auth

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/haven/backend/internal/config"
	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/metrics"
	"github.com/haven/backend/internal/notify"
	"github.com/haven/backend/internal/store"
)

// Service owns registration, login with lockout, unlock OTPs, and token
// lifecycle. All account mutations run inside Atomically so concurrent
// logins against one principal serialise on the row.
type Service struct {
	store  store.Store
	broker *Broker
	sender notify.Sender
	cfg    config.AuthConfig
	logger *log.Logger

	now func() time.Time
}

func NewService(st store.Store, broker *Broker, sender notify.Sender, cfg config.AuthConfig) *Service {
	return &Service{
		store:  st,
		broker: broker,
		sender: sender,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
		now:    time.Now,
	}
}

// RegisterInput is the public sign-up payload.
type RegisterInput struct {
	Email    string
	Phone    string
	Password string
	Kind     core.PrincipalKind
}

// Register creates an unverified principal and sends a verification OTP to
// the phone. Email and phone uniqueness is enforced by the store.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*core.Principal, error) {
	if err := ValidatePassword(in.Password); err != nil {
		return nil, err
	}
	if in.Kind == "" {
		in.Kind = core.KindEndUser
	}
	hash, err := HashPassword(in.Password, s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	code, err := GenerateOTP()
	if err != nil {
		return nil, err
	}

	p := &core.Principal{
		ID:           uuid.NewString(),
		Kind:         in.Kind,
		Email:        in.Email,
		Phone:        in.Phone,
		PasswordHash: hash,
		OTP: &core.UnlockOTP{
			Digest:       DigestOTP(code),
			ExpiresAt:    s.now().Add(s.cfg.OTPLifetime),
			AttemptsLeft: s.cfg.OTPAttempts,
		},
		CreatedAt: s.now(),
	}
	if err := s.store.CreatePrincipal(ctx, p); err != nil {
		return nil, err
	}

	// Delivery failure does not undo registration; the client can request a
	// fresh code.
	if err := s.sender.Send(ctx, notify.MethodSMS, p.Phone,
		"Your Haven verification code is "+code); err != nil {
		s.logger.Printf("verification otp delivery failed for %s: %v", p.ID, err)
	}
	return p, nil
}

// VerifyPhone consumes a verification OTP and marks the principal verified.
func (s *Service) VerifyPhone(ctx context.Context, phone, code string) error {
	return s.store.Atomically(ctx, func(tx store.Store) error {
		p, err := tx.GetPrincipalByPhone(ctx, phone)
		if err != nil {
			return err
		}
		if p == nil {
			return core.NewError(core.CodeNotFound, "account not found")
		}
		if err := s.consumeOTP(ctx, tx, p, code); err != nil {
			return err
		}
		p.Verified = true
		return tx.UpdatePrincipal(ctx, p)
	})
}

// Login checks credentials under the lockout machine and issues a token
// pair. Five consecutive failures lock the account for the configured
// duration.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	var pair *TokenPair
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		p, err := tx.GetPrincipalByEmail(ctx, email)
		if err != nil {
			return err
		}
		if p == nil {
			metrics.AuthFailures.WithLabelValues("bad_credentials").Inc()
			return core.NewError(core.CodeBadCredentials, "invalid email or password")
		}
		if p.Banned {
			metrics.AuthFailures.WithLabelValues("banned").Inc()
			return core.NewError(core.CodeUserBanned, "account is banned")
		}
		now := s.now()
		if p.Locked(now) {
			metrics.AuthFailures.WithLabelValues("locked").Inc()
			return lockedError(p, now)
		}

		if !CheckPassword(p.PasswordHash, password) {
			p.FailedAttempts++
			remaining := s.cfg.LockoutThreshold - p.FailedAttempts
			if remaining <= 0 {
				until := now.Add(s.cfg.LockoutDuration)
				p.LockedUntil = &until
				metrics.Lockouts.Inc()
				s.logger.Printf("account %s locked until %s", p.ID, until.Format(time.RFC3339))
			}
			if err := tx.UpdatePrincipal(ctx, p); err != nil {
				return err
			}
			metrics.AuthFailures.WithLabelValues("bad_credentials").Inc()
			e := core.NewError(core.CodeBadCredentials, "invalid email or password")
			if remaining > 0 {
				e.WithDetail("attempts_remaining", remaining)
			}
			return e
		}

		// Success clears the failure streak.
		p.FailedAttempts = 0
		p.LockedUntil = nil
		if err := tx.UpdatePrincipal(ctx, p); err != nil {
			return err
		}
		pair, err = s.broker.IssuePair(p.ID, p.Kind)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// Refresh rotates a refresh token: the old one is revoked and a fresh pair
// issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.broker.Verify(refreshToken, true)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPrincipal(ctx, claims.PrincipalID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Banned {
		return nil, core.NewError(core.CodeTokenInvalid, "account unavailable")
	}
	s.broker.Revoke(claims)
	return s.broker.IssuePair(p.ID, p.Kind)
}

// Revoke blacklists a token (access or refresh). Unknown tokens still
// return the verification error so callers can distinguish malformed input.
func (s *Service) Revoke(ctx context.Context, token string) error {
	claims, err := s.broker.Verify(token, false)
	if err != nil {
		if claims, err = s.broker.Verify(token, true); err != nil {
			return err
		}
	}
	s.broker.Revoke(claims)
	return nil
}

// VerifyToken resolves an access token to its principal. Banned accounts
// fail even with a cryptographically valid token.
func (s *Service) VerifyToken(ctx context.Context, token string) (*core.Principal, *Claims, error) {
	claims, err := s.broker.Verify(token, false)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.store.GetPrincipal(ctx, claims.PrincipalID)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, core.NewError(core.CodeTokenInvalid, "account unavailable")
	}
	if p.Banned {
		return nil, nil, core.NewError(core.CodeUserBanned, "account is banned")
	}
	return p, claims, nil
}

// Me returns the principal behind an access token.
func (s *Service) Me(ctx context.Context, token string) (*core.Principal, error) {
	p, _, err := s.VerifyToken(ctx, token)
	return p, err
}

// RequestUnlockOTP issues a fresh unlock code for a locked (or any) account
// and delivers it via the chosen method.
func (s *Service) RequestUnlockOTP(ctx context.Context, email, method string) error {
	if method != notify.MethodSMS && method != notify.MethodEmail {
		return core.NewError(core.CodeBadDeliveryMethod, "delivery method must be sms or email")
	}
	code, err := GenerateOTP()
	if err != nil {
		return err
	}
	var recipient string
	err = s.store.Atomically(ctx, func(tx store.Store) error {
		p, err := tx.GetPrincipalByEmail(ctx, email)
		if err != nil {
			return err
		}
		if p == nil {
			return core.NewError(core.CodeNotFound, "account not found")
		}
		p.OTP = &core.UnlockOTP{
			Digest:       DigestOTP(code),
			ExpiresAt:    s.now().Add(s.cfg.OTPLifetime),
			AttemptsLeft: s.cfg.OTPAttempts,
		}
		if method == notify.MethodSMS {
			recipient = p.Phone
		} else {
			recipient = p.Email
		}
		return tx.UpdatePrincipal(ctx, p)
	})
	if err != nil {
		return err
	}
	// Outside the transaction: the sender retries internally.
	if err := s.sender.Send(ctx, method, recipient,
		"Your Haven unlock code is "+code); err != nil {
		s.logger.Printf("unlock otp delivery failed for %s: %v", email, err)
		return core.NewError(core.CodeExternalUnavailable, "could not deliver unlock code")
	}
	return nil
}

// VerifyUnlockOTP consumes an unlock code. On success the lock and failure
// streak clear; the caller then logs in normally.
func (s *Service) VerifyUnlockOTP(ctx context.Context, email, code string) error {
	return s.store.Atomically(ctx, func(tx store.Store) error {
		p, err := tx.GetPrincipalByEmail(ctx, email)
		if err != nil {
			return err
		}
		if p == nil {
			return core.NewError(core.CodeNotFound, "account not found")
		}
		if err := s.consumeOTP(ctx, tx, p, code); err != nil {
			return err
		}
		p.LockedUntil = nil
		p.FailedAttempts = 0
		return tx.UpdatePrincipal(ctx, p)
	})
}

// consumeOTP applies the shared OTP rules: expiry, attempt budget, constant
// time match. On success the pending OTP clears; the caller persists p.
func (s *Service) consumeOTP(ctx context.Context, tx store.Store, p *core.Principal, code string) error {
	if p.OTP == nil {
		return core.NewError(core.CodeBadOTP, "no code pending")
	}
	if s.now().After(p.OTP.ExpiresAt) {
		p.OTP = nil
		if err := tx.UpdatePrincipal(ctx, p); err != nil {
			return err
		}
		return core.NewError(core.CodeOTPExpired, "code expired, request a new one")
	}
	if !MatchOTP(p.OTP.Digest, code) {
		p.OTP.AttemptsLeft--
		if p.OTP.AttemptsLeft <= 0 {
			p.OTP = nil
			if err := tx.UpdatePrincipal(ctx, p); err != nil {
				return err
			}
			return core.NewError(core.CodeTooManyAttempts, "too many attempts, request a new code")
		}
		if err := tx.UpdatePrincipal(ctx, p); err != nil {
			return err
		}
		return core.NewError(core.CodeBadOTP, "incorrect code").
			WithDetail("attempts_remaining", p.OTP.AttemptsLeft)
	}
	p.OTP = nil
	return nil
}

// AccountStatus is the lockout view surfaced to clients and support tools.
type AccountStatus struct {
	State             string     `json:"state"` // ok | locked | otp_pending
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	RetryAfterMinutes int        `json:"retry_after_minutes,omitempty"`
	OTPAttemptsLeft   int        `json:"otp_attempts_left,omitempty"`
	FailedAttempts    int        `json:"failed_attempts"`
	Verified          bool       `json:"verified"`
	Suspended         bool       `json:"suspended"`
	Banned            bool       `json:"banned"`
	PrankCount        int        `json:"prank_count"`
}

// Status reports the account's lockout state.
func (s *Service) Status(ctx context.Context, principalID string) (*AccountStatus, error) {
	p, err := s.store.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, core.NewError(core.CodeNotFound, "account not found")
	}
	now := s.now()
	st := &AccountStatus{
		State:          "ok",
		FailedAttempts: p.FailedAttempts,
		Verified:       p.Verified,
		Suspended:      p.Suspended,
		Banned:         p.Banned,
		PrankCount:     p.PrankCount,
	}
	switch {
	case p.Locked(now):
		st.State = "locked"
		st.LockedUntil = p.LockedUntil
		st.RetryAfterMinutes = retryAfterMinutes(p, now)
	case p.OTP != nil && now.Before(p.OTP.ExpiresAt):
		st.State = "otp_pending"
		st.OTPAttemptsLeft = p.OTP.AttemptsLeft
	}
	return st, nil
}

func lockedError(p *core.Principal, now time.Time) *core.Error {
	return core.NewError(core.CodeAccountLocked, "account temporarily locked").
		WithDetail("retry_after_minutes", retryAfterMinutes(p, now))
}

func retryAfterMinutes(p *core.Principal, now time.Time) int {
	return int(math.Ceil(p.LockedUntil.Sub(now).Minutes()))
}
