// Package middleware carries the HTTP cross-cutting concerns: request IDs,
// bearer authentication, per-phone rate limiting, and device attestation.
package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haven/backend/internal/auth"
	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/metrics"
	"github.com/haven/backend/internal/notify"
)

// RequestIDHeader carries the per-request correlation ID on both the
// request (client-supplied, optional) and the response.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const (
	principalKey ctxKey = iota
	claimsKey
)

// PrincipalFrom returns the authenticated principal, or nil outside an
// authenticated route.
func PrincipalFrom(ctx context.Context) *core.Principal {
	p, _ := ctx.Value(principalKey).(*core.Principal)
	return p
}

// ClaimsFrom returns the verified token claims.
func ClaimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}

// RequestID stamps every response with a correlation ID, minting one when
// the client did not send its own.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// WriteError renders the platform error envelope. The request_id field
// echoes the response's correlation ID so a client report can be matched
// to the server logs.
func WriteError(w http.ResponseWriter, status int, err error) {
	ce, ok := core.AsError(err)
	if !ok {
		ce = core.NewError(core.CodeStoreError, "internal error")
	}
	id := w.Header().Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
		w.Header().Set(RequestIDHeader, id)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error_code": ce.Code,
		"message":    ce.Message,
		"details":    ce.Details,
		"request_id": id,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// StatusFor maps platform error codes to HTTP statuses.
func StatusFor(err error) int {
	switch core.CodeOf(err) {
	case core.CodeBadCredentials, core.CodeTokenExpired, core.CodeTokenInvalid:
		return http.StatusUnauthorized
	case core.CodeForbidden, core.CodeAccountLocked, core.CodeUserSuspended,
		core.CodeUserBanned, core.CodeGroupNotOwned, core.CodeUnauthorizedRequester,
		core.CodeInvalidAttestation:
		return http.StatusForbidden
	case core.CodeNotFound, core.CodeRequestNotFound, core.CodeProductNotFound:
		return http.StatusNotFound
	case core.CodeEmailExists, core.CodePhoneExists, core.CodeDuplicateRequest,
		core.CodeAlreadyApplied, core.CodeInvalidStatusTransition:
		return http.StatusConflict
	case core.CodeRateLimited, core.CodeTooManyAttempts:
		return http.StatusTooManyRequests
	case core.CodePaymentFailed:
		return http.StatusPaymentRequired
	case core.CodeGatewayUnavailable, core.CodeExternalUnavailable:
		return http.StatusBadGateway
	case core.CodeStoreError:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// Authenticator verifies bearer tokens; satisfied by auth.Service.
type Authenticator interface {
	VerifyToken(ctx context.Context, token string) (*core.Principal, *auth.Claims, error)
}

// Auth rejects requests without a valid bearer token and stores the
// principal and claims on the context.
func Auth(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" || raw == r.Header.Get("Authorization") {
				WriteError(w, http.StatusUnauthorized, core.NewError(core.CodeTokenInvalid, "bearer token required"))
				return
			}
			principal, claims, err := a.VerifyToken(r.Context(), raw)
			if err != nil {
				WriteError(w, StatusFor(err), err)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, principal)
			ctx = context.WithValue(ctx, claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimiter is a fixed-window counter per key, for the unauthenticated
// panic ingest path where the key is the phone.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	hits   map[string][]time.Time
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		window: window,
		limit:  limit,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records a hit and reports whether the key is under its budget. The
// second value is the seconds to wait when rejected.
func (l *RateLimiter) Allow(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.hits[key] = kept
		retry := int(kept[0].Add(l.window).Sub(now).Seconds()) + 1
		return false, retry
	}
	l.hits[key] = append(kept, now)
	return true, 0
}

// Sweep drops keys with no hits in the window; the scheduler calls it.
func (l *RateLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	for key, hits := range l.hits {
		live := false
		for _, t := range hits {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.hits, key)
		}
	}
}

// RateLimit guards a handler with the limiter, keyed by the function.
func RateLimit(l *RateLimiter, keyOf func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyOf(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if ok, retry := l.Allow(key); !ok {
				WriteError(w, http.StatusTooManyRequests,
					core.NewError(core.CodeRateLimited, "too many requests").
						WithDetail("retry_after_seconds", retry))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Attestation rejects requests whose device attestation fails. Platforms
// the verifier does not support pass only in development mode.
func Attestation(verifier notify.Attestation, development bool) func(http.Handler) http.Handler {
	logger := log.New(log.Writer(), "[ATTEST] ", log.LstdFlags)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			platform := r.Header.Get("X-Device-Platform")
			payload := r.Header.Get("X-Device-Attestation")
			if platform == "" {
				// Headerless clients (alarms, cameras) skip attestation.
				next.ServeHTTP(w, r)
				return
			}

			result, err := verifier.Verify(r.Context(), platform, payload)
			if err != nil {
				WriteError(w, http.StatusBadGateway, core.NewError(core.CodeExternalUnavailable, "attestation service unavailable"))
				return
			}
			switch result {
			case notify.AttestationValid:
				next.ServeHTTP(w, r)
			case notify.AttestationUnsupported:
				if development {
					next.ServeHTTP(w, r)
					return
				}
				metrics.SecurityEvents.WithLabelValues("attestation_unsupported").Inc()
				WriteError(w, http.StatusForbidden, core.NewError(core.CodeInvalidAttestation, "platform not supported"))
			default:
				metrics.SecurityEvents.WithLabelValues("attestation_invalid").Inc()
				logger.Printf("rejected attestation platform=%s", platform)
				WriteError(w, http.StatusForbidden, core.NewError(core.CodeInvalidAttestation, "device attestation failed"))
			}
		})
	}
}
