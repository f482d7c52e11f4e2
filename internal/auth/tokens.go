// Package auth implements credentials, the lockout state machine, unlock
// OTPs, and HMAC-signed bearer tokens.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haven/backend/internal/core"
)

// Claims is the payload embedded in a signed token.
type Claims struct {
	TokenID     string             `json:"tid"`
	PrincipalID string             `json:"sub"`
	Kind        core.PrincipalKind `json:"kind"`
	Refresh     bool               `json:"rfh,omitempty"`
	IssuedAt    int64              `json:"iat"`
	ExpiresAt   int64              `json:"exp"`
	Issuer      string             `json:"iss"`
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	AccessExpiresAt  int64  `json:"access_expires_at"`
	RefreshExpiresAt int64  `json:"refresh_expires_at"`
}

// BrokerConfig configures the token broker.
type BrokerConfig struct {
	HMACSecret         string
	PreviousHMACSecret string
	RotationGrace      time.Duration // how long the previous key stays valid
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	Issuer             string
}

// Broker signs and verifies bearer tokens. Token format is
// base64url(claims JSON) + "." + base64url(HMAC-SHA256 signature). Revoked
// token IDs are held until their natural expiry; the scheduler prunes them.
type Broker struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string

	// tokenID -> expiry of the revoked token
	revoked map[string]time.Time

	now func() time.Time
}

// NewBroker builds a broker, defaulting TTLs and the rotation grace window.
func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 60 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "haven"
	}
	if cfg.RotationGrace == 0 {
		cfg.RotationGrace = 24 * time.Hour
	}

	secret := []byte(cfg.HMACSecret)
	if len(secret) == 0 {
		// Development fallback; production sets HAVEN_HMAC_SECRET.
		secret = []byte("haven-dev-hmac-secret-change-in-production")
	}

	var prevSecret []byte
	var graceUntil time.Time
	if cfg.PreviousHMACSecret != "" {
		prevSecret = []byte(cfg.PreviousHMACSecret)
		graceUntil = time.Now().Add(cfg.RotationGrace)
	}

	return &Broker{
		secret:     secret,
		prevSecret: prevSecret,
		graceUntil: graceUntil,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		issuer:     cfg.Issuer,
		revoked:    make(map[string]time.Time),
		now:        time.Now,
	}
}

// IssuePair signs a fresh access + refresh token pair for the principal.
func (b *Broker) IssuePair(principalID string, kind core.PrincipalKind) (*TokenPair, error) {
	now := b.now()
	access, accessExp, err := b.issue(principalID, kind, false, now)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := b.issue(principalID, kind, true, now)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (b *Broker) issue(principalID string, kind core.PrincipalKind, refresh bool, now time.Time) (string, int64, error) {
	ttl := b.accessTTL
	if refresh {
		ttl = b.refreshTTL
	}
	claims := Claims{
		TokenID:     uuid.NewString(),
		PrincipalID: principalID,
		Kind:        kind,
		Refresh:     refresh,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(ttl).Unix(),
		Issuer:      b.issuer,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", 0, err
	}
	sig := sign(b.secret, payload)
	token := base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(sig)
	return token, claims.ExpiresAt, nil
}

// Verify checks signature (current key first, previous key inside the
// rotation grace window), expiry, revocation, and the refresh flag.
func (b *Broker) Verify(token string, wantRefresh bool) (*Claims, error) {
	dot := strings.LastIndexByte(token, '.')
	if dot < 0 {
		return nil, core.NewError(core.CodeTokenInvalid, "malformed token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return nil, core.NewError(core.CodeTokenInvalid, "malformed token")
	}
	sig, err := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		return nil, core.NewError(core.CodeTokenInvalid, "malformed token")
	}

	valid := hmac.Equal(sig, sign(b.secret, payload))
	if !valid {
		b.mu.RLock()
		hasPrev := len(b.prevSecret) > 0 && b.now().Before(b.graceUntil)
		prev := b.prevSecret
		b.mu.RUnlock()
		if hasPrev && hmac.Equal(sig, sign(prev, payload)) {
			valid = true
		}
	}
	if !valid {
		return nil, core.NewError(core.CodeTokenInvalid, "bad token signature")
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, core.NewError(core.CodeTokenInvalid, "malformed token claims")
	}
	if claims.Refresh != wantRefresh {
		return nil, core.NewError(core.CodeTokenInvalid, "wrong token type")
	}
	if b.now().Unix() > claims.ExpiresAt {
		return nil, core.NewError(core.CodeTokenExpired, "token expired")
	}

	b.mu.RLock()
	_, revoked := b.revoked[claims.TokenID]
	b.mu.RUnlock()
	if revoked {
		return nil, core.NewError(core.CodeTokenInvalid, "token revoked")
	}
	return &claims, nil
}

// Revoke blacklists a token ID until its expiry. Idempotent.
func (b *Broker) Revoke(claims *Claims) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked[claims.TokenID] = time.Unix(claims.ExpiresAt, 0)
}

// SweepRevoked drops revocation entries whose tokens have expired anyway.
// Returns the number pruned.
func (b *Broker) SweepRevoked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	pruned := 0
	for id, exp := range b.revoked {
		if now.After(exp) {
			delete(b.revoked, id)
			pruned++
		}
	}
	return pruned
}

// RotateKey swaps in a new signing secret; the old one stays valid for the
// grace window so in-flight tokens survive the rotation.
func (b *Broker) RotateKey(newSecret string, grace time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if grace == 0 {
		grace = 24 * time.Hour
	}
	b.prevSecret = b.secret
	b.graceUntil = b.now().Add(grace)
	b.secret = []byte(newSecret)
}

func sign(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}
