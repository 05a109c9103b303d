// Package auth verifies the bearer credentials presented in the
// handshake. Two formats are accepted: signed tokens validated against
// a cached signing-key set, and (when explicitly enabled) short-lived
// opaque tokens for display-name-only admission.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Smooth-Operation/minecraft-classic-server/internal/store"
)

// Errors returned by Verify, mapped onto wire error codes by the
// session arbiter.
var (
	ErrAuthFailed  = errors.New("auth failed")
	ErrAuthExpired = errors.New("auth expired")
)

const (
	// KeySetTTL bounds how long a fetched key set is trusted before it
	// is refreshed.
	KeySetTTL = time.Hour
	// ClockSkew is the leeway applied to time-based claims.
	ClockSkew = 30 * time.Second
	// OpaqueTokenMaxAge bounds the age of unsigned opaque tokens.
	OpaqueTokenMaxAge = 24 * time.Hour
)

// Identity is the verified result of a credential check.
type Identity struct {
	UserID      string
	DisplayName string
}

// KeySource supplies the current signing-key set. The store adapter
// satisfies this.
type KeySource interface {
	KeySet(ctx context.Context) ([]store.SigningKey, error)
}

// Config holds verifier options.
type Config struct {
	Source      KeySource
	Issuer      string
	Audience    string
	AllowOpaque bool
	// TTL overrides KeySetTTL when non-zero (tests).
	TTL time.Duration
}

// Verifier validates presented credentials. The key set is cached for
// KeySetTTL; on signature failure with a cached set, the cache is
// invalidated and fetched once more before the failure is final.
// Concurrent refreshes collapse to one.
type Verifier struct {
	source      KeySource
	issuer      string
	audience    string
	allowOpaque bool
	ttl         time.Duration

	mu        sync.Mutex
	keys      []store.SigningKey
	fetchedAt time.Time
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg Config) *Verifier {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = KeySetTTL
	}
	return &Verifier{
		source:      cfg.Source,
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		allowOpaque: cfg.AllowOpaque,
		ttl:         ttl,
	}
}

type signedClaims struct {
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type opaquePayload struct {
	DisplayName string `json:"display_name"`
	UserID      string `json:"user_id"`
	// IssuedAt is unix milliseconds, matching the Date.now() value the
	// client embeds.
	IssuedAt int64 `json:"issued_at"`
}

// Verify validates a presented bearer token and returns the identity
// it carries. Errors wrap ErrAuthFailed or ErrAuthExpired.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrAuthFailed)
	}
	// A signed token has exactly three dot-separated segments; anything
	// else is treated as an opaque token if the deployment allows them.
	if strings.Count(token, ".") == 2 {
		return v.verifySigned(ctx, token)
	}
	if v.allowOpaque {
		return v.verifyOpaque(token)
	}
	return Identity{}, fmt.Errorf("%w: unrecognized token format", ErrAuthFailed)
}

func (v *Verifier) verifyOpaque(token string) (Identity, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(token); err != nil {
			return Identity{}, fmt.Errorf("%w: opaque token not base64", ErrAuthFailed)
		}
	}
	var p opaquePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Identity{}, fmt.Errorf("%w: opaque token payload: %v", ErrAuthFailed, err)
	}
	if p.UserID == "" {
		return Identity{}, fmt.Errorf("%w: opaque token missing user id", ErrAuthFailed)
	}
	issued := time.UnixMilli(p.IssuedAt)
	if p.IssuedAt <= 0 || time.Since(issued) > OpaqueTokenMaxAge {
		return Identity{}, fmt.Errorf("%w: opaque token older than %s", ErrAuthExpired, OpaqueTokenMaxAge)
	}
	if issued.After(time.Now().Add(ClockSkew)) {
		return Identity{}, fmt.Errorf("%w: opaque token issued in the future", ErrAuthFailed)
	}
	return Identity{UserID: p.UserID, DisplayName: p.DisplayName}, nil
}

func (v *Verifier) verifySigned(ctx context.Context, token string) (Identity, error) {
	keys, err := v.cachedKeys(ctx, false)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: key set unavailable: %v", ErrAuthFailed, err)
	}

	id, verr := v.checkSignature(token, keys)
	if verr == nil {
		return id, nil
	}
	if errors.Is(verr, jwt.ErrTokenExpired) {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthExpired, verr)
	}

	// Signature failure may mean the key set rotated under us:
	// invalidate the cache and fetch once more before failing.
	keys, err = v.cachedKeys(ctx, true)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: key set refresh: %v", ErrAuthFailed, err)
	}
	id, verr = v.checkSignature(token, keys)
	if verr == nil {
		return id, nil
	}
	if errors.Is(verr, jwt.ErrTokenExpired) {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthExpired, verr)
	}
	return Identity{}, fmt.Errorf("%w: %v", ErrAuthFailed, verr)
}

func (v *Verifier) checkSignature(token string, keys []store.SigningKey) (Identity, error) {
	claims := &signedClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		for _, k := range keys {
			if kid == "" || k.KID == kid {
				return append([]byte(nil), k.Secret...), nil
			}
		}
		return nil, fmt.Errorf("no signing key for kid %q", kid)
	},
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return Identity{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, errors.New("token missing subject")
	}
	return Identity{UserID: claims.Subject, DisplayName: claims.DisplayName}, nil
}

// cachedKeys returns the cached key set, fetching when the cache is
// empty, expired, or force is set. The mutex is held across the fetch
// so concurrent refreshes collapse to one; latecomers see the fresh
// set without fetching again.
func (v *Verifier) cachedKeys(ctx context.Context, force bool) ([]store.SigningKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fresh := time.Since(v.fetchedAt) < v.ttl && len(v.keys) > 0
	if fresh && !force {
		return v.keys, nil
	}
	if force && fresh && time.Since(v.fetchedAt) < time.Second {
		// Another caller already rotated within the last second.
		return v.keys, nil
	}

	keys, err := v.source.KeySet(ctx)
	if err != nil {
		return nil, err
	}
	v.keys = keys
	v.fetchedAt = time.Now()
	return v.keys, nil
}
