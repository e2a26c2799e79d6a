// Package auth validates bearer API keys against bcrypt hashes declared
// in the server configuration. Verification results are cached with
// stale-while-revalidate semantics so the bcrypt cost is paid once per
// key, not once per request.
package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidAPIKey = errors.New("invalid API key")

// Principal identifies an authenticated API client.
type Principal struct {
	Name string
}

// Key is one configured credential: a display name and the bcrypt hash of
// the raw key.
type Key struct {
	Name string
	Hash string
}

// Verifier checks raw API keys against the configured set.
type Verifier struct {
	keys   []Key
	cache  *Cache
	logger *zap.Logger
}

// Config configures the Verifier.
type Config struct {
	Keys     []Key
	CacheTTL time.Duration // default 30s
	Logger   *zap.Logger
}

// NewVerifier builds a Verifier over the configured keys.
func NewVerifier(cfg Config) *Verifier {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &Verifier{
		keys:   cfg.Keys,
		cache:  NewCache(ttl),
		logger: cfg.Logger,
	}
}

// Enabled reports whether any keys are configured. With no keys the
// caller should leave the endpoint open (local development mode).
func (v *Verifier) Enabled() bool { return len(v.keys) > 0 }

// Verify resolves a raw API key to its principal.
//
// Flow:
//  1. Cache lookup (stale-while-revalidate):
//     fresh hit returns immediately, a stale hit returns the stale
//     principal and spawns one background re-verification, a miss pays
//     the bcrypt cost synchronously.
//  2. bcrypt comparison against every configured hash. The key set is
//     small, so the scan is bounded by the bcrypt cost of one compare
//     per configured key.
func (v *Verifier) Verify(ctx context.Context, apiKey string) (*Principal, error) {
	if apiKey == "" {
		return nil, ErrInvalidAPIKey
	}

	result := v.cache.Get(apiKey)
	if result.Hit {
		if result.NeedsRefresh {
			go v.backgroundRefresh(apiKey)
		}
		if result.Principal == nil {
			return nil, ErrInvalidAPIKey
		}
		return result.Principal, nil
	}

	principal := v.compare(apiKey)
	v.cache.Set(apiKey, principal)
	if principal == nil {
		return nil, ErrInvalidAPIKey
	}
	return principal, nil
}

// compare runs the bcrypt scan. nil means no configured key matched;
// negative results are cached too, so a misbehaving client cannot force
// a bcrypt compare per request.
func (v *Verifier) compare(apiKey string) *Principal {
	for _, k := range v.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(apiKey)) == nil {
			return &Principal{Name: k.Name}
		}
	}
	return nil
}

// backgroundRefresh re-verifies a stale entry off the request path.
func (v *Verifier) backgroundRefresh(apiKey string) {
	principal := v.compare(apiKey)
	v.cache.Set(apiKey, principal)
	if principal == nil && v.logger != nil {
		v.logger.Warn("cached API key no longer valid")
	}
}
