package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func hashKey(t *testing.T, raw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func testVerifier(t *testing.T, ttl time.Duration) *Verifier {
	t.Helper()
	return NewVerifier(Config{
		Keys: []Key{
			{Name: "edge-proxy", Hash: hashKey(t, "rk_live_valid")},
			{Name: "dashboard", Hash: hashKey(t, "rk_live_other")},
		},
		CacheTTL: ttl,
		Logger:   zap.NewNop(),
	})
}

func TestVerifier_ValidKey(t *testing.T) {
	v := testVerifier(t, time.Minute)

	p, err := v.Verify(context.Background(), "rk_live_valid")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "edge-proxy" {
		t.Errorf("principal = %q, want edge-proxy", p.Name)
	}
}

func TestVerifier_InvalidKey(t *testing.T) {
	v := testVerifier(t, time.Minute)

	if _, err := v.Verify(context.Background(), "rk_live_wrong"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("err = %v, want ErrInvalidAPIKey", err)
	}
	if _, err := v.Verify(context.Background(), ""); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("empty key: err = %v, want ErrInvalidAPIKey", err)
	}
}

func TestVerifier_CachesPositiveResult(t *testing.T) {
	v := testVerifier(t, time.Minute)

	if _, err := v.Verify(context.Background(), "rk_live_valid"); err != nil {
		t.Fatal(err)
	}
	// A fresh cache hit must not touch bcrypt again; prove it by
	// swapping the key set out from under the verifier.
	v.keys = nil
	if _, err := v.Verify(context.Background(), "rk_live_valid"); err != nil {
		t.Errorf("fresh cache hit should bypass bcrypt: %v", err)
	}
}

func TestVerifier_CachesNegativeResult(t *testing.T) {
	v := testVerifier(t, time.Minute)

	v.Verify(context.Background(), "rk_live_bogus")
	v.keys = append(v.keys, Key{Name: "late", Hash: hashKey(t, "rk_live_bogus")})

	// Still rejected: the negative entry is fresh.
	if _, err := v.Verify(context.Background(), "rk_live_bogus"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("negative result must be cached, err = %v", err)
	}
}

func TestVerifier_Enabled(t *testing.T) {
	if testVerifier(t, time.Minute).Enabled() != true {
		t.Error("verifier with keys must be enabled")
	}
	if NewVerifier(Config{}).Enabled() {
		t.Error("verifier without keys must be disabled")
	}
}

func TestCache_StaleWhileRevalidate(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	c.Set("key", &Principal{Name: "p"})

	res := c.Get("key")
	if !res.Hit || res.NeedsRefresh {
		t.Fatalf("fresh entry: %+v", res)
	}

	time.Sleep(20 * time.Millisecond)

	res = c.Get("key")
	if !res.Hit || !res.NeedsRefresh {
		t.Fatalf("stale entry must hit and request refresh: %+v", res)
	}
	if res.Principal == nil || res.Principal.Name != "p" {
		t.Errorf("stale value must still be served")
	}

	// Only the first stale reader triggers the refresh.
	res = c.Get("key")
	if res.NeedsRefresh {
		t.Error("second stale read must not request another refresh")
	}
}

func TestCache_Miss(t *testing.T) {
	c := NewCache(time.Minute)
	if res := c.Get("absent"); res.Hit {
		t.Errorf("unexpected hit: %+v", res)
	}
}
