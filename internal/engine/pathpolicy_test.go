package engine

import (
	"testing"

	"go.uber.org/zap"
)

func testPolicySet(t *testing.T, names ...string) *PolicySet {
	t.Helper()
	policies := make([]*Policy, 0, len(names))
	for _, n := range names {
		policies = append(policies, &Policy{Name: n, UseFastPath: true})
	}
	set, err := NewPolicySet(policies, names[0])
	if err != nil {
		t.Fatalf("NewPolicySet: %v", err)
	}
	return set
}

func TestResolve_UserDefinedOutranksSpecificity(t *testing.T) {
	set := testPolicySet(t, "default", "static", "strict")

	// The default mapping is strictly more specific, but the user-defined
	// one must still win.
	r := NewPathResolver(set, []MappingInput{
		{Pattern: "/static/img/logo.png", Policy: "strict", UserDefined: false},
		{Pattern: "/static/**", Policy: "static", UserDefined: true},
	}, zap.NewNop())

	if got := r.Resolve("/static/img/logo.png"); got.Name != "static" {
		t.Errorf("expected user-defined mapping to win, got %q", got.Name)
	}
}

func TestResolve_SpecificityBeatsRegistrationOrder(t *testing.T) {
	set := testPolicySet(t, "default", "static", "strict")

	// Less specific pattern registered first; more specific must win.
	r := NewPathResolver(set, []MappingInput{
		{Pattern: "/api/**", Policy: "static"},
		{Pattern: "/api/v1/login", Policy: "strict"},
	}, zap.NewNop())

	if got := r.Resolve("/api/v1/login"); got.Name != "strict" {
		t.Errorf("expected literal pattern to win, got %q", got.Name)
	}
	if got := r.Resolve("/api/v2/users"); got.Name != "static" {
		t.Errorf("expected wildcard fallback, got %q", got.Name)
	}
}

func TestResolve_DoubleWildcardLessSpecificThanSingle(t *testing.T) {
	set := testPolicySet(t, "default", "static", "strict")

	r := NewPathResolver(set, []MappingInput{
		{Pattern: "/assets/**", Policy: "static"},
		{Pattern: "/assets/*", Policy: "strict"},
	}, zap.NewNop())

	// Both match a one-segment suffix; the single wildcard is more specific.
	if got := r.Resolve("/assets/app.js"); got.Name != "strict" {
		t.Errorf("expected single-wildcard pattern to win, got %q", got.Name)
	}
	// Only the double wildcard matches deeper paths.
	if got := r.Resolve("/assets/js/vendor/app.js"); got.Name != "static" {
		t.Errorf("expected double-wildcard pattern, got %q", got.Name)
	}
}

func TestResolve_NoMatchFallsBackToDefault(t *testing.T) {
	set := testPolicySet(t, "default", "static")

	r := NewPathResolver(set, []MappingInput{
		{Pattern: "/static/**", Policy: "static"},
	}, zap.NewNop())

	if got := r.Resolve("/api/v1/users"); got.Name != "default" {
		t.Errorf("expected default policy, got %q", got.Name)
	}
	if got := r.Resolve("/"); got.Name != "default" {
		t.Errorf("expected default policy for root, got %q", got.Name)
	}
}

func TestResolve_DefaultMappingsBindByPolicyName(t *testing.T) {
	// Only "static" exists; default bindings for "api" and "strict" drop out.
	set := testPolicySet(t, "default", "static")
	r := NewPathResolver(set, DefaultMappings(), zap.NewNop())

	if got := r.Resolve("/static/img/logo.png"); got.Name != "static" {
		t.Errorf("built-in static mapping not applied, got %q", got.Name)
	}
	if got := r.Resolve("/favicon.ico"); got.Name != "static" {
		t.Errorf("built-in favicon mapping not applied, got %q", got.Name)
	}
	if got := r.Resolve("/admin/users"); got.Name != "default" {
		t.Errorf("unbound built-in must fall back to default, got %q", got.Name)
	}
	for _, m := range r.Mappings() {
		if m.UserDefined {
			t.Errorf("built-in mapping %q marked user-defined", m.Pattern)
		}
	}

	// A user mapping over the same path outranks the built-in.
	set = testPolicySet(t, "default", "static", "strict")
	r = NewPathResolver(set, append(DefaultMappings(), MappingInput{
		Pattern: "/static/**", Policy: "strict", UserDefined: true,
	}), zap.NewNop())
	if got := r.Resolve("/static/app.js"); got.Name != "strict" {
		t.Errorf("user mapping must outrank built-in, got %q", got.Name)
	}
}

func TestResolve_MalformedPatternsExcluded(t *testing.T) {
	set := testPolicySet(t, "default", "static")

	r := NewPathResolver(set, []MappingInput{
		{Pattern: "", Policy: "static"},
		{Pattern: "static/**", Policy: "static"},     // no leading slash
		{Pattern: "/a/**/b", Policy: "static"},       // ** not final
		{Pattern: "/files/*.png", Policy: "static"},  // partial wildcard
		{Pattern: "/static//css", Policy: "static"},  // empty segment
		{Pattern: "/ok/*", Policy: "does-not-exist"}, // unknown policy
		{Pattern: "/static/**", Policy: "static"},    // the one valid entry
	}, zap.NewNop())

	if got := len(r.Mappings()); got != 1 {
		t.Fatalf("expected 1 surviving mapping, got %d", got)
	}
	if got := r.Resolve("/static/app.css"); got.Name != "static" {
		t.Errorf("expected surviving mapping to resolve, got %q", got.Name)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	set := testPolicySet(t, "default", "static", "strict")
	r := NewPathResolver(set, []MappingInput{
		{Pattern: "/a/*", Policy: "static"},
		{Pattern: "/a/b", Policy: "strict"},
		{Pattern: "/a/**", Policy: "default"},
	}, zap.NewNop())

	// Identical inputs must always select the identical policy.
	first := r.Resolve("/a/b").Name
	for i := 0; i < 100; i++ {
		if got := r.Resolve("/a/b").Name; got != first {
			t.Fatalf("resolution not deterministic: %q then %q", first, got)
		}
	}
	if first != "strict" {
		t.Errorf("expected literal pattern, got %q", first)
	}
}

func TestSpecificity_Ordering(t *testing.T) {
	literal, _ := splitPattern("/a/b/c")
	single, _ := splitPattern("/a/b/*")
	double, _ := splitPattern("/a/b/**")
	shallow, _ := splitPattern("/a/*")

	if !(specificity(literal) > specificity(single)) {
		t.Error("literal should outrank single wildcard")
	}
	if !(specificity(single) > specificity(double)) {
		t.Error("single wildcard should outrank double wildcard")
	}
	if !(specificity(single) > specificity(shallow)) {
		t.Error("longer literal prefix should outrank shorter")
	}
}
