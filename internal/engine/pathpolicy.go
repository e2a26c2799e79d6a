package engine

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// MappingInput is one path-pattern → policy binding as supplied by
// configuration (user-defined) or by the built-in defaults.
type MappingInput struct {
	Pattern     string
	Policy      string
	UserDefined bool
}

// pathMapping is a compiled, resolvable mapping.
type pathMapping struct {
	pattern     string
	segments    []string
	policy      *Policy
	userDefined bool
	specificity int
}

// PathResolver maps request paths to policies. Built once at startup and
// read-only afterward; Resolve is a pure function of (path, table).
type PathResolver struct {
	mappings []pathMapping
	fallback *Policy
}

// NewPathResolver merges built-in and user mappings into one ordered
// table. User-defined mappings always outrank defaults regardless of
// specificity; within each group higher specificity wins. Malformed
// patterns and references to unknown policies are logged and excluded —
// the build never fails, resolution falls back to the default policy.
func NewPathResolver(set *PolicySet, inputs []MappingInput, logger *zap.Logger) *PathResolver {
	mappings := make([]pathMapping, 0, len(inputs))
	for _, in := range inputs {
		segs, err := splitPattern(in.Pattern)
		if err != nil {
			logger.Warn("excluding malformed path pattern",
				zap.String("pattern", in.Pattern),
				zap.Error(err),
			)
			continue
		}
		pol, err := set.Lookup(in.Policy)
		if err != nil {
			// An unbound built-in default is expected; a user mapping
			// to a missing policy is a config mistake.
			log := logger.Debug
			if in.UserDefined {
				log = logger.Warn
			}
			log("excluding mapping to unknown policy",
				zap.String("pattern", in.Pattern),
				zap.String("policy", in.Policy),
			)
			continue
		}
		mappings = append(mappings, pathMapping{
			pattern:     in.Pattern,
			segments:    segs,
			policy:      pol,
			userDefined: in.UserDefined,
			specificity: specificity(segs),
		})
	}

	// User-defined first, then higher specificity. Stable so equal
	// entries keep registration order and resolution stays deterministic.
	sort.SliceStable(mappings, func(i, j int) bool {
		if mappings[i].userDefined != mappings[j].userDefined {
			return mappings[i].userDefined
		}
		return mappings[i].specificity > mappings[j].specificity
	})

	return &PathResolver{mappings: mappings, fallback: set.Default()}
}

// Resolve returns the policy for a request path: a linear scan returning
// the first matching pattern, or the default policy when nothing matches.
func (r *PathResolver) Resolve(path string) *Policy {
	segs := splitPath(path)
	for i := range r.mappings {
		if matchSegments(r.mappings[i].segments, segs) {
			return r.mappings[i].policy
		}
	}
	return r.fallback
}

// Mappings returns the merged table for introspection endpoints.
func (r *PathResolver) Mappings() []MappingDescription {
	out := make([]MappingDescription, len(r.mappings))
	for i, m := range r.mappings {
		out[i] = MappingDescription{
			Pattern:     m.pattern,
			Policy:      m.policy.Name,
			UserDefined: m.userDefined,
			Specificity: m.specificity,
		}
	}
	return out
}

// MappingDescription is the read-only view of one table entry.
type MappingDescription struct {
	Pattern     string `json:"pattern"`
	Policy      string `json:"policy"`
	UserDefined bool   `json:"user_defined"`
	Specificity int    `json:"specificity"`
}

// splitPattern validates and splits a glob pattern into segments.
// Syntax: "/"-separated segments; "*" matches exactly one segment; "**"
// matches any remaining suffix and may only appear as the final segment.
func splitPattern(pattern string) ([]string, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("pattern must start with /")
	}
	segs := splitPath(pattern)
	for i, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("empty segment")
		}
		if s == "**" && i != len(segs)-1 {
			return nil, fmt.Errorf("** only allowed as final segment")
		}
		if strings.Contains(s, "*") && s != "*" && s != "**" {
			return nil, fmt.Errorf("partial-segment wildcard %q not supported", s)
		}
	}
	return segs, nil
}

// splitPath splits a request path into segments, ignoring leading and
// trailing slashes. "/" yields no segments.
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// specificity scores a pattern so overlapping mappings order
// deterministically: each literal segment counts heavily, a single-segment
// wildcard costs a little, a trailing double-wildcard costs much more, and
// a longer run of leading literals breaks remaining ties. A purely literal
// pattern therefore always outranks any pattern with wildcards of the same
// length.
func specificity(segs []string) int {
	score := 0
	prefix := 0
	inPrefix := true
	for _, s := range segs {
		switch s {
		case "**":
			score -= 50
			inPrefix = false
		case "*":
			score -= 10
			inPrefix = false
		default:
			score += 100
			if inPrefix {
				prefix++
			}
		}
	}
	return score + prefix
}

// matchSegments reports whether pattern segments match path segments.
func matchSegments(pattern, path []string) bool {
	for i, p := range pattern {
		if p == "**" {
			return true // matches any remaining suffix, including none
		}
		if i >= len(path) {
			return false
		}
		if p != "*" && p != path[i] {
			return false
		}
	}
	return len(pattern) == len(path)
}
