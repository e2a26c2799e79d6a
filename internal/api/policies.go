package api

import (
	"net/http"

	"github.com/rampart-ai/rampart/internal/engine"
)

// handleListPolicies implements GET /api/rampart/policies. It reports the
// loaded policies and the path mappings in resolution order, which is the
// order the resolver actually consults them.
func (d *Dependencies) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	names := d.Policies.Names()
	defaultName := d.Policies.Default().Name

	policies := make([]PolicyResp, 0, len(names))
	for _, name := range names {
		pol, err := d.Policies.Lookup(name)
		if err != nil {
			continue
		}
		policies = append(policies, PolicyResp{
			Name:          pol.Name,
			FastDetectors: emptyIfNil(pol.FastDetectors),
			SlowDetectors: emptyIfNil(pol.SlowDetectors),
			AIDetectors:   emptyIfNil(pol.AIDetectors),
			BlockAt:       pol.Thresholds.ImmediateBlock,
			ChallengeAt:   pol.Thresholds.Challenge,
			FailMode:      failModeString(pol.FailMode),
			Default:       pol.Name == defaultName,
		})
	}

	mappings := make([]MappingResp, 0)
	for _, m := range d.Resolver.Mappings() {
		mappings = append(mappings, MappingResp{
			Pattern:     m.Pattern,
			Policy:      m.Policy,
			UserDefined: m.UserDefined,
		})
	}

	writeJSON(w, http.StatusOK, PoliciesResp{
		Policies: policies,
		Mappings: mappings,
	})
}

func failModeString(m engine.FailMode) string {
	if m == engine.FailClosed {
		return "closed"
	}
	return "open"
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
