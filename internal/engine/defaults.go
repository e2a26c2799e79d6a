package engine

// DefaultMappings returns the built-in path bindings merged beneath any
// user-defined mappings. They bind well-known path shapes to
// conventionally named policies ("static", "api", "strict"); entries
// naming a policy the operator never defined are dropped at resolver
// build time, so deployments only pick up the defaults whose policies
// they actually carry. A user-defined mapping for the same path always
// wins regardless of specificity.
func DefaultMappings() []MappingInput {
	return []MappingInput{
		{Pattern: "/static/**", Policy: "static"},
		{Pattern: "/assets/**", Policy: "static"},
		{Pattern: "/favicon.ico", Policy: "static"},
		{Pattern: "/robots.txt", Policy: "static"},
		{Pattern: "/api/**", Policy: "api"},
		{Pattern: "/admin/**", Policy: "strict"},
		{Pattern: "/login", Policy: "strict"},
	}
}
