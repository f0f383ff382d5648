package environment

import "strings"

// Environment identifies the deployment target resolved once at process start
// and injected into every component that needs per-environment behavior.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

var branchTable = map[string]Environment{
	"prod":  Production,
	"main":  Production,
	"stage": Staging,
	"dev":   Development,
}

// Resolve maps a deploy-time branch signal to an Environment. Unknown or empty
// signals resolve to Production, the most restrictive configuration path.
func Resolve(branch string) Environment {
	if env, ok := branchTable[strings.ToLower(strings.TrimSpace(branch))]; ok {
		return env
	}
	return Production
}

// Parse normalizes a stored environment tag (e.g. from payment metadata) back
// into an Environment. Unrecognized tags return false.
func Parse(value string) (Environment, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(Development):
		return Development, true
	case string(Staging):
		return Staging, true
	case string(Production):
		return Production, true
	default:
		return "", false
	}
}

func (e Environment) String() string {
	return string(e)
}

// IsProduction reports whether live secrets and real order creation apply.
func (e Environment) IsProduction() bool {
	return e == Production
}
