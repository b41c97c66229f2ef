package authz

import "fmt"

// AuthzMode selects the authorization backend.
type AuthzMode string

const (
	// AuthzModeNone disables authorization checks.
	AuthzModeNone AuthzMode = "none"
	// AuthzModeCEL evaluates a CEL policy expression per request.
	AuthzModeCEL AuthzMode = "cel"
)

// Config selects and configures the authorizer.
type Config struct {
	Mode AuthzMode `mapstructure:"mode" yaml:"mode"`
	// Policy is the CEL expression used in cel mode.
	Policy string `mapstructure:"policy" yaml:"policy"`
}

// DefaultPolicy lets anyone read and authenticated users do the rest.
const DefaultPolicy = `verb in ["get", "list"] || authenticated`

// DefaultConfig returns the default authorization configuration.
func DefaultConfig() Config {
	return Config{Mode: AuthzModeNone, Policy: DefaultPolicy}
}

// New builds the Authorizer for cfg.
func New(cfg Config) (Authorizer, error) {
	switch cfg.Mode {
	case "", AuthzModeNone:
		return &NoopAuthorizer{}, nil
	case AuthzModeCEL:
		policy := cfg.Policy
		if policy == "" {
			policy = DefaultPolicy
		}
		cel, err := NewCELAuthorizer(policy)
		if err != nil {
			return nil, err
		}
		return NewCachedAuthorizer(cel, DefaultCacheTTL), nil
	default:
		return nil, fmt.Errorf("unknown authz mode %q", cfg.Mode)
	}
}
