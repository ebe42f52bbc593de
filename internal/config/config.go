// Package config loads the coordination server's runtime configuration
// from an optional YAML file, layered with environment-variable overrides.
// Layering
// is built on koanf's layered-provider model; the merged result is decoded
// into Config and checked by Validate().
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix recognized for environment-variable overrides.
// "__" nests into dotted keys, e.g.
// TASKHUB_STORE__BACKING=sql maps to store.backing.
const EnvPrefix = "TASKHUB_"

// Config holds every recognized server option.
type Config struct {
	ListenAddr string `koanf:"listen_addr"`

	Store struct {
		Backing string `koanf:"backing"` // "memory" or "sql"
		DSN     string `koanf:"dsn"`
	} `koanf:"store"`

	LivenessWindow time.Duration `koanf:"liveness_window"`
	ClaimLease     time.Duration `koanf:"claim_lease"`
	ReapInterval   time.Duration `koanf:"reap_interval"`
	MaxAttempts    int           `koanf:"max_attempts"`
	EventBuffer    int           `koanf:"event_buffer"`
	IdempotencyTTL time.Duration `koanf:"idempotency_ttl"`
	WebhookMaxAge  time.Duration `koanf:"webhook_max_age"`

	// SubmissionRateLimit bounds submissions per principal per second. Zero
	// (the default) disables the limiter.
	SubmissionRateLimit float64 `koanf:"submission_rate_limit"`

	// AutoRegisterCodebases creates a codebase row on first use instead of
	// rejecting an unknown codebase_id.
	AutoRegisterCodebases bool `koanf:"auto_register_codebases"`

	Auth struct {
		// OIDCIssuer and JWKSURL configure the default bearer-token verifier.
		// Both empty selects the permissive dev verifier (see internal/authn).
		OIDCIssuer string `koanf:"oidc_issuer"`
		JWKSURL    string `koanf:"jwks_url"`
	} `koanf:"auth"`

	Policy struct {
		// BundlePath, when set, loads a Rego policy bundle evaluated for
		// every request (see internal/policy). Empty selects allow-all.
		BundlePath string `koanf:"bundle_path"`
		Query      string `koanf:"query"`
	} `koanf:"policy"`
}

// defaults holds the built-in value for every option.
func defaults() map[string]any {
	return map[string]any{
		"listen_addr":             ":8080",
		"store.backing":           "memory",
		"store.dsn":               "",
		"liveness_window":         "60s",
		"claim_lease":             "300s",
		"reap_interval":           "30s",
		"max_attempts":            3,
		"event_buffer":            256,
		"idempotency_ttl":         "86400s",
		"webhook_max_age":         "86400s",
		"submission_rate_limit":   0,
		"auto_register_codebases": false,
	}
}

// Load builds a Config from built-in defaults, an optional YAML file at
// path (skipped if path is empty; a named file that cannot be read is an
// error), and
// TASKHUB_-prefixed environment variables, in that precedence order.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %q: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}

	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field invariants that defaults/unmarshal alone
// cannot express.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	switch c.Store.Backing {
	case "memory":
	case "sql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.backing=sql")
		}
	default:
		return fmt.Errorf("store.backing must be %q or %q, got %q", "memory", "sql", c.Store.Backing)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	return nil
}
