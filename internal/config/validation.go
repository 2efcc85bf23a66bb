package config

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"go.uber.org/zap/zapcore"
)

// InvalidValue is a key holding a value outside its allowed set.
type InvalidValue struct {
	Key     string
	Value   string
	Allowed []string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Missing []string
	Invalid []InvalidValue
	Other   []string
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Missing) > 0 || len(e.Invalid) > 0 || len(e.Other) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")

	if len(e.Missing) > 0 {
		sb.WriteString("\nMissing required keys:\n")
		for _, k := range e.Missing {
			sb.WriteString(fmt.Sprintf("  - %s (env SYNCHROMESH_%s)\n", k, envName(k)))
		}
	}

	if len(e.Invalid) > 0 {
		sb.WriteString("\nInvalid values:\n")
		for _, iv := range e.Invalid {
			sb.WriteString(fmt.Sprintf("  - %s=%q (must be one of: %s)\n",
				iv.Key, iv.Value, strings.Join(iv.Allowed, ", ")))
		}
	}

	if len(e.Other) > 0 {
		sb.WriteString("\nOther problems:\n")
		for _, o := range e.Other {
			sb.WriteString(fmt.Sprintf("  - %s\n", o))
		}
	}

	return sb.String()
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func (e *ValidationErrors) require(key, value string) {
	if value == "" {
		e.Missing = append(e.Missing, key)
	}
}

func (e *ValidationErrors) oneOf(key, value string, allowed []string) {
	if !slices.Contains(allowed, value) {
		e.Invalid = append(e.Invalid, InvalidValue{Key: key, Value: value, Allowed: allowed})
	}
}

// Validate checks the whole configuration and reports every problem at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	errs.require("secret", c.Secret)
	errs.require("server.port", c.Server.Port)
	errs.oneOf("transport", c.Transport, ValidTransports)
	errs.oneOf("outbox.backend", c.Outbox.Backend, validOutboxBackends)
	errs.oneOf("registry.backend", c.Registry.Backend, validRegistryBackends)
	errs.oneOf("policy.mode", c.Policy.Mode, validPolicyModes)

	if c.PollIntervalSeconds <= 0 {
		errs.Other = append(errs.Other, "poll_interval_seconds must be > 0")
	}
	if c.TokenTTL <= 0 {
		errs.Other = append(errs.Other, "token_ttl must be > 0")
	}
	if strings.ContainsAny(c.ChannelPrefix, " \t\n") {
		errs.Other = append(errs.Other, "channel_prefix must not contain whitespace")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs.Other = append(errs.Other, fmt.Sprintf("logging.level: %v", err))
	}

	if c.Transport == TransportManagedPush {
		errs.require("relay.app_id", c.Relay.AppID)
		errs.require("relay.key", c.Relay.Key)
		errs.require("relay.secret", c.Relay.Secret)
		errs.require("relay.host", c.Relay.Host)
		if c.Relay.Workers < 1 {
			errs.Other = append(errs.Other, "relay.workers must be >= 1")
		}
		if c.Relay.RatePerSecond <= 0 {
			errs.Other = append(errs.Other, "relay.rate_per_second must be > 0")
		}
	}
	if c.Outbox.Backend == BackendBadger {
		errs.require("outbox.path", c.Outbox.Path)
	}
	if c.Outbox.Backend == BackendRedis {
		errs.require("outbox.redis_url", c.Outbox.RedisURL)
	}
	if c.Outbox.MaxPerChannel < 0 {
		errs.Other = append(errs.Other, "outbox.max_per_channel must be >= 0")
	}
	// Inbound replays are refused for 2*token_ttl and deduplicated for
	// id_retention; a gap between the two would let one through.
	if c.Outbox.IDRetention < 2*c.TokenTTL {
		errs.Other = append(errs.Other, fmt.Sprintf("outbox.id_retention must be >= 2*token_ttl (%s)", 2*c.TokenTTL))
	}
	if c.Registry.Backend == BackendRedis {
		errs.require("registry.redis_url", c.Registry.RedisURL)
		// Cursors are positions in one outbox's sequence space.
		if c.Outbox.Backend != BackendRedis {
			errs.Other = append(errs.Other, "registry.backend=redis needs a shared outbox (outbox.backend=redis)")
		}
	}
	if c.Policy.Mode == PolicyHTTP {
		errs.require("policy.url", c.Policy.URL)
	}
	validateRules(errs, c.Policy.Rules)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateRules(errs *ValidationErrors, rules []PolicyRule) {
	for i, r := range rules {
		if r.Channel == "" {
			errs.Other = append(errs.Other, fmt.Sprintf("policy.rules[%d]: channel is required", i))
		} else if _, err := path.Match(r.Channel, ""); err != nil {
			errs.Other = append(errs.Other, fmt.Sprintf("policy.rules[%d]: bad channel pattern %q", i, r.Channel))
		}
		for _, a := range r.Actions {
			errs.oneOf(fmt.Sprintf("policy.rules[%d].actions", i), a, ValidActions)
		}
	}
}
