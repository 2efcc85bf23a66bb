package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process configuration. It is loaded once at startup and
// treated as read-only afterwards.
type Config struct {
	Server              ServerConfig   `mapstructure:"server"`
	Transport           string         `mapstructure:"transport"`
	ChannelPrefix       string         `mapstructure:"channel_prefix"`
	PollIntervalSeconds float64        `mapstructure:"poll_interval_seconds"`
	Secret              string         `mapstructure:"secret"`
	TokenTTL            time.Duration  `mapstructure:"token_ttl"`
	Relay               RelayConfig    `mapstructure:"relay"`
	Outbox              OutboxConfig   `mapstructure:"outbox"`
	Registry            RegistryConfig `mapstructure:"registry"`
	Policy              PolicyConfig   `mapstructure:"policy"`
	PublishKey          string         `mapstructure:"publish_key"`
	Logging             LoggingConfig  `mapstructure:"logging"`
	MonitorInterval     time.Duration  `mapstructure:"monitor_interval"`
}

// RelayConfig holds the managed push service credentials and the delivery
// worker settings.
type RelayConfig struct {
	AppID           string        `mapstructure:"app_id"`
	Key             string        `mapstructure:"key"`
	Secret          string        `mapstructure:"secret"`
	Host            string        `mapstructure:"host"`
	Scheme          string        `mapstructure:"scheme"`
	Cluster         string        `mapstructure:"cluster"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	RetryCount      int           `mapstructure:"retry_count"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerReset    time.Duration `mapstructure:"breaker_reset"`
}

// OutboxConfig selects the message store. IDRetention bounds how long a
// broadcast id is remembered after its message is pruned.
type OutboxConfig struct {
	Backend       string        `mapstructure:"backend"`
	Path          string        `mapstructure:"path"`
	RedisURL      string        `mapstructure:"redis_url"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	MaxPerChannel int           `mapstructure:"max_per_channel"`
	IDRetention   time.Duration `mapstructure:"id_retention"`
}

type RegistryConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisURL      string        `mapstructure:"redis_url"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// PolicyConfig selects the policy oracle. In static mode the rules are
// evaluated in process; in http mode every question goes to URL.
type PolicyConfig struct {
	Mode          string        `mapstructure:"mode"`
	URL           string        `mapstructure:"url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	RetryCount    int           `mapstructure:"retry_count"`
	Rules         []PolicyRule  `mapstructure:"rules"`
}

// PolicyRule grants access to the channels matching Channel (a path.Match
// glob over canonical channel names).
//
// A rule applies to anonymous users only when Anonymous is set. With no
// Users and no Groups it applies to every signed-in user.
type PolicyRule struct {
	Channel    string   `mapstructure:"channel"`
	Users      []string `mapstructure:"users"`
	Groups     []string `mapstructure:"groups"`
	Anonymous  bool     `mapstructure:"anonymous"`
	Actions    []string `mapstructure:"actions"`
	Attributes []string `mapstructure:"attributes"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Noisy bool   `mapstructure:"noisy"`
}

// PollInterval converts PollIntervalSeconds to a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("transport", TransportSimplePoller)
	v.SetDefault("channel_prefix", "synchromesh")
	v.SetDefault("poll_interval_seconds", 0.5)
	v.SetDefault("token_ttl", "5m")
	v.SetDefault("relay.scheme", "https")
	v.SetDefault("relay.timeout", "10s")
	v.SetDefault("relay.rate_per_second", 10)
	v.SetDefault("relay.retry_count", 3)
	v.SetDefault("relay.retry_delay", "1s")
	v.SetDefault("relay.workers", 4)
	v.SetDefault("relay.queue_size", 256)
	v.SetDefault("relay.breaker_failures", 5)
	v.SetDefault("relay.breaker_reset", "30s")
	v.SetDefault("outbox.backend", BackendMemory)
	v.SetDefault("outbox.path", "data/outbox")
	v.SetDefault("outbox.key_prefix", "synchromesh:outbox")
	v.SetDefault("outbox.max_per_channel", 1000)
	v.SetDefault("outbox.id_retention", "24h")
	v.SetDefault("registry.backend", BackendMemory)
	v.SetDefault("registry.key_prefix", "synchromesh:")
	v.SetDefault("registry.idle_timeout", "10m")
	v.SetDefault("registry.sweep_interval", "1m")
	v.SetDefault("policy.mode", PolicyStatic)
	v.SetDefault("policy.timeout", "5s")
	v.SetDefault("policy.rate_per_second", 50)
	v.SetDefault("policy.retry_count", 2)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.noisy", false)
	v.SetDefault("monitor_interval", "5s")
}

// Load reads configPath (or ./configs/synchromesh.yaml, ./synchromesh.yaml
// when empty), applies SYNCHROMESH_* environment overrides and validates the
// result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SYNCHROMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only sees keys viper already knows about.
	_ = v.BindEnv("secret", "SYNCHROMESH_SECRET")
	_ = v.BindEnv("publish_key", "SYNCHROMESH_PUBLISH_KEY")
	_ = v.BindEnv("relay.app_id", "SYNCHROMESH_RELAY_APP_ID")
	_ = v.BindEnv("relay.key", "SYNCHROMESH_RELAY_KEY")
	_ = v.BindEnv("relay.secret", "SYNCHROMESH_RELAY_SECRET")
	_ = v.BindEnv("relay.host", "SYNCHROMESH_RELAY_HOST")
	_ = v.BindEnv("outbox.redis_url", "SYNCHROMESH_OUTBOX_REDIS_URL")
	_ = v.BindEnv("registry.redis_url", "SYNCHROMESH_REGISTRY_REDIS_URL")
	_ = v.BindEnv("policy.url", "SYNCHROMESH_POLICY_URL")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("synchromesh")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Mask hides all but the first four characters of a secret for logging.
func Mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}
