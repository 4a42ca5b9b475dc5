package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/marcelsud/webhook-relay/webhook"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// RelayEnvPrefix scopes the relay server environment
const RelayEnvPrefix = "RELAY"

// RelayConfig configures the public ingress server
type RelayConfig struct {
	Port          int
	Debug         bool
	Redis         Redis
	SigningSecret string // Standard Webhooks secret; empty disables verification
	EventTTL      time.Duration
	MaxBodyBytes  int64
}

// RegisterRelayFlags adds the relay server flags to fs
func RegisterRelayFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default ./relay.yaml)")
	fs.Int("port", DefaultPort, "listen port")
	fs.Bool("debug", false, "debug logging")
	fs.String("redis-addr", DefaultRedis, "Redis address")
	fs.String("redis-password", "", "Redis password")
	fs.Int("redis-db", 0, "Redis database")
	fs.String("signing-secret", "", "verify Standard Webhooks signatures with this secret (whsec_...)")
	fs.Duration("event-ttl", webhook.ExpirationWindow+time.Minute, "how long relayed events are kept")
	fs.Int64("max-body-bytes", 5<<20, "largest accepted webhook body")
}

// LoadRelay resolves the relay configuration with the same precedence as Load
func LoadRelay(fs *pflag.FlagSet) (*RelayConfig, error) {
	v := viper.New()

	v.SetDefault("port", DefaultPort)
	v.SetDefault("redis.addr", DefaultRedis)
	v.SetDefault("event_ttl", webhook.ExpirationWindow+time.Minute)
	v.SetDefault("max_body_bytes", 5<<20)

	v.SetEnvPrefix(RelayEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("port", "RELAY_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("%w: binding env for port: %v", webhook.ErrConfig, err)
	}

	for flag, key := range map[string]string{
		"port":           "port",
		"debug":          "debug",
		"redis-addr":     "redis.addr",
		"redis-password": "redis.password",
		"redis-db":       "redis.db",
		"signing-secret": "signing_secret",
		"event-ttl":      "event_ttl",
		"max-body-bytes": "max_body_bytes",
	} {
		if f := fs.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("%w: binding flag %s: %v", webhook.ErrConfig, flag, err)
			}
		}
	}

	explicit, _ := fs.GetString("config")
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading config file: %v", webhook.ErrConfig, err)
		}
	}

	cfg := &RelayConfig{
		Port:  v.GetInt("port"),
		Debug: v.GetBool("debug"),
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		SigningSecret: v.GetString("signing_secret"),
		EventTTL:      v.GetDuration("event_ttl"),
		MaxBodyBytes:  v.GetInt64("max_body_bytes"),
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port must be between 1 and 65535 (got %d)", webhook.ErrConfig, cfg.Port)
	}
	if cfg.EventTTL < webhook.ExpirationWindow {
		return nil, fmt.Errorf("%w: event ttl %s is shorter than the expiration window", webhook.ErrConfig, cfg.EventTTL)
	}
	if cfg.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("%w: max body bytes must be positive", webhook.ErrConfig)
	}
	return cfg, nil
}
