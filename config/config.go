package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marcelsud/webhook-relay/dispatch"
	"github.com/marcelsud/webhook-relay/routes"
	"github.com/marcelsud/webhook-relay/webhook"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

/* Config resolution for the forwarding client
 * Precedence, highest first: command line flags, environment, config file, defaults
 * Environment uses the WEBHOOK_ prefix; ids also accept the older TUNNEL_ names
 */

const (
	EnvPrefix      = "WEBHOOK"
	DefaultFile    = "webhook"
	DefaultPort    = 8080
	DefaultRedis   = "localhost:6379"
	DefaultWorkers = dispatch.DefaultWorkers
)

type Redis struct {
	Addr     string
	Password string
	DB       int
}

/* ResolvedConfig is built once by Load and never mutated
 * A reload builds a new one and replaces it wholesale
 */
type ResolvedConfig struct {
	WebhookID    string
	ClientID     string
	Token        string
	Debug        bool
	Port         int
	Redis        Redis
	Dispatch     dispatch.Config
	ArchiveTTL   time.Duration // 0 disables the Redis attempt archive
	Destinations []routes.Destination
	Rules        []routes.DeliveryRule
	File         string // config file that was read, empty when none
}

// Table builds the routing table of the configuration
func (c *ResolvedConfig) Table() (*routes.Table, error) {
	return routes.NewTable(c.Destinations, c.Rules)
}

// fileDestination is one entry of destinations (or to, in the tunnel schema)
type fileDestination struct {
	Name      string  `mapstructure:"name"`
	URL       string  `mapstructure:"url"`
	RateLimit float64 `mapstructure:"rate_limit"`
}

// fileRule is one entry of delivery (or forward, in the tunnel schema)
type fileRule struct {
	Source      string `mapstructure:"source"`
	Destination string `mapstructure:"destination"`
	From        string `mapstructure:"from"`
	To          string `mapstructure:"to"`
}

// RegisterFlags adds the client flags to fs
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default ./webhook.yaml)")
	fs.Int("port", DefaultPort, "port of the local status API")
	fs.String("webhook-id", "", "webhook to attach to")
	fs.String("client-id", "", "client id (default: random)")
	fs.String("token", "", "relay access token")
	fs.Bool("debug", false, "debug logging")
	fs.String("redis-addr", DefaultRedis, "relay Redis address")
	fs.String("redis-password", "", "relay Redis password")
	fs.Int("redis-db", 0, "relay Redis database")
	fs.Duration("timeout", dispatch.DefaultTimeout, "timeout of one forwarded request")
	fs.Int("max-retries", dispatch.DefaultPolicy().MaxRetries, "retries after a failed forward")
	fs.Int("workers", DefaultWorkers, "concurrent forwarded requests")
	fs.IntSlice("retryable-status", nil, "non-5xx status that is retried too, e.g. 429; repeatable or comma separated")
	fs.Duration("archive-ttl", 0, "keep attempt history in Redis for this long (0 disables)")
	fs.StringArray("destination", nil, "destination as name=url, repeatable; replaces the file list")
	fs.StringArray("rule", nil, "delivery rule as source=destination, repeatable; replaces the file list")
}

var flagKeys = map[string]string{
	"port":           "port",
	"webhook-id":     "webhook_id",
	"client-id":      "client_id",
	"token":          "token",
	"debug":          "debug",
	"redis-addr":     "redis.addr",
	"redis-password": "redis.password",
	"redis-db":       "redis.db",
	"timeout":        "timeout",
	"max-retries":    "max_retries",
	"workers":        "workers",
	"archive-ttl":    "archive_ttl",
}

var envAliases = map[string][]string{
	"port":       {"WEBHOOK_PORT", "PORT"},
	"webhook_id": {"WEBHOOK_ID", "TUNNEL_ID"},
	"client_id":  {"WEBHOOK_CLIENT_ID", "TUNNEL_CLIENT_ID"},
	"token":      {"WEBHOOK_TOKEN", "TUNNEL_TOKEN"},
	"debug":      {"WEBHOOK_DEBUG", "TUNNEL_DEBUG"},

	"retryable_statuses": {"WEBHOOK_RETRYABLE_STATUSES"},
}

// Load resolves the client configuration. fs must have been set up by RegisterFlags and parsed.
func Load(fs *pflag.FlagSet) (*ResolvedConfig, error) {
	v := viper.New()

	v.SetDefault("port", DefaultPort)
	v.SetDefault("debug", false)
	v.SetDefault("redis.addr", DefaultRedis)
	v.SetDefault("redis.db", 0)
	v.SetDefault("timeout", dispatch.DefaultTimeout)
	v.SetDefault("max_retries", dispatch.DefaultPolicy().MaxRetries)
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("archive_ttl", 0)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("%w: binding env for %s: %v", webhook.ErrConfig, key, err)
		}
	}

	for flag, key := range flagKeys {
		if f := fs.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("%w: binding flag %s: %v", webhook.ErrConfig, flag, err)
			}
		}
	}

	file, err := readFile(v, fs)
	if err != nil {
		return nil, err
	}

	cfg := &ResolvedConfig{
		WebhookID: firstNonEmpty(v.GetString("webhook_id"), v.GetString("tunnel_id")),
		ClientID:  v.GetString("client_id"),
		Token:     v.GetString("token"),
		Debug:     v.GetBool("debug"),
		Port:      v.GetInt("port"),
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		ArchiveTTL: v.GetDuration("archive_ttl"),
		File:       file,
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	cfg.Dispatch = dispatch.DefaultConfig()
	cfg.Dispatch.Timeout = v.GetDuration("timeout")
	cfg.Dispatch.Workers = v.GetInt("workers")
	cfg.Dispatch.Policy.MaxRetries = v.GetInt("max_retries")
	if cfg.Dispatch.Policy.RetryableStatuses, err = retryableStatuses(v, fs); err != nil {
		return nil, err
	}

	if cfg.Destinations, err = destinations(v, fs); err != nil {
		return nil, err
	}
	if cfg.Rules, err = rules(v, fs); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the resolved values and the routing table
func (c *ResolvedConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535 (got %d)", webhook.ErrConfig, c.Port)
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive (got %d)", webhook.ErrConfig, c.Dispatch.Workers)
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive (got %s)", webhook.ErrConfig, c.Dispatch.Timeout)
	}
	if err := c.Dispatch.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", webhook.ErrConfig, err)
	}
	if _, err := c.Table(); err != nil {
		return err
	}
	return nil
}

func readFile(v *viper.Viper, fs *pflag.FlagSet) (string, error) {
	explicit, _ := fs.GetString("config")
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName(DefaultFile)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit == "" && errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("%w: reading config file: %v", webhook.ErrConfig, err)
	}
	return v.ConfigFileUsed(), nil
}

func destinations(v *viper.Viper, fs *pflag.FlagSet) ([]routes.Destination, error) {
	if fs.Changed("destination") {
		pairs, _ := fs.GetStringArray("destination")
		out := make([]routes.Destination, 0, len(pairs))
		for _, p := range pairs {
			name, rawURL, ok := strings.Cut(p, "=")
			if !ok {
				return nil, fmt.Errorf("%w: destination flag %q must be name=url", webhook.ErrConfig, p)
			}
			d, err := routes.ParseDestination(name, rawURL)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, nil
	}

	key := "destinations"
	if !v.IsSet(key) && v.IsSet("to") {
		key = "to"
	}
	var entries []fileDestination
	if err := v.UnmarshalKey(key, &entries); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", webhook.ErrConfig, key, err)
	}

	out := make([]routes.Destination, 0, len(entries))
	for _, e := range entries {
		d, err := routes.ParseDestination(e.Name, e.URL)
		if err != nil {
			return nil, err
		}
		d.RateLimit = e.RateLimit
		if err := d.Validate(); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func rules(v *viper.Viper, fs *pflag.FlagSet) ([]routes.DeliveryRule, error) {
	if fs.Changed("rule") {
		pairs, _ := fs.GetStringArray("rule")
		out := make([]routes.DeliveryRule, 0, len(pairs))
		for _, p := range pairs {
			source, dest, ok := strings.Cut(p, "=")
			if !ok {
				return nil, fmt.Errorf("%w: rule flag %q must be source=destination", webhook.ErrConfig, p)
			}
			out = append(out, routes.DeliveryRule{Source: strings.TrimSpace(source), Destination: strings.TrimSpace(dest)})
		}
		return out, nil
	}

	key := "delivery"
	if !v.IsSet(key) && v.IsSet("forward") {
		key = "forward"
	}
	var entries []fileRule
	if err := v.UnmarshalKey(key, &entries); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", webhook.ErrConfig, key, err)
	}

	out := make([]routes.DeliveryRule, 0, len(entries))
	for _, e := range entries {
		out = append(out, routes.DeliveryRule{
			Source:      firstNonEmpty(e.Source, e.From),
			Destination: firstNonEmpty(e.Destination, e.To),
		})
	}
	return out, nil
}

// retryableStatuses reads the flag, else the env or file value: a YAML list or "429,425"
func retryableStatuses(v *viper.Viper, fs *pflag.FlagSet) ([]int, error) {
	if fs.Changed("retryable-status") {
		return fs.GetIntSlice("retryable-status")
	}

	raw := v.Get("retryable_statuses")
	if raw == nil {
		return nil, nil
	}
	if s, ok := raw.(string); ok {
		raw = strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	}
	statuses, err := cast.ToIntSliceE(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: retryable_statuses: %v", webhook.ErrConfig, err)
	}
	if len(statuses) == 0 {
		return nil, nil
	}
	return statuses, nil
}

func firstNonEmpty(values ...string) string {
	for _, s := range values {
		if s != "" {
			return s
		}
	}
	return ""
}
