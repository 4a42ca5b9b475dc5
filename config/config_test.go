package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcelsud/webhook-relay/config"
	"github.com/marcelsud/webhook-relay/webhook"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webhook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func flags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

const sample = `
webhook_id: wh_file
client_id: laptop
port: 3000
destinations:
  - name: api
    url: http://localhost:3000/webhooks
  - name: audit
    url: http://localhost:4000/audit
    rate_limit: 2.5
delivery:
  - source: stripe
    destination: api
  - source: "*"
    destination: audit
`

func TestLoad_Precedence(t *testing.T) {
	file := writeFile(t, sample)

	t.Run("flag beats env, file and default", func(t *testing.T) {
		t.Setenv("PORT", "5000")
		cfg, err := config.Load(flags(t, "--config", file, "--port", "4000"))
		require.NoError(t, err)
		assert.Equal(t, 4000, cfg.Port)
	})

	t.Run("env beats file", func(t *testing.T) {
		t.Setenv("PORT", "5000")
		cfg, err := config.Load(flags(t, "--config", file))
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Port)
	})

	t.Run("prefixed env beats the bare alias", func(t *testing.T) {
		t.Setenv("PORT", "5000")
		t.Setenv("WEBHOOK_PORT", "6000")
		cfg, err := config.Load(flags(t, "--config", file))
		require.NoError(t, err)
		assert.Equal(t, 6000, cfg.Port)
	})

	t.Run("file beats default", func(t *testing.T) {
		cfg, err := config.Load(flags(t, "--config", file))
		require.NoError(t, err)
		assert.Equal(t, 3000, cfg.Port)
	})

	t.Run("default when nothing is set", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cfg, err := config.Load(flags(t))
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Port)
		assert.Empty(t, cfg.File)
	})
}

func TestLoad_File(t *testing.T) {
	t.Run("resolves destinations and rules", func(t *testing.T) {
		file := writeFile(t, sample)
		cfg, err := config.Load(flags(t, "--config", file))
		require.NoError(t, err)

		assert.Equal(t, "wh_file", cfg.WebhookID)
		assert.Equal(t, "laptop", cfg.ClientID)
		assert.Equal(t, file, cfg.File)
		require.Len(t, cfg.Destinations, 2)
		assert.Equal(t, "api", cfg.Destinations[0].Name)
		assert.Equal(t, "http://localhost:3000/webhooks", cfg.Destinations[0].URL.String())
		assert.Equal(t, 2.5, cfg.Destinations[1].RateLimit)
		require.Len(t, cfg.Rules, 2)
		assert.Equal(t, "*", cfg.Rules[1].Source)

		table, err := cfg.Table()
		require.NoError(t, err)
		assert.Equal(t, "api", table.Match("stripe")[0].Name)
	})

	t.Run("tunnel schema is accepted", func(t *testing.T) {
		file := writeFile(t, `
tunnel_id: tun_1
to:
  - name: local
    url: http://127.0.0.1:9000
forward:
  - from: github
    to: local
`)
		cfg, err := config.Load(flags(t, "--config", file))
		require.NoError(t, err)

		assert.Equal(t, "tun_1", cfg.WebhookID)
		require.Len(t, cfg.Destinations, 1)
		require.Len(t, cfg.Rules, 1)
		assert.Equal(t, "github", cfg.Rules[0].Source)
		assert.Equal(t, "local", cfg.Rules[0].Destination)
	})

	t.Run("unknown destination is a config error", func(t *testing.T) {
		file := writeFile(t, `
destinations:
  - name: api
    url: http://localhost:3000
delivery:
  - source: stripe
    destination: billing
`)
		_, err := config.Load(flags(t, "--config", file))
		assert.ErrorIs(t, err, webhook.ErrConfig)
	})

	t.Run("bad url is a config error", func(t *testing.T) {
		file := writeFile(t, `
destinations:
  - name: api
    url: ftp://localhost
`)
		_, err := config.Load(flags(t, "--config", file))
		assert.ErrorIs(t, err, webhook.ErrConfig)
	})

	t.Run("missing explicit file is a config error", func(t *testing.T) {
		_, err := config.Load(flags(t, "--config", filepath.Join(t.TempDir(), "nope.yaml")))
		assert.ErrorIs(t, err, webhook.ErrConfig)
	})
}

func TestLoad_EnvAndFlags(t *testing.T) {
	t.Run("tunnel env aliases", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("TUNNEL_ID", "tun_env")
		t.Setenv("TUNNEL_CLIENT_ID", "ci-runner")
		t.Setenv("TUNNEL_DEBUG", "true")

		cfg, err := config.Load(flags(t))
		require.NoError(t, err)
		assert.Equal(t, "tun_env", cfg.WebhookID)
		assert.Equal(t, "ci-runner", cfg.ClientID)
		assert.True(t, cfg.Debug)
	})

	t.Run("prefixed env for nested keys", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("WEBHOOK_REDIS_ADDR", "redis.internal:6380")
		t.Setenv("WEBHOOK_TIMEOUT", "5s")
		t.Setenv("WEBHOOK_MAX_RETRIES", "1")

		cfg, err := config.Load(flags(t))
		require.NoError(t, err)
		assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
		assert.Equal(t, 5*time.Second, cfg.Dispatch.Timeout)
		assert.Equal(t, 1, cfg.Dispatch.Policy.MaxRetries)
	})

	t.Run("destination and rule flags replace the file lists", func(t *testing.T) {
		file := writeFile(t, sample)
		cfg, err := config.Load(flags(t, "--config", file,
			"--destination", "local=http://localhost:7000/hook",
			"--rule", "*=local",
		))
		require.NoError(t, err)

		require.Len(t, cfg.Destinations, 1)
		assert.Equal(t, "local", cfg.Destinations[0].Name)
		assert.Equal(t, []string{"*"}, []string{cfg.Rules[0].Source})
	})

	t.Run("malformed destination flag", func(t *testing.T) {
		t.Chdir(t.TempDir())
		_, err := config.Load(flags(t, "--destination", "local"))
		assert.ErrorIs(t, err, webhook.ErrConfig)
	})

	t.Run("client id defaults to a random id", func(t *testing.T) {
		t.Chdir(t.TempDir())
		a, err := config.Load(flags(t))
		require.NoError(t, err)
		b, err := config.Load(flags(t))
		require.NoError(t, err)

		assert.NotEmpty(t, a.ClientID)
		assert.NotEqual(t, a.ClientID, b.ClientID)
	})

	t.Run("invalid numbers are config errors", func(t *testing.T) {
		t.Chdir(t.TempDir())
		_, err := config.Load(flags(t, "--workers", "0"))
		assert.ErrorIs(t, err, webhook.ErrConfig)

		_, err = config.Load(flags(t, "--max-retries", "-1"))
		assert.ErrorIs(t, err, webhook.ErrConfig)
	})
}

func TestLoad_RetryableStatuses(t *testing.T) {
	t.Run("none by default", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cfg, err := config.Load(flags(t))
		require.NoError(t, err)
		assert.Empty(t, cfg.Dispatch.Policy.RetryableStatuses)
	})

	t.Run("file list", func(t *testing.T) {
		file := writeFile(t, sample+"retryable_statuses: [429, 425]\n")
		cfg, err := config.Load(flags(t, "--config", file))
		require.NoError(t, err)
		assert.Equal(t, []int{429, 425}, cfg.Dispatch.Policy.RetryableStatuses)
	})

	t.Run("env beats file", func(t *testing.T) {
		file := writeFile(t, sample+"retryable_statuses: [425]\n")
		t.Setenv("WEBHOOK_RETRYABLE_STATUSES", "429, 408")
		cfg, err := config.Load(flags(t, "--config", file))
		require.NoError(t, err)
		assert.Equal(t, []int{429, 408}, cfg.Dispatch.Policy.RetryableStatuses)
	})

	t.Run("flag beats env", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("WEBHOOK_RETRYABLE_STATUSES", "408")
		cfg, err := config.Load(flags(t, "--retryable-status", "429", "--retryable-status", "425"))
		require.NoError(t, err)
		assert.Equal(t, []int{429, 425}, cfg.Dispatch.Policy.RetryableStatuses)
	})

	t.Run("rendered config keeps the list", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cfg, err := config.Load(flags(t, "--retryable-status", "429"))
		require.NoError(t, err)
		out, err := cfg.YAML()
		require.NoError(t, err)
		assert.Contains(t, string(out), "retryable_statuses:\n    - 429")
	})

	t.Run("invalid values are config errors", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("WEBHOOK_RETRYABLE_STATUSES", "too-many")
		_, err := config.Load(flags(t))
		assert.ErrorIs(t, err, webhook.ErrConfig)

		t.Setenv("WEBHOOK_RETRYABLE_STATUSES", "42")
		_, err = config.Load(flags(t))
		assert.ErrorIs(t, err, webhook.ErrConfig)
	})
}

func TestLoadRelay(t *testing.T) {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	config.RegisterRelayFlags(fs)
	require.NoError(t, fs.Parse([]string{"--signing-secret", "whsec_abc"}))
	t.Setenv("RELAY_REDIS_ADDR", "cache:6379")
	t.Setenv("PORT", "9090")

	cfg, err := config.LoadRelay(fs)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, "whsec_abc", cfg.SigningSecret)
	assert.Equal(t, webhook.ExpirationWindow+time.Minute, cfg.EventTTL)

	fs = pflag.NewFlagSet("relay", pflag.ContinueOnError)
	config.RegisterRelayFlags(fs)
	require.NoError(t, fs.Parse([]string{"--event-ttl", "1m"}))
	_, err = config.LoadRelay(fs)
	assert.ErrorIs(t, err, webhook.ErrConfig)
}
