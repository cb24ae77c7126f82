package serverconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadFromPath("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: /ip4/0.0.0.0/tcp/9000
storage:
  backend: bolt
  path: /var/lib/sealchat/ledger.db
auth:
  tokens:
    tok-alice: alice
  signingSecret: 0123456789abcdef0123
rateLimit:
  enabled: false
delivery:
  bufferSize: 16
cors:
  allowedOrigins: ["https://chat.example"]
log:
  level: debug
`)
	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, BackendBolt, cfg.Storage.Backend)
	require.Equal(t, "alice", cfg.Auth.Tokens["tok-alice"])
	require.False(t, cfg.RateLimit.Enabled)
	require.Equal(t, 20.0, cfg.RateLimit.RPS)
	require.Equal(t, 16, cfg.Delivery.BufferSize)
	require.Equal(t, 8, cfg.Delivery.MaxPerIdentity)
	require.Equal(t, []string{"https://chat.example"}, cfg.CORS.AllowedOrigins)
	require.Equal(t, "debug", cfg.LogLevel)

	addr, err := cfg.ListenAddress()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", addr)
}

func TestMergeDoesNotOverwriteBoolDefaultsWhenUnset(t *testing.T) {
	dst := Default()
	Merge(&dst, FileConfig{Listen: "127.0.0.1:1"})
	require.True(t, dst.RateLimit.Enabled)
	require.Equal(t, "127.0.0.1:1", dst.Listen)
}

func TestExplicitPathErrors(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadFromPath(writeConfig(t, "listen: [unterminated"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: sqlite\n  path: a.db\n")
	t.Setenv("SEAL_LISTEN", "127.0.0.1:7000")
	t.Setenv("SEAL_STORAGE_PATH", "b.db")
	t.Setenv("SEAL_RATE_LIMIT_ENABLED", "false")
	t.Setenv("SEAL_AUTH_TOKENS", "t1=alice, t2=bob")
	t.Setenv("SEAL_CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("SEAL_LOG_LEVEL", "warn")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7000", cfg.Listen)
	require.Equal(t, BackendSQLite, cfg.Storage.Backend)
	require.Equal(t, "b.db", cfg.Storage.Path)
	require.False(t, cfg.RateLimit.Enabled)
	require.Equal(t, map[string]string{"t1": "alice", "t2": "bob"}, cfg.Auth.Tokens)
	require.Len(t, cfg.CORS.AllowedOrigins, 2)
	require.Equal(t, "warn", cfg.LogLevel)
}

func TestEnvRejectsMalformedValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SEAL_RATE_LIMIT_ENABLED", "sometimes")
	_, err := LoadFromPath("")
	require.ErrorIs(t, err, ErrInvalidConfig)

	t.Setenv("SEAL_RATE_LIMIT_ENABLED", "")
	t.Setenv("SEAL_AUTH_TOKENS", "no-identity")
	_, err = LoadFromPath("")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown backend":      func(c *Config) { c.Storage.Backend = "redis" },
		"durable without path": func(c *Config) { c.Storage.Backend = BackendBolt },
		"passphrase on bolt": func(c *Config) {
			c.Storage = StorageConfig{Backend: BackendBolt, Path: "x.db", Passphrase: "p"}
		},
		"zero rps":          func(c *Config) { c.RateLimit.RPS = 0 },
		"negative stream":   func(c *Config) { c.Stream.MaxGlobal = -1 },
		"negative delivery": func(c *Config) { c.Delivery.BufferSize = -1 },
		"udp multiaddr":     func(c *Config) { c.Listen = "/ip4/127.0.0.1/udp/9000" },
		"bare port":         func(c *Config) { c.Listen = "8787" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := Default()
	cfg.Storage = StorageConfig{Backend: BackendFile, Path: "ledger.json", Passphrase: "p"}
	require.NoError(t, cfg.Validate())
}

func TestListenAddressForms(t *testing.T) {
	cfg := Default()
	addr, err := cfg.ListenAddress()
	require.NoError(t, err)
	require.Equal(t, DefaultListen, addr)

	cfg.Listen = "/ip6/::1/tcp/8787"
	addr, err = cfg.ListenAddress()
	require.NoError(t, err)
	require.Equal(t, "[::1]:8787", addr)
}
