// Package serverconfig loads daemon settings from an optional YAML file and
// SEAL_* environment variables, in that order, over built-in defaults.
package serverconfig

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

const DefaultListen = "127.0.0.1:8787"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Listen    string
	Storage   StorageConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Stream    StreamConfig
	Delivery  DeliveryConfig
	CORS      CORSConfig
	LogLevel  string
}

type StorageConfig struct {
	Backend    string
	Path       string
	Passphrase string
}

type AuthConfig struct {
	// Tokens maps a static bearer token to the identity it authenticates.
	Tokens        map[string]string
	SigningSecret string
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
	// SendRPS and SendBurst throttle message.send per identity.
	SendRPS   float64
	SendBurst int
}

type StreamConfig struct {
	MaxGlobal    int
	MaxPerClient int
}

type DeliveryConfig struct {
	BufferSize     int
	MaxPerIdentity int
}

type CORSConfig struct {
	AllowedOrigins []string
}

func Default() Config {
	return Config{
		Listen:  DefaultListen,
		Storage: StorageConfig{Backend: BackendMemory},
		Auth:    AuthConfig{Tokens: map[string]string{}},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			RPS:       20,
			Burst:     40,
			SendRPS:   10,
			SendBurst: 20,
		},
		Stream:   StreamConfig{MaxGlobal: 256, MaxPerClient: 4},
		Delivery: DeliveryConfig{BufferSize: 64, MaxPerIdentity: 8},
		LogLevel: "info",
	}
}

// FileConfig mirrors config.yaml. Pointer fields distinguish "unset" from an
// explicit zero.
type FileConfig struct {
	Listen  string `yaml:"listen"`
	Storage struct {
		Backend    string `yaml:"backend"`
		Path       string `yaml:"path"`
		Passphrase string `yaml:"passphrase"`
	} `yaml:"storage"`
	Auth struct {
		Tokens        map[string]string `yaml:"tokens"`
		SigningSecret string            `yaml:"signingSecret"`
	} `yaml:"auth"`
	RateLimit struct {
		Enabled   *bool   `yaml:"enabled"`
		RPS       float64 `yaml:"rps"`
		Burst     int     `yaml:"burst"`
		SendRPS   float64 `yaml:"sendRps"`
		SendBurst int     `yaml:"sendBurst"`
	} `yaml:"rateLimit"`
	Stream struct {
		MaxGlobal    int `yaml:"maxGlobal"`
		MaxPerClient int `yaml:"maxPerClient"`
	} `yaml:"stream"`
	Delivery struct {
		BufferSize     int `yaml:"bufferSize"`
		MaxPerIdentity int `yaml:"maxPerIdentity"`
	} `yaml:"delivery"`
	CORS struct {
		AllowedOrigins []string `yaml:"allowedOrigins"`
	} `yaml:"cors"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// LoadFromPath reads configPath, or the first default location that exists
// when configPath is empty, then applies env overrides. A missing default file
// is not an error; a missing or malformed explicit file is. The result is not
// validated so callers can apply flag overrides first.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"go-backend/configs/config.yaml",
			"configs/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Merge(dst *Config, src FileConfig) {
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.Storage.Backend != "" {
		dst.Storage.Backend = src.Storage.Backend
	}
	if src.Storage.Path != "" {
		dst.Storage.Path = src.Storage.Path
	}
	if src.Storage.Passphrase != "" {
		dst.Storage.Passphrase = src.Storage.Passphrase
	}
	if src.Auth.Tokens != nil {
		dst.Auth.Tokens = src.Auth.Tokens
	}
	if src.Auth.SigningSecret != "" {
		dst.Auth.SigningSecret = src.Auth.SigningSecret
	}
	if src.RateLimit.Enabled != nil {
		dst.RateLimit.Enabled = *src.RateLimit.Enabled
	}
	if src.RateLimit.RPS != 0 {
		dst.RateLimit.RPS = src.RateLimit.RPS
	}
	if src.RateLimit.Burst != 0 {
		dst.RateLimit.Burst = src.RateLimit.Burst
	}
	if src.RateLimit.SendRPS != 0 {
		dst.RateLimit.SendRPS = src.RateLimit.SendRPS
	}
	if src.RateLimit.SendBurst != 0 {
		dst.RateLimit.SendBurst = src.RateLimit.SendBurst
	}
	if src.Stream.MaxGlobal != 0 {
		dst.Stream.MaxGlobal = src.Stream.MaxGlobal
	}
	if src.Stream.MaxPerClient != 0 {
		dst.Stream.MaxPerClient = src.Stream.MaxPerClient
	}
	if src.Delivery.BufferSize != 0 {
		dst.Delivery.BufferSize = src.Delivery.BufferSize
	}
	if src.Delivery.MaxPerIdentity != 0 {
		dst.Delivery.MaxPerIdentity = src.Delivery.MaxPerIdentity
	}
	if src.CORS.AllowedOrigins != nil {
		dst.CORS.AllowedOrigins = src.CORS.AllowedOrigins
	}
	if src.Log.Level != "" {
		dst.LogLevel = src.Log.Level
	}
}

// ApplyEnvOverrides reads SEAL_* variables. SEAL_AUTH_TOKENS is a comma
// separated list of token=identity pairs and is merged into the file table.
func ApplyEnvOverrides(cfg *Config) error {
	setString := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	setString("SEAL_LISTEN", &cfg.Listen)
	setString("SEAL_STORAGE_BACKEND", &cfg.Storage.Backend)
	setString("SEAL_STORAGE_PATH", &cfg.Storage.Path)
	setString("SEAL_STORAGE_PASSPHRASE", &cfg.Storage.Passphrase)
	setString("SEAL_AUTH_SIGNING_SECRET", &cfg.Auth.SigningSecret)
	setString("SEAL_LOG_LEVEL", &cfg.LogLevel)

	if raw := strings.TrimSpace(os.Getenv("SEAL_RATE_LIMIT_ENABLED")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: SEAL_RATE_LIMIT_ENABLED: %v", ErrInvalidConfig, err)
		}
		cfg.RateLimit.Enabled = v
	}
	if raw := strings.TrimSpace(os.Getenv("SEAL_CORS_ALLOWED_ORIGINS")); raw != "" {
		cfg.CORS.AllowedOrigins = splitList(raw)
	}
	if raw := strings.TrimSpace(os.Getenv("SEAL_AUTH_TOKENS")); raw != "" {
		if cfg.Auth.Tokens == nil {
			cfg.Auth.Tokens = map[string]string{}
		}
		for _, pair := range splitList(raw) {
			token, identity, ok := strings.Cut(pair, "=")
			token, identity = strings.TrimSpace(token), strings.TrimSpace(identity)
			if !ok || token == "" || identity == "" {
				return fmt.Errorf("%w: SEAL_AUTH_TOKENS entry must be token=identity", ErrInvalidConfig)
			}
			cfg.Auth.Tokens[token] = identity
		}
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile, BackendBolt, BackendSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("%w: storage.path is required for backend %q", ErrInvalidConfig, c.Storage.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	if c.Storage.Passphrase != "" && c.Storage.Backend != BackendFile {
		return fmt.Errorf("%w: storage.passphrase only applies to the file backend", ErrInvalidConfig)
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("%w: rateLimit.rps and rateLimit.burst must be positive", ErrInvalidConfig)
	}
	if c.Stream.MaxGlobal < 0 || c.Stream.MaxPerClient < 0 {
		return fmt.Errorf("%w: stream limits must not be negative", ErrInvalidConfig)
	}
	if c.Delivery.BufferSize < 0 || c.Delivery.MaxPerIdentity < 0 {
		return fmt.Errorf("%w: delivery limits must not be negative", ErrInvalidConfig)
	}
	if _, err := c.ListenAddress(); err != nil {
		return err
	}
	return nil
}

// ListenAddress resolves Listen to a host:port suitable for net.Listen. Both
// "127.0.0.1:8787" and "/ip4/127.0.0.1/tcp/8787" are accepted.
func (c Config) ListenAddress() (string, error) {
	listen := strings.TrimSpace(c.Listen)
	if listen == "" {
		return "", fmt.Errorf("%w: listen is empty", ErrInvalidConfig)
	}
	if strings.HasPrefix(listen, "/") {
		ma, err := multiaddr.NewMultiaddr(listen)
		if err != nil {
			return "", fmt.Errorf("%w: listen multiaddr: %v", ErrInvalidConfig, err)
		}
		addr, err := manet.ToNetAddr(ma)
		if err != nil {
			return "", fmt.Errorf("%w: listen multiaddr: %v", ErrInvalidConfig, err)
		}
		if _, ok := addr.(*net.TCPAddr); !ok {
			return "", fmt.Errorf("%w: listen multiaddr must be tcp", ErrInvalidConfig)
		}
		return addr.String(), nil
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return "", fmt.Errorf("%w: listen: %v", ErrInvalidConfig, err)
	}
	return listen, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
