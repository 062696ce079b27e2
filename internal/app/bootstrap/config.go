package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
)

// Config is the resolved runtime configuration.
type Config struct {
	ServiceID  string
	ConfigPath string

	HTTPPort int
	GRPCPort int

	// TrustedProxyHops counts the reverse proxies in front of the HTTP port.
	TrustedProxyHops int

	DatabaseURL  string
	RedisURL     string
	KafkaBrokers []string
	MaxDBConns   int32

	JWTPublicKeyPEM   string
	JWTKeyID          string
	AllowEphemeralJWT bool

	PendingTokenTTL      time.Duration
	IdentityCacheTTL     time.Duration
	CodeCacheTTL         time.Duration
	RetentionHorizon     time.Duration
	PurgeInterval        time.Duration
	HistoryScanLimit     int
	MultiDeviceThreshold int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxClaimTTL     time.Duration
	OutboxMaxRetries   int

	Platforms domain.Platforms
	Policy    domain.Policy
}

// configFile mirrors configs/default.yaml.
type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
		GRPCPort int    `yaml:"grpc_port"`

		TrustedProxyHops *int `yaml:"trusted_proxy_hops"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL  string   `yaml:"postgres_url"`
		RedisURL     string   `yaml:"redis_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
	} `yaml:"dependencies"`
	Security struct {
		JWTKeyID          string `yaml:"jwt_key_id"`
		AllowEphemeralJWT *bool  `yaml:"allow_ephemeral_jwt"`
	} `yaml:"security"`
	Referral struct {
		PendingTokenTTL      time.Duration `yaml:"pending_token_ttl"`
		IdentityCacheTTL     time.Duration `yaml:"identity_cache_ttl"`
		CodeCacheTTL         time.Duration `yaml:"code_cache_ttl"`
		RetentionHorizon     time.Duration `yaml:"retention_horizon"`
		PurgeInterval        time.Duration `yaml:"purge_interval"`
		HistoryScanLimit     int           `yaml:"history_scan_limit"`
		MultiDeviceThreshold int           `yaml:"multi_device_threshold"`
	} `yaml:"referral"`
	Outbox struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int           `yaml:"batch_size"`
		ClaimTTL     time.Duration `yaml:"claim_ttl"`
		MaxRetries   int           `yaml:"max_retries"`
	} `yaml:"outbox"`
	Platforms map[string]string `yaml:"platforms"`
	Policy    domain.Policy     `yaml:"policy"`
}

func defaultConfig() Config {
	return Config{
		ServiceID:            "M98-Referral-Click-Guard",
		HTTPPort:             8080,
		GRPCPort:             9090,
		MaxDBConns:           20,
		JWTKeyID:             "m98-referral-key-1",
		AllowEphemeralJWT:    true,
		PendingTokenTTL:      10 * time.Minute,
		IdentityCacheTTL:     24 * time.Hour,
		CodeCacheTTL:         time.Hour,
		RetentionHorizon:     90 * 24 * time.Hour,
		PurgeInterval:        24 * time.Hour,
		HistoryScanLimit:     200,
		MultiDeviceThreshold: 5,
		OutboxPollInterval:   2 * time.Second,
		OutboxBatchSize:      100,
		OutboxClaimTTL:       30 * time.Second,
		OutboxMaxRetries:     5,
		Platforms: domain.Platforms{
			"youtube": "https://www.youtube.com",
			"spotify": "https://open.spotify.com",
			"apple":   "https://music.apple.com",
		},
		Policy: domain.DefaultPolicy(),
	}
}

// LoadConfig resolves configuration in priority order: defaults -> file ->
// env. A .env file, when present, fills variables the environment lacks.
func LoadConfig(path string) (Config, error) {
	if err := loadDotEnv(envOrDefault("DOTENV_PATH", ".env")); err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()
	cfg.ConfigPath = path

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.applyFile(raw); err != nil {
			return Config{}, err
		}
	case !errors.Is(err, fs.ErrNotExist):
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Policy.Validate(); err != nil {
		return Config{}, fmt.Errorf("config policy: %w", err)
	}
	if cfg.JWTPublicKeyPEM == "" && !cfg.AllowEphemeralJWT {
		return Config{}, fmt.Errorf("missing JWT_PUBLIC_KEY_PEM")
	}
	if cfg.TrustedProxyHops < 0 {
		return Config{}, fmt.Errorf("trusted proxy hops must not be negative")
	}
	if len(cfg.Platforms) == 0 {
		return Config{}, fmt.Errorf("at least one platform redirect is required")
	}
	return cfg, nil
}

func (cfg *Config) applyFile(raw []byte) error {
	f := configFile{Policy: cfg.Policy}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	setString(&cfg.ServiceID, f.Service.ID)
	setInt(&cfg.HTTPPort, f.Service.HTTPPort)
	setInt(&cfg.GRPCPort, f.Service.GRPCPort)
	if f.Service.TrustedProxyHops != nil {
		cfg.TrustedProxyHops = *f.Service.TrustedProxyHops
	}
	setString(&cfg.DatabaseURL, f.Dependencies.PostgresURL)
	setString(&cfg.RedisURL, f.Dependencies.RedisURL)
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	setString(&cfg.JWTKeyID, f.Security.JWTKeyID)
	if f.Security.AllowEphemeralJWT != nil {
		cfg.AllowEphemeralJWT = *f.Security.AllowEphemeralJWT
	}
	setDuration(&cfg.PendingTokenTTL, f.Referral.PendingTokenTTL)
	setDuration(&cfg.IdentityCacheTTL, f.Referral.IdentityCacheTTL)
	setDuration(&cfg.CodeCacheTTL, f.Referral.CodeCacheTTL)
	setDuration(&cfg.RetentionHorizon, f.Referral.RetentionHorizon)
	setDuration(&cfg.PurgeInterval, f.Referral.PurgeInterval)
	setInt(&cfg.HistoryScanLimit, f.Referral.HistoryScanLimit)
	setInt(&cfg.MultiDeviceThreshold, f.Referral.MultiDeviceThreshold)
	setDuration(&cfg.OutboxPollInterval, f.Outbox.PollInterval)
	setInt(&cfg.OutboxBatchSize, f.Outbox.BatchSize)
	setDuration(&cfg.OutboxClaimTTL, f.Outbox.ClaimTTL)
	setInt(&cfg.OutboxMaxRetries, f.Outbox.MaxRetries)
	if len(f.Platforms) > 0 {
		cfg.Platforms = normalizePlatforms(f.Platforms)
	}
	cfg.Policy = f.Policy
	return nil
}

func (cfg *Config) applyEnv() {
	cfg.ServiceID = envOrDefault("SERVICE_ID", cfg.ServiceID)
	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.JWTPublicKeyPEM = envOrDefault("JWT_PUBLIC_KEY_PEM", cfg.JWTPublicKeyPEM)
	cfg.JWTKeyID = envOrDefault("JWT_KEY_ID", cfg.JWTKeyID)
	cfg.AllowEphemeralJWT = envBool("JWT_ALLOW_EPHEMERAL", cfg.AllowEphemeralJWT)

	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.TrustedProxyHops = envInt("TRUSTED_PROXY_HOPS", cfg.TrustedProxyHops)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))

	cfg.PendingTokenTTL = envDuration("PENDING_TOKEN_TTL", cfg.PendingTokenTTL)
	cfg.IdentityCacheTTL = envDuration("IDENTITY_CACHE_TTL", cfg.IdentityCacheTTL)
	cfg.CodeCacheTTL = envDuration("CODE_CACHE_TTL", cfg.CodeCacheTTL)
	if days := envInt("IDENTITY_RETENTION_DAYS", 0); days > 0 {
		cfg.RetentionHorizon = time.Duration(days) * 24 * time.Hour
	}
	cfg.PurgeInterval = envDuration("IDENTITY_PURGE_INTERVAL", cfg.PurgeInterval)

	if secs := envInt("OUTBOX_POLL_SECONDS", 0); secs > 0 {
		cfg.OutboxPollInterval = time.Duration(secs) * time.Second
	}
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	if secs := envInt("OUTBOX_CLAIM_TTL_SECONDS", 0); secs > 0 {
		cfg.OutboxClaimTTL = time.Duration(secs) * time.Second
	}
	cfg.OutboxMaxRetries = envInt("OUTBOX_MAX_RETRIES", cfg.OutboxMaxRetries)

	for name := range cfg.Platforms {
		key := "PLATFORM_" + strings.ToUpper(name) + "_URL"
		cfg.Platforms[name] = envOrDefault(key, cfg.Platforms[name])
	}
}

// LoadPolicy reads only the policy section of a config file on top of the
// defaults and validates it. The policy watcher uses it on every change.
func LoadPolicy(path string) (domain.Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var f struct {
		Policy domain.Policy `yaml:"policy"`
	}
	f.Policy = domain.DefaultPolicy()
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return domain.Policy{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := f.Policy.Validate(); err != nil {
		return domain.Policy{}, err
	}
	return f.Policy, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func normalizePlatforms(in map[string]string) domain.Platforms {
	out := make(domain.Platforms, len(in))
	for name, target := range in {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || strings.TrimSpace(target) == "" {
			continue
		}
		out[name] = strings.TrimSpace(target)
	}
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	switch os.Getenv(name) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
