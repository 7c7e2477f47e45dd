package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable with CHAT_CONFIG.
var ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port              string   `yaml:"port"`
	LogLevel          string   `yaml:"logLevel"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	// Completion service.
	CompletionBaseURL   string `yaml:"completionBaseURL"`
	CompletionAPIKey    string `yaml:"completionAPIKey"`
	CompletionModel     string `yaml:"completionModel"`
	CompletionMaxTokens int    `yaml:"completionMaxTokens"`
	SystemPrompt        string `yaml:"systemPrompt"`
	WebSearch           bool   `yaml:"webSearch"`
	FirstByteTimeout    string `yaml:"firstByteTimeout"`
	StreamTimeout       string `yaml:"streamTimeout"`

	// Lightweight model for summaries, keywords and re-ranking.
	SummaryProvider string `yaml:"summaryProvider"`
	SummaryBaseURL  string `yaml:"summaryBaseURL"`
	SummaryAPIKey   string `yaml:"summaryAPIKey"`
	SummaryModel    string `yaml:"summaryModel"`
	SummaryTimeout  string `yaml:"summaryTimeout"`

	// Hosted backend; enabled when databaseURL is set.
	DatabaseURL    string `yaml:"databaseURL"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioPublicURL string `yaml:"minioPublicURL"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	AuthJWKSURL    string `yaml:"authJwksURL"`
	JWTIssuer      string `yaml:"jwtIssuer"`
	JWTAudience    string `yaml:"jwtAudience"`
	JWTLeeway      string `yaml:"jwtLeeway"`

	// Device-profile backend.
	LocalDataDir string `yaml:"localDataDir"`
	// LocalStore is "sqlite" (default) or "redis".
	LocalStore string `yaml:"localStore"`

	RedisAddr            string `yaml:"redisAddr"`
	RedisPassword        string `yaml:"redisPassword"`
	SummaryQueueStream   string `yaml:"summaryQueueStream"`
	SummaryWorkers       int    `yaml:"summaryWorkers"`
	TurnRateLimitPerHour int    `yaml:"turnRateLimitPerHour"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if v := os.Getenv("CHAT_CONFIG"); v != "" {
		path = v
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("CHAT_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHAT_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		cfg.CompletionBaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.CompletionAPIKey = v
	}
	if v := os.Getenv("CHAT_COMPLETION_MODEL"); v != "" {
		cfg.CompletionModel = v
	}
	if v := os.Getenv("CHAT_WEB_SEARCH"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.WebSearch = b
		}
	}
	if v := os.Getenv("CHAT_SUMMARY_PROVIDER"); v != "" {
		cfg.SummaryProvider = v
	}
	if v := os.Getenv("CHAT_SUMMARY_BASE_URL"); v != "" {
		cfg.SummaryBaseURL = v
	}
	if v := os.Getenv("CHAT_SUMMARY_API_KEY"); v != "" {
		cfg.SummaryAPIKey = v
	}
	if v := os.Getenv("CHAT_SUMMARY_MODEL"); v != "" {
		cfg.SummaryModel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_PUBLIC_URL"); v != "" {
		cfg.MinioPublicURL = v
	}
	if v := os.Getenv("CHAT_AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("CHAT_LOCAL_DATA_DIR"); v != "" {
		cfg.LocalDataDir = v
	}
	if v := os.Getenv("CHAT_LOCAL_STORE"); v != "" {
		cfg.LocalStore = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("CHAT_SUMMARY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.SummaryWorkers = n
		}
	}
	if v := os.Getenv("CHAT_TURN_RATE_LIMIT_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.TurnRateLimitPerHour = n
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.CompletionModel == "" {
		return errors.New("config: completionModel is required (set in config.yaml or CHAT_COMPLETION_MODEL)")
	}
	if cfg.CompletionAPIKey == "" {
		return errors.New("config: completionAPIKey is required (set in config.yaml or ANTHROPIC_API_KEY)")
	}
	if cfg.SummaryModel == "" {
		return errors.New("config: summaryModel is required (set in config.yaml or CHAT_SUMMARY_MODEL)")
	}
	if cfg.HostedEnabled() {
		if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
			return errors.New("config: authJwksURL is required when databaseURL is set")
		}
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required when databaseURL is set")
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.LocalStore)) {
	case "", "sqlite":
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for localStore redis")
		}
	default:
		return fmt.Errorf("config: unknown localStore %q", cfg.LocalStore)
	}
	if cfg.TurnRateLimitPerHour < 0 || cfg.SummaryWorkers < 0 {
		return errors.New("config: turnRateLimitPerHour and summaryWorkers must be >= 0")
	}
	if cfg.TurnRateLimitPerHour > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for turn rate limiting")
	}
	for name, raw := range map[string]string{
		"firstByteTimeout": cfg.FirstByteTimeout,
		"streamTimeout":    cfg.StreamTimeout,
		"summaryTimeout":   cfg.SummaryTimeout,
		"jwtLeeway":        cfg.JWTLeeway,
	} {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

// HostedEnabled reports whether account users are served.
func (c FileConfig) HostedEnabled() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

// QueueEnabled reports whether hosted summaries go through the Redis queue.
func (c FileConfig) QueueEnabled() bool {
	return c.HostedEnabled() && strings.TrimSpace(c.RedisAddr) != "" && c.SummaryWorkers > 0
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseDuration parses an optional duration string; empty means zero.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return dur, nil
}

// SharedTurnLock reports whether the one-turn-per-conversation lock lives in
// Redis, so it holds across every instance instead of within one process.
func (c FileConfig) SharedTurnLock() bool {
	return strings.TrimSpace(c.RedisAddr) != ""
}
