// Package config loads gateway settings from an optional TOML file, a .env
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/abdhe/llm-media-gateway/pkg/provider"
)

// Duration decodes TOML strings such as "10s" or "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Debug    bool   `toml:"debug"`
	HTTPAddr string `toml:"http_addr"`
	// Provider is "gemini" or "mock". Mock runs the full pipeline against
	// an in-process provider.
	Provider string `toml:"provider"`

	Gemini GeminiConfig `toml:"gemini"`
	OpenAI OpenAIConfig `toml:"openai"`
	Redis  RedisConfig  `toml:"redis"`

	Upload     UploadConfig              `toml:"upload"`
	Generation provider.GenerationConfig `toml:"generation"`
	Limits     LimitsConfig              `toml:"limits"`
}

type GeminiConfig struct {
	APIKeys []string `toml:"api_keys"`
}

type OpenAIConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

// RedisConfig enables the Redis handle ledger when Addr is set.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	// Key is the hash holding pending handles. Gateways sharing one Redis
	// server must use distinct keys.
	Key string `toml:"key"`
}

type UploadConfig struct {
	StagingDir     string   `toml:"staging_dir"`
	MaxUploadBytes int64    `toml:"max_upload_bytes"`
	PollInterval   Duration `toml:"poll_interval"`
	PollTimeout    Duration `toml:"poll_timeout"`
	PollRetries    int      `toml:"poll_retries"`
}

type LimitsConfig struct {
	GenerationTimeout  Duration `toml:"generation_timeout"`
	CountTokensTimeout Duration `toml:"count_tokens_timeout"`
	CleanupTimeout     Duration `toml:"cleanup_timeout"`
	SessionIdleTTL     Duration `toml:"session_idle_ttl"`
	CBFailureThreshold int      `toml:"cb_failure_threshold"`
	CBCooldown         Duration `toml:"cb_cooldown"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		HTTPAddr:   ":8080",
		Provider:   "gemini",
		Redis:      RedisConfig{Key: "gateway:handles"},
		Generation: provider.DefaultGenerationConfig(),
		Upload: UploadConfig{
			StagingDir:     "./data",
			MaxUploadBytes: 2 << 30,
			PollInterval:   Duration{10 * time.Second},
			PollTimeout:    Duration{10 * time.Minute},
			PollRetries:    3,
		},
		Limits: LimitsConfig{
			GenerationTimeout:  Duration{600 * time.Second},
			CountTokensTimeout: Duration{5 * time.Second},
			CleanupTimeout:     Duration{30 * time.Second},
			SessionIdleTTL:     Duration{time.Hour},
			CBFailureThreshold: 5,
			CBCooldown:         Duration{30 * time.Second},
		},
	}
}

// Load reads envFile (if present), then path (if non-empty), then applies
// environment overrides, and validates the result.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Debug = envBoolOrDefault("DEBUG", c.Debug)
	c.HTTPAddr = envOrDefault("HTTP_ADDR", c.HTTPAddr)
	c.Provider = envOrDefault("PROVIDER", c.Provider)

	if keys := splitKeys(os.Getenv("GEMINI_API_KEYS")); len(keys) > 0 {
		c.Gemini.APIKeys = keys
	}
	if len(c.Gemini.APIKeys) == 0 {
		for _, name := range []string{"GOOGLE_API_KEY", "GEMINI_API_KEY"} {
			if k := strings.TrimSpace(os.Getenv(name)); k != "" {
				c.Gemini.APIKeys = []string{k}
				break
			}
		}
	}
	c.OpenAI.APIKey = envOrDefault("OPENAI_API_KEY", c.OpenAI.APIKey)
	c.OpenAI.BaseURL = envOrDefault("OPENAI_BASE_URL", c.OpenAI.BaseURL)

	c.Redis.Addr = envOrDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envIntOrDefault("REDIS_DB", c.Redis.DB)
	c.Redis.Key = envOrDefault("REDIS_LEDGER_KEY", c.Redis.Key)

	c.Upload.StagingDir = envOrDefault("STAGING_DIR", c.Upload.StagingDir)
	c.Upload.MaxUploadBytes = int64(envIntOrDefault("MAX_UPLOAD_BYTES", int(c.Upload.MaxUploadBytes)))
	c.Upload.PollInterval.Duration = envDurationOrDefault("POLL_INTERVAL", c.Upload.PollInterval.Duration)
	c.Upload.PollTimeout.Duration = envDurationOrDefault("POLL_TIMEOUT", c.Upload.PollTimeout.Duration)
	c.Upload.PollRetries = envIntOrDefault("MAX_RETRIES", c.Upload.PollRetries)

	c.Generation.ModelID = envOrDefault("MODEL", c.Generation.ModelID)
	c.Generation.Temperature = float32(envFloatOrDefault("TEMPERATURE", float64(c.Generation.Temperature)))
	c.Generation.TopP = float32(envFloatOrDefault("TOP_P", float64(c.Generation.TopP)))
	c.Generation.MaxOutputTokens = int32(envIntOrDefault("MAX_OUTPUT_TOKENS", int(c.Generation.MaxOutputTokens)))

	c.Limits.GenerationTimeout.Duration = envDurationOrDefault("GENERATION_TIMEOUT", c.Limits.GenerationTimeout.Duration)
	c.Limits.CountTokensTimeout.Duration = envDurationOrDefault("COUNT_TOKENS_TIMEOUT", c.Limits.CountTokensTimeout.Duration)
	c.Limits.CleanupTimeout.Duration = envDurationOrDefault("CLEANUP_TIMEOUT", c.Limits.CleanupTimeout.Duration)
	c.Limits.SessionIdleTTL.Duration = envDurationOrDefault("SESSION_IDLE_TTL", c.Limits.SessionIdleTTL.Duration)
	c.Limits.CBFailureThreshold = envIntOrDefault("CB_FAILURE_THRESHOLD", c.Limits.CBFailureThreshold)
	c.Limits.CBCooldown.Duration = envDurationOrDefault("CB_COOLDOWN", c.Limits.CBCooldown.Duration)
}

// Validate checks that the settings can run a gateway.
func (c Config) Validate() error {
	var errs []error
	switch c.Provider {
	case "gemini":
		if len(c.Gemini.APIKeys) == 0 {
			errs = append(errs, errors.New("no Gemini API key: set GEMINI_API_KEYS, GOOGLE_API_KEY or GEMINI_API_KEY"))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q (want gemini or mock)", c.Provider))
	}
	if c.Upload.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.Upload.PollTimeout.Duration < c.Upload.PollInterval.Duration {
		errs = append(errs, errors.New("poll_timeout must be at least poll_interval"))
	}
	if c.Upload.PollRetries < 0 {
		errs = append(errs, errors.New("poll_retries must not be negative"))
	}
	if c.Upload.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	if c.Limits.GenerationTimeout.Duration <= 0 {
		errs = append(errs, errors.New("generation_timeout must be positive"))
	}
	if c.Limits.CountTokensTimeout.Duration <= 0 || c.Limits.CountTokensTimeout.Duration > c.Limits.GenerationTimeout.Duration {
		errs = append(errs, errors.New("count_tokens_timeout must be positive and at most generation_timeout"))
	}
	if err := c.Generation.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloatOrDefault(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	var keys []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}
