package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"GEMINI_API_KEYS", "GOOGLE_API_KEY", "GEMINI_API_KEY", "PROVIDER", "POLL_INTERVAL", "POLL_TIMEOUT", "HTTP_ADDR", "TEMPERATURE", "COUNT_TOKENS_TIMEOUT", "REDIS_LEDGER_KEY"} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaultsWithMockProvider(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROVIDER", "mock")
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upload.PollInterval.Duration != 10*time.Second || cfg.Upload.PollTimeout.Duration != 10*time.Minute {
		t.Fatalf("poll settings = %+v", cfg.Upload)
	}
	if cfg.Limits.GenerationTimeout.Duration != 600*time.Second {
		t.Fatalf("generation timeout = %s", cfg.Limits.GenerationTimeout.Duration)
	}
	if cfg.Generation.Temperature != 1.0 || cfg.Generation.TopP != 0.94 || cfg.Generation.MaxOutputTokens != 2000 {
		t.Fatalf("generation defaults = %+v", cfg.Generation)
	}
	if cfg.Limits.CountTokensTimeout.Duration != 5*time.Second {
		t.Fatalf("count tokens timeout = %s", cfg.Limits.CountTokensTimeout.Duration)
	}
	if cfg.Redis.Key != "gateway:handles" {
		t.Fatalf("redis key = %q", cfg.Redis.Key)
	}
}

func TestLoadLimitsFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROVIDER", "mock")
	t.Setenv("COUNT_TOKENS_TIMEOUT", "750ms")
	t.Setenv("REDIS_LEDGER_KEY", "gateway:handles:eu-1")
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Limits.CountTokensTimeout.Duration != 750*time.Millisecond {
		t.Fatalf("count tokens timeout = %s", cfg.Limits.CountTokensTimeout.Duration)
	}
	if cfg.Redis.Key != "gateway:handles:eu-1" {
		t.Fatalf("redis key = %q", cfg.Redis.Key)
	}
}

func TestLoadTOMLThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "gateway.toml", `
http_addr = ":9000"
provider = "gemini"

[gemini]
api_keys = ["file-key"]

[upload]
poll_interval = "2s"
poll_timeout = "1m"

[generation]
model = "gemini-1.5-pro"
temperature = 0.5
top_p = 0.9
max_output_tokens = 1000
`)
	t.Setenv("POLL_INTERVAL", "5s")
	t.Setenv("GEMINI_API_KEYS", "a, b ,,c")

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.Upload.PollInterval.Duration != 5*time.Second {
		t.Fatalf("env did not override poll interval: %s", cfg.Upload.PollInterval.Duration)
	}
	if cfg.Upload.PollTimeout.Duration != time.Minute {
		t.Fatalf("poll timeout = %s", cfg.Upload.PollTimeout.Duration)
	}
	if !reflect.DeepEqual(cfg.Gemini.APIKeys, []string{"a", "b", "c"}) {
		t.Fatalf("keys = %v", cfg.Gemini.APIKeys)
	}
	if cfg.Generation.ModelID != "gemini-1.5-pro" || cfg.Generation.MaxOutputTokens != 1000 {
		t.Fatalf("generation = %+v", cfg.Generation)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	envFile := writeFile(t, ".env", "GOOGLE_API_KEY=from-dotenv\n")
	// godotenv does not override variables that are already set.
	os.Unsetenv("GOOGLE_API_KEY")

	cfg, err := Load("", envFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg.Gemini.APIKeys, []string{"from-dotenv"}) {
		t.Fatalf("keys = %v", cfg.Gemini.APIKeys)
	}
}

func TestLoadMissingDotEnvIsFine(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROVIDER", "mock")
	if _, err := Load("", filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no key", func(c *Config) { c.Provider = "gemini" }, "no Gemini API key"},
		{"unknown provider", func(c *Config) { c.Provider = "bedrock" }, "unknown provider"},
		{"timeout below interval", func(c *Config) { c.Upload.PollTimeout.Duration = time.Second }, "poll_timeout"},
		{"temperature", func(c *Config) { c.Generation.Temperature = 3 }, "temperature"},
		{"count timeout above generation", func(c *Config) { c.Limits.CountTokensTimeout.Duration = time.Hour }, "count_tokens_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Provider = "mock"
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}
