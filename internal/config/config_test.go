package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if cfg.Backend.BaseURL != "http://localhost:8000" {
		t.Fatalf("Backend.BaseURL = %q, want %q", cfg.Backend.BaseURL, "http://localhost:8000")
	}
	if cfg.Backend.SessionHeader != "X-Session-ID" {
		t.Fatalf("Backend.SessionHeader = %q, want %q", cfg.Backend.SessionHeader, "X-Session-ID")
	}
	if cfg.Backend.Retry.MaxRetries != 3 {
		t.Fatalf("Backend.Retry.MaxRetries = %d, want %d", cfg.Backend.Retry.MaxRetries, 3)
	}
	if cfg.Chat.MaxTokens != 1024 {
		t.Fatalf("Chat.MaxTokens = %d, want %d", cfg.Chat.MaxTokens, 1024)
	}
	if cfg.Poller.Interval != "30s" {
		t.Fatalf("Poller.Interval = %q, want %q", cfg.Poller.Interval, "30s")
	}
	if cfg.Knowledge.Namespace != "default" {
		t.Fatalf("Knowledge.Namespace = %q, want %q", cfg.Knowledge.Namespace, "default")
	}
	if cfg.Knowledge.Store != "file" {
		t.Fatalf("Knowledge.Store = %q, want %q", cfg.Knowledge.Store, "file")
	}
}

func TestLoadFromFileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[backend]
base_url = "https://file.example"
probe_timeout = "3s"

[backend.retry]
max_retries = 9
base_delay = "900ms"
max_delay = "9s"

[chat]
model = "file-model"
max_tokens = 256

[knowledge]
namespace = "file-ns"
store = "sqlite"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("KBCHAT_BACKEND_URL", "https://env.example")
	t.Setenv("KBCHAT_CHAT_MODEL", "env-model")
	t.Setenv("KBCHAT_UPLOAD_RETRY_MAX_RETRIES", "4")
	t.Setenv("KBCHAT_NAMESPACE", "env-ns")

	cfg, err := Load(LoadOptions{Path: path, EnvFile: writeEnvFile(t, dir, "")})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend.BaseURL != "https://env.example" {
		t.Fatalf("BaseURL = %q, want %q", cfg.Backend.BaseURL, "https://env.example")
	}
	if cfg.Backend.ProbeTimeout != "3s" {
		t.Fatalf("ProbeTimeout = %q, want %q", cfg.Backend.ProbeTimeout, "3s")
	}
	if cfg.Chat.Model != "env-model" {
		t.Fatalf("Model = %q, want %q", cfg.Chat.Model, "env-model")
	}
	if cfg.Chat.MaxTokens != 256 {
		t.Fatalf("MaxTokens = %d, want %d", cfg.Chat.MaxTokens, 256)
	}
	if cfg.Backend.Retry.MaxRetries != 4 {
		t.Fatalf("MaxRetries = %d, want %d", cfg.Backend.Retry.MaxRetries, 4)
	}
	if cfg.Backend.Retry.BaseDelay != "900ms" {
		t.Fatalf("BaseDelay = %q, want %q", cfg.Backend.Retry.BaseDelay, "900ms")
	}
	if cfg.Knowledge.Namespace != "env-ns" {
		t.Fatalf("Namespace = %q, want %q", cfg.Knowledge.Namespace, "env-ns")
	}
	if cfg.Knowledge.Store != "sqlite" {
		t.Fatalf("Store = %q, want %q", cfg.Knowledge.Store, "sqlite")
	}
}

func TestLoadReadsEnvFileWithoutOverridingEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := writeEnvFile(t, dir, "KBCHAT_LOG_LEVEL=debug\nKBCHAT_POLL_INTERVAL=45s\n")
	t.Setenv("KBCHAT_POLL_INTERVAL", "10s")
	// Register cleanup for the variable the env file introduces.
	t.Setenv("KBCHAT_LOG_LEVEL", "")
	if err := os.Unsetenv("KBCHAT_LOG_LEVEL"); err != nil {
		t.Fatalf("unset env: %v", err)
	}

	cfg, err := Load(LoadOptions{Path: filepath.Join(dir, "missing.toml"), EnvFile: envFile})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Poller.Interval != "10s" {
		t.Fatalf("Poller.Interval = %q, want %q", cfg.Poller.Interval, "10s")
	}
}

func TestLoadMissingExplicitEnvFile(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(LoadOptions{
		Path:    filepath.Join(dir, "missing.toml"),
		EnvFile: filepath.Join(dir, "missing.env"),
	})
	if err == nil {
		t.Fatalf("Load() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "load env file") {
		t.Fatalf("Load() error = %v, want env file error", err)
	}
}

func TestLoadInvalidEnvNumber(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KBCHAT_CHAT_MAX_TOKENS", "many")

	_, err := Load(LoadOptions{Path: filepath.Join(dir, "missing.toml"), EnvFile: writeEnvFile(t, dir, "")})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Load() error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KBCHAT_KNOWLEDGE_STORE", "redis")

	_, err := Load(LoadOptions{Path: filepath.Join(dir, "missing.toml"), EnvFile: writeEnvFile(t, dir, "")})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Load() error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[backend\nbase_url="), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	_, err := Load(LoadOptions{Path: path, EnvFile: writeEnvFile(t, dir, "")})
	if err == nil {
		t.Fatalf("Load() error = nil, want parse error")
	}
}

func TestSettingsParsesDurations(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Backend.BaseURL = "https://example.test/"
	settings, err := cfg.Settings()
	if err != nil {
		t.Fatalf("Settings() error = %v", err)
	}
	if settings.Backend.BaseURL != "https://example.test" {
		t.Fatalf("BaseURL = %q, want %q", settings.Backend.BaseURL, "https://example.test")
	}
	if settings.Backend.ProbeTimeout != 5*time.Second {
		t.Fatalf("ProbeTimeout = %v, want %v", settings.Backend.ProbeTimeout, 5*time.Second)
	}
	if settings.Retry.BaseDelay != 300*time.Millisecond {
		t.Fatalf("Retry.BaseDelay = %v, want %v", settings.Retry.BaseDelay, 300*time.Millisecond)
	}
	if settings.Poller.BackoffBase != 2*time.Second {
		t.Fatalf("Poller.BackoffBase = %v, want %v", settings.Poller.BackoffBase, 2*time.Second)
	}
	if settings.Poller.RateLimitDelay != 60*time.Second {
		t.Fatalf("Poller.RateLimitDelay = %v, want %v", settings.Poller.RateLimitDelay, 60*time.Second)
	}
}

func TestSettingsInvalidDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unparseable", mutate: func(c *Config) { c.Poller.Interval = "soon" }},
		{name: "zero", mutate: func(c *Config) { c.Backend.ProbeTimeout = "0s" }},
		{name: "cap below base", mutate: func(c *Config) { c.Poller.BackoffCap = "1s" }},
		{name: "negative retries", mutate: func(c *Config) { c.Backend.Retry.MaxRetries = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(&cfg)
			_, err := cfg.Settings()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Settings() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestKnowledgePathDefaultsByStore(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Knowledge.Store = "sqlite"
	if got := cfg.KnowledgePath(); filepath.Base(got) != "knowledge.db" {
		t.Fatalf("KnowledgePath() = %q, want knowledge.db", got)
	}

	cfg.Knowledge.Store = "file"
	if got := cfg.KnowledgePath(); filepath.Base(got) != "knowledge" {
		t.Fatalf("KnowledgePath() = %q, want knowledge dir", got)
	}

	cfg.Knowledge.Path = "/tmp/custom"
	if got := cfg.KnowledgePath(); got != "/tmp/custom" {
		t.Fatalf("KnowledgePath() = %q, want %q", got, "/tmp/custom")
	}
}

func writeEnvFile(t *testing.T, dir, content string) string {
	t.Helper()

	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}
