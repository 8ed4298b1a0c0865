package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultBackendURL          = "http://localhost:8000"
	defaultSessionHeader       = "X-Session-ID"
	defaultProbeTimeout        = "5s"
	defaultRequestTimeout      = "60s"
	defaultRetryMaxRetries     = 3
	defaultRetryBaseDelay      = "300ms"
	defaultRetryMaxDelay       = "5s"
	defaultChatMaxTokens       = 1024
	defaultChatTemperature     = 0.7
	defaultPollInterval        = "30s"
	defaultPollBackoffBase     = "2s"
	defaultPollBackoffCap      = "30s"
	defaultPollRateLimitDelay  = "60s"
	defaultPollErrorDelay      = "15s"
	defaultNamespace           = "default"
	defaultKnowledgeStore      = "file"
	defaultChunkSize           = 1000
	defaultChunkOverlap        = 100
	defaultLogLevel            = "info"
	defaultLogMaxSizeMB        = 10
	defaultLogMaxBackups       = 3
	defaultLogMaxAgeDays       = 14
	defaultTUITheme            = "dark"
	defaultConfigRelativePath  = ".config/kbchat/config.toml"
	defaultDataRelativePath    = ".local/share/kbchat"
	defaultEnvFile             = ".env"
	envBackendURL              = "KBCHAT_BACKEND_URL"
	envSessionHeader           = "KBCHAT_SESSION_HEADER"
	envProbeTimeout            = "KBCHAT_PROBE_TIMEOUT"
	envRetryMaxRetries         = "KBCHAT_UPLOAD_RETRY_MAX_RETRIES"
	envChatModel               = "KBCHAT_CHAT_MODEL"
	envChatMaxTokens           = "KBCHAT_CHAT_MAX_TOKENS"
	envChatTemperature         = "KBCHAT_CHAT_TEMPERATURE"
	envPollInterval            = "KBCHAT_POLL_INTERVAL"
	envNamespace               = "KBCHAT_NAMESPACE"
	envKnowledgeStore          = "KBCHAT_KNOWLEDGE_STORE"
	envKnowledgePath           = "KBCHAT_KNOWLEDGE_PATH"
	envLogLevel                = "KBCHAT_LOG_LEVEL"
	envLogFile                 = "KBCHAT_LOG_FILE"
	knowledgeStoreMemory       = "memory"
	knowledgeStoreFile         = "file"
	knowledgeStoreSQLite       = "sqlite"
	defaultSQLiteFileName      = "knowledge.db"
	defaultKnowledgeDirName    = "knowledge"
	defaultLogFileRelativePath = "kbchat.log"
)

var (
	// ErrInvalidConfig indicates malformed configuration input.
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is the application configuration root.
type Config struct {
	Backend   BackendConfig   `toml:"backend"`
	Chat      ChatConfig      `toml:"chat"`
	Poller    PollerConfig    `toml:"poller"`
	Knowledge KnowledgeConfig `toml:"knowledge"`
	Log       LogConfig       `toml:"log"`
	TUI       TUIConfig       `toml:"tui"`
}

// BackendConfig configures the remote assistant backend.
type BackendConfig struct {
	BaseURL        string      `toml:"base_url"`
	SessionHeader  string      `toml:"session_header"`
	ProbeTimeout   string      `toml:"probe_timeout"`
	RequestTimeout string      `toml:"request_timeout"`
	Retry          RetryConfig `toml:"retry"`
}

// RetryConfig stores the upload retry policy as config-friendly values.
type RetryConfig struct {
	MaxRetries int    `toml:"max_retries"`
	BaseDelay  string `toml:"base_delay"`
	MaxDelay   string `toml:"max_delay"`
}

// ChatConfig holds generation parameters sent with every turn.
type ChatConfig struct {
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
}

// PollerConfig configures the status loop cadence.
type PollerConfig struct {
	Interval       string `toml:"interval"`
	BackoffBase    string `toml:"backoff_base"`
	BackoffCap     string `toml:"backoff_cap"`
	RateLimitDelay string `toml:"rate_limit_delay"`
	ErrorDelay     string `toml:"error_delay"`
}

// KnowledgeConfig configures the local knowledge store.
type KnowledgeConfig struct {
	Namespace    string `toml:"namespace"`
	Store        string `toml:"store"`
	Path         string `toml:"path"`
	ChunkSize    int    `toml:"chunk_size"`
	ChunkOverlap int    `toml:"chunk_overlap"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// TUIConfig configures terminal UI defaults.
type TUIConfig struct {
	Theme string `toml:"theme"`
}

// LoadOptions controls config loading behavior.
type LoadOptions struct {
	Path string
	// EnvFile is loaded before environment overrides. Variables already set
	// in the environment win. Empty means ".env" in the working directory.
	EnvFile string
}

// Settings is a validated runtime snapshot with durations parsed.
type Settings struct {
	Backend BackendSettings
	Retry   RetrySettings
	Poller  PollerSettings
}

// BackendSettings is the parsed backend configuration.
type BackendSettings struct {
	BaseURL        string
	SessionHeader  string
	ProbeTimeout   time.Duration
	RequestTimeout time.Duration
}

// RetrySettings is the parsed upload retry policy.
type RetrySettings struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// PollerSettings is the parsed poller cadence.
type PollerSettings struct {
	Interval       time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	RateLimitDelay time.Duration
	ErrorDelay     time.Duration
}

// Default returns application defaults.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:        defaultBackendURL,
			SessionHeader:  defaultSessionHeader,
			ProbeTimeout:   defaultProbeTimeout,
			RequestTimeout: defaultRequestTimeout,
			Retry: RetryConfig{
				MaxRetries: defaultRetryMaxRetries,
				BaseDelay:  defaultRetryBaseDelay,
				MaxDelay:   defaultRetryMaxDelay,
			},
		},
		Chat: ChatConfig{
			MaxTokens:   defaultChatMaxTokens,
			Temperature: defaultChatTemperature,
		},
		Poller: PollerConfig{
			Interval:       defaultPollInterval,
			BackoffBase:    defaultPollBackoffBase,
			BackoffCap:     defaultPollBackoffCap,
			RateLimitDelay: defaultPollRateLimitDelay,
			ErrorDelay:     defaultPollErrorDelay,
		},
		Knowledge: KnowledgeConfig{
			Namespace:    defaultNamespace,
			Store:        defaultKnowledgeStore,
			ChunkSize:    defaultChunkSize,
			ChunkOverlap: defaultChunkOverlap,
		},
		Log: LogConfig{
			Level:      defaultLogLevel,
			MaxSizeMB:  defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
			MaxAgeDays: defaultLogMaxAgeDays,
		},
		TUI: TUIConfig{
			Theme: defaultTUITheme,
		},
	}
}

// Load reads the config file, loads the .env file, then applies environment
// variable overrides.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = defaultConfigPath()
	}

	if err := mergeConfigFile(&cfg, path); err != nil {
		return Config{}, err
	}
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Settings returns validated settings suitable for runtime wiring.
func (c Config) Settings() (Settings, error) {
	var (
		s   Settings
		err error
	)
	parse := func(name, value string) time.Duration {
		if err != nil {
			return 0
		}
		d, parseErr := time.ParseDuration(strings.TrimSpace(value))
		if parseErr != nil {
			err = fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, name, parseErr)
			return 0
		}
		if d <= 0 {
			err = fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
		return d
	}

	s.Backend = BackendSettings{
		BaseURL:        strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/"),
		SessionHeader:  strings.TrimSpace(c.Backend.SessionHeader),
		ProbeTimeout:   parse("backend.probe_timeout", c.Backend.ProbeTimeout),
		RequestTimeout: parse("backend.request_timeout", c.Backend.RequestTimeout),
	}
	s.Retry = RetrySettings{
		MaxRetries: c.Backend.Retry.MaxRetries,
		BaseDelay:  parse("backend.retry.base_delay", c.Backend.Retry.BaseDelay),
		MaxDelay:   parse("backend.retry.max_delay", c.Backend.Retry.MaxDelay),
	}
	s.Poller = PollerSettings{
		Interval:       parse("poller.interval", c.Poller.Interval),
		BackoffBase:    parse("poller.backoff_base", c.Poller.BackoffBase),
		BackoffCap:     parse("poller.backoff_cap", c.Poller.BackoffCap),
		RateLimitDelay: parse("poller.rate_limit_delay", c.Poller.RateLimitDelay),
		ErrorDelay:     parse("poller.error_delay", c.Poller.ErrorDelay),
	}
	if err != nil {
		return Settings{}, err
	}
	if c.Backend.Retry.MaxRetries < 0 {
		return Settings{}, fmt.Errorf("%w: backend.retry.max_retries must be >= 0", ErrInvalidConfig)
	}
	if s.Poller.BackoffCap < s.Poller.BackoffBase {
		return Settings{}, fmt.Errorf("%w: poller.backoff_cap must be >= poller.backoff_base", ErrInvalidConfig)
	}
	return s, nil
}

// KnowledgePath returns the store location, defaulting under the user data
// directory.
func (c Config) KnowledgePath() string {
	if path := strings.TrimSpace(c.Knowledge.Path); path != "" {
		return path
	}
	root := defaultDataRoot()
	switch strings.ToLower(strings.TrimSpace(c.Knowledge.Store)) {
	case knowledgeStoreSQLite:
		return filepath.Join(root, defaultSQLiteFileName)
	default:
		return filepath.Join(root, defaultKnowledgeDirName)
	}
}

// LogFilePath returns the rotating log file location.
func (c Config) LogFilePath() string {
	if path := strings.TrimSpace(c.Log.File); path != "" {
		return path
	}
	return filepath.Join(defaultDataRoot(), defaultLogFileRelativePath)
}

func mergeConfigFile(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func loadEnvFile(path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString := func(name string, dst *string) {
		if value, ok := os.LookupEnv(name); ok && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
		}
	}
	setString(envBackendURL, &cfg.Backend.BaseURL)
	setString(envSessionHeader, &cfg.Backend.SessionHeader)
	setString(envProbeTimeout, &cfg.Backend.ProbeTimeout)
	setString(envChatModel, &cfg.Chat.Model)
	setString(envPollInterval, &cfg.Poller.Interval)
	setString(envNamespace, &cfg.Knowledge.Namespace)
	setString(envKnowledgeStore, &cfg.Knowledge.Store)
	setString(envKnowledgePath, &cfg.Knowledge.Path)
	setString(envLogLevel, &cfg.Log.Level)
	setString(envLogFile, &cfg.Log.File)

	if value, ok := os.LookupEnv(envRetryMaxRetries); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, envRetryMaxRetries, err)
		}
		cfg.Backend.Retry.MaxRetries = parsed
	}
	if value, ok := os.LookupEnv(envChatMaxTokens); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, envChatMaxTokens, err)
		}
		cfg.Chat.MaxTokens = parsed
	}
	if value, ok := os.LookupEnv(envChatTemperature); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, envChatTemperature, err)
		}
		cfg.Chat.Temperature = parsed
	}
	return nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Backend.BaseURL) == "" {
		return fmt.Errorf("%w: backend.base_url is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Knowledge.Namespace) == "" {
		return fmt.Errorf("%w: knowledge.namespace is required", ErrInvalidConfig)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Knowledge.Store)) {
	case knowledgeStoreMemory, knowledgeStoreFile, knowledgeStoreSQLite:
	default:
		return fmt.Errorf("%w: knowledge.store must be memory, file or sqlite", ErrInvalidConfig)
	}
	if cfg.Chat.MaxTokens <= 0 {
		return fmt.Errorf("%w: chat.max_tokens must be positive", ErrInvalidConfig)
	}
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		return fmt.Errorf("%w: chat.temperature must be within [0, 2]", ErrInvalidConfig)
	}
	if _, err := cfg.Settings(); err != nil {
		return err
	}
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultConfigRelativePath)
}

func defaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultDataRelativePath
	}
	return filepath.Join(home, defaultDataRelativePath)
}
