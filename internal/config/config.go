// Package config holds operator-level configuration for a botcore
// installation: data directory, session backend selection, rate limits, loop
// tunables, LLM endpoints, and server settings. Set via env vars (BOTCORE_*)
// or a config file (botcore.config.yaml). Conversation schedules live under
// the "schedules" key and are unmarshalled by the serve command.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the BOTCORE_ prefix
// (e.g. "session_backend" → BOTCORE_SESSION_BACKEND) and to a YAML field in
// botcore.config.yaml.
const (
	KeyDataDir             = "data_dir"
	KeyLanguage            = "language"
	KeySessionBackend      = "session_backend"
	KeyRedisAddr           = "redis_addr"
	KeyListenAddr          = "listen_addr"
	KeyMaxIterations       = "turn_max_iterations"
	KeyInterpretTimeout    = "interpret_timeout"
	KeyTypingInterval      = "typing_interval"
	KeyQueueSize           = "queue_size"
	KeyRateLimitEnabled    = "rate_limit_enabled"
	KeyRateLimitRPM        = "rate_limit_rpm"
	KeyRateLimitChannelMPS = "rate_limit_channel_mps"
	KeyOpenAIAPIKey        = "openai_api_key"
	KeyOpenAIModel         = "openai_model"
	KeyOllamaBaseURL       = "ollama_base_url"
	KeyOllamaModel         = "ollama_model"
	KeySystemPrompt        = "system_prompt"
	KeyWebhookCallbackURL  = "webhook_callback_url"
	KeyWebhookAuthToken    = "webhook_auth_token"
)

// Session backend names accepted for KeySessionBackend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Defaults.
const (
	DefaultLanguage            = "en"
	DefaultSessionBackend      = BackendSQLite
	DefaultRedisAddr           = "localhost:6379"
	DefaultListenAddr          = ":8080"
	DefaultMaxIterations       = 8
	DefaultInterpretTimeout    = 10 * time.Second
	DefaultTypingInterval      = 4 * time.Second
	DefaultQueueSize           = 100
	DefaultRateLimitRPM        = 20
	DefaultRateLimitChannelMPS = 3
	DefaultOpenAIModel         = "gpt-4o-mini"
	DefaultOllamaURL           = "http://localhost:11434"
	DefaultOllamaModel         = "llama3.1"
)

// Config holds resolved operator-level configuration for a botcore process.
type Config struct {
	DataDir  string
	Language string

	SessionBackend string
	RedisAddr      string

	ListenAddr string

	MaxIterations    int
	InterpretTimeout time.Duration
	TypingInterval   time.Duration
	QueueSize        int

	RateLimitEnabled    bool
	RateLimitRPM        int
	RateLimitChannelMPS int

	OpenAIAPIKey string
	OpenAIModel  string

	OllamaBaseURL string
	OllamaModel   string

	SystemPrompt string

	WebhookCallbackURL string
	WebhookAuthToken   string
}

// SessionDBPath returns the full path to the session SQLite database.
func (c *Config) SessionDBPath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("BOTCORE")
	viper.AutomaticEnv()
	viper.SetDefault(KeyLanguage, DefaultLanguage)
	viper.SetDefault(KeySessionBackend, DefaultSessionBackend)
	viper.SetDefault(KeyRedisAddr, DefaultRedisAddr)
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyMaxIterations, DefaultMaxIterations)
	viper.SetDefault(KeyInterpretTimeout, DefaultInterpretTimeout)
	viper.SetDefault(KeyTypingInterval, DefaultTypingInterval)
	viper.SetDefault(KeyQueueSize, DefaultQueueSize)
	viper.SetDefault(KeyRateLimitEnabled, true)
	viper.SetDefault(KeyRateLimitRPM, DefaultRateLimitRPM)
	viper.SetDefault(KeyRateLimitChannelMPS, DefaultRateLimitChannelMPS)
	viper.SetDefault(KeyOpenAIModel, DefaultOpenAIModel)
	viper.SetDefault(KeyOllamaBaseURL, DefaultOllamaURL)
	viper.SetDefault(KeyOllamaModel, DefaultOllamaModel)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:             resolveDataDir(),
		Language:            viper.GetString(KeyLanguage),
		SessionBackend:      viper.GetString(KeySessionBackend),
		RedisAddr:           viper.GetString(KeyRedisAddr),
		ListenAddr:          viper.GetString(KeyListenAddr),
		MaxIterations:       viper.GetInt(KeyMaxIterations),
		InterpretTimeout:    viper.GetDuration(KeyInterpretTimeout),
		TypingInterval:      viper.GetDuration(KeyTypingInterval),
		QueueSize:           viper.GetInt(KeyQueueSize),
		RateLimitEnabled:    viper.GetBool(KeyRateLimitEnabled),
		RateLimitRPM:        viper.GetInt(KeyRateLimitRPM),
		RateLimitChannelMPS: viper.GetInt(KeyRateLimitChannelMPS),
		OpenAIAPIKey:        viper.GetString(KeyOpenAIAPIKey),
		OpenAIModel:         viper.GetString(KeyOpenAIModel),
		OllamaBaseURL:       viper.GetString(KeyOllamaBaseURL),
		OllamaModel:         viper.GetString(KeyOllamaModel),
		SystemPrompt:        viper.GetString(KeySystemPrompt),
		WebhookCallbackURL:  viper.GetString(KeyWebhookCallbackURL),
		WebhookAuthToken:    viper.GetString(KeyWebhookAuthToken),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".botcore"
	}
	return filepath.Join(home, ".botcore")
}

func (c *Config) validate() error {
	switch c.SessionBackend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("session_backend must be one of %s, %s, %s (got %q)",
			BackendMemory, BackendSQLite, BackendRedis, c.SessionBackend)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("turn_max_iterations must be positive")
	}
	if c.InterpretTimeout <= 0 {
		return fmt.Errorf("interpret_timeout must be positive")
	}
	if c.RateLimitEnabled && c.RateLimitRPM <= 0 {
		return fmt.Errorf("rate_limit_rpm must be positive when rate limiting is enabled")
	}
	return nil
}
