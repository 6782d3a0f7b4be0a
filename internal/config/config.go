// Package config provides Viper-based configuration loading for the story
// server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/text/language"
)

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// Output is "stdout", "stderr" or a file path.
	Output string `mapstructure:"output"`
}

// WebSocketConfig holds the HTTP/websocket listener settings.
type WebSocketConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Path is the websocket upgrade path.
	Path string `mapstructure:"path"`
	// ReadLimit is the largest inbound message in bytes.
	ReadLimit int64 `mapstructure:"read_limit"`
	// WriteWait bounds a single frame write.
	WriteWait time.Duration `mapstructure:"write_wait"`
	// PongWait is how long a connection may stay silent before it is
	// considered dead. Pings are sent at 9/10 of this interval.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// SendBuffer is the number of outbound messages queued per connection.
	SendBuffer int `mapstructure:"send_buffer"`
}

// Addr returns the "host:port" listen address.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// TCPConfig holds the newline-delimited JSON socket listener settings.
type TCPConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" listen address.
func (t TCPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// GRPCConfig holds the gRPC health service listener settings.
type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
func (g GRPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// GenerationConfig selects and tunes the text generation backend.
type GenerationConfig struct {
	// Provider is "anthropic" or "openai" (any OpenAI-compatible API).
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// TranslationConfig controls translation of actions and responses.
type TranslationConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// WorkingLanguage is the language the generation backend is prompted in.
	WorkingLanguage string        `mapstructure:"working_language"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// MemoryConfig bounds the conversation working set.
type MemoryConfig struct {
	TokenBudget int `mapstructure:"token_budget"`
	// Encoding is a tokenizer encoding name such as "cl100k_base". Empty
	// selects the character-count approximation.
	Encoding string `mapstructure:"encoding"`
}

// RedisConfig holds Redis snapshot store settings.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// StorageConfig selects the snapshot store.
type StorageConfig struct {
	// Backend is "file", "postgres" or "redis".
	Backend string `mapstructure:"backend"`
	// Dir is the snapshot directory of the file backend.
	Dir   string      `mapstructure:"dir"`
	Redis RedisConfig `mapstructure:"redis"`
	// Timeout bounds one save.
	Timeout time.Duration `mapstructure:"timeout"`
}

// SessionConfig holds story session defaults.
type SessionConfig struct {
	// DefaultID is the session joined by clients that name none.
	DefaultID string `mapstructure:"default_id"`
	// DefaultSetting starts a session that is joined before it was started.
	DefaultSetting string `mapstructure:"default_setting"`
	// DefaultLanguage is the display language of new sessions.
	DefaultLanguage string `mapstructure:"default_language"`
	// PromptsFile optionally overrides the built-in prompt templates.
	PromptsFile string `mapstructure:"prompts_file"`
	// ScriptDir optionally holds Lua scripts defining build_framing.
	ScriptDir              string `mapstructure:"script_dir"`
	ScriptInstructionLimit int    `mapstructure:"script_instruction_limit"`
}

// Config is the top-level application configuration.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
	TCP         TCPConfig         `mapstructure:"tcp"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Generation  GenerationConfig  `mapstructure:"generation"`
	Translation TranslationConfig `mapstructure:"translation"`
	Memory      MemoryConfig      `mapstructure:"memory"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Session     SessionConfig     `mapstructure:"session"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string
	for _, err := range []error{
		validateLogging(c.Logging),
		validateWebSocket(c.WebSocket),
		validateTCP(c.TCP),
		validatePort("grpc.port", c.GRPC.Port),
		validateGeneration(c.Generation),
		validateTranslation(c.Translation),
		validateMemory(c.Memory),
		validateStorage(c.Storage),
		validateSession(c.Session),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Storage.Backend == "postgres" {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func joinErrs(errs []string) error {
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validatePort(key string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be 1-65535, got %d", key, port)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if err := validatePort("websocket.port", w.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with /, got %q", w.Path))
	}
	if w.ReadLimit < 1 {
		errs = append(errs, "websocket.read_limit must be >= 1")
	}
	if w.WriteWait <= 0 {
		errs = append(errs, "websocket.write_wait must be positive")
	}
	if w.PongWait <= 0 {
		errs = append(errs, "websocket.pong_wait must be positive")
	}
	if w.SendBuffer < 1 {
		errs = append(errs, "websocket.send_buffer must be >= 1")
	}
	return joinErrs(errs)
}

func validateTCP(t TCPConfig) error {
	if !t.Enabled {
		return nil
	}
	var errs []string
	if err := validatePort("tcp.port", t.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if t.ReadTimeout < 0 {
		errs = append(errs, "tcp.read_timeout must not be negative")
	}
	if t.WriteTimeout < 0 {
		errs = append(errs, "tcp.write_timeout must not be negative")
	}
	return joinErrs(errs)
}

func validateGeneration(g GenerationConfig) error {
	var errs []string
	switch g.Provider {
	case "anthropic", "openai":
	default:
		errs = append(errs, fmt.Sprintf("generation.provider must be one of [anthropic, openai], got %q", g.Provider))
	}
	if g.Model == "" {
		errs = append(errs, "generation.model must not be empty")
	}
	if g.MaxTokens < 1 {
		errs = append(errs, fmt.Sprintf("generation.max_tokens must be >= 1, got %d", g.MaxTokens))
	}
	if g.Temperature < 0 || g.Temperature > 2 {
		errs = append(errs, fmt.Sprintf("generation.temperature must be 0-2, got %g", g.Temperature))
	}
	if g.Timeout <= 0 {
		errs = append(errs, "generation.timeout must be positive")
	}
	return joinErrs(errs)
}

func validateTranslation(t TranslationConfig) error {
	var errs []string
	if _, err := language.Parse(t.WorkingLanguage); err != nil {
		errs = append(errs, fmt.Sprintf("translation.working_language %q is not a language tag", t.WorkingLanguage))
	}
	if t.Timeout <= 0 {
		errs = append(errs, "translation.timeout must be positive")
	}
	return joinErrs(errs)
}

func validateMemory(m MemoryConfig) error {
	if m.TokenBudget < 64 {
		return fmt.Errorf("memory.token_budget must be >= 64, got %d", m.TokenBudget)
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	var errs []string
	switch s.Backend {
	case "file":
		if s.Dir == "" {
			errs = append(errs, "storage.dir must not be empty for the file backend")
		}
	case "redis":
		if s.Redis.Addr == "" {
			errs = append(errs, "storage.redis.addr must not be empty for the redis backend")
		}
	case "postgres":
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be one of [file, postgres, redis], got %q", s.Backend))
	}
	if s.Timeout <= 0 {
		errs = append(errs, "storage.timeout must be positive")
	}
	return joinErrs(errs)
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if err := validatePort("database.port", d.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	return joinErrs(errs)
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.DefaultID == "" {
		errs = append(errs, "session.default_id must not be empty")
	}
	if strings.TrimSpace(s.DefaultSetting) == "" {
		errs = append(errs, "session.default_setting must not be empty")
	}
	if _, err := language.Parse(s.DefaultLanguage); err != nil {
		errs = append(errs, fmt.Sprintf("session.default_language %q is not a language tag", s.DefaultLanguage))
	}
	if s.ScriptInstructionLimit < 0 {
		errs = append(errs, "session.script_instruction_limit must not be negative")
	}
	return joinErrs(errs)
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path uses defaults and the
// environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with STORY_ prefix
	v.SetEnvPrefix("STORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 8080)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_limit", 8192)
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.send_buffer", 64)

	v.SetDefault("tcp.enabled", false)
	v.SetDefault("tcp.host", "0.0.0.0")
	v.SetDefault("tcp.port", 5555)
	v.SetDefault("tcp.read_timeout", "30m")
	v.SetDefault("tcp.write_timeout", "30s")

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("generation.provider", "anthropic")
	v.SetDefault("generation.model", "claude-3-5-haiku-latest")
	v.SetDefault("generation.api_key", "")
	v.SetDefault("generation.base_url", "")
	v.SetDefault("generation.max_tokens", 1024)
	v.SetDefault("generation.temperature", 0.8)
	v.SetDefault("generation.timeout", "60s")

	v.SetDefault("translation.enabled", false)
	v.SetDefault("translation.working_language", "en")
	v.SetDefault("translation.timeout", "15s")

	v.SetDefault("memory.token_budget", 3000)
	v.SetDefault("memory.encoding", "cl100k_base")

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.dir", "data/sessions")
	v.SetDefault("storage.timeout", "10s")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "storyweave:session:")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "story")
	v.SetDefault("database.password", "story")
	v.SetDefault("database.name", "story")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("session.default_id", "default")
	v.SetDefault("session.default_setting", "fantasy")
	v.SetDefault("session.default_language", "en")
	v.SetDefault("session.prompts_file", "")
	v.SetDefault("session.script_dir", "")
	v.SetDefault("session.script_instruction_limit", 100000)
}
