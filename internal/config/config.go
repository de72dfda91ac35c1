package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nkkko/agentdesk/pkg/proto"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "AGENTDESK_"

// Config represents the complete application configuration
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	SessionAPI SessionAPIConfig `yaml:"session_api"`
	Storage    StorageConfig    `yaml:"storage"`
	Router     RouterConfig     `yaml:"router"`
	Pause      PauseConfig      `yaml:"pause"`
	Notifier   NotifierConfig   `yaml:"notifier"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// AgentConfig identifies the agent this console runs for
type AgentConfig struct {
	AccountID   string `yaml:"account_id"`
	AgentID     string `yaml:"agent_id"`
	DisplayName string `yaml:"display_name"`

	// Chat threads whose messages alert
	ChatThreads []string `yaml:"chat_threads"`

	// Reasons seeded into an empty backend catalog
	Reasons []*proto.PauseReason `yaml:"reasons"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	ReadTimeout    int      `yaml:"read_timeout"`
	WriteTimeout   int      `yaml:"write_timeout"`
	IdleTimeout    int      `yaml:"idle_timeout"`
	RequestTimeout int      `yaml:"request_timeout"`
}

// RedisConfig contains backend connection settings
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	KeyPrefix     string `yaml:"key_prefix"`
	DialTimeoutMs int    `yaml:"dial_timeout_ms"`
	OpTimeoutMs   int    `yaml:"op_timeout_ms"`
}

// SessionAPIConfig points at the console backend that owns pause sessions
type SessionAPIConfig struct {
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// StorageConfig contains local storage settings
type StorageConfig struct {
	DataDir                       string `yaml:"data_dir"`
	InMemory                      bool   `yaml:"in_memory"`
	SyncWrites                    bool   `yaml:"sync_writes"`
	ViewedLimit                   int    `yaml:"viewed_limit"`
	GCIntervalMinutes             int    `yaml:"gc_interval_minutes"`
	CatalogCacheSize              int    `yaml:"catalog_cache_size"`
	CatalogCacheExpirationSeconds int    `yaml:"catalog_cache_expiration_seconds"`
}

// RouterConfig contains subscription multiplexer settings
type RouterConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
}

// PauseConfig contains pause lifecycle policy
type PauseConfig struct {
	StaleAfterMinutes int     `yaml:"stale_after_minutes"`
	WarnRatio         float64 `yaml:"warn_ratio"`
	TickMs            int     `yaml:"tick_ms"`
}

// NotifierConfig contains notification and UI stream settings
type NotifierConfig struct {
	RollingScopeSize  int     `yaml:"rolling_scope_size"`
	MessageSound      bool    `yaml:"message_sound"`
	PauseSound        bool    `yaml:"pause_sound"`
	SystemSound       bool    `yaml:"system_sound"`
	Volume            float64 `yaml:"volume"`
	MaxIdleTime       int     `yaml:"max_idle_time"`
	HeartbeatInterval int     `yaml:"heartbeat_interval"`
	ClientBufferSize  int     `yaml:"client_buffer_size"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           "127.0.0.1:8080",
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
			ReadTimeout:    5,
			WriteTimeout:   15,
			IdleTimeout:    120,
			RequestTimeout: 10,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			KeyPrefix:     "agentdesk:",
			DialTimeoutMs: 5000,
			OpTimeoutMs:   3000,
		},
		SessionAPI: SessionAPIConfig{
			URL:            "http://localhost:9000/api",
			TimeoutSeconds: 10,
		},
		Storage: StorageConfig{
			DataDir:                       "./data",
			SyncWrites:                    true,
			ViewedLimit:                   500,
			GCIntervalMinutes:             10,
			CatalogCacheSize:              128,
			CatalogCacheExpirationSeconds: 300,
		},
		Router: RouterConfig{
			DebounceMs: 50,
		},
		Pause: PauseConfig{
			StaleAfterMinutes: 12 * 60,
			WarnRatio:         0.8,
			TickMs:            1000,
		},
		Notifier: NotifierConfig{
			RollingScopeSize:  512,
			MessageSound:      true,
			PauseSound:        true,
			SystemSound:       true,
			Volume:            0.8,
			MaxIdleTime:       60,
			HeartbeatInterval: 15,
			ClientBufferSize:  64,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			GlobalFields: map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "agentdesk",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables and
// command line overrides, in increasing order of priority
func LoadConfig(configFile string, overrides Overrides) (*Config, error) {
	config := DefaultConfig()
	if configFile != "" {
		var err error
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}
	if err := overrides.apply(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks that the configuration can run a console
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.AccountID == "" {
		errs = append(errs, errors.New("agent.account_id is required"))
	}
	if c.Agent.AgentID == "" {
		errs = append(errs, errors.New("agent.agent_id is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.SessionAPI.URL == "" {
		errs = append(errs, errors.New("session_api.url is required"))
	}
	if c.Pause.WarnRatio <= 0 || c.Pause.WarnRatio >= 1 {
		errs = append(errs, fmt.Errorf("pause.warn_ratio must be between 0 and 1, got %v", c.Pause.WarnRatio))
	}
	if c.Notifier.Volume < 0 || c.Notifier.Volume > 1 {
		errs = append(errs, fmt.Errorf("notifier.volume must be between 0 and 1, got %v", c.Notifier.Volume))
	}
	if c.Router.DebounceMs < 0 {
		errs = append(errs, errors.New("router.debounce_ms must not be negative"))
	}
	for i, reason := range c.Agent.Reasons {
		if reason == nil || reason.Id == "" {
			errs = append(errs, fmt.Errorf("agent.reasons[%d] needs an id", i))
		}
	}
	return errors.Join(errs...)
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) error {
	strs := map[string]*string{
		"ACCOUNT_ID":        &config.Agent.AccountID,
		"AGENT_ID":          &config.Agent.AgentID,
		"AGENT_NAME":        &config.Agent.DisplayName,
		"SERVER_ADDR":       &config.Server.Addr,
		"REDIS_ADDR":        &config.Redis.Addr,
		"REDIS_PASSWORD":    &config.Redis.Password,
		"REDIS_KEY_PREFIX":  &config.Redis.KeyPrefix,
		"SESSION_API_URL":   &config.SessionAPI.URL,
		"SESSION_API_TOKEN": &config.SessionAPI.Token,
		"STORAGE_DATA_DIR":  &config.Storage.DataDir,
		"LOG_LEVEL":         &config.Logging.Level,
		"LOG_FORMAT":        &config.Logging.Format,
		"OTEL_ENDPOINT":     &config.Telemetry.Endpoint,
	}
	for name, target := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*target = v
		}
	}

	ints := map[string]*int{
		"REDIS_DB":           &config.Redis.DB,
		"ROUTER_DEBOUNCE_MS": &config.Router.DebounceMs,
		"VIEWED_LIMIT":       &config.Storage.ViewedLimit,
	}
	for name, target := range ints {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || v == "" {
			continue
		}
		val, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*target = val
	}

	if v := os.Getenv(EnvPrefix + "OTEL_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sOTEL_ENABLED: %w", EnvPrefix, err)
		}
		config.Telemetry.Enabled = enabled
	}
	if v := os.Getenv(EnvPrefix + "CHAT_THREADS"); v != "" {
		config.Agent.ChatThreads = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// absPath resolves dir against the working directory
func absPath(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for %s: %w", dir, err)
	}
	return abs, nil
}
