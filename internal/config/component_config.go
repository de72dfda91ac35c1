package config

import (
	"time"

	"github.com/nkkko/agentdesk/internal/api"
	"github.com/nkkko/agentdesk/internal/backend"
	"github.com/nkkko/agentdesk/internal/logging"
	"github.com/nkkko/agentdesk/internal/notifier"
	"github.com/nkkko/agentdesk/internal/pause"
	"github.com/nkkko/agentdesk/internal/router"
	"github.com/nkkko/agentdesk/internal/storage"
	"github.com/nkkko/agentdesk/internal/telemetry"
	"github.com/nkkko/agentdesk/pkg/client"
	"github.com/nkkko/agentdesk/pkg/proto"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// AgentRef returns the agent this console acts for
func (c *Config) AgentRef() proto.AgentRef {
	return proto.AgentRef{
		AccountId:   c.Agent.AccountID,
		AgentId:     c.Agent.AgentID,
		DisplayName: c.Agent.DisplayName,
	}
}

// ToAPIConfig converts to API config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:           c.Server.Addr,
		AllowedOrigins: c.Server.AllowedOrigins,
		ReadTimeout:    seconds(c.Server.ReadTimeout),
		WriteTimeout:   seconds(c.Server.WriteTimeout),
		IdleTimeout:    seconds(c.Server.IdleTimeout),
		RequestTimeout: seconds(c.Server.RequestTimeout),
	}
}

// ToRedisConfig converts to backend config
func (c *Config) ToRedisConfig() backend.Config {
	return backend.Config{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		KeyPrefix:   c.Redis.KeyPrefix,
		DialTimeout: millis(c.Redis.DialTimeoutMs),
		OpTimeout:   millis(c.Redis.OpTimeoutMs),
	}
}

// ToClientOptions converts to session API client options
func (c *Config) ToClientOptions() []client.ClientOption {
	opts := []client.ClientOption{client.WithAccountID(c.Agent.AccountID)}
	if c.SessionAPI.TimeoutSeconds > 0 {
		opts = append(opts, client.WithTimeout(seconds(c.SessionAPI.TimeoutSeconds)))
	}
	if c.SessionAPI.Token != "" {
		opts = append(opts, client.WithToken(c.SessionAPI.Token))
	}
	return opts
}

// ToStorageConfig converts to local storage config
func (c *Config) ToStorageConfig() storage.Config {
	return storage.Config{
		DataDir:                c.Storage.DataDir,
		InMemory:               c.Storage.InMemory,
		SyncWrites:             c.Storage.SyncWrites,
		ViewedLimit:            c.Storage.ViewedLimit,
		GCInterval:             time.Duration(c.Storage.GCIntervalMinutes) * time.Minute,
		CatalogCacheSize:       c.Storage.CatalogCacheSize,
		CatalogCacheExpiration: seconds(c.Storage.CatalogCacheExpirationSeconds),
	}
}

// ToRouterConfig converts to router config
func (c *Config) ToRouterConfig() router.Config {
	config := router.DefaultConfig()
	if c.Router.DebounceMs > 0 {
		config.DebounceWindow = millis(c.Router.DebounceMs)
	}
	return config
}

// ToPauseConfig converts to pause controller config
func (c *Config) ToPauseConfig() pause.Config {
	config := pause.DefaultConfig()
	if c.Pause.StaleAfterMinutes > 0 {
		config.StaleAfter = time.Duration(c.Pause.StaleAfterMinutes) * time.Minute
	}
	if c.Pause.WarnRatio > 0 {
		config.WarnRatio = c.Pause.WarnRatio
	}
	if c.Pause.TickMs > 0 {
		config.TickInterval = millis(c.Pause.TickMs)
	}
	return config
}

// ToDispatcherConfig converts to notification dispatcher config
func (c *Config) ToDispatcherConfig() notifier.DispatcherConfig {
	return notifier.DispatcherConfig{
		RollingScopeSize: c.Notifier.RollingScopeSize,
		LocalAgentID:     c.Agent.AgentID,
		Settings: notifier.Settings{
			MessageSound: c.Notifier.MessageSound,
			PauseSound:   c.Notifier.PauseSound,
			SystemSound:  c.Notifier.SystemSound,
			Volume:       c.Notifier.Volume,
		},
	}
}

// ToStreamConfig converts to UI stream config
func (c *Config) ToStreamConfig() notifier.StreamConfig {
	return notifier.StreamConfig{
		MaxIdleTime:       seconds(c.Notifier.MaxIdleTime),
		HeartbeatInterval: seconds(c.Notifier.HeartbeatInterval),
		ClientBufferSize:  c.Notifier.ClientBufferSize,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	config := logging.DefaultConfig()
	config.Level = logging.LogLevel(c.Logging.Level)
	config.Format = logging.LogFormat(c.Logging.Format)
	config.IncludeCaller = c.Logging.IncludeCaller
	config.GlobalFields = c.Logging.GlobalFields
	return config
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	config := telemetry.DefaultConfig()
	config.Enabled = c.Telemetry.Enabled
	config.ServiceName = c.Telemetry.ServiceName
	config.Endpoint = c.Telemetry.Endpoint
	config.SamplingRatio = c.Telemetry.SamplingRatio
	if c.Telemetry.Attributes != nil {
		config.Attributes = c.Telemetry.Attributes
	}
	return config
}
