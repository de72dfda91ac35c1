package config

import (
	"github.com/spf13/pflag"
)

// Overrides are command line values. Empty fields leave the loaded
// configuration untouched.
type Overrides struct {
	DataDir       string
	ServerAddr    string
	LogLevel      string
	LogFormat     string
	RedisAddr     string
	SessionAPIURL string
	AccountID     string
	AgentID       string
	InMemory      bool
}

// RegisterFlags binds the command line flags to fs. It returns the config
// file path and the overrides, both filled in once fs is parsed.
func RegisterFlags(fs *pflag.FlagSet) (*string, *Overrides) {
	o := &Overrides{}
	configFile := fs.StringP("config", "c", "", "Path to the YAML configuration file")

	fs.StringVarP(&o.DataDir, "data-dir", "d", "", "Directory for local state")
	fs.StringVarP(&o.ServerAddr, "addr", "a", "", "Address the console API listens on")
	fs.StringVarP(&o.LogLevel, "log-level", "l", "", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&o.LogFormat, "log-format", "", "Log format (json, console)")
	fs.StringVar(&o.RedisAddr, "redis-addr", "", "Backend Redis address")
	fs.StringVar(&o.SessionAPIURL, "session-api", "", "Base URL of the pause session API")
	fs.StringVar(&o.AccountID, "account", "", "Account the agent belongs to")
	fs.StringVar(&o.AgentID, "agent", "", "Agent this console acts for")
	fs.BoolVar(&o.InMemory, "in-memory", false, "Keep local state in memory only")

	return configFile, o
}

func (o Overrides) apply(config *Config) error {
	if o.DataDir != "" {
		dir, err := absPath(o.DataDir)
		if err != nil {
			return err
		}
		config.Storage.DataDir = dir
	}

	set := func(target *string, v string) {
		if v != "" {
			*target = v
		}
	}
	set(&config.Server.Addr, o.ServerAddr)
	set(&config.Logging.Level, o.LogLevel)
	set(&config.Logging.Format, o.LogFormat)
	set(&config.Redis.Addr, o.RedisAddr)
	set(&config.SessionAPI.URL, o.SessionAPIURL)
	set(&config.Agent.AccountID, o.AccountID)
	set(&config.Agent.AgentID, o.AgentID)

	if o.InMemory {
		config.Storage.InMemory = true
	}
	return nil
}
