package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "RELAYPAD"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "relaypad.db"
	defaultLogLevel       = "info"
	defaultNodeID         = "relaypad-1"
	defaultSweepInterval  = 5 * time.Minute
	defaultIdleThreshold  = 10 * time.Minute
	defaultUpdateLogLimit = 1000
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	NodeID         string
	SweepInterval  time.Duration
	IdleThreshold  time.Duration
	UpdateLogLimit int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("node.id", defaultNodeID)
	configViper.SetDefault("presence.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("presence.idle_threshold", defaultIdleThreshold)
	configViper.SetDefault("updates.log_limit", defaultUpdateLogLimit)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		NodeID:         configViper.GetString("node.id"),
		SweepInterval:  configViper.GetDuration("presence.sweep_interval"),
		IdleThreshold:  configViper.GetDuration("presence.idle_threshold"),
		UpdateLogLimit: configViper.GetInt("updates.log_limit"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("presence.sweep_interval must be positive")
	}
	if c.IdleThreshold <= 0 {
		return fmt.Errorf("presence.idle_threshold must be positive")
	}
	if c.UpdateLogLimit <= 0 {
		return fmt.Errorf("updates.log_limit must be positive")
	}
	return nil
}
