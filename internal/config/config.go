// Package config loads server and client settings from an optional YAML
// file plus CODEMENTOR_* environment overrides.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port     int `mapstructure:"port"`
		SyncPort int `mapstructure:"syncPort"`
	} `mapstructure:"server"`
	Room struct {
		ChatHistoryLimit int           `mapstructure:"chatHistoryLimit"`
		IdleTTL          time.Duration `mapstructure:"idleTTL"`
		SweepInterval    time.Duration `mapstructure:"sweepInterval"`
	} `mapstructure:"room"`
	Client struct {
		WhiteboardDebounce time.Duration `mapstructure:"whiteboardDebounce"`
		ReconnectAttempts  uint64        `mapstructure:"reconnectAttempts"`
		CachePath          string        `mapstructure:"cachePath"`
	} `mapstructure:"client"`
}

// Load reads config.yaml from the working directory or ./config when
// present; a missing file just means defaults plus environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetDefault("server.port", 5000)
	v.SetDefault("server.syncPort", 1234)
	v.SetDefault("room.chatHistoryLimit", 500)
	v.SetDefault("room.idleTTL", 30*time.Minute)
	v.SetDefault("room.sweepInterval", 5*time.Minute)
	v.SetDefault("client.whiteboardDebounce", 300*time.Millisecond)
	v.SetDefault("client.reconnectAttempts", 5)
	v.SetDefault("client.cachePath", "./data/codementor.db")

	// Dotted keys need the replacer, or nested overrides like
	// CODEMENTOR_SERVER_PORT never resolve.
	v.SetEnvPrefix("CODEMENTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
