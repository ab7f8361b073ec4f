package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	WSURL             string        `mapstructure:"ws_url"`
	Project           string        `mapstructure:"project"`
	Token             string        `mapstructure:"token"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	PingPeriod        time.Duration `mapstructure:"ping_period"`
	ReadLimit         int64         `mapstructure:"read_limit"`
	ReconnectMin      time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ICEServers        []string      `mapstructure:"ice_servers"`
	StoragePath       string        `mapstructure:"storage_path"`
	Attach            bool          `mapstructure:"attach"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("ws_url", "wss://relay.example.com")
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("ping_period", "54s")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("reconnect_min", "1s")
	v.SetDefault("reconnect_max", "30s")
	v.SetDefault("reconnect_attempts", 10)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("attach", true)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
