package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/openmach/halbridge/halremote"
)

type Config struct {
	Remote  RemoteConfig `mapstructure:"remote"`
	Server  ServerConfig `mapstructure:"server"`
	Log     LogConfig    `mapstructure:"log"`
	Profile string       `mapstructure:"profile"`
}

type RemoteConfig struct {
	RPCEndpoint           string `mapstructure:"rpc_endpoint"`
	SubEndpoint           string `mapstructure:"sub_endpoint"`
	ComponentName         string `mapstructure:"component_name"`
	Create                bool   `mapstructure:"create"`
	HeartbeatPeriodMs     int    `mapstructure:"heartbeat_period_ms"`
	RPCPingErrorThreshold int    `mapstructure:"rpc_ping_error_threshold"`
}

type ServerConfig struct {
	HTTPPort int `mapstructure:"http_port"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults setzen
	v.SetDefault("remote.component_name", "default")
	v.SetDefault("remote.create", true)
	v.SetDefault("remote.heartbeat_period_ms", 3000)
	v.SetDefault("remote.rpc_ping_error_threshold", 2)
	v.SetDefault("server.http_port", 8090)
	v.SetDefault("log.development", false)

	// Environment Variables mit Prefix HALBRIDGE_
	v.AutomaticEnv()
	v.SetEnvPrefix("HALBRIDGE")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Remote.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the required remote endpoints.
func (r *RemoteConfig) Validate() error {
	if r.RPCEndpoint == "" {
		return fmt.Errorf("remote.rpc_endpoint is required")
	}
	if r.SubEndpoint == "" {
		return fmt.Errorf("remote.sub_endpoint is required")
	}
	return nil
}

// ComponentConfig converts the file representation into the component
// configuration.
func (r *RemoteConfig) ComponentConfig() halremote.Config {
	return halremote.Config{
		RPCEndpoint:        r.RPCEndpoint,
		SubEndpoint:        r.SubEndpoint,
		Name:               r.ComponentName,
		NoCreate:           !r.Create,
		HeartbeatPeriod:    time.Duration(r.HeartbeatPeriodMs) * time.Millisecond,
		PingErrorThreshold: r.RPCPingErrorThreshold,
	}
}
