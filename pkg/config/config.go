// Package config provides a reusable loader for profile-server
// configuration files and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/nimbusid/profileserver/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a profile server. It mirrors the
// structure of the YAML files under cmd/config.
type Config struct {
	Server struct {
		ServerID            string `mapstructure:"server_id" json:"server_id"`
		ListenAddr          string `mapstructure:"listen_addr" json:"listen_addr"`
		ApplicationServicePort int `mapstructure:"application_service_port" json:"application_service_port"`
		NeighborInterfacePort  int `mapstructure:"neighbor_interface_port" json:"neighbor_interface_port"`
		AdminHTTPAddr       string `mapstructure:"admin_http_addr" json:"admin_http_addr"`
	} `mapstructure:"server" json:"server"`

	Neighborhood struct {
		ActionConcurrency   int `mapstructure:"action_concurrency" json:"action_concurrency"`
		SchedulerIntervalMS int `mapstructure:"scheduler_interval_ms" json:"scheduler_interval_ms"`
		ReservationSeconds  int `mapstructure:"reservation_seconds" json:"reservation_seconds"`
		MaxHostedIdentities int `mapstructure:"max_hosted_identities" json:"max_hosted_identities"`
	} `mapstructure:"neighborhood" json:"neighborhood"`

	Gossip struct {
		Address           string `mapstructure:"address" json:"address"`
		ReconnectBackoffMS int   `mapstructure:"reconnect_backoff_ms" json:"reconnect_backoff_ms"`
		RefreshIntervalMS  int   `mapstructure:"refresh_interval_ms" json:"refresh_interval_ms"`
	} `mapstructure:"gossip" json:"gossip"`

	Storage struct {
		DBPath     string `mapstructure:"db_path" json:"db_path"`
		ImagesPath string `mapstructure:"images_path" json:"images_path"`
		InMemory   bool   `mapstructure:"in_memory" json:"in_memory"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is
// loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the PROFILESERVER_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("PROFILESERVER_ENV", ""))
}
