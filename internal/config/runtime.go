package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// RuntimeConfig carries deployment settings that are not tuning values:
// who is tracked and where the backend lives. Values come from
// FIELDTRACK_* environment variables and may be overridden by flags.
type RuntimeConfig struct {
	EmployeeID   string `mapstructure:"EMPLOYEE_ID" validate:"omitempty,uuid"`
	RemoteURL    string `mapstructure:"REMOTE_URL" validate:"omitempty,url"`
	RemoteAPIKey string `mapstructure:"REMOTE_API_KEY"`
	PostgresURL  string `mapstructure:"POSTGRES_URL" validate:"omitempty,url"`
	DBPath       string `mapstructure:"DB_PATH" validate:"required"`
	Listen       string `mapstructure:"LISTEN" validate:"required"`
	GRPCListen   string `mapstructure:"GRPC_LISTEN"`
}

// LoadRuntime reads the runtime configuration from the environment.
func LoadRuntime() (RuntimeConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetDefault("EMPLOYEE_ID", "")
	v.SetDefault("REMOTE_URL", "")
	v.SetDefault("REMOTE_API_KEY", "")
	v.SetDefault("POSTGRES_URL", "")
	v.SetDefault("DB_PATH", "fieldtrack.db")
	v.SetDefault("LISTEN", ":8080")
	v.SetDefault("GRPC_LISTEN", "")

	var cfg RuntimeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("failed to parse runtime config: %w", err)
	}
	return cfg, nil
}

// Validate checks the runtime configuration.
func (c RuntimeConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.RemoteURL != "" && c.PostgresURL != "" {
		return fmt.Errorf("only one of remote URL and postgres URL may be set")
	}
	return nil
}
