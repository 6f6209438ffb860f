package config

import (
	"os"
	"time"

	"github.com/bothive/bothive/pkg/errors"
	"github.com/bothive/bothive/pkg/logging"

	"gopkg.in/yaml.v3"
)

// ServerConfig represents the top-level configuration file structure
type ServerConfig struct {
	Server     ServerOptions     `yaml:"server"`
	Supervisor SupervisorOptions `yaml:"supervisor"`
	Logging    logging.ZapConfig `yaml:"logging,omitempty"`
}

// ServerOptions represents transport-level configuration
type ServerOptions struct {
	ListenAddress string `yaml:"listen_address"`
}

// SupervisorOptions represents supervisor-level configuration
type SupervisorOptions struct {
	DataDir         string        `yaml:"data_dir"`
	RuntimeCommand  string        `yaml:"runtime_command,omitempty"`
	InstallCommand  []string      `yaml:"install_command,omitempty"`
	QuiescenceDelay time.Duration `yaml:"quiescence_delay,omitempty"`
}

const (
	DefaultListenAddress   = ":8420"
	DefaultRuntimeCommand  = "node"
	DefaultQuiescenceDelay = 1 * time.Second
)

// DefaultInstallCommand is the dependency installation command run in a
// unit's working directory.
func DefaultInstallCommand() []string {
	return []string{"npm", "install"}
}

// LoadConfigFromFile loads server configuration from a YAML file
func LoadConfigFromFile(filename string) (*ServerConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config ServerConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	SetConfigDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// SetConfigDefaults fills in defaults for unset fields
func SetConfigDefaults(config *ServerConfig) {
	if config.Server.ListenAddress == "" {
		config.Server.ListenAddress = DefaultListenAddress
	}
	if config.Supervisor.RuntimeCommand == "" {
		config.Supervisor.RuntimeCommand = DefaultRuntimeCommand
	}
	if len(config.Supervisor.InstallCommand) == 0 {
		config.Supervisor.InstallCommand = DefaultInstallCommand()
	}
	if config.Supervisor.QuiescenceDelay <= 0 {
		config.Supervisor.QuiescenceDelay = DefaultQuiescenceDelay
	}
	if config.Logging.Level == "" {
		config.Logging = logging.DefaultZapConfig()
	}
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *ServerConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}
	if config.Supervisor.DataDir == "" {
		return errors.NewValidationError("supervisor data_dir is required", nil)
	}
	return nil
}
