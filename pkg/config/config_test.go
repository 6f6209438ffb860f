package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bothive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		validate    func(*testing.T, *ServerConfig)
	}{
		{
			name: "valid comprehensive config",
			configYAML: `
server:
  listen_address: ":9000"

supervisor:
  data_dir: "/var/lib/bothive"
  runtime_command: "node"
  install_command: ["npm", "install", "--omit=dev"]
  quiescence_delay: "2s"

logging:
  level: "debug"
  format: "json"
  output: "stderr"
`,
			expectError: false,
			validate: func(t *testing.T, cfg *ServerConfig) {
				assert.Equal(t, ":9000", cfg.Server.ListenAddress)
				assert.Equal(t, "/var/lib/bothive", cfg.Supervisor.DataDir)
				assert.Equal(t, []string{"npm", "install", "--omit=dev"}, cfg.Supervisor.InstallCommand)
				assert.Equal(t, 2*time.Second, cfg.Supervisor.QuiescenceDelay)
				assert.Equal(t, "debug", cfg.Logging.Level)
			},
		},
		{
			name: "minimal config gets defaults",
			configYAML: `
supervisor:
  data_dir: "/tmp/bothive"
`,
			expectError: false,
			validate: func(t *testing.T, cfg *ServerConfig) {
				assert.Equal(t, DefaultListenAddress, cfg.Server.ListenAddress)
				assert.Equal(t, DefaultRuntimeCommand, cfg.Supervisor.RuntimeCommand)
				assert.Equal(t, DefaultInstallCommand(), cfg.Supervisor.InstallCommand)
				assert.Equal(t, DefaultQuiescenceDelay, cfg.Supervisor.QuiescenceDelay)
				assert.Equal(t, "info", cfg.Logging.Level)
			},
		},
		{
			name: "missing data_dir rejected",
			configYAML: `
server:
  listen_address: ":9000"
`,
			expectError: true,
		},
		{
			name:        "malformed yaml rejected",
			configYAML:  "supervisor: [not a mapping",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, tt.configYAML)

			cfg, err := LoadConfigFromFile(path)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
