package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "poolctl", cmd.Use, "Root command should be 'poolctl'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	commands := cmd.Commands()
	assert.Len(t, commands, 3, "Should have 3 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}

	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["submit"], "Should have 'submit' command")
	assert.True(t, commandNames["stats"], "Should have 'stats' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.NotNil(t, cmd, "buildRunCommand should return a non-nil command")
	assert.Equal(t, "run", cmd.Use, "Command should be 'run'")
	assert.Contains(t, cmd.Short, "Start", "Short description should mention 'Start'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()

	assert.NotNil(t, cmd, "buildSubmitCommand should return a non-nil command")
	assert.Equal(t, "submit", cmd.Use, "Command should be 'submit'")

	methodFlag := cmd.Flags().Lookup("method")
	assert.NotNil(t, methodFlag, "Should have --method flag")

	paramsFlag := cmd.Flags().Lookup("params-json")
	assert.NotNil(t, paramsFlag, "Should have --params-json flag")
	assert.Equal(t, "[]", paramsFlag.DefValue, "Default params-json should be an empty array")

	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildStatsCommand(t *testing.T) {
	cmd := buildStatsCommand()

	assert.NotNil(t, cmd, "buildStatsCommand should return a non-nil command")
	assert.Equal(t, "stats", cmd.Use, "Command should be 'stats'")
	assert.Contains(t, cmd.Short, "status", "Short description should mention 'status'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.yaml")

	configContent := `
pool:
  min_workers: 2
  max_workers: 4

worker:
  script: "./echoworker"
  args: ["--flag"]

metrics:
  enabled: true
  port: 8080
`

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err, "Failed to write test config file")

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "loadConfig should not return an error")
	require.NotNil(t, cfg, "Config should not be nil")

	assert.Equal(t, 2, cfg.Pool.MinWorkers, "MinWorkers should be 2")
	assert.Equal(t, 4, cfg.Pool.MaxWorkers, "MaxWorkers should be 4")
	assert.Equal(t, "./echoworker", cfg.Worker.Script, "Worker script should be ./echoworker")
	assert.Equal(t, []string{"--flag"}, cfg.Worker.Args, "Worker args should round-trip")
	assert.True(t, cfg.Metrics.Enabled, "Metrics should be enabled")
	assert.Equal(t, 8080, cfg.Metrics.Port, "Metrics port should be 8080")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err, "loadConfig should return an error for nonexistent file")
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file", "Error should mention file reading failure")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
pool:
  min_workers: "not a number"
  invalid yaml structure
    broken indentation
`

	err := os.WriteFile(configPath, []byte(invalidYAML), 0644)
	require.NoError(t, err, "Failed to write invalid YAML file")

	cfg, err := loadConfig(configPath)

	assert.Error(t, err, "loadConfig should return an error for invalid YAML")
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML", "Error should mention YAML parsing failure")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "empty.yaml")

	err := os.WriteFile(configPath, []byte(""), 0644)
	require.NoError(t, err, "Failed to write empty file")

	cfg, err := loadConfig(configPath)
	assert.NoError(t, err, "Empty YAML file should parse without error")
	assert.NotNil(t, cfg, "Config should not be nil for empty file")
	assert.Equal(t, 0, cfg.Pool.MinWorkers, "Empty config should have zero values")
}

func TestLoadConfig_PartialConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "partial.yaml")

	partialConfig := `
pool:
  min_workers: 2
`

	err := os.WriteFile(configPath, []byte(partialConfig), 0644)
	require.NoError(t, err, "Failed to write partial config")

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "Partial config should parse successfully")
	assert.Equal(t, 2, cfg.Pool.MinWorkers, "MinWorkers should be set")
	assert.Empty(t, cfg.Worker.Script, "Unset fields should have zero values")
}

func TestShowStats_NoConfigFile(t *testing.T) {
	prevConfigFile := configFile
	configFile = "/nonexistent/config.yaml"
	defer func() { configFile = prevConfigFile }()

	err := showStats()
	assert.Error(t, err, "showStats should surface a config load error")
}

func TestConfigStructure(t *testing.T) {
	cfg := Config{}

	cfg.Pool.MinWorkers = 2
	cfg.Pool.MaxWorkers = 8
	cfg.Worker.Script = "/bin/echoworker"
	cfg.Worker.Args = []string{"-x"}
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090

	assert.Equal(t, 2, cfg.Pool.MinWorkers)
	assert.Equal(t, 8, cfg.Pool.MaxWorkers)
	assert.Equal(t, "/bin/echoworker", cfg.Worker.Script)
	assert.Equal(t, []string{"-x"}, cfg.Worker.Args)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}
