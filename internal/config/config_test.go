package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8877, cfg.Server.Port)
	assert.Equal(t, "./notebooks", cfg.Notebooks.Dir)
	assert.Equal(t, "python3", cfg.Kernel.PythonPath)
	assert.Equal(t, 15*time.Second, cfg.Kernel.ExecTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PULSEBOOK_PORT", "9000")
	t.Setenv("PULSEBOOK_EXEC_TIMEOUT", "1s")
	t.Setenv("PULSEBOOK_LOG_LEVEL", "debug")
	t.Setenv("PULSEBOOK_NOTEBOOKS_DIR", "/tmp/books")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, time.Second, cfg.Kernel.ExecTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/books", cfg.Notebooks.Dir)
}

func TestLoad_InvalidEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("PULSEBOOK_PORT", "not-a-number")
	t.Setenv("PULSEBOOK_EXEC_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8877, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Kernel.ExecTimeout)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
kernel:
  python_path: /usr/local/bin/python3.12
logging:
  level: warn
  format: text
`), 0o644))
	t.Setenv("PULSEBOOK_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "/usr/local/bin/python3.12", cfg.Kernel.PythonPath)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7000\n"), 0o644))
	t.Setenv("PULSEBOOK_CONFIG", path)
	t.Setenv("PULSEBOOK_PORT", "7100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid port",
		},
		{
			name:    "missing notebooks dir",
			mutate:  func(c *Config) { c.Notebooks.Dir = "" },
			wantErr: "notebooks directory",
		},
		{
			name:    "missing python path",
			mutate:  func(c *Config) { c.Kernel.PythonPath = "" },
			wantErr: "python interpreter",
		},
		{
			name:    "non-positive timeout",
			mutate:  func(c *Config) { c.Kernel.ExecTimeout = 0 },
			wantErr: "execution timeout",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "invalid log level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "invalid log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
