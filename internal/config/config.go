// Package config provides configuration management for the notebook server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Notebooks NotebooksConfig `yaml:"notebooks"`
	Kernel    KernelConfig    `yaml:"kernel"`
	Logging   LoggingConfig   `yaml:"logging"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NotebooksConfig holds notebook persistence configuration.
type NotebooksConfig struct {
	Dir string `yaml:"dir"`
}

// KernelConfig holds execution worker configuration.
type KernelConfig struct {
	// PythonPath is the interpreter used to run the worker subprocess.
	PythonPath string `yaml:"python_path"`
	// ExecTimeout bounds a single cell execution before the worker is killed.
	ExecTimeout time.Duration `yaml:"exec_timeout"`
	// TerminateGrace is how long the worker gets to exit after a polite
	// termination before escalating to SIGKILL.
	TerminateGrace time.Duration `yaml:"terminate_grace"`
	// StartTimeout bounds the worker handshake on startup.
	StartTimeout time.Duration `yaml:"start_timeout"`
}

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// WebSocketConfig holds websocket hub configuration.
type WebSocketConfig struct {
	ClientBufferSize int           `yaml:"client_buffer_size"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
}

// Load loads the configuration. An optional YAML file (PULSEBOOK_CONFIG,
// default ./config.yml if present) provides the base; environment variables
// override it.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := defaults()

	if path := configFilePath(); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8877,
			Host:            "0.0.0.0",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Notebooks: NotebooksConfig{
			Dir: "./notebooks",
		},
		Kernel: KernelConfig{
			PythonPath:     "python3",
			ExecTimeout:    15 * time.Second,
			TerminateGrace: 500 * time.Millisecond,
			StartTimeout:   10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			ClientBufferSize: 256,
			WriteTimeout:     10 * time.Second,
			PongTimeout:      60 * time.Second,
		},
	}
}

func configFilePath() string {
	if path := os.Getenv("PULSEBOOK_CONFIG"); path != "" {
		return path
	}
	if _, err := os.Stat("./config.yml"); err == nil {
		return "./config.yml"
	}
	return ""
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvAsInt("PULSEBOOK_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("PULSEBOOK_HOST", cfg.Server.Host)
	cfg.Server.ReadTimeout = getEnvAsDuration("PULSEBOOK_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvAsDuration("PULSEBOOK_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.ShutdownTimeout = getEnvAsDuration("PULSEBOOK_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Notebooks.Dir = getEnv("PULSEBOOK_NOTEBOOKS_DIR", cfg.Notebooks.Dir)

	cfg.Kernel.PythonPath = getEnv("PULSEBOOK_PYTHON", cfg.Kernel.PythonPath)
	cfg.Kernel.ExecTimeout = getEnvAsDuration("PULSEBOOK_EXEC_TIMEOUT", cfg.Kernel.ExecTimeout)
	cfg.Kernel.TerminateGrace = getEnvAsDuration("PULSEBOOK_TERMINATE_GRACE", cfg.Kernel.TerminateGrace)
	cfg.Kernel.StartTimeout = getEnvAsDuration("PULSEBOOK_KERNEL_START_TIMEOUT", cfg.Kernel.StartTimeout)

	cfg.Logging.Level = getEnv("PULSEBOOK_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("PULSEBOOK_LOG_FORMAT", cfg.Logging.Format)

	cfg.WebSocket.ClientBufferSize = getEnvAsInt("PULSEBOOK_WS_CLIENT_BUFFER", cfg.WebSocket.ClientBufferSize)
	cfg.WebSocket.WriteTimeout = getEnvAsDuration("PULSEBOOK_WS_WRITE_TIMEOUT", cfg.WebSocket.WriteTimeout)
	cfg.WebSocket.PongTimeout = getEnvAsDuration("PULSEBOOK_WS_PONG_TIMEOUT", cfg.WebSocket.PongTimeout)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Notebooks.Dir == "" {
		return fmt.Errorf("notebooks directory is required")
	}

	if c.Kernel.PythonPath == "" {
		return fmt.Errorf("python interpreter path is required")
	}

	if c.Kernel.ExecTimeout <= 0 {
		return fmt.Errorf("execution timeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.WebSocket.ClientBufferSize < 1 {
		return fmt.Errorf("websocket client buffer size must be at least 1")
	}

	return nil
}

// Helper functions for environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
