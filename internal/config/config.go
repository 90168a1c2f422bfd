// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Sandbox holds container provisioning settings.
	Sandbox SandboxConfig

	// Sweep holds idle-session cleanup settings.
	Sweep SweepConfig
}

// SandboxConfig controls how session containers are provisioned.
type SandboxConfig struct {
	Image             string
	TemplateVolume    string
	WorkDir           string
	MemoryLimitMB     int
	CPUCount          int
	NoFileLimit       int
	ReadyPollAttempts int
	ReadyPollInterval time.Duration
	StopTimeout       time.Duration
	ProvisionTimeout  time.Duration
	TerminalTerm      string
	Shell             string
}

// SweepConfig controls the idle-session cleanup worker.
type SweepConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/devbox.db"),
		Sandbox: SandboxConfig{
			Image:             getEnv("SANDBOX_IMAGE", "devbox-sandbox:latest"),
			TemplateVolume:    getEnv("TEMPLATE_VOLUME", "devbox-template"),
			WorkDir:           getEnv("SANDBOX_WORKDIR", "/workspace"),
			MemoryLimitMB:     getEnvInt("MEMORY_LIMIT_MB", 512),
			CPUCount:          getEnvInt("CPU_COUNT", 1),
			NoFileLimit:       getEnvInt("NOFILE_LIMIT", 1024),
			ReadyPollAttempts: getEnvInt("READY_POLL_ATTEMPTS", 30),
			ReadyPollInterval: getEnvDuration("READY_POLL_INTERVAL", 500*time.Millisecond),
			StopTimeout:       getEnvDuration("CONTAINER_STOP_TIMEOUT", 10*time.Second),
			ProvisionTimeout:  getEnvDuration("PROVISION_TIMEOUT", 5*time.Minute),
			TerminalTerm:      getEnv("TERMINAL_TERM", "xterm-256color"),
			Shell:             getEnv("SANDBOX_SHELL", "/bin/sh"),
		},
		Sweep: SweepConfig{
			Interval:    getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
			IdleTimeout: getEnvDuration("SESSION_IDLE_TIMEOUT", 2*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty")
	}
	if c.Sandbox.MemoryLimitMB <= 0 {
		return fmt.Errorf("MEMORY_LIMIT_MB must be > 0")
	}
	if c.Sandbox.CPUCount <= 0 {
		return fmt.Errorf("CPU_COUNT must be > 0")
	}
	if c.Sandbox.ReadyPollAttempts <= 0 {
		return fmt.Errorf("READY_POLL_ATTEMPTS must be > 0")
	}
	if c.Sweep.IdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
