package config

import "fmt"

// Config is the root configuration for the adapter process.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Plugins PluginsConfig `yaml:"plugins"`
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logging.SetDefaults()
	c.Plugins.SetDefaults()
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Plugins.Validate(); err != nil {
		return fmt.Errorf("plugins: %w", err)
	}
	return nil
}

// PluginsConfig locates the plugin manifest directory.
type PluginsConfig struct {
	// Dir is the directory scanned for *.yaml manifests.
	Dir string `yaml:"dir,omitempty"`
}

// SetDefaults applies defaults.
func (c *PluginsConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = "plugins"
	}
}

// Validate checks the section.
func (c *PluginsConfig) Validate() error {
	return nil
}

// LoggingConfig configures the logging subsystem.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// Dir is the root directory for file logs.
	Dir string `yaml:"dir,omitempty"`

	// LLMLogMaxFiles caps retained wire-log files per category.
	LLMLogMaxFiles int `yaml:"llm_log_max_files,omitempty"`

	// BatchLogMaxFiles caps retained batch directories/files.
	BatchLogMaxFiles int `yaml:"batch_log_max_files,omitempty"`

	// MaxAgeHours prunes log entries older than this (0 = no age cap).
	MaxAgeHours int `yaml:"max_age_hours,omitempty"`
}

// SetDefaults applies defaults.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Dir == "" {
		c.Dir = "logs"
	}
	if c.LLMLogMaxFiles == 0 {
		c.LLMLogMaxFiles = 50
	}
	if c.BatchLogMaxFiles == 0 {
		c.BatchLogMaxFiles = 20
	}
}

// Validate checks the section.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level %q", c.Level)
	}
}
