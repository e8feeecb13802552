package epicsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full epicsync configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	DBPath   string `yaml:"db_path"`
	APIToken string `yaml:"api_token"`

	Tracker TrackerConfig `yaml:"tracker"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// TrackerConfig configures the Azure DevOps connection.
type TrackerConfig struct {
	BaseURL        string `yaml:"base_url"`
	Organization   string `yaml:"organization"`
	Project        string `yaml:"project"`
	PAT            string `yaml:"pat"`
	EpicType       string `yaml:"epic_type"`
	StoryType      string `yaml:"story_type"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// OpenAIConfig configures the story extraction model.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// MonitorConfig configures the check cycle.
type MonitorConfig struct {
	IntervalSeconds        int    `yaml:"interval_seconds"`
	MaxConcurrent          int    `yaml:"max_concurrent"`
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures"`
	DiscoverState          string `yaml:"discover_state"`
	RetryAttempts          int    `yaml:"retry_attempts"`
	RetryBackoffSeconds    int    `yaml:"retry_backoff_seconds"`
}

// DefaultConfig returns sane defaults. Credentials are intentionally empty.
func DefaultConfig() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "epicsync.db",
		Tracker: TrackerConfig{
			EpicType:       "Epic",
			StoryType:      "User Story",
			TimeoutSeconds: 30,
		},
		Monitor: MonitorConfig{
			IntervalSeconds:        300,
			MaxConcurrent:          4,
			MaxConsecutiveFailures: 5,
			DiscoverState:          "New",
			RetryAttempts:          3,
			RetryBackoffSeconds:    1,
		},
	}
}

// LoadConfig reads and parses a YAML config file merged over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Tracker.Organization == "" {
		return fmt.Errorf("tracker.organization is required")
	}
	if c.Tracker.Project == "" {
		return fmt.Errorf("tracker.project is required")
	}
	if c.Tracker.PAT == "" {
		return fmt.Errorf("tracker.pat is required")
	}
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}
	if c.Monitor.IntervalSeconds < 10 {
		return fmt.Errorf("monitor.interval_seconds must be >= 10")
	}
	if c.Monitor.MaxConcurrent <= 0 {
		return fmt.Errorf("monitor.max_concurrent must be > 0")
	}
	return nil
}

// Interval returns the check interval as a duration.
func (c *MonitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// RetryBackoff returns the base retry backoff as a duration.
func (c *MonitorConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}
