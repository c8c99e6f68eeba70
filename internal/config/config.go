// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from
// switchboard.yaml. Slack tokens may be supplied via SLACK_BOT_TOKEN and
// SLACK_APP_TOKEN instead of the file.
type Config struct {
	Slack    SlackConfig    `yaml:"slack"`
	DB       DBConfig       `yaml:"db"`
	HTTP     HTTPConfig     `yaml:"http"`
	Records  RecordsConfig  `yaml:"records"`
	Reminder ReminderConfig `yaml:"reminder"`
}

// SlackConfig holds the Slack credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"` // xoxb-... bot token
	AppToken string `yaml:"app_token"` // xapp-... app-level token, Socket Mode only
}

// DBConfig holds connection settings for the MySQL tracking store.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// HTTPConfig holds settings for the webhook ingress server.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// RecordsConfig describes the external system of record that requests
// originate from. BaseURL is used to build "View Record" links; when empty
// the link button is omitted.
type RecordsConfig struct {
	BaseURL string `yaml:"base_url"`
}

// ReminderConfig controls the stale-thread nudge sweep. An empty Cron
// disables the sweep.
type ReminderConfig struct {
	Cron            string `yaml:"cron"` // 5-field cron expression
	StaleAfterHours int    `yaml:"stale_after_hours"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values, including env-var
// fallback for the Slack tokens.
func (c *Config) applyDefaults() {
	if c.Slack.BotToken == "" {
		c.Slack.BotToken = os.Getenv("SLACK_BOT_TOKEN")
	}
	if c.Slack.AppToken == "" {
		c.Slack.AppToken = os.Getenv("SLACK_APP_TOKEN")
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.User == "" {
		c.DB.User = "root"
	}
	if c.DB.Database == "" {
		c.DB.Database = "switchboard"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8090
	}
	if c.Reminder.StaleAfterHours == 0 {
		c.Reminder.StaleAfterHours = 48
	}
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	var errs []string
	if c.Slack.BotToken == "" {
		errs = append(errs, "slack.bot_token is required (or SLACK_BOT_TOKEN)")
	}
	if c.Reminder.StaleAfterHours < 0 {
		errs = append(errs, "reminder.stale_after_hours must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
