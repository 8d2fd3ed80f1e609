// Package config resolves the server configuration from an optional YAML
// file, REWIRE_* environment variables, and command-line flags (in that
// order; later sources win).
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config is the full server configuration.
type Config struct {
	DBPath  string `yaml:"db_path"`
	Listen  string `yaml:"listen"`
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"`

	AdminToken       string `yaml:"admin_token"`
	CheckEverySec    int    `yaml:"check_every_s"`
	RenotifyAfterSec int    `yaml:"renotify_after_s"` // 0 disables

	SMTP SMTPConfig `yaml:"smtp"`

	SlackWebhook   string   `yaml:"slack_webhook"`
	DiscordWebhook string   `yaml:"discord_webhook"`
	Webhooks       []string `yaml:"webhooks"`

	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// SMTPConfig configures the email notifier. An empty Host selects dev mode
// (messages go to the log instead of the wire).
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Default returns the baseline configuration before file/env/flag overrides.
func Default() Config {
	return Config{
		Listen:             "127.0.0.1",
		Port:               8080,
		AdminToken:         "dev-admin-token",
		CheckEverySec:      60,
		SMTP:               SMTPConfig{Port: 587, From: "rewire@localhost"},
		RateLimitPerMinute: 240,
	}
}

// Load reads a YAML config file over the given base.
func Load(path string, base Config) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return base, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg := base
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return base, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays REWIRE_* environment variables onto cfg.
func ApplyEnv(cfg Config) Config {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&cfg.DBPath, "REWIRE_DB")
	setStr(&cfg.Listen, "REWIRE_LISTEN")
	setInt(&cfg.Port, "REWIRE_PORT")
	setStr(&cfg.BaseURL, "REWIRE_BASE_URL")
	setStr(&cfg.AdminToken, "REWIRE_ADMIN_TOKEN")
	setInt(&cfg.CheckEverySec, "REWIRE_CHECK_EVERY")
	setInt(&cfg.RenotifyAfterSec, "REWIRE_RENOTIFY_AFTER")
	setStr(&cfg.SMTP.Host, "REWIRE_SMTP_HOST")
	setInt(&cfg.SMTP.Port, "REWIRE_SMTP_PORT")
	setStr(&cfg.SMTP.User, "REWIRE_SMTP_USER")
	setStr(&cfg.SMTP.Password, "REWIRE_SMTP_PASS")
	setStr(&cfg.SMTP.From, "REWIRE_FROM_EMAIL")
	setStr(&cfg.SlackWebhook, "REWIRE_SLACK_WEBHOOK")
	setStr(&cfg.DiscordWebhook, "REWIRE_DISCORD_WEBHOOK")
	return cfg
}

// Resolve builds the effective configuration: defaults, then the optional
// YAML file, then environment variables, then flags — later sources win.
// flagCfg carries the parsed flag values; setFlags names the flags that
// were explicitly passed, so an untouched flag default cannot clobber a
// value the file or environment provided.
func Resolve(path string, flagCfg Config, setFlags map[string]bool) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		cfg, err = Load(path, cfg)
		if err != nil {
			return cfg, err
		}
	}
	cfg = ApplyEnv(cfg)
	applySetFlags(&cfg, flagCfg, setFlags)
	return cfg, nil
}

// applySetFlags copies over only the fields whose flag was set. Names match
// the server binary's flag names.
func applySetFlags(cfg *Config, f Config, set map[string]bool) {
	if set["db"] {
		cfg.DBPath = f.DBPath
	}
	if set["listen"] {
		cfg.Listen = f.Listen
	}
	if set["port"] {
		cfg.Port = f.Port
	}
	if set["base-url"] {
		cfg.BaseURL = f.BaseURL
	}
	if set["admin-token"] {
		cfg.AdminToken = f.AdminToken
	}
	if set["check-every"] {
		cfg.CheckEverySec = f.CheckEverySec
	}
	if set["renotify-after"] {
		cfg.RenotifyAfterSec = f.RenotifyAfterSec
	}
	if set["smtp-host"] {
		cfg.SMTP.Host = f.SMTP.Host
	}
	if set["smtp-port"] {
		cfg.SMTP.Port = f.SMTP.Port
	}
	if set["smtp-user"] {
		cfg.SMTP.User = f.SMTP.User
	}
	if set["smtp-pass"] {
		cfg.SMTP.Password = f.SMTP.Password
	}
	if set["from-email"] {
		cfg.SMTP.From = f.SMTP.From
	}
	if set["slack-webhook"] {
		cfg.SlackWebhook = f.SlackWebhook
	}
	if set["discord-webhook"] {
		cfg.DiscordWebhook = f.DiscordWebhook
	}
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: db path is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("config: base url is required")
	}
	if c.CheckEverySec <= 0 {
		return fmt.Errorf("config: check_every_s must be positive")
	}
	if c.RenotifyAfterSec < 0 {
		return fmt.Errorf("config: renotify_after_s must be >= 0")
	}
	return nil
}
