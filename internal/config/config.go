// Package config loads the wamigrate YAML configuration file.
//
// Every setting can also be supplied on the command line; flag values
// override what Load returns. Environment variables referenced in the file
// ($VAR or ${VAR}) are expanded before parsing so credentials can stay out
// of the file itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wamigrate/wamigrate/internal/executor"
	"github.com/wamigrate/wamigrate/internal/pacing"
)

// Channel names accepted by the channel setting.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTwilio   = "twilio"
	ChannelMock     = "mock"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	PlanPath    string         `yaml:"planPath"`    // transfer plan JSON file
	StateDir    string         `yaml:"stateDir"`    // progress ledger directory
	Channel     string         `yaml:"channel"`     // whatsapp|twilio|mock
	LogLevel    string         `yaml:"logLevel"`    // debug|info|warn|error
	DryRun      bool           `yaml:"dryRun"`      // walk the plan without sending
	MaxAttempts int            `yaml:"maxAttempts"` // delivery attempts per job
	APIAddr     string         `yaml:"apiAddr"`     // status HTTP listen address, empty disables
	StartCron   string         `yaml:"startCron"`   // cron expression gating run start, empty starts immediately
	ArchiveDSN  string         `yaml:"archiveDsn"`  // optional SQL mirror of the ledger
	Pacing      PacingConfig   `yaml:"pacing"`
	WhatsApp    WhatsAppConfig `yaml:"whatsapp"`
	Twilio      TwilioConfig   `yaml:"twilio"`
}

// PacingConfig holds the send-rate settings.
type PacingConfig struct {
	MinDelay     time.Duration `yaml:"minDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	DailyCeiling int           `yaml:"dailyCeiling"`
}

// WhatsAppConfig holds whatsmeow session settings.
type WhatsAppConfig struct {
	SessionDSN  string `yaml:"sessionDsn"`  // session store, SQLite path or postgres DSN
	QROutput    string `yaml:"qrOutput"`    // file to write the login QR code to, empty means stdout
	NumericCode bool   `yaml:"numericCode"` // print a numeric pairing code instead of a QR code
}

// TwilioConfig holds Twilio API settings for the alternate channel.
type TwilioConfig struct {
	AccountSID   string `yaml:"accountSid"`
	AuthToken    string `yaml:"authToken"`
	FromWhats    string `yaml:"fromNumber"`   // "whatsapp:+1234567890" format
	MediaBaseURL string `yaml:"mediaBaseUrl"` // public base URL serving exported media
}

// Load reads YAML config from path, expands environment variables, applies
// defaults, and validates. If path is empty it tries WAMIGRATE_CONFIG, then
// "wamigrate.yaml"; a missing default file yields a default config.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		if env := os.Getenv("WAMIGRATE_CONFIG"); env != "" {
			path = env
			explicit = true
		} else {
			path = "wamigrate.yaml"
		}
	}

	var cfg Config
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			applyDefaults(&cfg)
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = "state"
	}
	if cfg.Channel == "" {
		cfg.Channel = ChannelWhatsApp
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = executor.DefaultMaxAttempts
	}
	if cfg.Pacing.MinDelay == 0 {
		cfg.Pacing.MinDelay = pacing.DefaultMinDelay
	}
	if cfg.Pacing.MaxDelay == 0 {
		cfg.Pacing.MaxDelay = pacing.DefaultMaxDelay
	}
	if cfg.Pacing.DailyCeiling <= 0 {
		cfg.Pacing.DailyCeiling = pacing.DefaultDailyCeiling
	}
}

func validate(cfg *Config) error {
	switch cfg.Channel {
	case ChannelWhatsApp, ChannelTwilio, ChannelMock:
	default:
		return fmt.Errorf("channel must be one of %s, %s, %s; got %q",
			ChannelWhatsApp, ChannelTwilio, ChannelMock, cfg.Channel)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logLevel must be debug, info, warn, or error; got %q", cfg.LogLevel)
	}

	if cfg.Pacing.MinDelay < 0 || cfg.Pacing.MaxDelay < 0 {
		return errors.New("pacing delays cannot be negative")
	}
	if cfg.Pacing.MaxDelay < cfg.Pacing.MinDelay {
		return fmt.Errorf("pacing.maxDelay (%s) must not be less than pacing.minDelay (%s)",
			cfg.Pacing.MaxDelay, cfg.Pacing.MinDelay)
	}

	if cfg.Channel == ChannelTwilio && !cfg.DryRun {
		t := cfg.Twilio
		if strings.TrimSpace(t.AccountSID) == "" || strings.TrimSpace(t.AuthToken) == "" {
			return errors.New("twilio.accountSid and twilio.authToken are required for the twilio channel")
		}
		if strings.TrimSpace(t.FromWhats) == "" {
			return errors.New("twilio.fromNumber is required for the twilio channel")
		}
	}
	return nil
}
