package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port       string   `mapstructure:"PORT"`
	Env        string   `mapstructure:"ENV"`
	FHIRPrefix string   `mapstructure:"FHIR_PREFIX"`
	Sources    []string `mapstructure:"FHIR_SOURCES"`

	EventSink     string `mapstructure:"EVENT_SINK"`
	WebhookURL    string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`

	MaxConnections  int `mapstructure:"MAX_CONNECTIONS"`
	MaxKeepalive    int `mapstructure:"MAX_KEEPALIVE_CONNECTIONS"`
	KeepaliveExpiry int `mapstructure:"KEEPALIVE_EXPIRY_SECONDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("FHIR_PREFIX", "/fhir")
	v.SetDefault("EVENT_SINK", "log")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MAX_CONNECTIONS", 100)
	v.SetDefault("MAX_KEEPALIVE_CONNECTIONS", 20)
	v.SetDefault("KEEPALIVE_EXPIRY_SECONDS", 5)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("FHIR_PREFIX")
	v.BindEnv("FHIR_SOURCES")
	v.BindEnv("EVENT_SINK")
	v.BindEnv("WEBHOOK_URL")
	v.BindEnv("WEBHOOK_SECRET")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MAX_CONNECTIONS")
	v.BindEnv("MAX_KEEPALIVE_CONNECTIONS")
	v.BindEnv("KEEPALIVE_EXPIRY_SECONDS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Sources == nil {
		if raw := v.GetString("FHIR_SOURCES"); raw != "" {
			cfg.Sources = strings.Split(raw, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the gateway is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SourceEntries parses FHIR_SOURCES into (name, connection string) pairs.
// Each entry has the form name=fhir://host/path?params.
func (c *Config) SourceEntries() ([][2]string, error) {
	out := make([][2]string, 0, len(c.Sources))
	for _, raw := range c.Sources {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		name, connString, ok := strings.Cut(raw, "=")
		if !ok || name == "" || connString == "" {
			return nil, fmt.Errorf("FHIR_SOURCES entry %q must have the form name=fhir://...", raw)
		}
		out = append(out, [2]string{name, connString})
	}
	return out, nil
}

// Validate checks that the configuration is safe to run. The event sink must
// name a supported backend, and sink-specific settings must be present.
func (c *Config) Validate() error {
	switch c.EventSink {
	case "log", "none":
	case "webhook":
		if c.WebhookURL == "" {
			return fmt.Errorf("WEBHOOK_URL is required when EVENT_SINK is \"webhook\"")
		}
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required when EVENT_SINK is \"webhook\"")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when EVENT_SINK is \"postgres\"")
		}
	default:
		return fmt.Errorf("EVENT_SINK must be \"log\", \"webhook\", \"postgres\", or \"none\", got %q", c.EventSink)
	}

	if !strings.HasPrefix(c.FHIRPrefix, "/") {
		return fmt.Errorf("FHIR_PREFIX must start with \"/\", got %q", c.FHIRPrefix)
	}
	if c.MaxConnections <= 0 || c.MaxKeepalive <= 0 || c.KeepaliveExpiry <= 0 {
		return fmt.Errorf("connection limits must be positive")
	}

	if _, err := c.SourceEntries(); err != nil {
		return err
	}
	return nil
}
