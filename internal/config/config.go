package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string   `mapstructure:"PORT"`
	Env                string   `mapstructure:"ENV"`
	DatabaseURL        string   `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir      string   `mapstructure:"MIGRATIONS_DIR"`
	RedisURL           string   `mapstructure:"REDIS_URL"`
	MQTTBroker         string   `mapstructure:"MQTT_BROKER"`
	MQTTClientID       string   `mapstructure:"MQTT_CLIENT_ID"`
	MQTTUsername       string   `mapstructure:"MQTT_USERNAME"`
	MQTTPassword       string   `mapstructure:"MQTT_PASSWORD"`
	MQTTTopicPrefix    string   `mapstructure:"MQTT_TOPIC_PREFIX"`
	AuthMode           string   `mapstructure:"AUTH_MODE"`
	AuthSigningSecret  string   `mapstructure:"AUTH_SIGNING_SECRET"`
	AuthIssuer         string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string   `mapstructure:"AUTH_AUDIENCE"`
	TerminalMarkerCode string   `mapstructure:"TERMINAL_MARKER_CODE"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("MQTT_CLIENT_ID", "opchart-server")
	v.SetDefault("MQTT_TOPIC_PREFIX", "opchart")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("TERMINAL_MARKER_CODE", "recovery_discharge")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("REDIS_URL")
	v.BindEnv("MQTT_BROKER")
	v.BindEnv("MQTT_CLIENT_ID")
	v.BindEnv("MQTT_USERNAME")
	v.BindEnv("MQTT_PASSWORD")
	v.BindEnv("MQTT_TOPIC_PREFIX")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("AUTH_SIGNING_SECRET")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("TERMINAL_MARKER_CODE")
	v.BindEnv("CORS_ORIGINS")

	// .env file is optional; env vars alone are fine.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper does not split comma-separated env values for slices.
	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitAndTrim(origins)
	}

	return &cfg, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// ResolvedAuthMode returns the effective auth mode. When AUTH_MODE is empty
// it is inferred from ENV: production -> external, anything else -> development.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsProduction() {
		return "external"
	}
	return "development"
}

func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "external" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}
	if mode == "external" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if mode == "development" && c.AuthSigningSecret == "" {
		return fmt.Errorf("AUTH_SIGNING_SECRET is required in development auth mode")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.TerminalMarkerCode == "" {
		return fmt.Errorf("TERMINAL_MARKER_CODE must not be empty")
	}
	return nil
}
