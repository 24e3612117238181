package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Codelist sources.
const (
	CodelistSourceCSV      = "csv"
	CodelistSourcePostgres = "postgres"
)

type Config struct {
	Env             string        `mapstructure:"COHORT_ENV"`
	Port            string        `mapstructure:"PORT"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	SpecPath        string        `mapstructure:"COHORT_SPEC"`
	CodelistSource  string        `mapstructure:"CODELIST_SOURCE"`
	CodelistDir     string        `mapstructure:"CODELIST_DIR"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	AuthSigningKey  string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer      string        `mapstructure:"AUTH_ISSUER"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	ResolverWorkers int           `mapstructure:"RESOLVER_WORKERS"`
	DummySeed       uint64        `mapstructure:"DUMMY_SEED"`
	DummyRows       int           `mapstructure:"DUMMY_ROWS"`
	ScriptMaxSteps  uint64        `mapstructure:"SCRIPT_MAX_STEPS"`
	ScriptTimeout   time.Duration `mapstructure:"SCRIPT_TIMEOUT"`
}

var keys = []string{
	"COHORT_ENV",
	"PORT",
	"LOG_LEVEL",
	"COHORT_SPEC",
	"CODELIST_SOURCE",
	"CODELIST_DIR",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"AUTH_SIGNING_KEY",
	"AUTH_ISSUER",
	"CORS_ORIGINS",
	"RESOLVER_WORKERS",
	"DUMMY_SEED",
	"DUMMY_ROWS",
	"SCRIPT_MAX_STEPS",
	"SCRIPT_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("COHORT_ENV", "development")
	v.SetDefault("PORT", "8000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("COHORT_SPEC", "studies/study_definition.star")
	v.SetDefault("CODELIST_SOURCE", CodelistSourceCSV)
	v.SetDefault("CODELIST_DIR", "codelists")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("AUTH_ISSUER", "cohortctl")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RESOLVER_WORKERS", 4)
	v.SetDefault("DUMMY_SEED", 1)
	v.SetDefault("DUMMY_ROWS", 1000)
	v.SetDefault("SCRIPT_MAX_STEPS", 1_000_000)
	v.SetDefault("SCRIPT_TIMEOUT", "5s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when running with COHORT_ENV=production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AuthEnabled reports whether the HTTP API requires a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.AuthSigningKey != ""
}

// Validate checks that the configuration is usable. Production requires a
// signing key of at least 32 bytes so the API never runs unauthenticated.
func (c *Config) Validate() error {
	switch c.CodelistSource {
	case CodelistSourceCSV:
		if c.CodelistDir == "" {
			return fmt.Errorf("CODELIST_DIR is required when CODELIST_SOURCE is %q", CodelistSourceCSV)
		}
	case CodelistSourcePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when CODELIST_SOURCE is %q", CodelistSourcePostgres)
		}
	default:
		return fmt.Errorf("CODELIST_SOURCE must be %q or %q, got %q", CodelistSourceCSV, CodelistSourcePostgres, c.CodelistSource)
	}

	if c.IsProduction() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}

	if c.ResolverWorkers < 1 {
		return fmt.Errorf("RESOLVER_WORKERS must be positive, got %d", c.ResolverWorkers)
	}
	if c.DummyRows < 0 {
		return fmt.Errorf("DUMMY_ROWS must not be negative, got %d", c.DummyRows)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.ScriptTimeout <= 0 {
		return fmt.Errorf("SCRIPT_TIMEOUT must be positive, got %s", c.ScriptTimeout)
	}
	return nil
}
