// Package config merges config.yaml, .env and the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/egor/ecochatserver/database"
)

const (
	DriverPostgres = "postgres"
	DriverPebble   = "pebble"
	DriverMemory   = "memory"

	devJWTSecret = "dev-only-secret-do-not-use-in-production"
)

type Config struct {
	Server struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"server"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Store struct {
		Driver     string                  `yaml:"driver"`
		PebblePath string                  `yaml:"pebble_path"`
		Postgres   database.PostgresConfig `yaml:"postgres"`
	} `yaml:"store"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Origins struct {
		FrontendURL string   `yaml:"frontend_url"`
		Additional  []string `yaml:"additional"`
		AllowAll    bool     `yaml:"allow_all"`
	} `yaml:"origins"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	var c Config
	c.Server.ListenAddr = ":8080"
	c.Logging.Level = "info"
	c.Store.Driver = DriverPostgres
	c.Store.PebblePath = "./data/chat"
	c.Store.Postgres = database.PostgresConfig{
		Host:     "localhost",
		Port:     "5432",
		User:     "postgres",
		Database: "ecochat",
		SSLMode:  "disable",
	}
	c.Origins.FrontendURL = "http://localhost:3000"
	c.RateLimit.RPS = 10
	c.RateLimit.Burst = 20
	return c
}

// Load builds the effective configuration. A missing .env or config file is
// not an error; an unreadable or malformed one is. Environment wins over file.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = devJWTSecret
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("STORE_DRIVER", &cfg.Store.Driver)
	str("PEBBLE_PATH", &cfg.Store.PebblePath)
	str("PG_HOST", &cfg.Store.Postgres.Host)
	str("PG_PORT", &cfg.Store.Postgres.Port)
	str("PG_USER", &cfg.Store.Postgres.User)
	str("PG_PASSWORD", &cfg.Store.Postgres.Password)
	str("PG_DATABASE", &cfg.Store.Postgres.Database)
	str("PG_SSL_MODE", &cfg.Store.Postgres.SSLMode)
	str("JWT_SECRET_KEY", &cfg.Auth.JWTSecret)
	str("FRONTEND_URL", &cfg.Origins.FrontendURL)

	if v := os.Getenv("ADDITIONAL_ALLOWED_ORIGINS"); v != "" {
		cfg.Origins.Additional = splitList(v)
	}
	if v := os.Getenv("ALLOW_ALL_ORIGINS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ALLOW_ALL_ORIGINS: %w", err)
		}
		cfg.Origins.AllowAll = b
	}
	if v := os.Getenv("CHAT_RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CHAT_RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimit.RPS = f
	}
	if v := os.Getenv("CHAT_RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHAT_RATE_LIMIT_BURST: %w", err)
		}
		cfg.RateLimit.Burst = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres, DriverPebble, DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == DriverPebble && c.Store.PebblePath == "" {
		return errors.New("pebble store needs pebble_path")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate limit must not be negative")
	}
	return nil
}

// AllowedOrigins lists the exact origins browsers may connect from.
func (c Config) AllowedOrigins() []string {
	var out []string
	if c.Origins.FrontendURL != "" {
		out = append(out, c.Origins.FrontendURL)
	}
	return append(out, c.Origins.Additional...)
}

// UsingDevSecret reports whether no JWT secret was configured.
func (c Config) UsingDevSecret() bool { return c.Auth.JWTSecret == devJWTSecret }
