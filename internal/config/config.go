package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/youssefEdrees/postgres-typesense-sync/internal/db"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/index"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/mapping"
	"github.com/youssefEdrees/postgres-typesense-sync/internal/transform"
)

// DefaultPath is where the CLI looks for the mapping config unless told
// otherwise.
const DefaultPath = "config.yml"

// Config is everything a run needs: connection settings from the environment
// and the validated table mapping registry from the YAML file.
type Config struct {
	DB       db.Config
	Index    index.Config
	Registry *mapping.Registry
}

type fileConfig struct {
	Tables []mapping.TableMapping `yaml:"tables"`
}

// Load reads the YAML mapping file and resolves connection settings from the
// environment. A .env file in the working directory is loaded first if
// present. Every failure here is startup-fatal by design of the callers:
// unknown field types, unregistered transformers and missing required
// environment variables are reported before any connection is opened.
func Load(path string) (*Config, error) {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(file.Tables) == 0 {
		return nil, fmt.Errorf("config: %s defines no tables", path)
	}

	registry, err := mapping.NewRegistry(file.Tables)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	// Transformer names must resolve at startup, not on first use.
	for _, tm := range registry.Tables() {
		if _, err := transform.Lookup(tm.Transformer); err != nil {
			return nil, fmt.Errorf("config: table %q: %w", tm.Name, err)
		}
	}

	dbCfg, err := loadDB()
	if err != nil {
		return nil, err
	}
	idxCfg, err := loadIndex()
	if err != nil {
		return nil, err
	}

	return &Config{DB: dbCfg, Index: idxCfg, Registry: registry}, nil
}

func loadDB() (db.Config, error) {
	cfg := db.Config{
		Host:    envOr("POSTGRES_HOST", "localhost"),
		SSLMode: os.Getenv("POSTGRES_SSLMODE"),
	}

	port, err := envPort("POSTGRES_PORT", 5432)
	if err != nil {
		return cfg, err
	}
	cfg.Port = port

	for _, v := range []struct {
		name   string
		target *string
	}{
		{"POSTGRES_USER", &cfg.User},
		{"POSTGRES_PASSWORD", &cfg.Password},
		{"POSTGRES_DBNAME", &cfg.DBName},
	} {
		value := os.Getenv(v.name)
		if value == "" {
			return cfg, fmt.Errorf("config: required environment variable %s is not set", v.name)
		}
		*v.target = value
	}
	return cfg, nil
}

func loadIndex() (index.Config, error) {
	cfg := index.Config{
		Host:     envOr("TYPESENSE_HOST", "localhost"),
		Protocol: envOr("TYPESENSE_PROTOCOL", "http"),
		APIKey:   os.Getenv("TYPESENSE_API_KEY"),
	}
	if cfg.APIKey == "" {
		return cfg, fmt.Errorf("config: required environment variable TYPESENSE_API_KEY is not set")
	}

	port, err := envPort("TYPESENSE_PORT", 8108)
	if err != nil {
		return cfg, err
	}
	cfg.Port = port
	return cfg, nil
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envPort(name string, fallback int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}
	port, err := strconv.Atoi(value)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("config: %s must be a port number, got %q", name, value)
	}
	return port, nil
}
