// Package config loads opskit settings from the environment and validates
// the parameter structs passed to every primitive.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	opserrors "github.com/mirkobrombin/go-opskit/v1/errors"
)

// DefaultKeyRoot is the first segment of every key. It matches the layout
// already used by deployed workflow nodes.
const DefaultKeyRoot = "n8n"

// Config holds the settings shared by every primitive.
type Config struct {
	Redis RedisConfig
	// Namespace isolates unrelated deployments sharing one store.
	Namespace string
	KeyRoot   string `validate:"required,excludes=:"`
	// Metrics enables the log metrics sink.
	Metrics bool
}

// RedisConfig describes the connection to the shared store.
type RedisConfig struct {
	Addr     string `validate:"required,hostname_port"`
	Username string
	Password string
	DB       int `validate:"gte=0"`
	TLS      bool
	Timeout  time.Duration `validate:"gt=0"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Timeout: 5 * time.Second,
		},
		KeyRoot: DefaultKeyRoot,
	}
}

// Load reads the configuration from the environment. Files are loaded with
// godotenv first (".env" when none are given); missing files are ignored and
// never override variables already set.
func Load(files ...string) (Config, error) {
	_ = godotenv.Load(files...)

	cfg := Default()
	cfg.Redis.Addr = getEnv("OPSKIT_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Username = os.Getenv("OPSKIT_REDIS_USERNAME")
	cfg.Redis.Password = os.Getenv("OPSKIT_REDIS_PASSWORD")
	cfg.Namespace = strings.TrimSpace(os.Getenv("OPSKIT_NAMESPACE"))
	cfg.KeyRoot = getEnv("OPSKIT_KEY_ROOT", cfg.KeyRoot)

	db, err := strconv.Atoi(getEnv("OPSKIT_REDIS_DB", "0"))
	if err != nil {
		return Config{}, fmt.Errorf("%w: invalid OPSKIT_REDIS_DB: %v", opserrors.ErrInvalidConfig, err)
	}
	cfg.Redis.DB = db

	if cfg.Redis.TLS, err = getBool("OPSKIT_REDIS_TLS"); err != nil {
		return Config{}, err
	}

	if raw := getEnv("OPSKIT_STORE_TIMEOUT", ""); raw != "" {
		d, err := ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("OPSKIT_STORE_TIMEOUT: %w", err)
		}
		cfg.Redis.Timeout = d
	}

	opskitMetrics, err := getBool("OPSKIT_METRICS")
	if err != nil {
		return Config{}, err
	}
	n8nMetrics, err := getBool("N8N_METRICS")
	if err != nil {
		return Config{}, err
	}
	cfg.Metrics = opskitMetrics || n8nMetrics

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Prefix returns the key prefix for this configuration, "<root>:" or
// "<root>:<namespace>:".
func (c Config) Prefix() string {
	root := c.KeyRoot
	if root == "" {
		root = DefaultKeyRoot
	}
	if c.Namespace == "" {
		return root + ":"
	}
	return root + ":" + c.Namespace + ":"
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getBool(key string) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: invalid %s: %v", opserrors.ErrInvalidConfig, key, err)
	}
	return v, nil
}
