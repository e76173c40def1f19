// Package config loads service configuration from config.toml and the
// environment. Environment variables override file values; every key has a
// default so an empty working directory still boots.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const DefaultPath = "config.toml"

type Config struct {
	Host      string `toml:"HOST"`
	Port      int    `toml:"PORT"`
	HTTPProxy string `toml:"HTTP_PROXY"`

	LogLevel string `toml:"LOG_LEVEL"`

	CacheBackend string `toml:"CACHE_BACKEND"`
	RedisAddr    string `toml:"REDIS_ADDR"`
	CacheDir     string `toml:"CACHE_DIR"`

	DNSCache bool `toml:"DNS_CACHE"`

	MetricsAddr string `toml:"METRICS_ADDR"`

	GridCapacity      int64         `toml:"GRID_CAPACITY"`
	GridMaxBytes      int64         `toml:"GRID_MAX_BYTES"`
	GridSweepInterval time.Duration `toml:"-"`
}

func defaults() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              3000,
		LogLevel:          "info",
		CacheBackend:      "badger",
		RedisAddr:         "localhost:6379",
		CacheDir:          "cache",
		GridCapacity:      10000,
		GridMaxBytes:      10 << 30,
		GridSweepInterval: 10 * time.Minute,
	}
}

// Load reads path (missing file is not an error) and applies env overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultPath
	}
	if b, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.Host = getenv("HOST", cfg.Host)
	cfg.Port = getint("PORT", cfg.Port)
	cfg.HTTPProxy = getenv("HTTP_PROXY", cfg.HTTPProxy)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.CacheBackend = strings.ToLower(getenv("CACHE_BACKEND", cfg.CacheBackend))
	cfg.RedisAddr = getenv("REDIS_ADDR", cfg.RedisAddr)
	cfg.CacheDir = getenv("CACHE_DIR", cfg.CacheDir)
	cfg.DNSCache = getbool("DNS_CACHE", cfg.DNSCache)
	cfg.MetricsAddr = getenv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.GridCapacity = getint64("GRID_CAPACITY", cfg.GridCapacity)
	cfg.GridMaxBytes = getint64("GRID_MAX_BYTES", cfg.GridMaxBytes)
	cfg.GridSweepInterval = getduration("GRID_SWEEP_INTERVAL", cfg.GridSweepInterval)

	switch cfg.CacheBackend {
	case "badger", "redis":
	default:
		return Config{}, fmt.Errorf("unknown CACHE_BACKEND %q (want badger or redis)", cfg.CacheBackend)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("PORT out of range: %d", cfg.Port)
	}
	return cfg, nil
}

// Addr returns the listen address in host:port form.
func (c Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
