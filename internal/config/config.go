package config

import (
	"os"
	"strconv"
	"strings"
)

// ServerConfig holds configuration for the gpusched daemon.
type ServerConfig struct {
	Addr        string   // Listen address (default "127.0.0.1:8090")
	LogLevel    string   // Log level: debug, info, warn, error
	LogFormat   string   // Log format: text, json
	StoreURL    string   // sqlite path, "sqlite://path", "redis://host:port/db" or "memory"
	ConfigFile  string   // Scheduler YAML file; empty uses built-in defaults
	Metrics     bool     // Expose /metrics
	CORSOrigins []string // Allowed origins for the HTTP API
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:        "127.0.0.1:8090",
		LogLevel:    "info",
		LogFormat:   "text",
		Metrics:     true,
		CORSOrigins: []string{"*"},
	}
}

// ApplyEnv overrides fields from GPUSCHED_* environment variables.
func (c *ServerConfig) ApplyEnv() {
	c.Addr = GetEnv("GPUSCHED_ADDR", c.Addr)
	c.LogLevel = GetEnv("GPUSCHED_LOG_LEVEL", c.LogLevel)
	c.LogFormat = GetEnv("GPUSCHED_LOG_FORMAT", c.LogFormat)
	c.StoreURL = GetEnv("GPUSCHED_STORE", c.StoreURL)
	c.ConfigFile = GetEnv("GPUSCHED_CONFIG", c.ConfigFile)
	if b, err := strconv.ParseBool(GetEnv("GPUSCHED_METRICS", strconv.FormatBool(c.Metrics))); err == nil {
		c.Metrics = b
	}
	if v := os.Getenv("GPUSCHED_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}
}

// GetEnv returns the value of key or def when unset or empty.
func GetEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
