package config

import (
	"log/slog"
	"strings"
)

const defaultObservabilityName = "backoffice"

// ObservabilityConfig groups configuration that controls metrics, tracing, and logging.
type ObservabilityConfig struct {
	Metrics ObservabilityMetricsConfig

	// TracerName names the OpenTelemetry tracer used around auth operations.
	TracerName string `env:"OBSERVABILITY_TRACER_NAME" envDefault:"backoffice/auth"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Metrics.Sanitize()
	if c.TracerName = strings.TrimSpace(c.TracerName); c.TracerName == "" {
		c.TracerName = defaultObservabilityName + "/auth"
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
}

// SlogLevel maps LogLevel onto slog, defaulting to info.
func (c *ObservabilityConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// ObservabilityMetricsConfig controls the Prometheus endpoint.
type ObservabilityMetricsConfig struct {
	Enabled   bool   `env:"OBSERVABILITY_METRICS_ENABLED"   envDefault:"true"`
	Path      string `env:"OBSERVABILITY_METRICS_PATH"      envDefault:"/metrics"`
	Namespace string `env:"OBSERVABILITY_METRICS_NAMESPACE" envDefault:"backoffice"`
}

// Sanitize normalises derived fields and enforces safe defaults.
func (c *ObservabilityMetricsConfig) Sanitize() {
	c.Path = strings.TrimSpace(c.Path)
	if c.Path == "" {
		c.Enabled = false
	} else if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if c.Namespace = strings.TrimSpace(c.Namespace); c.Namespace == "" {
		c.Namespace = defaultObservabilityName
	}
}

// IsEnabled returns true when the metrics endpoint is active after sanitisation.
func (c *ObservabilityMetricsConfig) IsEnabled() bool {
	return c.Enabled && c.Path != ""
}
