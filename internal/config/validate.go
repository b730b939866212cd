package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult splits problems into fatals, which must stop startup, and
// warnings, which were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// All returns fatals followed by warnings.
func (r ValidationResult) All() []error {
	out := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	out = append(out, r.Fatals...)
	return append(out, r.Warnings...)
}

// Validate checks the config and returns every problem found. Out of range
// numbers are clamped to safe values.
func (c *Config) Validate() []error {
	return c.ValidateTiered().All()
}

// ValidateTiered is Validate with fatals and warnings kept apart.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.DiagnosticsAddr != "" {
		if _, _, err := net.SplitHostPort(c.DiagnosticsAddr); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("diagnostics_addr %q is not host:port: %w", c.DiagnosticsAddr, err))
		}
	}

	if c.FPSCap < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("fps_cap %d is negative, disabling", c.FPSCap))
		c.FPSCap = 0
	} else if c.FPSCap > 1000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("fps_cap %d exceeds maximum 1000, clamping", c.FPSCap))
		c.FPSCap = 1000
	}

	c.DetectIntervalMs = clamp(&r, "detect_interval_ms", c.DetectIntervalMs, 50, 5000)
	c.StatsIntervalMs = clamp(&r, "stats_interval_ms", c.StatsIntervalMs, 100, 60000)
	c.OSDWorkers = clamp(&r, "osd_workers", c.OSDWorkers, 1, 16)
	c.OSDQueueSize = clamp(&r, "osd_queue_size", c.OSDQueueSize, 1, 10000)

	if c.LogFile != "" {
		c.LogMaxSizeMB = clamp(&r, "log_max_size_mb", c.LogMaxSizeMB, 1, 1024)
		c.LogMaxBackups = clamp(&r, "log_max_backups", c.LogMaxBackups, 0, 100)
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogForwardMin != "" && !validLogLevels[strings.ToLower(c.LogForwardMin)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_forward_level %q is not valid (use debug, info, warn, error)", c.LogForwardMin))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range r.Fatals {
		slog.Error("config validation", "error", err)
	}
	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return r
}

func clamp(r *ValidationResult, key string, v, lo, hi int) int {
	switch {
	case v < lo:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, v, lo))
		return lo
	case v > hi:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, v, hi))
		return hi
	}
	return v
}
