// Package config loads and validates the YAML configuration files for the
// dropwire-send and dropwire-receive CLIs.
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// LoggingInfo contains logging configuration shared by both CLIs.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
	// SessionLogDir, when non-empty, makes each transfer additionally log to
	// {SessionLogDir}/{cmd}/{pairing code}.log for the duration of the
	// transfer (see internal/logging.NewSessionLogger).
	SessionLogDir string `yaml:"session_log_dir"`
}

func (l *LoggingInfo) applyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

// SignalingInfo points a CLI at the rendezvous/signaling service (spec §6).
type SignalingInfo struct {
	URL  string `yaml:"url"`  // base ws(s):// URL, code and role are appended
	Code string `yaml:"code"` // pairing code; empty lets the sender generate one
}

// MetricsInfo configures the Prometheus exposition endpoint.
type MetricsInfo struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // default: "127.0.0.1:9848"
}

func (m *MetricsInfo) applyDefaults() {
	if m.Listen == "" {
		m.Listen = "127.0.0.1:9848"
	}
}

// DaemonInfo configures the resume-sweep / keepalive supervisor.
type DaemonInfo struct {
	ResumeSweepSchedule string `yaml:"resume_sweep_schedule"` // cron expression, default "*/5 * * * * *"
}

func (d *DaemonInfo) applyDefaults() {
	if d.ResumeSweepSchedule == "" {
		d.ResumeSweepSchedule = "*/5 * * * * *"
	}
}

// CompressionInfo negotiates optional pre-encryption compression (§ supplemented features).
type CompressionInfo struct {
	Enabled bool `yaml:"enabled"`
}

// ParseByteSize converts human-readable size strings ("256kb", "1mb", "1gb")
// to a byte count. A bare number is interpreted as bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	// Longest suffix first so "mb" isn't matched as a bare "b".
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
