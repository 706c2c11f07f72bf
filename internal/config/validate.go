package config

import (
	"fmt"
	"time"

	"github.com/zsiec/transmux/internal/certs"
)

func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log config: %w", err)
	}

	if err := c.SRT.Validate(); err != nil {
		return fmt.Errorf("srt config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	return nil
}

func (l *LogConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", l.Level)
	}

	if l.File != "" {
		if l.MaxSizeMB <= 0 {
			return fmt.Errorf("max_size_mb must be positive")
		}
		if l.MaxBackups < 0 {
			return fmt.Errorf("max_backups cannot be negative")
		}
		if l.MaxAgeDays < 0 {
			return fmt.Errorf("max_age_days cannot be negative")
		}
	}

	return nil
}

func (s *SRTConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if s.Addr == "" {
		return fmt.Errorf("addr is required")
	}

	if s.Latency < 20*time.Millisecond || s.Latency > 8*time.Second {
		return fmt.Errorf("latency must be between 20ms and 8s, got %s", s.Latency)
	}

	if s.ChunkInterval < 100*time.Millisecond {
		return fmt.Errorf("chunk_interval must be at least 100ms, got %s", s.ChunkInterval)
	}

	return nil
}

func (h *HTTPConfig) Validate() error {
	if h.Addr == "" && h.HTTP3Addr == "" {
		return fmt.Errorf("at least one of addr and http3_addr is required")
	}

	if h.HTTP3Addr != "" && (h.CertValidity <= 0 || h.CertValidity > certs.MaxValidity) {
		return fmt.Errorf("cert_validity must be in (0, %s], got %s", certs.MaxValidity, h.CertValidity)
	}

	if h.Window < 1 {
		return fmt.Errorf("window must be positive")
	}

	return nil
}
