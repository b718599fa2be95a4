package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SenderConfig is the complete configuration for dropwire-send.
type SenderConfig struct {
	Signaling   SignalingInfo    `yaml:"signaling"`
	Transport   TransportInfo    `yaml:"transport"`
	Flow        FlowInfo         `yaml:"flow"`
	Compression CompressionInfo  `yaml:"compression"`
	Logging     LoggingInfo      `yaml:"logging"`
	Metrics     MetricsInfo      `yaml:"metrics"`
	Daemon      DaemonInfo       `yaml:"daemon"`
}

// TransportInfo configures the data-channel pool and backpressure thresholds.
type TransportInfo struct {
	ParallelDataChannels int    `yaml:"parallel_data_channels"` // default 2, range 1-6 per spec §6
	MaxBuffer            string `yaml:"max_buffer"`             // default "4mb"
	MaxBufferRaw         int64  `yaml:"-"`
	LowBuffer            string `yaml:"low_buffer"` // default "2mb"
	LowBufferRaw         int64  `yaml:"-"`
}

// FlowInfo configures the adaptive chunk/window controller's bounds.
type FlowInfo struct {
	ChunkSizeNominal string `yaml:"chunk_size_nominal"` // default "256kb"
	ChunkSizeMin     string `yaml:"chunk_size_min"`      // default "128kb"
	ChunkSizeMax     string `yaml:"chunk_size_max"`      // default "1mb"
	ChunkSizeMinRaw  int64  `yaml:"-"`
	ChunkSizeMaxRaw  int64  `yaml:"-"`
}

// LoadSenderConfig reads and validates the sender's YAML configuration file.
func LoadSenderConfig(path string) (*SenderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sender config: %w", err)
	}
	var cfg SenderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing sender config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating sender config: %w", err)
	}
	return &cfg, nil
}

func (c *SenderConfig) validate() error {
	if c.Signaling.URL == "" {
		return fmt.Errorf("signaling.url is required")
	}

	if c.Transport.ParallelDataChannels <= 0 {
		c.Transport.ParallelDataChannels = 2
	}
	if c.Transport.ParallelDataChannels > 6 {
		return fmt.Errorf("transport.parallel_data_channels must be 1-6, got %d", c.Transport.ParallelDataChannels)
	}
	if c.Transport.MaxBuffer == "" {
		c.Transport.MaxBuffer = "4mb"
	}
	maxBuf, err := ParseByteSize(c.Transport.MaxBuffer)
	if err != nil {
		return fmt.Errorf("transport.max_buffer: %w", err)
	}
	c.Transport.MaxBufferRaw = maxBuf
	if c.Transport.LowBuffer == "" {
		c.Transport.LowBuffer = "2mb"
	}
	lowBuf, err := ParseByteSize(c.Transport.LowBuffer)
	if err != nil {
		return fmt.Errorf("transport.low_buffer: %w", err)
	}
	c.Transport.LowBufferRaw = lowBuf

	if c.Flow.ChunkSizeNominal == "" {
		c.Flow.ChunkSizeNominal = "256kb"
	}
	if c.Flow.ChunkSizeMin == "" {
		c.Flow.ChunkSizeMin = "128kb"
	}
	if c.Flow.ChunkSizeMax == "" {
		c.Flow.ChunkSizeMax = "1mb"
	}
	minSize, err := ParseByteSize(c.Flow.ChunkSizeMin)
	if err != nil {
		return fmt.Errorf("flow.chunk_size_min: %w", err)
	}
	maxSize, err := ParseByteSize(c.Flow.ChunkSizeMax)
	if err != nil {
		return fmt.Errorf("flow.chunk_size_max: %w", err)
	}
	if maxSize < minSize {
		return fmt.Errorf("flow.chunk_size_max (%d) must be >= flow.chunk_size_min (%d)", maxSize, minSize)
	}
	c.Flow.ChunkSizeMinRaw = minSize
	c.Flow.ChunkSizeMaxRaw = maxSize

	c.Logging.applyDefaults()
	c.Metrics.applyDefaults()
	c.Daemon.applyDefaults()

	return nil
}
