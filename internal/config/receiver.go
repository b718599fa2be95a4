package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ReceiverConfig is the complete configuration for dropwire-receive.
type ReceiverConfig struct {
	Signaling SignalingInfo   `yaml:"signaling"`
	Storage   StorageInfo     `yaml:"storage"`
	DiskGuard DiskGuardInfo   `yaml:"disk_guard"`
	Logging   LoggingInfo     `yaml:"logging"`
	Metrics   MetricsInfo     `yaml:"metrics"`
	Daemon    DaemonInfo      `yaml:"daemon"`
}

// StorageInfo configures the receiver's persistence: the bbolt chunk store
// and the directory completed files are emitted into.
type StorageInfo struct {
	ChunkStorePath string `yaml:"chunk_store_path"` // default: "./dropwire-chunks.db"
	DestDir        string `yaml:"dest_dir"`         // default: "./downloads"
}

// DiskGuardInfo configures the receiver's disk-free admission gate
// (supplemented feature; see DESIGN.md).
type DiskGuardInfo struct {
	Enabled      bool   `yaml:"enabled"`       // default true
	MinFreeBytes string `yaml:"min_free"`      // default "512mb"
	MinFreeRaw   int64  `yaml:"-"`
	CheckPath    string `yaml:"check_path"`    // defaults to storage.dest_dir
}

// LoadReceiverConfig reads and validates the receiver's YAML configuration file.
func LoadReceiverConfig(path string) (*ReceiverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading receiver config: %w", err)
	}
	var cfg ReceiverConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing receiver config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating receiver config: %w", err)
	}
	return &cfg, nil
}

func (c *ReceiverConfig) validate() error {
	if c.Signaling.URL == "" {
		return fmt.Errorf("signaling.url is required")
	}
	if c.Storage.ChunkStorePath == "" {
		c.Storage.ChunkStorePath = "./dropwire-chunks.db"
	}
	if c.Storage.DestDir == "" {
		c.Storage.DestDir = "./downloads"
	}

	if !c.DiskGuard.Enabled && c.DiskGuard.MinFreeBytes == "" {
		c.DiskGuard.Enabled = true
	}
	if c.DiskGuard.MinFreeBytes == "" {
		c.DiskGuard.MinFreeBytes = "512mb"
	}
	minFree, err := ParseByteSize(c.DiskGuard.MinFreeBytes)
	if err != nil {
		return fmt.Errorf("disk_guard.min_free: %w", err)
	}
	c.DiskGuard.MinFreeRaw = minFree
	if c.DiskGuard.CheckPath == "" {
		c.DiskGuard.CheckPath = c.Storage.DestDir
	}

	c.Logging.applyDefaults()
	c.Metrics.applyDefaults()
	c.Daemon.applyDefaults()

	return nil
}
