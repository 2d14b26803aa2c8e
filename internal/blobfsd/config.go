// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package blobfsd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the mount configuration for a blobfsd process, loaded from a
// single YAML file. Unlike the teacher's multi-environment config.Config,
// blobfs has exactly one deployment shape — a mounted device — so this
// is a flat struct with no per-environment override sections.
type Config struct {
	// Device is the path to the backing block device file.
	Device string `yaml:"device"`

	// DeviceSize is the size in bytes to create Device at if it does
	// not already exist. Ignored if Device exists.
	DeviceSize int64 `yaml:"device_size"`

	// InodeCount is the number of inode records to format a new
	// device with. Ignored if Device exists.
	InodeCount uint64 `yaml:"inode_count"`

	// Mountpoint is the FUSE mount directory. Empty disables the FUSE
	// frontend; the daemon still replays and serves the volume for
	// programmatic (non-POSIX) callers in that case.
	Mountpoint string `yaml:"mountpoint"`

	// ReadOnly mounts the volume without a writeback queue or journal
	// replay-then-write path.
	ReadOnly bool `yaml:"read_only"`

	// NoJournal disables journaling, sacrificing crash-consistency for
	// throughput.
	NoJournal bool `yaml:"no_journal"`

	// Metrics enables the counters/histograms collector.
	Metrics bool `yaml:"metrics"`

	// EvictOnClose tears down a blob's mapped buffer as soon as its
	// last handle closes, trading reopen latency for memory.
	EvictOnClose bool `yaml:"evict_on_close"`

	// AllowOther permits other users to access the FUSE mount.
	AllowOther bool `yaml:"allow_other"`
}

// Load reads and parses a Config from the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("blobfsd: reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("blobfsd: parsing config %s: %w", path, err)
	}
	if cfg.Device == "" {
		return Config{}, fmt.Errorf("blobfsd: config %s: device is required", path)
	}
	return cfg, nil
}
