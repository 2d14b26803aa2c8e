// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package blobfsd

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blobfsd.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadParsesAllFields(t *testing.T) {
	path := writeConfig(t, `
device: /var/lib/blobfs/blob.img
device_size: 1073741824
inode_count: 4096
mountpoint: /mnt/blobfs
read_only: false
no_journal: false
metrics: true
evict_on_close: true
allow_other: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device != "/var/lib/blobfs/blob.img" || cfg.DeviceSize != 1073741824 ||
		cfg.InodeCount != 4096 || cfg.Mountpoint != "/mnt/blobfs" ||
		!cfg.Metrics || !cfg.EvictOnClose || !cfg.AllowOther {
		t.Fatalf("Load produced %+v", cfg)
	}
}

func TestLoadRequiresDevice(t *testing.T) {
	path := writeConfig(t, `mountpoint: /mnt/blobfs`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load without a device field: want error")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load of a nonexistent file: want error")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "device: [unterminated")
	if _, err := Load(path); err == nil {
		t.Fatal("Load of malformed YAML: want error")
	}
}
