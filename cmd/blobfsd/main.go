// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Command blobfsd mounts a blobfs volume against a backing device file,
// replays its journal, and optionally exposes it through a FUSE
// mountpoint. It is grounded on cmd/bureau-artifact-service/main.go's
// shape (flag-parsed entrypoint, early logger construction, signal-driven
// shutdown, LIFO-ordered defers) trimmed to blobfs's single deployment
// shape: one device, one mount.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/blobfsd/blobfs/blobfs"
	"github.com/blobfsd/blobfs/fuse"
	"github.com/blobfsd/blobfs/internal/blobfsd"
	"github.com/blobfsd/blobfs/internal/device"
	"github.com/blobfsd/blobfs/internal/inode"
	"github.com/blobfsd/blobfs/internal/superblock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var debug bool
	flag.StringVar(&configPath, "config", "", "path to the blobfsd YAML mount configuration (required)")
	flag.BoolVar(&debug, "debug", false, "enable debug-level (per-block trace) logging")
	flag.Parse()

	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	logger := blobfsd.NewLogger(debug)

	cfg, err := blobfsd.Load(configPath)
	if err != nil {
		return err
	}

	dev, freshlyCreated, err := openOrCreateDevice(cfg)
	if err != nil {
		return fmt.Errorf("opening device: %w", err)
	}
	defer dev.Close()

	if freshlyCreated {
		totalBlocks := uint64(cfg.DeviceSize / superblock.BlockSize)
		inodeCount := cfg.InodeCount
		if inodeCount == 0 {
			inodeCount = defaultInodeCount(totalBlocks)
		}
		dataBlocks := planDataBlocks(totalBlocks, inodeCount)
		if dataBlocks == 0 {
			return fmt.Errorf("device of %d blocks too small for %d inode records plus metadata overhead", totalBlocks, inodeCount)
		}
		if _, err := superblock.Format(dev, totalBlocks, dataBlocks, inodeCount); err != nil {
			return fmt.Errorf("formatting device: %w", err)
		}
		logger.Info("formatted new blobfs device", "device", cfg.Device, "data_blocks", dataBlocks, "inode_count", inodeCount)
	}

	cachePolicy := blobfs.EvictImmediately
	if !cfg.EvictOnClose {
		cachePolicy = blobfs.NeverEvict
	}

	fs, err := blobfs.Mount(dev, nil, blobfs.MountOptions{
		ReadOnly:    cfg.ReadOnly,
		NoJournal:   cfg.NoJournal,
		Metrics:     cfg.Metrics,
		CachePolicy: cachePolicy,
	})
	if err != nil {
		return fmt.Errorf("mounting blobfs volume: %w", err)
	}
	defer func() {
		if err := fs.Unmount(); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	}()

	logger.Info("blobfs volume mounted",
		"device", cfg.Device,
		"read_only", cfg.ReadOnly,
		"blobs", len(fs.Readdir()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Mountpoint != "" {
		fuseServer, err := fuse.Mount(fuse.Options{
			Mountpoint: cfg.Mountpoint,
			FS:         fs,
			AllowOther: cfg.AllowOther,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("mounting FUSE frontend: %w", err)
		}
		// LIFO: the FUSE mount unmounts before the underlying volume,
		// so no request can reach a torn-down Filesystem.
		defer func() {
			if err := fuseServer.Unmount(); err != nil {
				logger.Error("FUSE unmount failed", "error", err)
			} else {
				logger.Info("FUSE filesystem unmounted", "mountpoint", cfg.Mountpoint)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// openOrCreateDevice opens cfg.Device, reporting whether the underlying
// file did not previously exist (and was therefore created at
// cfg.DeviceSize, needing a fresh Format before Mount).
func openOrCreateDevice(cfg blobfsd.Config) (dev *device.Device, freshlyCreated bool, err error) {
	_, statErr := os.Stat(cfg.Device)
	freshlyCreated = os.IsNotExist(statErr)
	if freshlyCreated && cfg.DeviceSize <= 0 {
		return nil, false, fmt.Errorf("device_size must be positive to create a new device at %s", cfg.Device)
	}

	size := cfg.DeviceSize
	if !freshlyCreated {
		info, err := os.Stat(cfg.Device)
		if err != nil {
			return nil, false, err
		}
		size = info.Size()
	}

	dev, err = device.New(cfg.Device, size)
	if err != nil {
		return nil, false, err
	}
	return dev, freshlyCreated, nil
}

// defaultInodeCount picks a reasonable node-table size for a freshly
// formatted volume when the config doesn't specify one: one inode per
// 32 KiB of raw device, which comfortably covers small-blob-heavy
// workloads without wasting more than a fraction of a percent of the
// device on the node table.
func defaultInodeCount(totalBlocks uint64) uint64 {
	const blocksPerInode = 4 // 32 KiB / 8 KiB block size
	count := totalBlocks / blocksPerInode
	if count < 64 {
		count = 64
	}
	return count
}

// planDataBlocks derives how many blocks can be given to blob data on a
// totalBlocks device once the superblock, block bitmap, node map, and
// journal regions are reserved, refining the block-bitmap estimate once
// against its own (weak) dependence on the data region size.
func planDataBlocks(totalBlocks, inodeCount uint64) uint64 {
	nodeMapBlocks := (inodeCount*uint64(inode.RecordSize) + superblock.BlockSize - 1) / superblock.BlockSize
	overhead := uint64(1) + nodeMapBlocks + superblock.DefaultJournalBlocks
	if overhead >= totalBlocks {
		return 0
	}
	remaining := totalBlocks - overhead
	blockMapBlocks := (remaining + 8*superblock.BlockSize - 1) / (8 * superblock.BlockSize)
	if blockMapBlocks >= remaining {
		return 0
	}
	return remaining - blockMapBlocks
}
