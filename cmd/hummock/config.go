// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/compression"
)

// duration is a time.Duration decoded from strings such as "250ms".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type barrierConfig struct {
	CheckpointInterval      duration `toml:"checkpoint_interval"`
	InFlightBarriers        int      `toml:"in_flight_barriers"`
	DisableRecovery         bool     `toml:"disable_recovery"`
	RecoveryInitialInterval duration `toml:"recovery_initial_interval"`
	RecoveryMaxInterval     duration `toml:"recovery_max_interval"`
}

type storeConfig struct {
	SharedBufferCapacity       uint64  `toml:"shared_buffer_capacity"`
	SharedBufferFlushThreshold float64 `toml:"shared_buffer_flush_threshold"`
	UploadConcurrency          int     `toml:"upload_concurrency"`
	UploadBytesPerSec          uint64  `toml:"upload_bytes_per_sec"`
	BlockSize                  int     `toml:"block_size"`
	TargetFileSize             uint64  `toml:"target_file_size"`
	Compression                string  `toml:"compression"`
}

type sourceConfig struct {
	Splits       int      `toml:"splits"`
	TickInterval duration `toml:"tick_interval"`
}

// config is the TOML configuration of a playground cluster.
type config struct {
	// MetaDir holds the Pebble meta-store. Empty keeps meta data in memory.
	MetaDir string `toml:"meta_dir"`
	// ObjectDir holds the uploaded tables. Empty keeps them in memory.
	ObjectDir    string `toml:"object_dir"`
	ComputeNodes int    `toml:"compute_nodes"`
	// Transport is "local" or "grpc".
	Transport string        `toml:"transport"`
	Tables    int           `toml:"tables"`
	Duration  duration      `toml:"duration"`
	Barrier   barrierConfig `toml:"barrier"`
	Store     storeConfig   `toml:"store"`
	Source    sourceConfig  `toml:"source"`
}

func defaultConfig() config {
	return config{
		ComputeNodes: 3,
		Transport:    "local",
		Tables:       2,
		Duration:     duration{10 * time.Second},
		Store:        storeConfig{Compression: "Snappy"},
		Source:       sourceConfig{Splits: 4, TickInterval: duration{time.Second}},
	}
}

// loadConfig reads the file at path over the defaults. An empty path
// returns the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return config{}, errors.Wrapf(err, "reading config %q", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return config{}, errors.Newf("config %q: unknown keys %v", path, undecoded)
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	if c.ComputeNodes <= 0 {
		return errors.Newf("compute_nodes must be positive, got %d", c.ComputeNodes)
	}
	if c.Tables < 0 {
		return errors.Newf("tables must not be negative, got %d", c.Tables)
	}
	if c.Source.TickInterval.Duration <= 0 {
		return errors.Newf("source tick_interval must be positive, got %s", c.Source.TickInterval.Duration)
	}
	switch c.Transport {
	case "local", "grpc":
	default:
		return errors.Newf("unknown transport %q", c.Transport)
	}
	if _, err := compression.ParseAlgorithm(c.Store.Compression); err != nil {
		return err
	}
	return nil
}
