// Package config holds node-wide settings: the sync root, session
// code, listen ports, and the tunable thresholds handed to the mesh,
// bandwidth, and version components. Defaults mirror the teacher's
// defaultConfig() pattern; optional on-disk overrides are YAML,
// loaded before flag parsing so flags always win.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of node settings, assembled from defaults,
// an optional YAML file, and command-line flags, in that order of
// increasing precedence.
type Config struct {
	SessionCode string `yaml:"session_code"`
	SyncRoot    string `yaml:"sync_root"`
	StateDir    string `yaml:"state_dir"`

	ListenPort        int           `yaml:"listen_port"`
	DiscoveryPort     int           `yaml:"discovery_port"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`

	RemeshLatencyThresholdMS float64 `yaml:"remesh_latency_threshold_ms"`
	RemeshMinBandwidthMb     float64 `yaml:"remesh_min_bandwidth_mb"`

	BandwidthUploadBps   float64 `yaml:"bandwidth_upload_bps"`
	BandwidthDownloadBps float64 `yaml:"bandwidth_download_bps"`
	AdaptiveBandwidth    bool    `yaml:"adaptive_bandwidth"`

	MaxVersionsPerFile int           `yaml:"max_versions_per_file"`
	MaxVersionAge      time.Duration `yaml:"max_version_age"`

	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	LockTimeout         time.Duration `yaml:"lock_timeout"`

	Verbose bool `yaml:"verbose"`
}

// Default returns the built-in baseline, overridable by a config file
// and then by flags.
func Default() *Config {
	return &Config{
		SyncRoot:                 ".",
		StateDir:                 defaultStateDir(),
		ListenPort:               7420,
		DiscoveryPort:            8081,
		DiscoveryInterval:        30 * time.Second,
		RemeshLatencyThresholdMS: 100,
		RemeshMinBandwidthMb:     1,
		BandwidthUploadBps:       10 << 20,
		BandwidthDownloadBps:     20 << 20,
		AdaptiveBandwidth:        true,
		MaxVersionsPerFile:       10,
		MaxVersionAge:            30 * 24 * time.Hour,
		MaintenanceInterval:      10 * time.Second,
		LockTimeout:              5 * time.Second,
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sentinelfs"
	}
	return home + "/.sentinelfs"
}

// LoadFile reads a YAML config file and merges its fields onto cfg
// (zero-value fields in the file leave cfg's defaults untouched).
func LoadFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var overlay Config
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	mergeNonZero(cfg, &overlay)
	return nil
}

func mergeNonZero(dst, src *Config) {
	if src.SessionCode != "" {
		dst.SessionCode = src.SessionCode
	}
	if src.SyncRoot != "" {
		dst.SyncRoot = src.SyncRoot
	}
	if src.StateDir != "" {
		dst.StateDir = src.StateDir
	}
	if src.ListenPort != 0 {
		dst.ListenPort = src.ListenPort
	}
	if src.DiscoveryPort != 0 {
		dst.DiscoveryPort = src.DiscoveryPort
	}
	if src.DiscoveryInterval != 0 {
		dst.DiscoveryInterval = src.DiscoveryInterval
	}
	if src.RemeshLatencyThresholdMS != 0 {
		dst.RemeshLatencyThresholdMS = src.RemeshLatencyThresholdMS
	}
	if src.RemeshMinBandwidthMb != 0 {
		dst.RemeshMinBandwidthMb = src.RemeshMinBandwidthMb
	}
	if src.BandwidthUploadBps != 0 {
		dst.BandwidthUploadBps = src.BandwidthUploadBps
	}
	if src.BandwidthDownloadBps != 0 {
		dst.BandwidthDownloadBps = src.BandwidthDownloadBps
	}
	if src.MaxVersionsPerFile != 0 {
		dst.MaxVersionsPerFile = src.MaxVersionsPerFile
	}
	if src.MaxVersionAge != 0 {
		dst.MaxVersionAge = src.MaxVersionAge
	}
	if src.MaintenanceInterval != 0 {
		dst.MaintenanceInterval = src.MaintenanceInterval
	}
	if src.LockTimeout != 0 {
		dst.LockTimeout = src.LockTimeout
	}
	dst.AdaptiveBandwidth = dst.AdaptiveBandwidth || src.AdaptiveBandwidth
	dst.Verbose = dst.Verbose || src.Verbose
}

// Validate reports the same required-field checks the teacher's CLI
// parser enforces: a session code and a sync path are mandatory.
func (c *Config) Validate() error {
	if c.SessionCode == "" {
		return fmt.Errorf("config: session_code is required")
	}
	if c.SyncRoot == "" {
		return fmt.Errorf("config: sync_root is required")
	}
	return nil
}
