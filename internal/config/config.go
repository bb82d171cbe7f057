// SPDX-License-Identifier: MIT

// Package config loads daemon configuration with precedence ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete daemon configuration.
type Config struct {
	Listen        string `yaml:"listen"`
	DataDir       string `yaml:"dataDir"`
	RecordingsDir string `yaml:"recordingsDir"`
	HLSDir        string `yaml:"hlsDir"`

	StreamlinkBin string `yaml:"streamlinkBin"`
	FFmpegBin     string `yaml:"ffmpegBin"`

	LogLevel string `yaml:"logLevel"`

	// StopGrace is how long a terminated subprocess may linger before SIGKILL.
	StopGrace time.Duration `yaml:"stopGrace"`

	// MaxConcurrentRecordings bounds in-flight capture subprocesses.
	MaxConcurrentRecordings int `yaml:"maxConcurrentRecordings"`

	RateLimitRPS int `yaml:"rateLimitRPS"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Listen:                  ":8080",
		DataDir:                 "/data",
		RecordingsDir:           "/recordings",
		StreamlinkBin:           "streamlink",
		FFmpegBin:               "ffmpeg",
		LogLevel:                "info",
		StopGrace:               10 * time.Second,
		MaxConcurrentRecordings: 8,
		RateLimitRPS:            60,
	}
}

// Load builds the effective configuration. path may be empty (no config file).
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Listen = ParseString("RECORDER_LISTEN", cfg.Listen)
	cfg.DataDir = ParseString("RECORDER_DATA", cfg.DataDir)
	cfg.RecordingsDir = ParseString("RECORDER_RECORDINGS", cfg.RecordingsDir)
	cfg.HLSDir = ParseString("RECORDER_HLS_DIR", cfg.HLSDir)
	cfg.StreamlinkBin = ParseString("RECORDER_STREAMLINK_BIN", cfg.StreamlinkBin)
	cfg.FFmpegBin = ParseString("RECORDER_FFMPEG_BIN", cfg.FFmpegBin)
	cfg.LogLevel = ParseString("RECORDER_LOG_LEVEL", cfg.LogLevel)
	cfg.StopGrace = ParseDuration("RECORDER_STOP_GRACE", cfg.StopGrace)
	cfg.MaxConcurrentRecordings = ParseInt("RECORDER_MAX_RECORDINGS", cfg.MaxConcurrentRecordings)
	cfg.RateLimitRPS = ParseInt("RECORDER_RATE_LIMIT_RPS", cfg.RateLimitRPS)

	if cfg.HLSDir == "" {
		cfg.HLSDir = filepath.Join(cfg.DataDir, "hls")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("dataDir must not be empty")
	}
	if c.RecordingsDir == "" {
		return fmt.Errorf("recordingsDir must not be empty")
	}
	if c.MaxConcurrentRecordings < 1 {
		return fmt.Errorf("maxConcurrentRecordings must be >= 1, got %d", c.MaxConcurrentRecordings)
	}
	if c.StopGrace <= 0 {
		return fmt.Errorf("stopGrace must be positive, got %s", c.StopGrace)
	}
	return nil
}
