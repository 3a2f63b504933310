// Package config loads and saves the engine configuration from
// ~/.souqtalk/config.toml.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full engine configuration.
type Config struct {
	DefaultSession string `toml:"default_session"`
	SelfID         string `toml:"self_id"`

	Engine EngineConfig `toml:"engine"`
	Redis  RedisConfig  `toml:"redis"`
	Minio  MinioConfig  `toml:"minio"`
}

// EngineConfig tunes timer- and retry-driven behavior.
type EngineConfig struct {
	TypingDebounceMs   int `toml:"typing_debounce_ms"`
	TypingPreviewRunes int `toml:"typing_preview_runes"`
	PresenceStaleSecs  int `toml:"presence_stale_secs"`
	UploadAttempts     int `toml:"upload_attempts"`
	UploadBackoffMs    int `toml:"upload_backoff_ms"`
	CommitAttempts     int `toml:"commit_attempts"`
	NetworkTimeoutSecs int `toml:"network_timeout_secs"`
	SnapshotBuffer     int `toml:"snapshot_buffer"`
}

// RedisConfig locates the realtime document store.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// MinioConfig locates the blob store.
type MinioConfig struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Engine: EngineConfig{
			TypingDebounceMs:   300,
			TypingPreviewRunes: 30,
			PresenceStaleSecs:  60,
			UploadAttempts:     3,
			UploadBackoffMs:    1000,
			CommitAttempts:     3,
			NetworkTimeoutSecs: 30,
			SnapshotBuffer:     64,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Minio: MinioConfig{Endpoint: "localhost:9000", Bucket: "souqtalk-media"},
	}
}

// TypingDebounce returns the typing debounce window.
func (e EngineConfig) TypingDebounce() time.Duration {
	return time.Duration(e.TypingDebounceMs) * time.Millisecond
}

// PresenceStale returns the presence staleness timeout.
func (e EngineConfig) PresenceStale() time.Duration {
	return time.Duration(e.PresenceStaleSecs) * time.Second
}

// UploadBackoff returns the initial upload retry delay.
func (e EngineConfig) UploadBackoff() time.Duration {
	return time.Duration(e.UploadBackoffMs) * time.Millisecond
}

// NetworkTimeout returns the bound applied to remote operations.
func (e EngineConfig) NetworkTimeout() time.Duration {
	return time.Duration(e.NetworkTimeoutSecs) * time.Second
}

// Load reads config from path, filling unset engine values with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// Save writes config to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// fillDefaults replaces zero values that would disable timers or retries.
func (c *Config) fillDefaults() {
	def := Default().Engine
	e := &c.Engine
	if e.TypingDebounceMs <= 0 {
		e.TypingDebounceMs = def.TypingDebounceMs
	}
	if e.TypingPreviewRunes <= 0 {
		e.TypingPreviewRunes = def.TypingPreviewRunes
	}
	if e.PresenceStaleSecs <= 0 {
		e.PresenceStaleSecs = def.PresenceStaleSecs
	}
	if e.UploadAttempts <= 0 {
		e.UploadAttempts = def.UploadAttempts
	}
	if e.UploadBackoffMs <= 0 {
		e.UploadBackoffMs = def.UploadBackoffMs
	}
	if e.CommitAttempts <= 0 {
		e.CommitAttempts = def.CommitAttempts
	}
	if e.NetworkTimeoutSecs <= 0 {
		e.NetworkTimeoutSecs = def.NetworkTimeoutSecs
	}
	if e.SnapshotBuffer <= 0 {
		e.SnapshotBuffer = def.SnapshotBuffer
	}
}
