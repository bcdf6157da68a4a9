// Package config provides the configuration schema and loader for the
// Callwarden scam-call analysis server.
package config

import "time"

// LogLevel controls log verbosity for the Callwarden server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Callwarden.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Crypto     CryptoConfig     `yaml:"crypto"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Storage    StorageConfig    `yaml:"storage"`
}

// ServerConfig holds network and logging settings for the Callwarden server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AnalysisConfig tunes the per-session segmentation and dispatch pipeline.
type AnalysisConfig struct {
	// SegmentLength is the fixed duration of each audio segment cut from the
	// source recording. Must be positive.
	SegmentLength time.Duration `yaml:"segment_length"`

	// ScamThreshold is the probability at or above which a segment (and the
	// whole session) is flagged as a scam. Must be within [0, 1].
	ScamThreshold float64 `yaml:"scam_threshold"`

	// DispatchTimeout bounds each individual segment classification call.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	// PacingFactor scales the inter-segment scheduling delay. 1.0 mirrors
	// real-time playback, 0 emits segments back to back (reprocessing mode).
	PacingFactor float64 `yaml:"pacing_factor"`

	// MaxInflight caps concurrent in-flight classification calls across all
	// sessions. 0 means no cap.
	MaxInflight int `yaml:"max_inflight"`

	// Breaker configures the circuit breaker guarding the classification
	// service.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker tuning knobs. Zero values select the
// defaults documented in the resilience package.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// CryptoConfig holds the segment-sealing secret and key derivation settings.
type CryptoConfig struct {
	// Secret is the shared secret that per-session sealing keys are derived
	// from. Required.
	Secret string `yaml:"secret"`

	// KDFIterations is the PBKDF2 iteration count. 0 selects the envelope
	// package default. Values below the default are rejected in production
	// configs to keep brute-forcing a captured salt expensive.
	KDFIterations int `yaml:"kdf_iterations"`
}

// ClassifierConfig selects and configures the classification service client.
type ClassifierConfig struct {
	// Name selects the classifier implementation ("scamdetect" or "mock").
	Name string `yaml:"name"`

	// APIKey authenticates against the classification service.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the classifier's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the service, if supported.
	Model string `yaml:"model"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// PostgresDSN is the connection string for the session store. When empty
	// the server runs without persistence (results are only available while
	// the process lives).
	PostgresDSN string `yaml:"postgres_dsn"`

	// AssetRoot is the directory recordings are resolved against. Defaults
	// to the working directory.
	AssetRoot string `yaml:"asset_root"`
}

// Default returns a Config populated with production defaults. Loading a file
// overrides these field by field.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Analysis: AnalysisConfig{
			SegmentLength:   10 * time.Second,
			ScamThreshold:   0.8,
			DispatchTimeout: 30 * time.Second,
			PacingFactor:    1.0,
			MaxInflight:     64,
		},
		Storage: StorageConfig{
			AssetRoot: ".",
		},
	}
}
