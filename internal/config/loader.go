package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidClassifierNames lists the classifier implementations that ship with
// Callwarden. Used by [Validate] to warn about unrecognised names.
var ValidClassifierNames = []string{"scamdetect", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Analysis
	if cfg.Analysis.SegmentLength <= 0 {
		errs = append(errs, fmt.Errorf("analysis.segment_length must be positive, got %v", cfg.Analysis.SegmentLength))
	}
	if cfg.Analysis.ScamThreshold < 0 || cfg.Analysis.ScamThreshold > 1 {
		errs = append(errs, fmt.Errorf("analysis.scam_threshold must be within [0, 1], got %v", cfg.Analysis.ScamThreshold))
	}
	if cfg.Analysis.DispatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("analysis.dispatch_timeout must be positive, got %v", cfg.Analysis.DispatchTimeout))
	}
	if cfg.Analysis.PacingFactor < 0 {
		errs = append(errs, fmt.Errorf("analysis.pacing_factor must not be negative, got %v", cfg.Analysis.PacingFactor))
	}
	if cfg.Analysis.MaxInflight < 0 {
		errs = append(errs, fmt.Errorf("analysis.max_inflight must not be negative, got %d", cfg.Analysis.MaxInflight))
	}

	// Crypto
	if cfg.Crypto.Secret == "" {
		errs = append(errs, errors.New("crypto.secret is required"))
	}
	if cfg.Crypto.KDFIterations < 0 {
		errs = append(errs, fmt.Errorf("crypto.kdf_iterations must not be negative, got %d", cfg.Crypto.KDFIterations))
	}

	// Classifier
	if cfg.Classifier.Name == "" {
		errs = append(errs, errors.New("classifier.name is required"))
	} else if !slices.Contains(ValidClassifierNames, cfg.Classifier.Name) {
		slog.Warn("unknown classifier name; built-in implementations will not match",
			"name", cfg.Classifier.Name,
			"known", ValidClassifierNames,
		)
	}
	if cfg.Classifier.Name == "scamdetect" && cfg.Classifier.APIKey == "" {
		errs = append(errs, errors.New("classifier.api_key is required for the scamdetect classifier"))
	}

	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; session results will not be persisted")
	}

	return errors.Join(errs...)
}
