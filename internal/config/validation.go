package config

import (
	"fmt"
	"math"
)

// Validate checks invariants of a resolved configuration.
func Validate(cfg AppConfig) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if cfg.TargetSize <= 0 {
		return fmt.Errorf("target size must be positive (got %d)", cfg.TargetSize)
	}
	if cfg.MinImageSize <= 0 {
		return fmt.Errorf("min image size must be positive (got %d)", cfg.MinImageSize)
	}
	if cfg.MaxBoxesPerImage <= 0 {
		return fmt.Errorf("max boxes per image must be positive (got %d)", cfg.MaxBoxesPerImage)
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be at least 1 (got %d)", cfg.Workers)
	}
	if cfg.ImagesPerSecond < 0 {
		return fmt.Errorf("images per second must not be negative")
	}
	if cfg.MinBalanceScore < 0 || cfg.MinBalanceScore > 1 {
		return fmt.Errorf("min balance score must be within [0, 1] (got %g)", cfg.MinBalanceScore)
	}

	for _, r := range []struct {
		name string
		v    float64
	}{
		{"train_ratio", cfg.TrainRatio},
		{"val_ratio", cfg.ValRatio},
		{"test_ratio", cfg.TestRatio},
	} {
		if r.v < 0 || r.v > 1 {
			return fmt.Errorf("%s must be within [0, 1] (got %g)", r.name, r.v)
		}
	}
	sum := cfg.TrainRatio + cfg.ValRatio + cfg.TestRatio
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("split ratios must sum to 1 (got %g)", sum)
	}
	if cfg.TrainRatio == 0 {
		return fmt.Errorf("train ratio must not be zero")
	}

	if _, ok := cfg.Profiles[cfg.Profile]; !ok {
		return fmt.Errorf("unknown profile %q", cfg.Profile)
	}
	for name, p := range cfg.Profiles {
		if err := ValidateProfile(name, p); err != nil {
			return err
		}
	}

	if cfg.APIRequestsPerMinute <= 0 {
		return fmt.Errorf("api requests per minute must be positive (got %d)", cfg.APIRequestsPerMinute)
	}
	if cfg.WatchSettle <= 0 {
		return fmt.Errorf("watch settle must be positive (got %s)", cfg.WatchSettle)
	}
	return nil
}
