package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader resolves configuration with precedence: ENV > file > defaults.
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a configuration loader. configPath may be empty.
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load resolves the configuration: defaults first, then the config file (if
// any, strictly decoded), then environment overrides, then validation.
func (l *Loader) Load() (AppConfig, error) {
	cfg := defaults(l.version)

	if l.configPath != "" {
		fileCfg, err := loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		mergeFile(&cfg, fileCfg)
	}

	mergeEnv(&cfg)

	// DataDir must be absolute before any path is derived from it.
	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	if cfg.StoreDir == "" {
		cfg.StoreDir = filepath.Join(cfg.DataDir, "runstore")
	}
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = filepath.Join(cfg.DataDir, "catalog.db")
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func defaults(version string) AppConfig {
	return AppConfig{
		DataDir:              "./data",
		Profile:              "development",
		TargetSize:           1280,
		TrainRatio:           0.8,
		ValRatio:             0.1,
		TestRatio:            0.1,
		MinImageSize:         100,
		MaxBoxesPerImage:     4,
		MinBalanceScore:      0.5,
		Workers:              4,
		PackageName:          "pill_dataset",
		ListenAddr:           ":8080",
		APIRequestsPerMinute: 60,
		WatchSettle:          2 * time.Second,
		LogLevel:             "info",
		LogService:           "pillpipe",
		Version:              version,
		Profiles:             builtinProfiles(),
	}
}

func loadFile(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

func mergeFile(cfg *AppConfig, fc FileConfig) {
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.Profile, fc.Profile)
	setInt(&cfg.TargetSize, fc.TargetSize)
	setFloat(&cfg.TrainRatio, fc.TrainRatio)
	setFloat(&cfg.ValRatio, fc.ValRatio)
	setFloat(&cfg.TestRatio, fc.TestRatio)
	setInt(&cfg.MinImageSize, fc.MinImageSize)
	setInt(&cfg.MaxBoxesPerImage, fc.MaxBoxesPerImage)
	setFloat(&cfg.MinBalanceScore, fc.MinBalanceScore)
	setInt(&cfg.Workers, fc.Workers)
	setFloat(&cfg.ImagesPerSecond, fc.ImagesPerSecond)
	setString(&cfg.PackageName, fc.PackageName)
	setString(&cfg.StoreDir, fc.StoreDir)
	setString(&cfg.CatalogPath, fc.CatalogPath)
	setString(&cfg.ListenAddr, fc.ListenAddr)
	setInt(&cfg.APIRequestsPerMinute, fc.APIRequestsPerMinute)
	setString(&cfg.WatchDir, fc.WatchDir)
	setString(&cfg.LogLevel, fc.LogLevel)
	if fc.LogPretty != nil {
		cfg.LogPretty = *fc.LogPretty
	}
	setString(&cfg.LogService, fc.LogService)

	if fc.WatchSettle != nil {
		if d, err := time.ParseDuration(*fc.WatchSettle); err == nil {
			cfg.WatchSettle = d
		}
	}
	for name, p := range fc.Profiles {
		cfg.Profiles[name] = p
	}
}

func mergeEnv(cfg *AppConfig) {
	cfg.DataDir = ParseString("PILLPIPE_DATA", cfg.DataDir)
	cfg.Profile = ParseString("PILLPIPE_PROFILE", cfg.Profile)
	cfg.TargetSize = ParseInt("PILLPIPE_TARGET_SIZE", cfg.TargetSize)
	cfg.TrainRatio = ParseFloat("PILLPIPE_TRAIN_RATIO", cfg.TrainRatio)
	cfg.ValRatio = ParseFloat("PILLPIPE_VAL_RATIO", cfg.ValRatio)
	cfg.TestRatio = ParseFloat("PILLPIPE_TEST_RATIO", cfg.TestRatio)
	cfg.MinImageSize = ParseInt("PILLPIPE_MIN_IMAGE_SIZE", cfg.MinImageSize)
	cfg.MaxBoxesPerImage = ParseInt("PILLPIPE_MAX_BOXES", cfg.MaxBoxesPerImage)
	cfg.MinBalanceScore = ParseFloat("PILLPIPE_MIN_BALANCE", cfg.MinBalanceScore)
	cfg.Workers = ParseInt("PILLPIPE_WORKERS", cfg.Workers)
	cfg.ImagesPerSecond = ParseFloat("PILLPIPE_IMAGES_PER_SECOND", cfg.ImagesPerSecond)
	cfg.PackageName = ParseString("PILLPIPE_PACKAGE_NAME", cfg.PackageName)
	cfg.StoreDir = ParseString("PILLPIPE_STORE_DIR", cfg.StoreDir)
	cfg.CatalogPath = ParseString("PILLPIPE_CATALOG", cfg.CatalogPath)
	cfg.ListenAddr = ParseString("PILLPIPE_LISTEN", cfg.ListenAddr)
	cfg.APIRequestsPerMinute = ParseInt("PILLPIPE_API_RPM", cfg.APIRequestsPerMinute)
	cfg.WatchDir = ParseString("PILLPIPE_WATCH_DIR", cfg.WatchDir)
	cfg.WatchSettle = ParseDuration("PILLPIPE_WATCH_SETTLE", cfg.WatchSettle)
	cfg.LogLevel = ParseString("PILLPIPE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = ParseBool("PILLPIPE_LOG_PRETTY", cfg.LogPretty)
	cfg.LogService = ParseString("PILLPIPE_LOG_SERVICE", cfg.LogService)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}
