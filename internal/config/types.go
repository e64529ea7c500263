package config

import "time"

// AppConfig is the fully resolved runtime configuration.
type AppConfig struct {
	// DataDir is the root for all datasets and artifacts.
	DataDir string

	// Profile selects the sampling profile for full pipeline runs.
	Profile string

	// TargetSize is the square training resolution images are letterboxed to.
	TargetSize int

	// Split ratios for the final dataset. Must sum to 1.
	TrainRatio float64
	ValRatio   float64
	TestRatio  float64

	// MinImageSize rejects images below this edge length during validation.
	MinImageSize int

	// MaxBoxesPerImage flags images with more labeled pills than the corpus
	// guarantees (four).
	MaxBoxesPerImage int

	// MinBalanceScore is the class balance gate applied after analysis.
	MinBalanceScore float64

	// Workers bounds the preprocessing worker pool.
	Workers int

	// ImagesPerSecond throttles image IO; 0 disables the limiter.
	ImagesPerSecond float64

	// PackageName is the base name of the delivery archive.
	PackageName string

	// StoreDir holds the badger run store.
	StoreDir string

	// CatalogPath is the sqlite dataset catalog file.
	CatalogPath string

	// ListenAddr is the HTTP API bind address for serve mode.
	ListenAddr string

	// APIRequestsPerMinute is the per-client API rate limit.
	APIRequestsPerMinute int

	// WatchDir is the inbox watched in watch mode; empty disables watching.
	WatchDir string

	// WatchSettle is the quiescence delay after the last inbox event before a
	// run is triggered.
	WatchSettle time.Duration

	LogLevel   string
	LogPretty  bool
	LogService string
	Version    string

	// Profiles holds the merged sampling profiles (builtin + file-defined).
	Profiles map[string]Profile
}

// FileConfig is the YAML configuration file schema. Pointer fields
// distinguish "absent" from zero values during merge.
type FileConfig struct {
	DataDir              *string            `yaml:"data_dir"`
	Profile              *string            `yaml:"profile"`
	TargetSize           *int               `yaml:"target_size"`
	TrainRatio           *float64           `yaml:"train_ratio"`
	ValRatio             *float64           `yaml:"val_ratio"`
	TestRatio            *float64           `yaml:"test_ratio"`
	MinImageSize         *int               `yaml:"min_image_size"`
	MaxBoxesPerImage     *int               `yaml:"max_boxes_per_image"`
	MinBalanceScore      *float64           `yaml:"min_balance_score"`
	Workers              *int               `yaml:"workers"`
	ImagesPerSecond      *float64           `yaml:"images_per_second"`
	PackageName          *string            `yaml:"package_name"`
	StoreDir             *string            `yaml:"store_dir"`
	CatalogPath          *string            `yaml:"catalog_path"`
	ListenAddr           *string            `yaml:"listen"`
	APIRequestsPerMinute *int               `yaml:"api_requests_per_minute"`
	WatchDir             *string            `yaml:"watch_dir"`
	WatchSettle          *string            `yaml:"watch_settle"`
	LogLevel             *string            `yaml:"log_level"`
	LogPretty            *bool              `yaml:"log_pretty"`
	LogService           *string            `yaml:"log_service"`
	Profiles             map[string]Profile `yaml:"profiles"`
}
