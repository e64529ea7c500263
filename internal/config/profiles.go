package config

import "fmt"

// Sampling strategies.
const (
	StrategyBalanced = "balanced"
	StrategyQuality  = "quality"
	StrategyRandom   = "random"
)

// Profile is a named sampling configuration for carving a working dataset out
// of the raw corpus.
type Profile struct {
	TrainSize   int    `yaml:"train_size" json:"train_size"`
	TestSize    int    `yaml:"test_size" json:"test_size"`
	Strategy    string `yaml:"strategy" json:"strategy"`
	OutputDir   string `yaml:"output_dir" json:"output_dir"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// builtinProfiles mirror the team's standard dataset sizes.
func builtinProfiles() map[string]Profile {
	return map[string]Profile{
		"prototype": {
			TrainSize: 50, TestSize: 25, Strategy: StrategyRandom,
			OutputDir:   "prototype_data",
			Description: "very fast prototype runs",
		},
		"development": {
			TrainSize: 150, TestSize: 75, Strategy: StrategyBalanced,
			OutputDir:   "dev_data",
			Description: "development and debugging",
		},
		"experiment": {
			TrainSize: 300, TestSize: 150, Strategy: StrategyQuality,
			OutputDir:   "exp_data",
			Description: "model experiments and hyperparameter tuning",
		},
		"validation": {
			TrainSize: 500, TestSize: 250, Strategy: StrategyBalanced,
			OutputDir:   "val_data",
			Description: "model performance validation",
		},
		"demo": {
			TrainSize: 100, TestSize: 50, Strategy: StrategyQuality,
			OutputDir:   "demo_data",
			Description: "high quality samples for demos",
		},
		"analysis": {
			TrainSize: 200, TestSize: 100, Strategy: StrategyBalanced,
			OutputDir:   "analysis_data",
			Description: "data analysis and visualization",
		},
	}
}

// ProfileFor resolves a profile by name from the merged set.
func (c AppConfig) ProfileFor(name string) (Profile, error) {
	p, ok := c.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q", name)
	}
	return p, nil
}

// RecommendedProfile maps an intended purpose to a profile name.
func RecommendedProfile(purpose string) string {
	switch purpose {
	case "quick_test":
		return "prototype"
	case "production":
		return "validation"
	case "development", "experiment", "demo", "analysis":
		return purpose
	default:
		return "development"
	}
}

// ValidateProfile checks a profile's invariants.
func ValidateProfile(name string, p Profile) error {
	if p.TrainSize <= 0 || p.TestSize <= 0 {
		return fmt.Errorf("profile %q: train_size and test_size must be positive", name)
	}
	switch p.Strategy {
	case StrategyBalanced, StrategyQuality, StrategyRandom:
	default:
		return fmt.Errorf("profile %q: unknown strategy %q", name, p.Strategy)
	}
	if p.OutputDir == "" {
		return fmt.Errorf("profile %q: output_dir is required", name)
	}
	return nil
}
