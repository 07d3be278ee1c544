package sim

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the kernel tunables. Zero values are not meaningful; start
// from DefaultConfig.
type Config struct {
	Seed int64 `yaml:"seed"`
	// FollowingDistanceM is the minimum gap between a leader's back and its
	// follower's front on the same lane or turn.
	FollowingDistanceM float64 `yaml:"following_distance_m"`
	// RetryDelayMs is how long a denied or blocked agent waits before polling again.
	RetryDelayMs int64 `yaml:"retry_delay_ms"`
	// ParkingSearchRadiusM bounds the search for an alternative parking spot.
	ParkingSearchRadiusM float64 `yaml:"parking_search_radius_m"`
	WalkSpeedMps         float64 `yaml:"walk_speed_mps"`
	// WalkSpeedJitter is the maximum relative deviation of a pedestrian's speed.
	WalkSpeedJitter float64 `yaml:"walk_speed_jitter"`
	// CheckInvariants re-verifies every invariant after each command.
	CheckInvariants bool `yaml:"check_invariants"`
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		Seed:                 42,
		FollowingDistanceM:   1.0,
		RetryDelayMs:         500,
		ParkingSearchRadiusM: 300,
		WalkSpeedMps:         1.34,
		WalkSpeedJitter:      0.15,
	}
}

// RetryDelay as a Duration.
func (c Config) RetryDelay() Duration { return Duration(c.RetryDelayMs) }

// LoadConfig reads a YAML config file over DefaultConfig. Unknown keys are
// rejected so typos cannot silently fall back to defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate checks every field is in range.
func (c Config) Validate() error {
	if err := validateFinite("following_distance_m", c.FollowingDistanceM); err != nil {
		return err
	}
	if c.FollowingDistanceM < 0 {
		return fmt.Errorf("following_distance_m must be non-negative, got %f", c.FollowingDistanceM)
	}
	if c.RetryDelayMs <= 0 {
		return fmt.Errorf("retry_delay_ms must be positive, got %d", c.RetryDelayMs)
	}
	if err := validateFinite("parking_search_radius_m", c.ParkingSearchRadiusM); err != nil {
		return err
	}
	if c.ParkingSearchRadiusM < 0 {
		return fmt.Errorf("parking_search_radius_m must be non-negative, got %f", c.ParkingSearchRadiusM)
	}
	if err := validateFinite("walk_speed_mps", c.WalkSpeedMps); err != nil {
		return err
	}
	if c.WalkSpeedMps <= 0 {
		return fmt.Errorf("walk_speed_mps must be positive, got %f", c.WalkSpeedMps)
	}
	if c.WalkSpeedJitter < 0 || c.WalkSpeedJitter >= 1 {
		return fmt.Errorf("walk_speed_jitter must be in [0, 1), got %f", c.WalkSpeedJitter)
	}
	return nil
}

func validateFinite(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be a finite number, got %f", name, v)
	}
	return nil
}
