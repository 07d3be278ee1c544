package sim

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 500*Millisecond, cfg.RetryDelay())
	assert.False(t, cfg.CheckInvariants)
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	// GIVEN a file that sets two keys
	path := writeFile(t, "config.yaml", "retry_delay_ms: 250\ncheck_invariants: true\n")

	// WHEN it is loaded
	cfg, err := LoadConfig(path)

	// THEN those keys change and the rest keep their defaults
	require.NoError(t, err)
	want := DefaultConfig()
	want.RetryDelayMs = 250
	want.CheckInvariants = true
	assert.Equal(t, want, cfg)
}

func TestLoadConfig_UnknownKey_Rejected(t *testing.T) {
	path := writeFile(t, "config.yaml", "retry_delay: 250\n")

	_, err := LoadConfig(path)

	assert.ErrorContains(t, err, "parsing config")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "reading config")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative following distance", func(c *Config) { c.FollowingDistanceM = -1 }, "following_distance_m"},
		{"NaN following distance", func(c *Config) { c.FollowingDistanceM = math.NaN() }, "following_distance_m"},
		{"zero following distance allowed", func(c *Config) { c.FollowingDistanceM = 0 }, ""},
		{"zero retry delay", func(c *Config) { c.RetryDelayMs = 0 }, "retry_delay_ms"},
		{"infinite radius", func(c *Config) { c.ParkingSearchRadiusM = math.Inf(1) }, "parking_search_radius_m"},
		{"negative radius", func(c *Config) { c.ParkingSearchRadiusM = -5 }, "parking_search_radius_m"},
		{"zero walk speed", func(c *Config) { c.WalkSpeedMps = 0 }, "walk_speed_mps"},
		{"jitter of one", func(c *Config) { c.WalkSpeedJitter = 1 }, "walk_speed_jitter"},
		{"no jitter allowed", func(c *Config) { c.WalkSpeedJitter = 0 }, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}
