package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestLoadSettingsOverridesFromEnv(t *testing.T) {
	t.Setenv("MIN_SOURCES", "4")
	t.Setenv("LAMBDA", "0.0001")

	s, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, 4, s.MinSources)
	assert.Equal(t, 0.0001, s.Lambda)
}

func TestLoadSettingsRejectsInvalidOverride(t *testing.T) {
	t.Setenv("OUTLIER_THRESHOLD", "1.5")
	_, err := LoadSettings()
	assert.Error(t, err)
}

func TestLoadSettingsRejectsUnparseableEnv(t *testing.T) {
	t.Setenv("MAX_AGE_MS", "not-a-number")
	_, err := LoadSettings()
	assert.Error(t, err)
}
