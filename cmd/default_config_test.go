package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults_ProfilesAndWorkloads(t *testing.T) {
	d, err := loadDefaults(writeFile(t, "defaults.yaml", testDefaults))
	require.NoError(t, err)

	p, ok := d.Profile("tiny")
	require.True(t, ok)
	assert.Equal(t, []float64{100, 2, 10}, p.BetaCoeffs)
	_, ok = d.Profile("huge")
	assert.False(t, ok)

	w, ok := d.Workload("shared")
	require.True(t, ok)
	assert.Equal(t, 8, w.PrefixTokens)
}

func TestLoadDefaults_UnknownFieldFails(t *testing.T) {
	_, err := loadDefaults(writeFile(t, "defaults.yaml", "version: \"1\"\nmodels: []\n"))
	assert.Error(t, err)
}

func TestLoadDefaults_BundledFile(t *testing.T) {
	// GIVEN the defaults file shipped at the repository root
	d, err := loadDefaults("../defaults.yaml")
	require.NoError(t, err)

	// THEN every workload is usable and every profile yields a latency model
	for name, w := range d.Workloads {
		assert.NoError(t, w.Validate(), name)
	}
	for _, p := range d.LatencyProfiles {
		assert.Len(t, p.BetaCoeffs, 3, p.ID)
	}
}
