package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []float64{0.08, 0.085, 0.09}, cfg.BEM.Radii)
	assert.Equal(t, []float64{0.3, 0.006, 0.3}, cfg.BEM.Conductivities)
	assert.Equal(t, "dSPM", cfg.Inverse.Method)
	assert.Greater(t, cfg.Processing.NumCores, 0)
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Inverse.SNR, cfg.Inverse.SNR)
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.yaml")
	cfg := DefaultConfig()
	cfg.Inverse.Method = "sLORETA"
	cfg.Beamformer.Reg = 0.2
	cfg.Covariance.Grid = []float64{0.1, 0.3}
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sLORETA", loaded.Inverse.Method)
	assert.Equal(t, 0.2, loaded.Beamformer.Reg)
	assert.Equal(t, []float64{0.1, 0.3}, loaded.Covariance.Grid)
}

func TestLoadConfig_PartialOverridesKeepDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("inverse:\n  snr: 1.5\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1.5, cfg.Inverse.SNR)
	assert.Equal(t, 0.8, cfg.Inverse.Depth)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bem:\n  radii: [0.09, 0.08]\n  conductivities: [0.3, 0.3]\n"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{{not yaml"), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("NEUROSOURCE_INVERSE_METHOD", "eLORETA")
	t.Setenv("NEUROSOURCE_INVERSE_SNR", "2.5")
	t.Setenv("NEUROSOURCE_PROCESSING_NUMCORES", "3")
	t.Setenv("NEUROSOURCE_INVERSE_STRICT", "true")

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnv(cfg))
	assert.Equal(t, "eLORETA", cfg.Inverse.Method)
	assert.Equal(t, 2.5, cfg.Inverse.SNR)
	assert.Equal(t, 3, cfg.Processing.NumCores)
	assert.True(t, cfg.Inverse.Strict)
	assert.Equal(t, 0.8, cfg.Inverse.Depth)
}

func TestValidate_Scenario(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Beamformer.FMin, cfg.Beamformer.FMax = 12, 8
	assert.ErrorContains(t, cfg.Validate(), "band")

	cfg = DefaultConfig()
	cfg.Sensors.MEG, cfg.Sensors.EEG = 0, 0
	assert.ErrorContains(t, cfg.Validate(), "at least one channel")

	cfg = DefaultConfig()
	cfg.Simulation.Position = []float64{0, 0.05}
	assert.Error(t, cfg.Validate())

	t.Setenv("NEUROSOURCE_SENSORS_EEG", "0")
	t.Setenv("NEUROSOURCE_BEAMFORMER_FMAX", "30")
	cfg = DefaultConfig()
	require.NoError(t, ApplyEnv(cfg))
	assert.Equal(t, 0, cfg.Sensors.EEG)
	assert.Equal(t, 30.0, cfg.Beamformer.FMax)
}
