package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurosource/pkg/config"
)

func TestParseFloats(t *testing.T) {
	got, err := parseFloats(" 0.01, 1,10 ,")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.01, 1, 10}, got)

	_, err = parseFloats("0.1,x")
	assert.Error(t, err)
	_, err = parseFloats(" , ")
	assert.Error(t, err)
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "neurosource.yaml")

	cmd := newRootCommand()
	cmd.SetArgs([]string{"init", "--config", path})
	require.NoError(t, cmd.Execute())

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Inverse.Method, cfg.Inverse.Method)

	cmd = newRootCommand()
	cmd.SetArgs([]string{"init", "--config", path})
	assert.ErrorContains(t, cmd.Execute(), "already exists")
}

func TestRootOptionsOverride(t *testing.T) {
	opts := &rootOptions{
		configPath: filepath.Join(t.TempDir(), "missing.yaml"),
		logLevel:   "debug",
		cores:      3,
	}
	cfg, log, err := opts.load()
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Processing.NumCores)
}
