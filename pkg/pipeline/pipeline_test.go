package pipeline

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/yaml.v3"

	"neurosource/internal/models"
	"neurosource/pkg/cache"
	"neurosource/pkg/checkpoint"
	"neurosource/pkg/config"
	"neurosource/pkg/covariance"
	"neurosource/pkg/forward"
	"neurosource/pkg/inverse"
	"neurosource/pkg/logging"
	"neurosource/pkg/metrics"
	"neurosource/pkg/persist"
)

// smallConfig keeps the scenario quick: a coarse head, a 2 cm grid and a
// handful of trials
func smallConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 2
	cfg.Processing.BlockSize = 32
	cfg.BEM.IcoLevel = 2
	cfg.Forward.GridSpacing = 0.02
	cfg.Sensors.MEG = 24
	cfg.Sensors.EEG = 16
	cfg.Simulation.Position = []float64{0, 0, 0.04}
	cfg.Simulation.Trials = 10
	cfg.Simulation.Samples = 100
	return cfg
}

func TestProcess_Scenario(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	outDir := t.TempDir()
	core, logs := observer.New(zapcore.InfoLevel)
	m := metrics.New(nil)
	cfg := smallConfig()

	pl := New(&Params{
		Config:           cfg,
		OutputDir:        outDir,
		SaveIntermediate: true,
		Solutions:        cache.NewSolutions(cache.NewMemory(), nil, m),
		Logger:           logging.FromCore(core),
		Metrics:          m,
	})
	require.NoError(t, pl.Process(context.Background()))

	t.Run("Steps", func(t *testing.T) {
		for _, msg := range []string{"Step 1: geometry", "Step 2: forward", "Step 3: simulation",
			"Step 4: inverse", "Step 5: beamformer", "Step 6: validation metrics"} {
			assert.Equal(t, 1, logs.FilterMessage(msg).Len(), msg)
		}
		assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMisses.WithLabelValues("memory")))
		assert.Positive(t, testutil.CollectAndCount(m.StageDuration))
	})

	got := pl.GetMetrics()
	t.Run("Metrics", func(t *testing.T) {
		assert.Equal(t, 40, got.Channels)
		assert.Equal(t, pl.Sources().Len(), got.Sources)
		snap := pl.Sources().Positions[pl.Truth()].Sub(models.Vec3{0, 0, 0.04}).Norm()
		assert.Less(t, snap, 1e-9)

		assert.False(t, math.IsNaN(got.MEGError))
		assert.Less(t, got.MEGError, 0.5)
		assert.Greater(t, got.EEGCorrelation, 0.5)
		assert.Positive(t, got.Shrinkage)

		for _, method := range []string{"MNE", "dSPM", "sLORETA", "LCMV", "DICS"} {
			d, ok := got.PeakError[method]
			require.True(t, ok, method)
			assert.GreaterOrEqual(t, d, 0.0, method)
			assert.Less(t, d, 0.16, method)
		}
		assert.LessOrEqual(t, got.PeakError["sLORETA"], 0.045)
		assert.Positive(t, got.Duration)
	})

	t.Run("Sweep", func(t *testing.T) {
		lambdas := []float64{0.01, 0.1, 1}
		points, err := pl.RegularizationSweep(context.Background(), lambdas, 4)
		require.NoError(t, err)
		require.Len(t, points, len(lambdas))
		for k, pt := range points {
			assert.Equal(t, lambdas[k], pt.Lambda2)
			assert.Positive(t, pt.Variance)
		}

		_, err = New(&Params{Config: cfg}).RegularizationSweep(context.Background(), lambdas, 4)
		assert.ErrorContains(t, err, "processed pipeline")
	})

	t.Run("Records", func(t *testing.T) {
		surfaces, err := filepath.Glob(filepath.Join(outDir, geometryDir, "*.stl"))
		require.NoError(t, err)
		assert.Len(t, surfaces, len(cfg.BEM.Radii))

		fwd, err := persist.Load(filepath.Join(outDir, forwardDir, "bem.fwd"), func(r io.Reader) (*forward.Operator, error) {
			return persist.ReadForward(r, pl.Sensors(), pl.Sources())
		})
		require.NoError(t, err)
		assert.Equal(t, pl.Forward().Identity(), fwd.Identity())

		noise, err := persist.Load(filepath.Join(outDir, covarianceDir, "noise.cov"), persist.ReadCovariance)
		require.NoError(t, err)
		assert.Equal(t, pl.Noise().Identity(), noise.Identity())

		op, err := persist.Load(filepath.Join(outDir, inverseDir, "dspm.inv"), func(r io.Reader) (*inverse.Operator, error) {
			return persist.ReadInverse(r, fwd, noise)
		})
		require.NoError(t, err)
		assert.Equal(t, pl.Inverse().Identity(), op.Identity())

		for _, name := range []string{"lcmv.filter", "dics.filter"} {
			_, err := os.Stat(filepath.Join(outDir, filterDir, name))
			assert.NoError(t, err, name)
		}

		data, err := os.ReadFile(filepath.Join(outDir, "metrics.yaml"))
		require.NoError(t, err)
		var back ValidationMetrics
		require.NoError(t, yaml.Unmarshal(data, &back))
		assert.Equal(t, got.RunID, back.RunID)
		assert.Equal(t, got.PeakError["LCMV"], back.PeakError["LCMV"])
	})
}

func TestProcess_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(&Params{Config: smallConfig()}).Process(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcess_InvalidConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.Simulation.Orientation = []float64{1, 0}
	err := New(&Params{Config: cfg}).Process(context.Background())
	assert.ErrorContains(t, err, "three components")
}

func TestTopographyMeasures(t *testing.T) {
	a := []float64{1, 2, 3}
	assert.Equal(t, []float64{-1, 0, 1}, averageReference(a))
	assert.Equal(t, []float64{1, 2, 3}, a)

	assert.InDelta(t, 0, rdm([]float64{1, 2}, []float64{2, 4}), 1e-15)
	assert.InDelta(t, 2, rdm([]float64{1, 0}, []float64{-3, 0}), 1e-15)
	assert.True(t, math.IsNaN(rdm([]float64{0, 0}, []float64{1, 0})))

	assert.InDelta(t, 0.5, relativeError([]float64{3, 0}, []float64{2, 0}), 1e-15)
	assert.Equal(t, []float64{3, 1}, pick([]float64{1, 2, 3}, []int{2, 0}))
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()

	sol, err := OpenSolutions(ctx, cfg, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, sol)

	cfg.Cache.Backend = "memcached"
	_, err = OpenSolutions(ctx, cfg, nil, nil)
	assert.ErrorContains(t, err, "unknown cache backend")

	store, err := OpenCheckpoints(ctx, cfg)
	require.NoError(t, err)
	assert.Nil(t, store)

	cfg.Checkpoint.Backend = "file"
	cfg.Checkpoint.Dir = t.TempDir()
	store, err = OpenCheckpoints(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.FileStore{}, store)

	cfg.Checkpoint.Backend = "tape"
	_, err = OpenCheckpoints(ctx, cfg)
	assert.ErrorContains(t, err, "unknown checkpoint backend")
}

func TestWhitening_FollowsConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.Covariance.TypeWeighting = "joint"
	pl := New(&Params{Config: cfg})
	require.NoError(t, pl.buildGeometry(context.Background()))
	w, err := pl.whitening()
	require.NoError(t, err)
	assert.Equal(t, covariance.Joint, w.Weighting)
	assert.Len(t, w.Kinds, 40)

	cfg.Covariance.TypeWeighting = "bogus"
	_, err = pl.whitening()
	assert.Error(t, err)
}
