package simulate

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"neurosource/internal/models"
	"neurosource/pkg/covariance"
	"neurosource/pkg/errors"
	"neurosource/pkg/estimate"
	"neurosource/pkg/forward"
	"neurosource/pkg/geometry"
	"neurosource/pkg/inverse"
	"neurosource/pkg/sensors"
	"neurosource/pkg/sphere"
)

func setup(t *testing.T, nsrc int, ori models.Orientation) (*forward.Operator, *geometry.SourceSpace, *covariance.Covariance) {
	t.Helper()
	rng := rand.New(rand.NewSource(21))
	pos := make([]models.Vec3, nsrc)
	nrm := make([]models.Vec3, nsrc)
	for i := range pos {
		f := (float64(i) + 0.5) / float64(nsrc)
		r := 0.06 * math.Cbrt(f)
		theta := math.Acos(1 - 2*f)
		phi := float64(i) * math.Pi * (3 - math.Sqrt(5))
		pos[i] = models.Vec3{r * math.Sin(theta) * math.Cos(phi), r * math.Sin(theta) * math.Sin(phi), r * math.Cos(theta)}
		nrm[i] = models.Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
	}
	return build(t, pos, nrm, ori)
}

func build(t *testing.T, pos, nrm []models.Vec3, ori models.Orientation) (*forward.Operator, *geometry.SourceSpace, *covariance.Covariance) {
	t.Helper()
	chs := append(sensors.RadialHelmet(24, 0.12, models.Vec3{}), sensors.ElectrodeCap(16, 0.09, models.Vec3{})...)
	sens, err := sensors.NewConfig(chs)
	require.NoError(t, err)
	src, err := geometry.NewSourceSpace(pos, nrm, ori)
	require.NoError(t, err)
	model, err := sphere.NewModel([]float64{0.08, 0.085, 0.09}, []float64{0.3, 0.006, 0.3}, models.Vec3{})
	require.NoError(t, err)
	fwd, err := forward.BuildSphere(context.Background(), model, sens, src, forward.DefaultOptions())
	require.NoError(t, err)
	require.Empty(t, fwd.Excluded)

	n := sens.Len()
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		row := mat.Row(nil, i, fwd.Gain())
		cov.SetSym(i, i, 1e-2*floats.Dot(row, row)/float64(len(row)))
	}
	noise, err := covariance.FromMatrix(sens.Names(), cov, 1000, covariance.Empirical)
	require.NoError(t, err)
	return fwd, src, noise
}

func TestSensorData(t *testing.T) {
	fwd, _, _ := setup(t, 20, models.Free)
	wave := Pulse(11, 5, 2, 1e-8)
	assert.InDelta(t, 1e-8, wave[5], 1e-20)
	assert.Less(t, wave[0], wave[5])

	q := models.Vec3{0, 3, 4}
	data, err := SensorData(fwd, []Dipole{{Source: 7, Orientation: q, Waveform: wave}})
	require.NoError(t, err)
	r, c := data.Dims()
	assert.Equal(t, fwd.NChannels(), r)
	assert.Equal(t, 11, c)
	for ch := 0; ch < r; ch++ {
		want := 0.6*fwd.Gain().At(ch, 22) + 0.8*fwd.Gain().At(ch, 23)
		assert.InDelta(t, want*wave[5], data.At(ch, 5), 1e-12*math.Abs(want*wave[5])+1e-300)
	}

	// superposition
	other := Sine(11, 100, 10, 2e-8, 0)
	both, err := SensorData(fwd, []Dipole{{Source: 7, Orientation: q, Waveform: wave}, {Source: 2, Orientation: models.Vec3{1, 0, 0}, Waveform: other}})
	require.NoError(t, err)
	single, err := SensorData(fwd, []Dipole{{Source: 2, Orientation: models.Vec3{1, 0, 0}, Waveform: other}})
	require.NoError(t, err)
	var sum mat.Dense
	sum.Add(data, single)
	assert.True(t, mat.EqualApprox(&sum, both, 1e-20))

	_, err = SensorData(fwd, []Dipole{{Source: 20, Orientation: q, Waveform: wave}})
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
	_, err = SensorData(fwd, []Dipole{{Source: 1, Waveform: wave}})
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
	_, err = SensorData(fwd, nil)
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
}

func TestNoise_MatchesCovariance(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{
		4, 1.2,
		1.2, 1,
	})
	c, err := covariance.FromMatrix([]string{"a", "b"}, cov, 1, covariance.Empirical)
	require.NoError(t, err)
	n, err := NewNoise(c, 1)
	require.NoError(t, err)

	x := n.Sample(20000)
	a, b := mat.Row(nil, 0, x), mat.Row(nil, 1, x)
	assert.InDelta(t, 4, stat.Variance(a, nil), 0.2)
	assert.InDelta(t, 1, stat.Variance(b, nil), 0.05)
	assert.InDelta(t, 1.2, stat.Covariance(a, b, nil), 0.1)

	// rank one covariances are accepted
	single, err := covariance.FromMatrix([]string{"a", "b"}, mat.NewSymDense(2, []float64{1, 1, 1, 1}), 1, covariance.Empirical)
	require.NoError(t, err)
	n, err = NewNoise(single, 2)
	require.NoError(t, err)
	x = n.Sample(10)
	for j := 0; j < 10; j++ {
		assert.InDelta(t, x.At(0, j), x.At(1, j), 1e-9)
	}
}

func TestEpochs_Noiseless(t *testing.T) {
	fwd, _, _ := setup(t, 10, models.Fixed)
	wave := Sine(20, 200, 10, 1e-8, 0.3)
	ep, err := Epochs(fwd, []Dipole{{Source: 3, Waveform: wave}}, nil, Params{NTrials: 3, SFreq: 200, Tmin: -0.05})
	require.NoError(t, err)
	assert.Equal(t, 3, ep.NTrials())
	assert.Equal(t, fwd.Sensors().Names(), ep.Channels)
	assert.True(t, mat.Equal(ep.Trials[0], ep.Trials[2]))

	topo := mat.Col(nil, 3, fwd.Gain())
	assert.InDelta(t, 1, TopographyCorrelation(topo, mat.Col(nil, 5, ep.Trials[1])), 1e-9)
}

func TestPointSpreadRecovery(t *testing.T) {
	fwd, src, noise := setup(t, 80, models.Fixed)
	p := inverse.DefaultParams()
	p.Method = models.SLORETA
	op, err := inverse.Make(fwd, noise, p)
	require.NoError(t, err)

	for _, truth := range []int{4, 33, 71} {
		wave := Pulse(9, 4, 1.5, 1e-8)
		data, err := SensorData(fwd, []Dipole{{Source: truth, Waveform: wave}})
		require.NoError(t, err)
		est, err := estimate.ApplyInverse(estimate.Measurement{Channels: fwd.Sensors().Names(), Data: data, Tstep: 0.01},
			op, estimate.ApplyOptions{Method: models.SLORETA})
		require.NoError(t, err)
		assert.Equal(t, 4, est.Peak().Sample)
		d, err := PeakError(est, src, truth)
		require.NoError(t, err)
		assert.Zero(t, d, "source %d", truth)
	}
}

func TestRegularizationSweep(t *testing.T) {
	fwd, _, noise := setup(t, 40, models.Fixed)
	base := inverse.DefaultParams()
	base.Method = models.MNE
	base.Depth = 0

	lambdas := []float64{0.01, 0.1, 1, 10}
	dip := Dipole{Source: 12, Waveform: Pulse(5, 2, 1, 5e-8)}
	points, err := RegularizationSweep(context.Background(), fwd, noise, dip, lambdas, SweepParams{
		Base:    base,
		Trials:  30,
		Seed:    4,
		Workers: 2,
	})
	require.NoError(t, err)
	require.Len(t, points, len(lambdas))
	for k, pt := range points {
		assert.Equal(t, lambdas[k], pt.Lambda2)
		assert.GreaterOrEqual(t, pt.Bias, 0.0)
		assert.GreaterOrEqual(t, pt.PeakError, 0.0)
		if k > 0 {
			assert.Less(t, pt.Variance, points[k-1].Variance, "λ² %g", pt.Lambda2)
			assert.GreaterOrEqual(t, pt.Leakage, points[k-1].Leakage-1e-12, "λ² %g", pt.Lambda2)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = RegularizationSweep(ctx, fwd, noise, dip, lambdas, SweepParams{Base: base, Trials: 3})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegularizationSweep_BiasGrows(t *testing.T) {
	// every candidate sits 2.5 cm from the true source, so the spread of the
	// expected estimate follows its leakage
	const radius = 0.025
	center := models.Vec3{0, 0, 0.02}
	rng := rand.New(rand.NewSource(8))
	pos := []models.Vec3{center}
	nrm := []models.Vec3{{0, 1, 0}}
	n := 30
	for i := 0; i < n; i++ {
		z := 1 - 2*(float64(i)+0.5)/float64(n)
		r := math.Sqrt(1 - z*z)
		phi := float64(i) * math.Pi * (3 - math.Sqrt(5))
		pos = append(pos, center.Add(models.Vec3{r * math.Cos(phi), r * math.Sin(phi), z}.Scale(radius)))
		nrm = append(nrm, models.Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()})
	}
	fwd, _, noise := build(t, pos, nrm, models.Fixed)

	base := inverse.DefaultParams()
	base.Method = models.MNE
	base.Depth = 0
	lambdas := []float64{0.01, 0.1, 1, 10, 100}
	points, err := RegularizationSweep(context.Background(), fwd, noise, Dipole{Source: 0, Waveform: Pulse(5, 2, 1, 5e-8)},
		lambdas, SweepParams{Base: base, Trials: 20, Seed: 9, Workers: 3})
	require.NoError(t, err)
	require.Len(t, points, len(lambdas))

	for k, pt := range points {
		assert.InDelta(t, radius*math.Sqrt(pt.Leakage), pt.Bias, 1e-12, "λ² %g", pt.Lambda2)
		if k == 0 {
			continue
		}
		prev := points[k-1]
		assert.Less(t, pt.Variance, prev.Variance, "λ² %g", pt.Lambda2)
		assert.GreaterOrEqual(t, pt.Bias, prev.Bias-1e-12, "λ² %g", pt.Lambda2)
	}
	assert.Less(t, points[0].Bias, points[len(points)-1].Bias)
}
