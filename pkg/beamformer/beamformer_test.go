package beamformer

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"neurosource/internal/models"
	"neurosource/pkg/covariance"
	"neurosource/pkg/errors"
	"neurosource/pkg/forward"
	"neurosource/pkg/geometry"
	"neurosource/pkg/sensors"
	"neurosource/pkg/spectral"
	"neurosource/pkg/sphere"
)

func spiral(n int, radius float64) []models.Vec3 {
	pos := make([]models.Vec3, n)
	for i := range pos {
		f := (float64(i) + 0.5) / float64(n)
		r := radius * math.Cbrt(f)
		theta := math.Acos(1 - 2*f)
		phi := float64(i) * math.Pi * (3 - math.Sqrt(5))
		pos[i] = models.Vec3{r * math.Sin(theta) * math.Cos(phi), r * math.Sin(theta) * math.Sin(phi), r * math.Cos(theta)}
	}
	return pos
}

func sphereForward(t *testing.T, chs []sensors.Channel, src *geometry.SourceSpace) *forward.Operator {
	t.Helper()
	sens, err := sensors.NewConfig(chs)
	require.NoError(t, err)
	model, err := sphere.NewModel([]float64{0.08, 0.085, 0.09}, []float64{0.3, 0.006, 0.3}, models.Vec3{})
	require.NoError(t, err)
	fwd, err := forward.BuildSphere(context.Background(), model, sens, src, forward.DefaultOptions())
	require.NoError(t, err)
	return fwd
}

// noiseFor is a diagonal covariance at 1% of each channel's mean gain power
func noiseFor(t *testing.T, fwd *forward.Operator) *covariance.Covariance {
	t.Helper()
	n := fwd.NChannels()
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		row := mat.Row(nil, i, fwd.Gain())
		cov.SetSym(i, i, 0.01*floats.Dot(row, row)/float64(len(row)))
	}
	c, err := covariance.FromMatrix(fwd.Sensors().Names(), cov, 1000, covariance.Empirical)
	require.NoError(t, err)
	return c
}

// activeCovariance is C_n + σ² g gᵗ for a dipole q at source s
func activeCovariance(t *testing.T, fwd *forward.Operator, noise *covariance.Covariance, s int, q models.Vec3, snr float64) *covariance.Covariance {
	t.Helper()
	g := mat.NewVecDense(fwd.NChannels(), nil)
	g.MulVec(fwd.SourceColumns(s), mat.NewVecDense(3, q[:]))
	n := fwd.NChannels()
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, noise.Matrix().At(i, j))
		}
	}
	// signal scaled so its whitened power is snr per channel on average
	var white float64
	for i := 0; i < n; i++ {
		white += g.AtVec(i) * g.AtVec(i) / noise.Matrix().At(i, i)
	}
	sigma2 := snr * float64(n) / white
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, cov.At(i, j)+sigma2*g.AtVec(i)*g.AtVec(j))
		}
	}
	c, err := covariance.FromMatrix(fwd.Sensors().Names(), cov, 1000, covariance.Empirical)
	require.NoError(t, err)
	return c
}

func headChannels(nmeg, neeg int) []sensors.Channel {
	return append(sensors.RadialHelmet(nmeg, 0.12, models.Vec3{}), sensors.ElectrodeCap(neeg, 0.09, models.Vec3{})...)
}

func TestMakeLCMV_MaxPowerOrientationIsOptimal(t *testing.T) {
	src, err := geometry.NewSourceSpace(spiral(30, 0.06), nil, models.Free)
	require.NoError(t, err)
	fwd := sphereForward(t, headChannels(24, 16), src)
	noise := noiseFor(t, fwd)

	const active = 12
	q := models.Vec3{0.3, -0.8, 0.5}.Unit()
	data := activeCovariance(t, fwd, noise, active, q, 2)

	f, err := MakeLCMV(fwd, data, noise, DefaultParams())
	require.NoError(t, err)
	require.Empty(t, f.Excluded)
	require.Len(t, f.Orientations, 30)
	assert.Equal(t, 1, f.Components())

	peak, best := -1, math.Inf(-1)
	for k := range f.SourceIndices {
		eta := f.Orientations[k]
		chosen := f.NormalizedPower(k, eta[:])
		for _, ref := range [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}} {
			assert.GreaterOrEqual(t, chosen, f.NormalizedPower(k, ref)*(1-1e-9), "source %d", k)
		}
		if chosen > best {
			peak, best = f.SourceIndices[k], chosen
		}
	}
	assert.Equal(t, active, peak)
	assert.Greater(t, math.Abs(f.Orientations[active].Dot(q)), 0.999)
}

func TestMakeLCMV_VectorUnitGain(t *testing.T) {
	src, err := geometry.NewSourceSpace(spiral(10, 0.06), nil, models.Free)
	require.NoError(t, err)
	fwd := sphereForward(t, headChannels(20, 12), src)
	noise := noiseFor(t, fwd)
	data := activeCovariance(t, fwd, noise, 3, models.Vec3{0, 0, 1}, 1)

	p := DefaultParams()
	p.PickOri = Vector
	f, err := MakeLCMV(fwd, data, noise, p)
	require.NoError(t, err)
	assert.Equal(t, 3, f.Components())
	assert.Nil(t, f.Orientations)

	for k, s := range f.SourceIndices {
		var wg mat.Dense
		wg.Mul(f.Weights().(*mat.Dense).Slice(3*k, 3*k+3, 0, fwd.NChannels()), fwd.SourceColumns(s))
		assert.True(t, mat.EqualApprox(&wg, mat.NewDiagDense(3, []float64{1, 1, 1}), 1e-6), "source %d", s)
	}
}

func TestMakeLCMV_UnitNoiseGain(t *testing.T) {
	src, err := geometry.NewSourceSpace(spiral(10, 0.06), nil, models.Free)
	require.NoError(t, err)
	fwd := sphereForward(t, headChannels(20, 12), src)
	noise := noiseFor(t, fwd)
	data := activeCovariance(t, fwd, noise, 3, models.Vec3{1, 0, 0}, 1)

	p := DefaultParams()
	p.WeightNorm = UnitNoiseGain
	f, err := MakeLCMV(fwd, data, noise, p)
	require.NoError(t, err)

	var tmp, out mat.Dense
	tmp.Mul(f.Weights(), noise.Matrix())
	out.Mul(&tmp, f.Weights().T())
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		assert.InDelta(t, 1, out.At(i, i), 1e-8)
	}
}

func TestMakeLCMV_SingularWithoutRegularization(t *testing.T) {
	nrm := make([]models.Vec3, 5)
	for i := range nrm {
		nrm[i] = models.Vec3{0, 1, 0}
	}
	src, err := geometry.NewSourceSpace(spiral(5, 0.05), nrm, models.Fixed)
	require.NoError(t, err)
	fwd := sphereForward(t, sensors.ElectrodeCap(16, 0.09, models.Vec3{}), src)

	// rank one data covariance
	g := mat.Col(nil, 0, fwd.Gain())
	cov := mat.NewSymDense(16, nil)
	for i := range g {
		for j := i; j < 16; j++ {
			cov.SetSym(i, j, g[i]*g[j])
		}
	}
	data, err := covariance.FromMatrix(fwd.Sensors().Names(), cov, 10, covariance.Empirical)
	require.NoError(t, err)

	p := DefaultParams()
	p.Reg = 0
	_, err = MakeLCMV(fwd, data, nil, p)
	assert.ErrorIs(t, err, errors.ErrSingularMatrix)

	p.Reg = 0.05
	f, err := MakeLCMV(fwd, data, nil, p)
	require.NoError(t, err)
	assert.Nil(t, f.Whitener())
	assert.NotEmpty(t, f.Identity())
}

func TestMakeLCMV_ExcludesIllConditionedSource(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	chs := sensors.ElectrodeCap(12, 0.09, models.Vec3{})
	sens, err := sensors.NewConfig(chs)
	require.NoError(t, err)
	src, err := geometry.NewSourceSpace(spiral(3, 0.05), nil, models.Free)
	require.NoError(t, err)

	gain := mat.NewDense(12, 9, nil)
	for i := 0; i < 12; i++ {
		for j := 0; j < 9; j++ {
			if j/3 != 1 {
				gain.Set(i, j, rng.NormFloat64())
			}
		}
	}
	fwd, err := forward.NewOperator(gain, sens, src, "", nil, nil)
	require.NoError(t, err)

	id := mat.NewSymDense(12, nil)
	for i := 0; i < 12; i++ {
		id.SetSym(i, i, 1)
	}
	data, err := covariance.FromMatrix(sens.Names(), id, 100, covariance.Empirical)
	require.NoError(t, err)

	f, err := MakeLCMV(fwd, data, nil, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, f.SourceIndices)
	require.Len(t, f.Excluded, 1)
	assert.Equal(t, 1, f.Excluded[0].Index)
	assert.ErrorIs(t, f.Excluded[0].Err, errors.ErrNumericalInstability)
	r, c := f.Weights().Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 12, c)

	// nothing left
	_, err = MakeLCMV(fwd, data, nil, Params{Reg: 0.05, PickOri: MaxPower, MaxCondition: 1.001})
	assert.ErrorIs(t, err, errors.ErrNumericalInstability)
}

func TestMakeLCMV_DimensionMismatch(t *testing.T) {
	src, err := geometry.NewSourceSpace(spiral(4, 0.05), nil, models.Free)
	require.NoError(t, err)
	fwd := sphereForward(t, headChannels(6, 4), src)
	data, err := covariance.FromMatrix([]string{"x"}, mat.NewSymDense(1, []float64{1}), 10, covariance.Empirical)
	require.NoError(t, err)
	_, err = MakeLCMV(fwd, data, nil, DefaultParams())
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
}

func TestMakeDICS_PeaksAtOscillatingSource(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	pos := spiral(30, 0.06)
	nrm := make([]models.Vec3, len(pos))
	for i := range nrm {
		nrm[i] = models.Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}.Unit()
	}
	src, err := geometry.NewSourceSpace(pos, nrm, models.Fixed)
	require.NoError(t, err)
	fwd := sphereForward(t, sensors.ElectrodeCap(32, 0.09, models.Vec3{}), src)

	const active, sfreq, ntimes = 9, 256.0, 256
	g := mat.Col(nil, active, fwd.Gain())
	gnorm := floats.Norm(g, 2)
	const noiseStd = 1.0
	amp := 5 * noiseStd * math.Sqrt(float64(len(g))) / gnorm

	var trials []*mat.Dense
	for k := 0; k < 20; k++ {
		tr := mat.NewDense(len(g), ntimes, nil)
		phase := rng.Float64() * 2 * math.Pi
		for s := 0; s < ntimes; s++ {
			a := amp * math.Sin(2*math.Pi*10*float64(s)/sfreq+phase)
			for c := range g {
				tr.Set(c, s, a*g[c]+noiseStd*rng.NormFloat64())
			}
		}
		trials = append(trials, tr)
	}
	ep, err := sensors.NewEpochs(fwd.Sensors().Names(), sfreq, 0, trials)
	require.NoError(t, err)
	csd, err := spectral.Estimate(context.Background(), ep, 8, 12, spectral.Options{})
	require.NoError(t, err)

	ncov := mat.NewSymDense(len(g), nil)
	for i := range g {
		ncov.SetSym(i, i, noiseStd*noiseStd)
	}
	noise, err := covariance.FromMatrix(fwd.Sensors().Names(), ncov, 1000, covariance.Empirical)
	require.NoError(t, err)

	p := DefaultParams()
	p.WeightNorm = UnitNoiseGain
	f, err := MakeDICS(fwd, csd, noise, p)
	require.NoError(t, err)
	assert.Equal(t, models.DICS, f.Method)
	assert.Equal(t, csd.Frequencies, f.Frequencies)

	power, err := ApplyDICSPower(f, csd)
	require.NoError(t, err)
	require.Len(t, power, len(f.SourceIndices))
	assert.Equal(t, active, f.SourceIndices[floats.MaxIdx(power)])

	short := &spectral.CSD{Channels: []string{"x"}, Frequencies: csd.Frequencies, Matrices: csd.Matrices[:1]}
	_, err = ApplyDICSPower(f, short)
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
}

func TestParse(t *testing.T) {
	o, err := ParsePickOri("vector")
	require.NoError(t, err)
	assert.Equal(t, Vector, o)
	_, err = ParsePickOri("nope")
	assert.Error(t, err)
	w, err := ParseWeightNorm("unitnoisegain")
	require.NoError(t, err)
	assert.Equal(t, UnitNoiseGain, w)
	_, err = ParseWeightNorm("")
	assert.Error(t, err)
}

func TestNeuralActivityIndex_PeaksAtActiveSource(t *testing.T) {
	src, err := geometry.NewSourceSpace(spiral(30, 0.06), nil, models.Free)
	require.NoError(t, err)
	fwd := sphereForward(t, headChannels(24, 16), src)
	noise := noiseFor(t, fwd)

	const active = 21
	q := models.Vec3{-0.2, 0.9, 0.4}.Unit()
	data := activeCovariance(t, fwd, noise, active, q, 2)
	f, err := MakeLCMV(fwd, data, noise, DefaultParams())
	require.NoError(t, err)

	power, err := f.Power(data)
	require.NoError(t, err)
	w := f.Weights()
	for k := range power {
		row := mat.Row(nil, k, w)
		v := mat.NewVecDense(len(row), row)
		assert.InDelta(t, mat.Inner(v, data.Matrix(), v), power[k], 1e-9*power[k])
	}

	nai, err := f.NeuralActivityIndex(data, noise)
	require.NoError(t, err)
	peak := floats.MaxIdx(nai)
	assert.Equal(t, active, f.SourceIndices[peak])
	assert.Greater(t, nai[peak], 1.0)

	other, err := covariance.FromMatrix([]string{"x"}, mat.NewSymDense(1, []float64{1}), 1, covariance.Empirical)
	require.NoError(t, err)
	_, err = f.Power(other)
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
}
