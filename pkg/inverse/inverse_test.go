package inverse

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"neurosource/internal/models"
	"neurosource/pkg/covariance"
	"neurosource/pkg/errors"
	"neurosource/pkg/forward"
	"neurosource/pkg/geometry"
	"neurosource/pkg/metrics"
	"neurosource/pkg/sensors"
	"neurosource/pkg/sphere"
)

// fixture builds a three-shell sphere forward over a spiral of sources with
// random fixed (or free) orientations, and a diagonal noise covariance at 1%
// of the mean channel power
func fixture(t *testing.T, nmeg, neeg, nsrc int, ori models.Orientation) (*forward.Operator, *covariance.Covariance) {
	t.Helper()
	chs := append(sensors.RadialHelmet(nmeg, 0.12, models.Vec3{}), sensors.ElectrodeCap(neeg, 0.09, models.Vec3{})...)
	sens, err := sensors.NewConfig(chs)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	pos := make([]models.Vec3, nsrc)
	nrm := make([]models.Vec3, nsrc)
	for i := range pos {
		f := (float64(i) + 0.5) / float64(nsrc)
		r := 0.065 * math.Cbrt(f)
		theta := math.Acos(1 - 2*f)
		phi := float64(i) * math.Pi * (3 - math.Sqrt(5))
		pos[i] = models.Vec3{r * math.Sin(theta) * math.Cos(phi), r * math.Sin(theta) * math.Sin(phi), r * math.Cos(theta)}
		nrm[i] = models.Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}.Unit()
	}
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
		cov.SetSym(i, i, 0.01*floats.Dot(row, row)/float64(len(row)))
	}
	noise, err := covariance.FromMatrix(sens.Names(), cov, 1000, covariance.Empirical)
	require.NoError(t, err)
	return fwd, noise
}

func mean(v []float64) float64 { return stat.Mean(v, nil) }

// tangents returns two unit vectors orthogonal to n
func tangents(n models.Vec3) (models.Vec3, models.Vec3) {
	ref := models.Vec3{1, 0, 0}
	if n[0]*n[0] > 0.5 {
		ref = models.Vec3{0, 1, 0}
	}
	u := ref.Sub(n.Scale(ref.Dot(n))).Unit()
	return u, n.Cross(u)
}

func TestMake_SLORETAHasZeroLocalizationError(t *testing.T) {
	fwd, noise := fixture(t, 20, 10, 120, models.Fixed)
	op, err := Make(fwd, noise, DefaultParams())
	require.NoError(t, err)

	res, err := Resolution(op, nil, models.SLORETA)
	require.NoError(t, err)
	ple, err := PeakLocalizationError(res, fwd.Sources(), fwd.Sources())
	require.NoError(t, err)
	for j, e := range ple {
		assert.Zero(t, e, "source %d", j)
	}

	p := DefaultParams()
	p.Method = models.MNE
	p.Depth = 0
	mne, err := Make(fwd, noise, p)
	require.NoError(t, err)
	res, err = Resolution(mne, nil, models.MNE)
	require.NoError(t, err)
	mnePLE, err := PeakLocalizationError(res, fwd.Sources(), fwd.Sources())
	require.NoError(t, err)
	assert.Greater(t, mean(mnePLE), 0.0)
}

func TestMake_RegularizationMonotone(t *testing.T) {
	fwd, noise := fixture(t, 20, 10, 80, models.Fixed)
	data := mat.NewDense(fwd.NChannels(), 1, nil)
	data.Copy(fwd.Gain().(*mat.Dense).Slice(0, fwd.NChannels(), 17, 18))

	var prevAmp, prevResid float64
	var prevNorm []float64
	for k, lambda2 := range []float64{0.01, 0.1, 1, 10} {
		p := DefaultParams()
		p.Method = models.MNE
		p.Depth = 0
		p.Lambda2 = lambda2
		op, err := Make(fwd, noise, p)
		require.NoError(t, err)
		assert.Equal(t, lambda2, op.Lambda2)

		var est mat.Dense
		est.Mul(op.Kernel(), data)
		amp := mat.Norm(&est, 2)

		var fit, white, resid mat.Dense
		fit.Mul(fwd.Gain(), &est)
		resid.Sub(data, &fit)
		white.Mul(op.Whitener().W, &resid)
		r := mat.Norm(&white, 2)

		if k > 0 {
			assert.Less(t, amp, prevAmp, "lambda2=%g", lambda2)
			assert.Greater(t, r, prevResid, "lambda2=%g", lambda2)
			for i, v := range op.NoiseNorm() {
				assert.Greater(t, v, prevNorm[i])
			}
		}
		prevAmp, prevResid, prevNorm = amp, r, op.NoiseNorm()
	}
}

func TestMake_SNRDerivesLambda2(t *testing.T) {
	fwd, noise := fixture(t, 8, 4, 10, models.Fixed)
	p := DefaultParams()
	p.SNR = 2
	op, err := Make(fwd, noise, p)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, op.Lambda2, 1e-15)
	assert.Len(t, op.NoiseNorm(), 10)
	assert.Len(t, op.SLORETANorm(), 10)
	assert.Len(t, op.SourceCov(), 10)
	r, c := op.Kernel().Dims()
	assert.Equal(t, 10, r)
	assert.Equal(t, 12, c)
}

func TestMake_ELORETAConverges(t *testing.T) {
	fwd, noise := fixture(t, 20, 10, 120, models.Fixed)
	m := metrics.New(prometheus.NewRegistry())

	p := DefaultParams()
	p.Method = models.ELORETA
	p.Tol = 1e-5
	p.MaxIter = 300
	p.Metrics = m
	op, err := Make(fwd, noise, p)
	require.NoError(t, err)
	assert.True(t, op.Converged)
	assert.Less(t, op.Iterations, 300)
	assert.Nil(t, op.NoiseNorm())
	assert.Equal(t, 1, testutil.CollectAndCount(m.ReweightingSteps))

	res, err := Resolution(op, nil, models.ELORETA)
	require.NoError(t, err)
	ple, err := PeakLocalizationError(res, fwd.Sources(), fwd.Sources())
	require.NoError(t, err)

	p = DefaultParams()
	p.Method = models.MNE
	p.Depth = 0
	mne, err := Make(fwd, noise, p)
	require.NoError(t, err)
	res, err = Resolution(mne, nil, models.MNE)
	require.NoError(t, err)
	mnePLE, err := PeakLocalizationError(res, fwd.Sources(), fwd.Sources())
	require.NoError(t, err)
	assert.LessOrEqual(t, mean(ple), mean(mnePLE))

	_, err = op.Normalization(models.DSPM)
	assert.Error(t, err)
}

func TestMake_ELORETANonConvergence(t *testing.T) {
	fwd, noise := fixture(t, 12, 6, 40, models.Fixed)
	p := DefaultParams()
	p.Method = models.ELORETA
	p.Tol = 1e-300
	p.MaxIter = 3

	op, err := Make(fwd, noise, p)
	require.NoError(t, err)
	assert.False(t, op.Converged)
	assert.Equal(t, 3, op.Iterations)

	p.Strict = true
	_, err = Make(fwd, noise, p)
	assert.ErrorIs(t, err, errors.ErrConvergence)
}

func TestMake_FreeOrientationAndLoosePrior(t *testing.T) {
	fwd, noise := fixture(t, 16, 8, 12, models.Free)
	p := DefaultParams()
	p.Loose = 0.2
	op, err := Make(fwd, noise, p)
	require.NoError(t, err)
	assert.Equal(t, 3, op.Components())

	// the prior variance along the normal is 1/loose times the tangential one
	gw, err := op.Whitener().WhitenGain(fwd.Gain())
	require.NoError(t, err)
	blocks, err := priorBlocks(gw, fwd, p.Depth, p.Loose)
	require.NoError(t, err)
	src := fwd.Sources()
	for i, b := range blocks {
		n := mat.NewVecDense(3, src.Normals[i][:])
		u, _ := tangents(src.Normals[i])
		tv := mat.NewVecDense(3, u[:])
		assert.InDelta(t, 5, mat.Inner(n, b, n)/mat.Inner(tv, b, tv), 1e-9)
	}
	assert.Len(t, op.SourceCov(), 36)

	p.Loose = 1
	iso, err := Make(fwd, noise, p)
	require.NoError(t, err)
	assert.NotEqual(t, op.Identity(), iso.Identity())

	// loose priors need normals
	bare, err := geometry.NewSourceSpace(src.Positions, nil, models.Free)
	require.NoError(t, err)
	fwdBare, err := forward.NewOperator(fwd.Gain(), fwd.Sensors(), bare, "", nil, nil)
	require.NoError(t, err)
	p.Loose = 0.5
	_, err = Make(fwdBare, noise, p)
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
}

func TestMake_Rejects(t *testing.T) {
	fwd, noise := fixture(t, 8, 4, 10, models.Fixed)

	short, err := noise.Pick(fwd.Sensors().Names()[1:])
	require.NoError(t, err)
	_, err = Make(fwd, short, DefaultParams())
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)

	p := DefaultParams()
	p.Method = models.LCMV
	_, err = Make(fwd, noise, p)
	assert.Error(t, err)

	p = DefaultParams()
	p.Lambda2 = -1
	_, err = Make(fwd, noise, p)
	assert.Error(t, err)
}

func TestNormalization(t *testing.T) {
	fwd, noise := fixture(t, 8, 4, 10, models.Fixed)
	op, err := Make(fwd, noise, DefaultParams())
	require.NoError(t, err)

	s, err := op.Normalization(models.MNE)
	require.NoError(t, err)
	assert.Nil(t, s)
	s, err = op.Normalization(models.DSPM)
	require.NoError(t, err)
	assert.Equal(t, op.NoiseNorm(), s)
	s, err = op.Normalization(models.SLORETA)
	require.NoError(t, err)
	assert.Equal(t, op.SLORETANorm(), s)
	_, err = op.Normalization(models.ELORETA)
	assert.Error(t, err)
	_, err = op.Normalization(models.DICS)
	assert.Error(t, err)
}

func TestRestore_SameIdentity(t *testing.T) {
	fwd, noise := fixture(t, 8, 4, 10, models.Fixed)
	op, err := Make(fwd, noise, DefaultParams())
	require.NoError(t, err)

	back, err := Restore(fwd, noise, op.Parts())
	require.NoError(t, err)
	assert.Equal(t, op.Identity(), back.Identity())
	assert.Equal(t, op.Whitener().Identity(), back.Whitener().Identity())

	parts := op.Parts()
	parts.Kernel = mat.NewDense(3, 12, nil)
	_, err = Restore(fwd, noise, parts)
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)

	parts = op.Parts()
	parts.NoiseNorm = []float64{1}
	_, err = Restore(fwd, noise, parts)
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
}

func TestPeakLocalizationError_Dimensions(t *testing.T) {
	src, err := geometry.NewSourceSpace([]models.Vec3{{0, 0, 0}, {0.01, 0, 0}}, nil, models.Free)
	require.NoError(t, err)
	_, err = PeakLocalizationError(mat.NewDense(2, 2, nil), src, src)
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)

	res := mat.NewDense(6, 6, nil)
	// source 0 spreads to source 1
	res.Set(3, 0, 1)
	res.Set(4, 4, 1)
	ple, err := PeakLocalizationError(res, src, src)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, ple[0], 1e-15)
	assert.InDelta(t, 0, ple[1], 1e-15)
}

func TestBlockPow(t *testing.T) {
	b := mat.NewSymDense(3, []float64{
		4, 1, 0,
		1, 3, 0,
		0, 0, 2,
	})
	root, err := blockPow(b, 0.5)
	require.NoError(t, err)
	var sq mat.Dense
	sq.Mul(root, root)
	assert.True(t, mat.EqualApprox(&sq, b, 1e-12))

	inv, err := blockPow(b, -0.5)
	require.NoError(t, err)
	var id mat.Dense
	id.Mul(root, inv)
	assert.True(t, mat.EqualApprox(&id, mat.NewDiagDense(3, []float64{1, 1, 1}), 1e-12))

	_, err = blockPow(mat.NewSymDense(1, []float64{0}), -0.5)
	assert.ErrorIs(t, err, errors.ErrSingularMatrix)
}
