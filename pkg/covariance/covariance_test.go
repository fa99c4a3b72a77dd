package covariance

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"neurosource/pkg/errors"
	"neurosource/pkg/sensors"
)

// correlatedEpochs draws trials from N(0, A Aᵗ) with a fixed mixing matrix
func correlatedEpochs(t *testing.T, nch, ntrials, ntimes int, seed int64) (*sensors.Epochs, *mat.Dense) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	mix := mat.NewDense(nch, nch, nil)
	for i := 0; i < nch; i++ {
		for j := 0; j < nch; j++ {
			v := 0.3 * rng.NormFloat64()
			if i == j {
				v += 1
			}
			mix.Set(i, j, v)
		}
	}
	trials := make([]*mat.Dense, ntrials)
	for k := range trials {
		z := mat.NewDense(nch, ntimes, nil)
		for i := 0; i < nch; i++ {
			for j := 0; j < ntimes; j++ {
				z.Set(i, j, rng.NormFloat64())
			}
		}
		var x mat.Dense
		x.Mul(mix, z)
		trials[k] = &x
	}
	names := make([]string, nch)
	for i := range names {
		names[i] = string(rune('A' + i))
	}
	ep, err := sensors.NewEpochs(names, 100, 0, trials)
	require.NoError(t, err)
	return ep, mix
}

func TestEstimate_EmpiricalApproachesTruth(t *testing.T) {
	ep, mix := correlatedEpochs(t, 5, 20, 500, 1)
	cov, err := Estimate(ep, Empirical, DefaultParams())
	require.NoError(t, err)

	var truth mat.Dense
	truth.Mul(mix, mix.T())
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			assert.InDelta(t, truth.At(i, j), cov.Matrix().At(i, j), 0.1)
		}
	}
	assert.Equal(t, 10000, cov.NSamples())
	assert.Equal(t, Empirical, cov.Method())
}

func TestEstimate_ShrunkBlendsTowardTarget(t *testing.T) {
	ep, _ := correlatedEpochs(t, 4, 5, 200, 2)
	emp, err := Estimate(ep, Empirical, DefaultParams())
	require.NoError(t, err)

	p := DefaultParams()
	p.Shrinkage = 1
	full, err := Estimate(ep, Shrunk, p)
	require.NoError(t, err)
	var trace float64
	for i := 0; i < 4; i++ {
		trace += emp.Matrix().At(i, i)
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := 0.0
			if i == j {
				want = trace / 4
			}
			assert.InDelta(t, want, full.Matrix().At(i, j), 1e-12)
		}
	}

	p.Shrinkage = 0.3
	p.Target = Diagonal
	part, err := Estimate(ep, Shrunk, p)
	require.NoError(t, err)
	assert.InDelta(t, emp.Matrix().At(1, 1), part.Matrix().At(1, 1), 1e-12)
	assert.InDelta(t, 0.7*emp.Matrix().At(0, 2), part.Matrix().At(0, 2), 1e-12)

	p.Shrinkage = 1.5
	_, err = Estimate(ep, Shrunk, p)
	assert.Error(t, err)
}

func TestEstimate_CrossValidatedPrefersShrinkageWhenUndersampled(t *testing.T) {
	// fewer samples than channels: the empirical estimate is singular
	ep, _ := correlatedEpochs(t, 12, 4, 2, 3)
	p := DefaultParams()
	cov, err := Estimate(ep, CrossValidated, p)
	require.NoError(t, err)
	assert.Greater(t, cov.Shrinkage(), 0.0)
	assert.Equal(t, CrossValidated, cov.Method())

	var chol mat.Cholesky
	assert.True(t, chol.Factorize(cov.Matrix()))
}

func TestEstimate_CrossValidatedDeterministic(t *testing.T) {
	ep, _ := correlatedEpochs(t, 6, 6, 100, 4)
	p := DefaultParams()
	p.Workers = 1
	a, err := Estimate(ep, CrossValidated, p)
	require.NoError(t, err)
	p.Workers = 8
	b, err := Estimate(ep, CrossValidated, p)
	require.NoError(t, err)
	assert.Equal(t, a.Identity(), b.Identity())
}

func TestCrossValidate_GridOrder(t *testing.T) {
	ep, _ := correlatedEpochs(t, 6, 6, 100, 4)
	p := DefaultParams()
	p.Grid = []float64{0, 0.01, 0.1, 0.3, 0.6, 0.9}
	p.Workers = 3
	alpha, score, err := crossValidate(ep, p)
	require.NoError(t, err)

	p.Grid = []float64{0.9, 0.6, 0.3, 0.1, 0.01, 0}
	p.Workers = 0
	back, backScore, err := crossValidate(ep, p)
	require.NoError(t, err)
	assert.Equal(t, alpha, back)
	assert.Equal(t, score, backScore)
}

func TestEstimate_CrossValidatedAllSingular(t *testing.T) {
	ep, _ := correlatedEpochs(t, 12, 4, 2, 5)
	p := DefaultParams()
	p.Grid = []float64{0}
	_, err := Estimate(ep, CrossValidated, p)
	assert.ErrorIs(t, err, errors.ErrSingularMatrix)
}

func TestWhitener_Identity(t *testing.T) {
	ep, _ := correlatedEpochs(t, 6, 10, 300, 6)
	cov, err := Estimate(ep, Empirical, DefaultParams())
	require.NoError(t, err)

	w, err := NewWhitener(cov, WhitenerOptions{EigenFloor: 1e-12, Weighting: Joint})
	require.NoError(t, err)
	assert.Equal(t, 6, w.Rank)

	var tmp, white mat.Dense
	tmp.Mul(w.W, cov.Matrix())
	white.Mul(&tmp, w.W.T())
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, white.At(i, j), 1e-9)
		}
	}
	for i := 1; i < len(w.Eigenvalues); i++ {
		assert.GreaterOrEqual(t, w.Eigenvalues[i-1], w.Eigenvalues[i])
	}

	back, err := RestoreWhitener(cov, w.W)
	require.NoError(t, err)
	assert.Equal(t, w.Identity(), back.Identity())
	assert.InDeltaSlice(t, w.Eigenvalues, back.Eigenvalues, 1e-9*w.Eigenvalues[0])

	_, err = RestoreWhitener(cov, mat.NewDense(2, 5, nil))
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
}

func TestWhitener_RankDeficient(t *testing.T) {
	// channel 2 duplicates channel 0
	data := mat.NewSymDense(3, []float64{
		2, 0.5, 2,
		0.5, 1, 0.5,
		2, 0.5, 2,
	})
	cov, err := FromMatrix([]string{"a", "b", "c"}, data, 100, Empirical)
	require.NoError(t, err)

	_, err = NewWhitener(cov, WhitenerOptions{EigenFloor: 1e-10, Weighting: Joint})
	assert.ErrorIs(t, err, errors.ErrSingularMatrix)

	w, err := NewWhitener(cov, WhitenerOptions{EigenFloor: 1e-10, Weighting: Joint, AllowRankDeficient: true})
	require.NoError(t, err)
	assert.Equal(t, 2, w.Rank)
	r, c := w.W.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
}

func TestWhitener_PerTypeIgnoresCrossTerms(t *testing.T) {
	data := mat.NewSymDense(3, []float64{
		4, 0.3, 1,
		0.3, 1, 0.2,
		1, 0.2, 9,
	})
	cov, err := FromMatrix([]string{"m1", "m2", "e1"}, data, 50, Empirical)
	require.NoError(t, err)
	kinds := []sensors.Kind{sensors.MEG, sensors.MEG, sensors.EEG}

	w, err := NewWhitener(cov, DefaultWhitenerOptions(kinds))
	require.NoError(t, err)

	// the EEG channel is whitened by its own variance alone
	x := mat.NewDense(3, 1, []float64{0, 0, 3})
	out, err := w.WhitenData(x)
	require.NoError(t, err)
	assert.InDelta(t, 1, math.Abs(mat.Norm(out, 2)), 1e-12)

	_, err = NewWhitener(cov, WhitenerOptions{Weighting: PerType})
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
}

func TestWhitener_DimensionChecks(t *testing.T) {
	cov, err := FromMatrix([]string{"a", "b"}, mat.NewSymDense(2, []float64{1, 0, 0, 1}), 10, Empirical)
	require.NoError(t, err)
	w, err := NewWhitener(cov, WhitenerOptions{Weighting: Joint})
	require.NoError(t, err)
	_, err = w.WhitenGain(mat.NewDense(3, 2, nil))
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
}

func TestFromMatrix_Rejects(t *testing.T) {
	_, err := FromMatrix([]string{"a"}, mat.NewSymDense(2, nil), 1, Empirical)
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
	_, err = FromMatrix([]string{"a"}, mat.NewSymDense(1, []float64{-1}), 1, Empirical)
	assert.ErrorIs(t, err, errors.ErrNumericalInstability)
	_, err = FromMatrix([]string{"a"}, mat.NewSymDense(1, []float64{math.NaN()}), 1, Empirical)
	assert.Error(t, err)
	_, err = FromMatrix([]string{"a"}, mat.NewSymDense(1, []float64{1}), 1, Method("prior"))
	assert.ErrorContains(t, err, "unknown covariance method")
}

func TestRegularizeAndPick(t *testing.T) {
	data := mat.NewSymDense(3, []float64{
		2, 0, 0,
		0, 4, 0,
		0, 0, 10,
	})
	cov, err := FromMatrix([]string{"m1", "m2", "e1"}, data, 10, Empirical)
	require.NoError(t, err)
	reg, err := Regularize(cov, []sensors.Kind{sensors.MEG, sensors.MEG, sensors.EEG},
		map[sensors.Kind]float64{sensors.MEG: 0.1, sensors.EEG: 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 2.3, reg.Matrix().At(0, 0), 1e-12)
	assert.InDelta(t, 4.3, reg.Matrix().At(1, 1), 1e-12)
	assert.InDelta(t, 15, reg.Matrix().At(2, 2), 1e-12)
	assert.NotEqual(t, cov.Identity(), reg.Identity())

	picked, err := reg.Pick([]string{"e1", "m1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "m1"}, picked.Channels())
	assert.InDelta(t, 15, picked.Matrix().At(0, 0), 1e-12)

	_, err = reg.Pick([]string{"zz"})
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
}
