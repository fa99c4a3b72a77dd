// Package inverse builds linear inverse operators of the minimum-norm family
// (MNE, dSPM, sLORETA) and exact low resolution tomography (eLORETA).
package inverse

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"neurosource/internal/models"
	"neurosource/pkg/covariance"
	"neurosource/pkg/errors"
	"neurosource/pkg/forward"
	"neurosource/pkg/logging"
	"neurosource/pkg/metrics"
)

const stage = "inverse"

// Params configures Make
type Params struct {
	Method models.Method

	// Lambda2 is the Tikhonov parameter. When zero it is derived as 1/SNR².
	Lambda2 float64
	SNR     float64

	// Depth is the exponent of the depth-weighting prior; zero disables it
	Depth float64

	// Loose scales the tangential variance of free sources relative to the
	// surface normal; 1 is an isotropic prior
	Loose float64

	// eLORETA reweighting: relative kernel change tolerance and iteration cap.
	// A build that hits MaxIter is flagged, or fails when Strict is set.
	Tol     float64
	MaxIter int
	Strict  bool

	Whitening covariance.WhitenerOptions

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// DefaultParams mirror the config defaults
func DefaultParams() Params {
	return Params{
		Method:    models.DSPM,
		SNR:       3,
		Depth:     0.8,
		Loose:     1,
		Tol:       1e-6,
		MaxIter:   20,
		Whitening: covariance.DefaultWhitenerOptions(nil),
	}
}

func (p Params) lambda2() (float64, error) {
	switch {
	case p.Lambda2 < 0:
		return 0, fmt.Errorf("inverse: lambda2 must not be negative, got %g", p.Lambda2)
	case p.Lambda2 > 0:
		return p.Lambda2, nil
	case p.SNR > 0:
		return 1 / (p.SNR * p.SNR), nil
	}
	return 0, nil
}

// Operator maps raw channel data to source amplitudes. The kernel already
// contains the whitener, so it applies to unwhitened data in the channel
// order of the forward operator.
type Operator struct {
	Method  models.Method
	Lambda2 float64

	// Forward and Noise are the inputs the operator was built from
	Forward *forward.Operator
	Noise   *covariance.Covariance

	// Converged and Iterations describe the eLORETA reweighting
	Converged  bool
	Iterations int

	kernel    *mat.Dense // sources·components × channels
	whitener  *covariance.Whitener
	sourceCov []float64 // diagonal of the source prior, per column
	noiseNorm []float64 // per source
	slorNorm  []float64 // per source

	identity string
}

// Make builds the inverse operator of fwd under the noise covariance. MNE,
// dSPM and sLORETA share one kernel; the requested normalization is applied
// when estimates are computed.
func Make(fwd *forward.Operator, noise *covariance.Covariance, p Params) (*Operator, error) {
	start := time.Now()
	log := logging.OrNop(p.Logger).Named(stage)
	op, err := build(fwd, noise, p, log)
	if err != nil {
		p.Metrics.StageFailed(stage, errors.KindOf(err).String())
		return nil, err
	}
	p.Metrics.ObserveStage(stage, start)
	log.Info("inverse operator ready",
		logging.String("method", op.Method.String()),
		logging.Float64("lambda2", op.Lambda2),
		logging.Int("rank", op.whitener.Rank),
		logging.Bool("converged", op.Converged),
		logging.String("identity", op.identity),
		logging.Duration("elapsed", time.Since(start)))
	return op, nil
}

func build(fwd *forward.Operator, noise *covariance.Covariance, p Params, log logging.Logger) (*Operator, error) {
	if p.Method.Beamformer() {
		return nil, fmt.Errorf("inverse: %s is a spatial filter, not an inverse operator", p.Method)
	}
	lambda2, err := p.lambda2()
	if err != nil {
		return nil, err
	}
	picked, err := noise.Pick(fwd.Sensors().Names())
	if err != nil {
		return nil, err
	}
	wopts := p.Whitening
	if wopts.Weighting == "" {
		wopts.Weighting = covariance.PerType
	}
	if wopts.Kinds == nil {
		wopts.Kinds = fwd.Sensors().Kinds()
	}
	wh, err := covariance.NewWhitener(picked, wopts)
	if err != nil {
		return nil, err
	}
	gw, err := wh.WhitenGain(fwd.Gain())
	if err != nil {
		return nil, err
	}

	op := &Operator{
		Method:    p.Method,
		Lambda2:   lambda2,
		Forward:   fwd,
		Noise:     noise,
		Converged: true,
		whitener:  wh,
	}
	var kw *mat.Dense // kernel in whitened space
	var prior []*mat.SymDense
	if p.Method == models.ELORETA {
		res, err := reweight(gw, fwd.Components(), lambda2, p.Tol, p.MaxIter)
		if err != nil {
			return nil, err
		}
		p.Metrics.Reweighting(res.iterations)
		op.Converged, op.Iterations = res.converged, res.iterations
		if !res.converged {
			if p.Strict {
				return nil, errors.Convergence(stage, "eLORETA did not converge in %d iterations, last change %.3g > %.3g",
					res.iterations, res.change, p.Tol).WithInput(fwd.Identity())
			}
			log.Warn("eLORETA did not converge",
				logging.Int("iterations", res.iterations),
				logging.Float64("change", res.change),
				logging.Float64("tol", p.Tol))
		}
		kw, prior = res.kernel, res.prior
	} else {
		prior, err = priorBlocks(gw, fwd, p.Depth, p.Loose)
		if err != nil {
			return nil, err
		}
		kw, op.noiseNorm, op.slorNorm, err = minimumNorm(gw, prior, fwd.Components(), lambda2)
		if err != nil {
			return nil, err
		}
	}

	op.kernel = mat.NewDense(fwd.Sources().Columns(), fwd.NChannels(), nil)
	op.kernel.Mul(kw, wh.W)
	op.sourceCov = blockDiagonal(prior)
	op.identity = op.hash()
	return op, nil
}

// minimumNorm computes K̃ = R^½ V diag(s/(s²+λ²)) Uᵗ from the SVD of
// G̃R^½ = U S Vᵗ, with the dSPM and sLORETA normalizations from the same
// factors
func minimumNorm(gw *mat.Dense, prior []*mat.SymDense, nc int, lambda2 float64) (*mat.Dense, []float64, []float64, error) {
	roots := make([]*mat.SymDense, len(prior))
	for i, b := range prior {
		r, err := blockPow(b, 0.5)
		if err != nil {
			return nil, nil, nil, err
		}
		roots[i] = r
	}
	a := rightBlocks(gw, roots)

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, nil, nil, errors.Singular(stage, "SVD of the weighted whitened gain failed")
	}
	s := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	rv := leftBlocks(roots, &v)

	filt := make([]float64, len(s))
	proj := make([]float64, len(s))
	for j, sj := range s {
		den := sj*sj + lambda2
		if den > 0 {
			filt[j] = sj / den
			proj[j] = sj / math.Sqrt(den)
		}
	}

	ncols, k := rv.Dims()
	scaled := mat.NewDense(ncols, k, nil)
	nn := make([]float64, ncols)
	sl := make([]float64, ncols)
	for r := 0; r < ncols; r++ {
		row := rv.RawRowView(r)
		out := scaled.RawRowView(r)
		for j := range row {
			out[j] = row[j] * filt[j]
			nn[r] += out[j] * out[j]
			p := row[j] * proj[j]
			sl[r] += p * p
		}
	}
	kw := mat.NewDense(ncols, u.RawMatrix().Rows, nil)
	kw.Mul(scaled, u.T())

	noiseNorm, err := perSource(nn, nc, "dSPM")
	if err != nil {
		return nil, nil, nil, err
	}
	slorNorm, err := perSource(sl, nc, "sLORETA")
	if err != nil {
		return nil, nil, nil, err
	}
	return kw, noiseNorm, slorNorm, nil
}

// perSource sums per-column variances over each source's components and
// returns 1/√sum
func perSource(v []float64, nc int, what string) ([]float64, error) {
	out := make([]float64, len(v)/nc)
	for i := range out {
		var sum float64
		for c := 0; c < nc; c++ {
			sum += v[i*nc+c]
		}
		if !(sum > 0) || math.IsInf(sum, 0) {
			return nil, errors.Instability(stage, "%s normalization of source %d is %g", what, i, sum)
		}
		out[i] = 1 / math.Sqrt(sum)
	}
	return out, nil
}

func (op *Operator) hash() string {
	k := op.kernel.RawMatrix()
	d := models.NewDigest("inverse").
		Text(op.Forward.Identity()).
		Text(op.Noise.Identity()).
		Text(op.whitener.Identity()).
		Int(int(op.Method)).
		Float(op.Lambda2).
		Int(k.Rows).Int(k.Cols).
		Floats(k.Data).
		Floats(op.sourceCov).
		Floats(op.noiseNorm).
		Floats(op.slorNorm).
		Int(op.Iterations)
	if op.Converged {
		d.Int(1)
	} else {
		d.Int(0)
	}
	return d.Sum()
}

// Identity is the content hash of the operator
func (op *Operator) Identity() string { return op.identity }

// Kernel returns a read-only view of the raw-channel kernel
func (op *Operator) Kernel() mat.Matrix { return op.kernel }

// Whitener used to build the kernel
func (op *Operator) Whitener() *covariance.Whitener { return op.whitener }

// Channels the kernel columns follow
func (op *Operator) Channels() []string { return op.Forward.Sensors().Names() }

// Components per source
func (op *Operator) Components() int { return op.Forward.Components() }

// NSources returns the number of sources the kernel estimates
func (op *Operator) NSources() int { return op.Forward.NSources() }

// SourceCov returns the diagonal of the source prior, one value per column
func (op *Operator) SourceCov() []float64 { return append([]float64(nil), op.sourceCov...) }

// NoiseNorm returns the per-source dSPM scale; nil for eLORETA
func (op *Operator) NoiseNorm() []float64 { return append([]float64(nil), op.noiseNorm...) }

// SLORETANorm returns the per-source sLORETA scale; nil for eLORETA
func (op *Operator) SLORETANorm() []float64 { return append([]float64(nil), op.slorNorm...) }

// Normalization returns the per-source scale that turns the kernel output into
// the requested method, or nil when none applies
func (op *Operator) Normalization(m models.Method) ([]float64, error) {
	if (m == models.ELORETA) != (op.Method == models.ELORETA) {
		return nil, fmt.Errorf("inverse: cannot apply %s with a %s operator", m, op.Method)
	}
	switch m {
	case models.MNE, models.ELORETA:
		return nil, nil
	case models.DSPM:
		return op.noiseNorm, nil
	case models.SLORETA:
		return op.slorNorm, nil
	}
	return nil, fmt.Errorf("inverse: %s is not an inverse method", m)
}
