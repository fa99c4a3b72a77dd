package inverse

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"neurosource/internal/models"
	"neurosource/pkg/covariance"
	"neurosource/pkg/errors"
	"neurosource/pkg/forward"
	"neurosource/pkg/geometry"
)

// Resolution returns the resolution matrix K·G of op against fwd, with rows
// scaled by the normalization of method. A nil fwd uses the operator's own
// forward. Column j holds the point-spread of unit source column j.
func Resolution(op *Operator, fwd *forward.Operator, method models.Method) (*mat.Dense, error) {
	if fwd == nil {
		fwd = op.Forward
	}
	if err := sameChannels(op.Channels(), fwd.Sensors().Names()); err != nil {
		return nil, err
	}
	scale, err := op.Normalization(method)
	if err != nil {
		return nil, err
	}
	rows, _ := op.kernel.Dims()
	res := mat.NewDense(rows, fwd.Sources().Columns(), nil)
	res.Mul(op.kernel, fwd.Gain())
	if scale != nil {
		nc := op.Components()
		for r := 0; r < rows; r++ {
			row := res.RawRowView(r)
			for j := range row {
				row[j] *= scale[r/nc]
			}
		}
	}
	return res, nil
}

func sameChannels(a, b []string) error {
	if len(a) != len(b) {
		return errors.Dimension(stage, "operator has %d channels, forward has %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			return errors.Dimension(stage, "channel %d is %q in the operator and %q in the forward", i, a[i], b[i])
		}
	}
	return nil
}

// PeakLocalizationError returns, for every true source of a resolution
// matrix, the distance between it and the estimated source with the largest
// point-spread amplitude. Components are combined by their Euclidean norm.
func PeakLocalizationError(res mat.Matrix, est, truth *geometry.SourceSpace) ([]float64, error) {
	r, c := res.Dims()
	if r != est.Columns() || c != truth.Columns() {
		return nil, errors.Dimension(stage, "resolution matrix is %d×%d, expected %d×%d", r, c, est.Columns(), truth.Columns())
	}
	ne, nt := est.Orientation.Components(), truth.Orientation.Components()
	out := make([]float64, truth.Len())
	for j := range out {
		peak, best := 0, math.Inf(-1)
		for i := 0; i < est.Len(); i++ {
			var amp float64
			for a := 0; a < ne; a++ {
				for b := 0; b < nt; b++ {
					v := res.At(i*ne+a, j*nt+b)
					amp += v * v
				}
			}
			if amp > best {
				peak, best = i, amp
			}
		}
		out[j] = est.Positions[peak].Sub(truth.Positions[j]).Norm()
	}
	return out, nil
}

// Parts are the pieces of an operator that are stored; everything else is
// derived from the forward and noise covariance it references
type Parts struct {
	Method      models.Method
	Lambda2     float64
	Whitening   mat.Matrix
	Kernel      mat.Matrix
	SourceCov   []float64
	NoiseNorm   []float64
	SLORETANorm []float64
	Converged   bool
	Iterations  int
}

// Parts returns views of the stored pieces
func (op *Operator) Parts() Parts {
	return Parts{
		Method:      op.Method,
		Lambda2:     op.Lambda2,
		Whitening:   op.whitener.W,
		Kernel:      op.kernel,
		SourceCov:   op.sourceCov,
		NoiseNorm:   op.noiseNorm,
		SLORETANorm: op.slorNorm,
		Converged:   op.Converged,
		Iterations:  op.Iterations,
	}
}

// Restore reassembles a stored operator against the artifacts it was built
// from. The identity matches the original when the parts are bit-identical.
func Restore(fwd *forward.Operator, noise *covariance.Covariance, parts Parts) (*Operator, error) {
	picked, err := noise.Pick(fwd.Sensors().Names())
	if err != nil {
		return nil, err
	}
	wh, err := covariance.RestoreWhitener(picked, parts.Whitening)
	if err != nil {
		return nil, err
	}
	r, c := parts.Kernel.Dims()
	if r != fwd.Sources().Columns() || c != fwd.NChannels() {
		return nil, errors.Dimension(stage, "kernel is %d×%d, forward needs %d×%d",
			r, c, fwd.Sources().Columns(), fwd.NChannels()).WithInput(fwd.Identity())
	}
	ns := fwd.NSources()
	for _, v := range [][]float64{parts.NoiseNorm, parts.SLORETANorm} {
		if len(v) != 0 && len(v) != ns {
			return nil, errors.Dimension(stage, "normalization has %d entries for %d sources", len(v), ns)
		}
	}
	if len(parts.SourceCov) != 0 && len(parts.SourceCov) != r {
		return nil, errors.Dimension(stage, "source prior has %d entries for %d columns", len(parts.SourceCov), r)
	}
	op := &Operator{
		Method:     parts.Method,
		Lambda2:    parts.Lambda2,
		Forward:    fwd,
		Noise:      noise,
		Converged:  parts.Converged,
		Iterations: parts.Iterations,
		kernel:     mat.DenseCopyOf(parts.Kernel),
		whitener:   wh,
		sourceCov:  copyOrNil(parts.SourceCov),
		noiseNorm:  copyOrNil(parts.NoiseNorm),
		slorNorm:   copyOrNil(parts.SLORETANorm),
	}
	op.identity = op.hash()
	return op, nil
}

func copyOrNil(v []float64) []float64 {
	if len(v) == 0 {
		return nil
	}
	return append([]float64(nil), v...)
}
