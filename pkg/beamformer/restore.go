package beamformer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"neurosource/internal/models"
	"neurosource/pkg/covariance"
	"neurosource/pkg/errors"
	"neurosource/pkg/forward"
)

// Parts are the stored pieces of a filter
type Parts struct {
	Method        models.Method
	SourceIndices []int
	Orientations  []models.Vec3
	Excluded      []int
	Frequencies   []float64
	Reg           float64
	PickOri       PickOri
	WeightNorm    WeightNorm

	// DataID identifies the data covariance or cross-spectral density
	DataID string

	// Whitening is nil when the filter was built without a noise covariance
	Whitening mat.Matrix
	Weights   mat.Matrix
}

// Parts returns views of the stored pieces
func (f *Filter) Parts() Parts {
	p := Parts{
		Method:        f.Method,
		SourceIndices: f.SourceIndices,
		Orientations:  f.Orientations,
		Frequencies:   f.Frequencies,
		Reg:           f.Reg,
		PickOri:       f.PickOri,
		WeightNorm:    f.WeightNorm,
		DataID:        f.dataID,
		Weights:       f.weights,
	}
	for _, e := range f.Excluded {
		p.Excluded = append(p.Excluded, e.Index)
	}
	if f.whitener != nil {
		p.Whitening = f.whitener.W
	}
	return p
}

// Restore reassembles a stored filter against its forward operator and noise
// covariance. Restored filters apply exactly like the original but cannot
// report NormalizedPower.
func Restore(fwd *forward.Operator, noise *covariance.Covariance, parts Parts) (*Filter, error) {
	if !parts.Method.Beamformer() {
		return nil, fmt.Errorf("%s is not a spatial filter", parts.Method)
	}
	ns, nc := fwd.NSources(), fwd.Components()
	for _, i := range append(append([]int(nil), parts.SourceIndices...), parts.Excluded...) {
		if i < 0 || i >= ns {
			return nil, errors.Dimension(stage, "source %d out of range for %d sources", i, ns).WithInput(fwd.Identity())
		}
	}
	if len(parts.SourceIndices) == 0 {
		return nil, errors.Dimension(stage, "filter keeps no sources")
	}
	r, c := parts.Weights.Dims()
	out := r / len(parts.SourceIndices)
	if c != fwd.NChannels() || r%len(parts.SourceIndices) != 0 || (out != 1 && out != nc) {
		return nil, errors.Dimension(stage, "weights are %d×%d for %d sources over %d channels",
			r, c, len(parts.SourceIndices), fwd.NChannels()).WithInput(fwd.Identity())
	}
	if len(parts.Orientations) != 0 && len(parts.Orientations) != len(parts.SourceIndices) {
		return nil, errors.Dimension(stage, "%d orientations for %d sources", len(parts.Orientations), len(parts.SourceIndices))
	}

	f := &Filter{
		Method:        parts.Method,
		SourceIndices: append([]int(nil), parts.SourceIndices...),
		Forward:       fwd,
		NoiseCov:      noise,
		Reg:           parts.Reg,
		PickOri:       parts.PickOri,
		WeightNorm:    parts.WeightNorm,
		weights:       mat.DenseCopyOf(parts.Weights),
		dataID:        parts.DataID,
	}
	if len(parts.Orientations) > 0 {
		f.Orientations = append([]models.Vec3(nil), parts.Orientations...)
	}
	if len(parts.Frequencies) > 0 {
		f.Frequencies = append([]float64(nil), parts.Frequencies...)
	}
	for _, i := range parts.Excluded {
		f.Excluded = append(f.Excluded, Exclusion{Index: i, Err: errors.Instability(stage, "source %d was excluded when the filter was built", i)})
	}
	if noise != nil && parts.Whitening != nil {
		picked, err := noise.Pick(fwd.Sensors().Names())
		if err != nil {
			return nil, err
		}
		if f.whitener, err = covariance.RestoreWhitener(picked, parts.Whitening); err != nil {
			return nil, err
		}
	}
	f.identity = f.hash()
	return f, nil
}
