// Package estimate applies inverse operators and spatial filters to sensor
// measurements, producing source time courses.
package estimate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"neurosource/internal/models"
	"neurosource/pkg/beamformer"
	"neurosource/pkg/errors"
	"neurosource/pkg/inverse"
	"neurosource/pkg/sensors"
)

const stage = "estimate"

// PickOri selects how free-orientation components are reported
type PickOri string

const (
	// Norm combines the three components into their Euclidean norm
	Norm PickOri = "norm"
	// Vector keeps all three components
	Vector PickOri = "vector"
	// Normal keeps the component along the source normal
	Normal PickOri = "normal"
)

// ParsePickOri maps a config name to a PickOri
func ParsePickOri(name string) (PickOri, error) {
	switch o := PickOri(name); o {
	case Norm, Vector, Normal:
		return o, nil
	case "":
		return Norm, nil
	}
	return "", fmt.Errorf("unknown orientation pick %q", name)
}

// Measurement is one block of sensor data, channels × time samples
type Measurement struct {
	Channels []string
	Data     mat.Matrix
	Tmin     float64
	Tstep    float64
}

// Trial returns trial k of the epochs as a measurement
func Trial(e *sensors.Epochs, k int) Measurement {
	return Measurement{Channels: e.Channels, Data: e.Trials[k], Tmin: e.Tmin, Tstep: e.Tstep()}
}

// Evoked returns the trial average of the epochs
func Evoked(e *sensors.Epochs) Measurement {
	return Measurement{Channels: e.Channels, Data: e.Average(), Tmin: e.Tmin, Tstep: e.Tstep()}
}

// pick returns the rows of m in the order of channels
func (m Measurement) pick(channels []string) (*mat.Dense, error) {
	index := make(map[string]int, len(m.Channels))
	for i, n := range m.Channels {
		index[n] = i
	}
	r, c := m.Data.Dims()
	if r != len(m.Channels) {
		return nil, errors.Dimension(stage, "measurement has %d rows for %d channels", r, len(m.Channels))
	}
	out := mat.NewDense(len(channels), c, nil)
	for i, n := range channels {
		j, ok := index[n]
		if !ok {
			return nil, errors.Dimension(stage, "channel %q is missing from the measurement", n)
		}
		mat.Row(out.RawRowView(i), j, m.Data)
	}
	return out, nil
}

// SourceEstimate is an immutable set of source time courses. Rows hold
// Components consecutive entries per source.
type SourceEstimate struct {
	data *mat.Dense

	// SourceIndices refer to the source space the forward operator was built from
	SourceIndices []int

	Tmin       float64
	Tstep      float64
	Method     models.Method
	Components int
}

// NewSourceEstimate takes ownership of data
func NewSourceEstimate(data *mat.Dense, indices []int, components int, tmin, tstep float64, method models.Method) (*SourceEstimate, error) {
	r, _ := data.Dims()
	if components < 1 || r != len(indices)*components {
		return nil, errors.Dimension(stage, "estimate has %d rows for %d sources × %d components", r, len(indices), components)
	}
	return &SourceEstimate{
		data:          data,
		SourceIndices: append([]int(nil), indices...),
		Tmin:          tmin,
		Tstep:         tstep,
		Method:        method,
		Components:    components,
	}, nil
}

// Data returns a copy of the time courses
func (s *SourceEstimate) Data() *mat.Dense { return mat.DenseCopyOf(s.data) }

// At returns row r at sample t
func (s *SourceEstimate) At(r, t int) float64 { return s.data.At(r, t) }

// NSources returns the number of sources
func (s *SourceEstimate) NSources() int { return len(s.SourceIndices) }

// NTimes returns the number of samples
func (s *SourceEstimate) NTimes() int {
	_, c := s.data.Dims()
	return c
}

// Times returns the sample times in seconds
func (s *SourceEstimate) Times() []float64 {
	out := make([]float64, s.NTimes())
	for i := range out {
		out[i] = s.Tmin + float64(i)*s.Tstep
	}
	return out
}

// Amplitude returns the component norm of source i at sample t
func (s *SourceEstimate) Amplitude(i, t int) float64 {
	var ss float64
	for c := 0; c < s.Components; c++ {
		v := s.data.At(i*s.Components+c, t)
		ss += v * v
	}
	return math.Sqrt(ss)
}

// Peak is the largest amplitude of an estimate
type Peak struct {
	// Source indexes the original source space
	Source    int
	Sample    int
	Time      float64
	Amplitude float64
}

// Peak returns the source and sample of largest amplitude
func (s *SourceEstimate) Peak() Peak {
	best := Peak{Amplitude: -1}
	for i := range s.SourceIndices {
		for t := 0; t < s.NTimes(); t++ {
			if a := s.Amplitude(i, t); a > best.Amplitude {
				best = Peak{Source: s.SourceIndices[i], Sample: t, Time: s.Tmin + float64(t)*s.Tstep, Amplitude: a}
			}
		}
	}
	return best
}

// ApplyOptions configures ApplyInverse
type ApplyOptions struct {
	// Method selects the normalization; it must belong to the operator's family
	Method  models.Method
	PickOri PickOri
}

// ApplyInverse multiplies the measurement by the operator kernel and applies
// the normalization of the requested method per source
func ApplyInverse(m Measurement, op *inverse.Operator, opts ApplyOptions) (*SourceEstimate, error) {
	scale, err := op.Normalization(opts.Method)
	if err != nil {
		return nil, err
	}
	x, err := m.pick(op.Channels())
	if err != nil {
		return nil, err
	}
	kr, _ := op.Kernel().Dims()
	_, nt := x.Dims()
	sol := mat.NewDense(kr, nt, nil)
	sol.Mul(op.Kernel(), x)

	nc := op.Components()
	if scale != nil {
		for r := 0; r < kr; r++ {
			row := sol.RawRowView(r)
			for t := range row {
				row[t] *= scale[r/nc]
			}
		}
	}

	fwd := op.Forward
	if nc == 1 || opts.PickOri == Vector {
		return NewSourceEstimate(sol, fwd.SourceIndices, nc, m.Tmin, m.Tstep, opts.Method)
	}
	ns := fwd.NSources()
	out := mat.NewDense(ns, nt, nil)
	switch opts.PickOri {
	case Normal:
		normals := fwd.Sources().Normals
		if len(normals) != ns {
			return nil, errors.Dimension(stage, "normal orientation needs %d source normals, got %d", ns, len(normals)).
				WithInput(fwd.Sources().Identity())
		}
		for i := 0; i < ns; i++ {
			row := out.RawRowView(i)
			for t := range row {
				for c := 0; c < 3; c++ {
					row[t] += normals[i][c] * sol.At(3*i+c, t)
				}
			}
		}
	default:
		for i := 0; i < ns; i++ {
			row := out.RawRowView(i)
			for t := range row {
				var ss float64
				for c := 0; c < 3; c++ {
					v := sol.At(3*i+c, t)
					ss += v * v
				}
				row[t] = math.Sqrt(ss)
			}
		}
	}
	return NewSourceEstimate(out, fwd.SourceIndices, 1, m.Tmin, m.Tstep, opts.Method)
}

// ApplyFilter multiplies the measurement by the spatial filter weights
func ApplyFilter(m Measurement, f *beamformer.Filter) (*SourceEstimate, error) {
	x, err := m.pick(f.Channels())
	if err != nil {
		return nil, err
	}
	wr, _ := f.Weights().Dims()
	_, nt := x.Dims()
	sol := mat.NewDense(wr, nt, nil)
	sol.Mul(f.Weights(), x)

	indices := make([]int, len(f.SourceIndices))
	for k, i := range f.SourceIndices {
		indices[k] = f.Forward.SourceIndices[i]
	}
	return NewSourceEstimate(sol, indices, f.Components(), m.Tmin, m.Tstep, f.Method)
}
