// Package simulate generates synthetic sensor data from known dipoles and
// scores how well inverse solutions recover them.
package simulate

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"neurosource/internal/models"
	"neurosource/pkg/covariance"
	"neurosource/pkg/errors"
	"neurosource/pkg/forward"
	"neurosource/pkg/sensors"
)

const stage = "simulate"

// Dipole is an active source with its time course
type Dipole struct {
	// Source indexes the forward operator's kept sources
	Source int

	// Orientation of the moment for free sources; fixed sources use their normal
	Orientation models.Vec3

	// Waveform is the moment in A·m per sample
	Waveform []float64
}

// Sine returns n samples of amp·sin(2πft + phase)
func Sine(n int, sfreq, freq, amp, phase float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/sfreq+phase)
	}
	return out
}

// Pulse returns n samples of a Gaussian bump peaking at sample center
func Pulse(n int, center, width, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		d := (float64(i) - center) / width
		out[i] = amp * math.Exp(-0.5*d*d)
	}
	return out
}

// SensorData projects the dipoles through the gain: channels × samples
func SensorData(fwd *forward.Operator, dipoles []Dipole) (*mat.Dense, error) {
	if len(dipoles) == 0 {
		return nil, errors.Dimension(stage, "no dipoles")
	}
	nt := len(dipoles[0].Waveform)
	nc := fwd.Components()
	out := mat.NewDense(fwd.NChannels(), nt, nil)
	for k, d := range dipoles {
		if d.Source < 0 || d.Source >= fwd.NSources() {
			return nil, errors.Dimension(stage, "dipole %d source %d out of range for %d sources", k, d.Source, fwd.NSources())
		}
		if len(d.Waveform) != nt || nt == 0 {
			return nil, errors.Dimension(stage, "dipole %d has %d samples, expected %d", k, len(d.Waveform), nt)
		}
		moment := mat.NewVecDense(nc, nil)
		if nc == 1 {
			moment.SetVec(0, 1)
		} else {
			u := d.Orientation.Unit()
			if u.Norm() == 0 {
				return nil, errors.Dimension(stage, "dipole %d needs an orientation", k)
			}
			for c := 0; c < 3; c++ {
				moment.SetVec(c, u[c])
			}
		}
		var topo mat.VecDense
		topo.MulVec(fwd.SourceColumns(d.Source), moment)
		var outer mat.Dense
		outer.Outer(1, &topo, mat.NewVecDense(nt, d.Waveform))
		out.Add(out, &outer)
	}
	return out, nil
}

// Noise draws samples with a given covariance
type Noise struct {
	channels []string
	factor   *mat.Dense
	rng      *rand.Rand
}

// NewNoise factors the covariance as F Fᵗ through its eigendecomposition, so
// rank-deficient covariances are accepted
func NewNoise(c *covariance.Covariance, seed int64) (*Noise, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(c.Matrix(), true); !ok {
		return nil, errors.Singular(stage, "eigendecomposition of the noise covariance failed").WithInput(c.Identity())
	}
	values := eig.Values(nil)
	var vec mat.Dense
	eig.VectorsTo(&vec)
	n := len(values)
	f := mat.NewDense(n, n, nil)
	for j, v := range values {
		s := math.Sqrt(math.Max(v, 0))
		for i := 0; i < n; i++ {
			f.Set(i, j, vec.At(i, j)*s)
		}
	}
	return &Noise{channels: c.Channels(), factor: f, rng: rand.New(rand.NewSource(seed))}, nil
}

// Sample returns channels × nt noise
func (n *Noise) Sample(nt int) *mat.Dense {
	nch, _ := n.factor.Dims()
	z := mat.NewDense(nch, nt, nil)
	raw := z.RawMatrix().Data
	for i := range raw {
		raw[i] = n.rng.NormFloat64()
	}
	out := mat.NewDense(nch, nt, nil)
	out.Mul(n.factor, z)
	return out
}

// Params configures Epochs
type Params struct {
	NTrials int
	SFreq   float64
	Tmin    float64
	Seed    int64
}

// Epochs returns trials of the dipole signal plus noise drawn from cov, which
// may be nil for noiseless trials
func Epochs(fwd *forward.Operator, dipoles []Dipole, cov *covariance.Covariance, p Params) (*sensors.Epochs, error) {
	signal, err := SensorData(fwd, dipoles)
	if err != nil {
		return nil, err
	}
	if p.NTrials < 1 {
		p.NTrials = 1
	}
	var noise *Noise
	if cov != nil {
		picked, err := cov.Pick(fwd.Sensors().Names())
		if err != nil {
			return nil, err
		}
		if noise, err = NewNoise(picked, p.Seed); err != nil {
			return nil, err
		}
	}
	_, nt := signal.Dims()
	trials := make([]*mat.Dense, p.NTrials)
	for k := range trials {
		tr := mat.DenseCopyOf(signal)
		if noise != nil {
			tr.Add(tr, noise.Sample(nt))
		}
		trials[k] = tr
	}
	return sensors.NewEpochs(fwd.Sensors().Names(), p.SFreq, p.Tmin, trials)
}
