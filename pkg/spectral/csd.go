// Package spectral estimates cross-spectral density matrices of multichannel
// trials, the frequency-domain input of the DICS beamformer.
package spectral

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"

	"neurosource/pkg/errors"
	"neurosource/pkg/sensors"
)

const stage = "spectral"

// CSD holds one Hermitian channel × channel matrix per frequency bin
type CSD struct {
	Channels    []string
	Frequencies []float64
	Matrices    []*mat.CDense
	NTrials     int
}

// Options configures CSD
type Options struct {
	// Workers bounds the per-trial transforms
	Workers int
}

// Estimate computes the Hann-tapered cross-spectral density of every
// frequency bin in [fmin, fmax], averaged over trials. Each trial is demeaned
// per channel before tapering.
func Estimate(ctx context.Context, e *sensors.Epochs, fmin, fmax float64, opts Options) (*CSD, error) {
	if fmin < 0 || fmax < fmin {
		return nil, errors.Dimension(stage, "invalid band [%g, %g] Hz", fmin, fmax)
	}
	n := e.NTimes()
	nch := len(e.Channels)
	df := e.SFreq / float64(n)
	var bins []int
	for k := 0; k <= n/2; k++ {
		f := float64(k) * df
		if f >= fmin && f <= fmax {
			bins = append(bins, k)
		}
	}
	if len(bins) == 0 {
		return nil, errors.Dimension(stage, "no frequency bin of resolution %g Hz falls in [%g, %g] Hz", df, fmin, fmax)
	}

	taper := hann(n)
	var power float64
	for _, w := range taper {
		power += w * w
	}
	// one-sided density
	scale := 2 / (e.SFreq * power)

	workers := opts.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	spectra := make([][][]complex128, e.NTrials()) // trial → bin → channel
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for t := range e.Trials {
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			spectra[t] = trialSpectrum(e.Trials[t], taper, bins)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &CSD{
		Channels:    append([]string(nil), e.Channels...),
		Frequencies: make([]float64, len(bins)),
		Matrices:    make([]*mat.CDense, len(bins)),
		NTrials:     e.NTrials(),
	}
	norm := scale / float64(e.NTrials())
	for b, k := range bins {
		out.Frequencies[b] = float64(k) * df
		m := mat.NewCDense(nch, nch, nil)
		for _, sp := range spectra {
			x := sp[b]
			for i := 0; i < nch; i++ {
				for j := i; j < nch; j++ {
					m.Set(i, j, m.At(i, j)+x[i]*complex(real(x[j]), -imag(x[j])))
				}
			}
		}
		for i := 0; i < nch; i++ {
			for j := i; j < nch; j++ {
				v := m.At(i, j) * complex(norm, 0)
				m.Set(i, j, v)
				m.Set(j, i, complex(real(v), -imag(v)))
			}
		}
		out.Matrices[b] = m
	}
	return out, nil
}

// trialSpectrum returns the tapered Fourier coefficients of each channel at
// the requested bins
func trialSpectrum(trial *mat.Dense, taper []float64, bins []int) [][]complex128 {
	nch, n := trial.Dims()
	fft := fourier.NewFFT(n)
	coef := make([]complex128, n/2+1)
	seq := make([]float64, n)
	out := make([][]complex128, len(bins))
	for b := range out {
		out[b] = make([]complex128, nch)
	}
	for c := 0; c < nch; c++ {
		row := trial.RawRowView(c)
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(n)
		for i, v := range row {
			seq[i] = (v - mean) * taper[i]
		}
		fft.Coefficients(coef, seq)
		for b, k := range bins {
			out[b][c] = coef[k]
		}
	}
	return out
}

// hann returns the symmetric Hann window of length n
func hann(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

// RealMean returns the real part of the CSD averaged over all bins, the
// symmetric matrix the DICS filter is built from
func (c *CSD) RealMean() *mat.SymDense {
	n := len(c.Channels)
	out := mat.NewSymDense(n, nil)
	inv := 1 / float64(len(c.Matrices))
	for _, m := range c.Matrices {
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				out.SetSym(i, j, out.At(i, j)+real(m.At(i, j))*inv)
			}
		}
	}
	return out
}

// Power returns the per-channel spectral power averaged over the band
func (c *CSD) Power() []float64 {
	n := len(c.Channels)
	out := make([]float64, n)
	for _, m := range c.Matrices {
		for i := 0; i < n; i++ {
			out[i] += real(m.At(i, i)) / float64(len(c.Matrices))
		}
	}
	return out
}
