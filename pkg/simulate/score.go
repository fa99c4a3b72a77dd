package simulate

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"neurosource/internal/models"
	"neurosource/pkg/covariance"
	"neurosource/pkg/errors"
	"neurosource/pkg/estimate"
	"neurosource/pkg/forward"
	"neurosource/pkg/geometry"
	"neurosource/pkg/inverse"
)

// PeakError is the distance in meters between the peak of est and the true
// source. Both indices refer to src, the full source space.
func PeakError(est *estimate.SourceEstimate, src *geometry.SourceSpace, truth int) (float64, error) {
	p := est.Peak()
	if p.Source < 0 || p.Source >= src.Len() || truth < 0 || truth >= src.Len() {
		return 0, errors.Dimension(stage, "source %d or %d out of range for %d sources", p.Source, truth, src.Len())
	}
	return src.Positions[p.Source].Sub(src.Positions[truth]).Norm(), nil
}

// TopographyCorrelation is the Pearson correlation of two sensor patterns
func TopographyCorrelation(a, b []float64) float64 {
	return stat.Correlation(a, b, nil)
}

// SweepParams configures RegularizationSweep
type SweepParams struct {
	// Base is copied for every point; Lambda2 is replaced
	Base    inverse.Params
	Trials  int
	Seed    int64
	Workers int
}

// SweepPoint summarizes one regularization value
type SweepPoint struct {
	Lambda2 float64

	// Variance is the across-trial variance of the estimate at the peak
	// sample, summed over source rows
	Variance float64

	// Bias is the RMS distance from the true source of the noise-free
	// estimate at the peak sample, weighted by source energy
	Bias float64

	// Leakage is the share of the noise-free estimate's energy that lands
	// away from the true source
	Leakage float64

	// PeakError is the peak localization error of the trial-averaged estimate
	PeakError float64
}

// RegularizationSweep builds one operator per λ² and applies it to the same
// noisy trials of a single dipole, so the points differ only in λ². Bias and
// Leakage describe the expected estimate and come from the noise-free data.
func RegularizationSweep(ctx context.Context, fwd *forward.Operator, noise *covariance.Covariance,
	dipole Dipole, lambdas []float64, p SweepParams) ([]SweepPoint, error) {
	if p.Trials < 2 {
		p.Trials = 2
	}
	ep, err := Epochs(fwd, []Dipole{dipole}, noise, Params{NTrials: p.Trials, SFreq: 1, Seed: p.Seed})
	if err != nil {
		return nil, err
	}
	peak := 0
	for i, v := range dipole.Waveform {
		if math.Abs(v) > math.Abs(dipole.Waveform[peak]) {
			peak = i
		}
	}
	clean, err := SensorData(fwd, []Dipole{dipole})
	if err != nil {
		return nil, err
	}
	expected := estimate.Measurement{Channels: ep.Channels, Data: clean, Tstep: ep.Tstep()}
	truth := fwd.SourceIndices[dipole.Source]

	workers := p.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	out := make([]SweepPoint, len(lambdas))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for k, l2 := range lambdas {
		k, l2 := k, l2
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ip := p.Base
			ip.Lambda2 = l2
			ip.SNR = 0
			op, err := inverse.Make(fwd, noise, ip)
			if err != nil {
				return err
			}
			opts := estimate.ApplyOptions{Method: ip.Method, PickOri: estimate.Vector}

			var rows [][]float64
			var avg estimate.Averager
			for t := 0; t < ep.NTrials(); t++ {
				est, err := estimate.ApplyInverse(estimate.Trial(ep, t), op, opts)
				if err != nil {
					return err
				}
				if err := avg.Add(est); err != nil {
					return err
				}
				col := make([]float64, est.NSources()*est.Components)
				for r := range col {
					col[r] = est.At(r, peak)
				}
				rows = append(rows, col)
			}
			var variance float64
			x := make([]float64, len(rows))
			for r := range rows[0] {
				for t := range rows {
					x[t] = rows[t][r]
				}
				variance += stat.Variance(x, nil)
			}
			peakErr, err := PeakError(avg.Mean(), originalSpace(fwd), truth)
			if err != nil {
				return err
			}
			est, err := estimate.ApplyInverse(expected, op, opts)
			if err != nil {
				return err
			}
			bias, leakage := spread(est, fwd.Sources().Positions, dipole.Source, peak)
			out[k] = SweepPoint{Lambda2: l2, Variance: variance, Bias: bias, Leakage: leakage, PeakError: peakErr}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// spread returns the energy-weighted RMS distance of est at sample from the
// kept source truth, and the share of the energy away from truth
func spread(est *estimate.SourceEstimate, positions []models.Vec3, truth, sample int) (float64, float64) {
	nc := est.Components
	var total, far, at float64
	for s := 0; s < est.NSources(); s++ {
		var e float64
		for c := 0; c < nc; c++ {
			v := est.At(s*nc+c, sample)
			e += v * v
		}
		d := positions[s].Sub(positions[truth]).Norm()
		total += e
		far += d * d * e
		if s == truth {
			at = e
		}
	}
	if total == 0 {
		return math.NaN(), math.NaN()
	}
	return math.Sqrt(far / total), 1 - at/total
}

// originalSpace indexes kept sources by their original index, which is all
// PeakError needs
func originalSpace(fwd *forward.Operator) *geometry.SourceSpace {
	n := 0
	for _, i := range fwd.SourceIndices {
		if i+1 > n {
			n = i + 1
		}
	}
	src := fwd.Sources()
	pos := make([]models.Vec3, n)
	for k, i := range fwd.SourceIndices {
		pos[i] = src.Positions[k]
	}
	return &geometry.SourceSpace{Positions: pos, Orientation: src.Orientation}
}
