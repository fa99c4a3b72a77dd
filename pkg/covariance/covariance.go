// Package covariance estimates sensor noise covariance from baseline data and
// derives the whitening transform applied before inversion.
package covariance

import (
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"neurosource/internal/models"
	"neurosource/pkg/errors"
	"neurosource/pkg/logging"
	"neurosource/pkg/sensors"
)

const stage = "covariance"

// Method selects the estimator
type Method string

const (
	Empirical      Method = "empirical"
	Shrunk         Method = "shrunk"
	CrossValidated Method = "crossval"
)

// ParseMethod maps a config name to a Method
func ParseMethod(name string) (Method, error) {
	switch m := Method(name); m {
	case Empirical, Shrunk, CrossValidated:
		return m, nil
	}
	return "", fmt.Errorf("unknown covariance method %q", name)
}

// Target is the matrix the shrunk estimator blends toward
type Target string

const (
	// ScaledIdentity is trace(C)/n · I
	ScaledIdentity Target = "identity"
	// Diagonal keeps the per-channel variances
	Diagonal Target = "diagonal"
)

// Params configures Estimate
type Params struct {
	// Shrinkage α for the Shrunk method, in [0, 1]
	Shrinkage float64
	Target    Target

	// Grid of α candidates and number of folds for CrossValidated
	Grid  []float64
	Folds int

	// Workers bounds the parallel grid evaluation
	Workers int

	Logger logging.Logger
}

// DefaultParams mirror the config defaults
func DefaultParams() Params {
	return Params{
		Shrinkage: 0.1,
		Target:    ScaledIdentity,
		Grid:      []float64{0, 0.01, 0.05, 0.1, 0.2, 0.5, 0.9},
		Folds:     3,
		Workers:   runtime.NumCPU(),
	}
}

// Covariance is an immutable channel × channel noise covariance
type Covariance struct {
	channels  []string
	data      *mat.SymDense
	nsamples  int
	method    Method
	shrinkage float64
	identity  string
}

func newCovariance(channels []string, data *mat.SymDense, nsamples int, method Method, alpha float64) *Covariance {
	c := &Covariance{
		channels:  append([]string(nil), channels...),
		data:      data,
		nsamples:  nsamples,
		method:    method,
		shrinkage: alpha,
	}
	d := models.NewDigest("covariance")
	for _, ch := range c.channels {
		d.Text(ch)
	}
	n := data.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			d.Float(data.At(i, j))
		}
	}
	c.identity = d.Int(nsamples).Text(string(method)).Float(alpha).Sum()
	return c
}

// FromMatrix wraps a precomputed covariance. The matrix is copied and must be
// finite with a non-negative diagonal.
func FromMatrix(channels []string, m mat.Symmetric, nsamples int, method Method) (*Covariance, error) {
	if _, err := ParseMethod(string(method)); err != nil {
		return nil, err
	}
	n := m.SymmetricDim()
	if n != len(channels) {
		return nil, errors.Dimension(stage, "covariance is %d×%d for %d channels", n, n, len(channels))
	}
	data := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.Instability(stage, "covariance entry (%d, %d) is not finite", i, j)
			}
			data.SetSym(i, j, v)
		}
		if data.At(i, i) < 0 {
			return nil, errors.Instability(stage, "negative variance on channel %q", channels[i])
		}
	}
	return newCovariance(channels, data, nsamples, method, 0), nil
}

// Restore rebuilds a stored estimate, keeping the shrinkage it was made with
// so the identity is unchanged
func Restore(channels []string, m mat.Symmetric, nsamples int, method Method, shrinkage float64) (*Covariance, error) {
	c, err := FromMatrix(channels, m, nsamples, method)
	if err != nil {
		return nil, err
	}
	if shrinkage == 0 {
		return c, nil
	}
	return newCovariance(c.channels, c.data, nsamples, method, shrinkage), nil
}

// Identity is the content hash of the covariance
func (c *Covariance) Identity() string { return c.identity }

// Channels returns the channel names in row order
func (c *Covariance) Channels() []string { return append([]string(nil), c.channels...) }

// Matrix returns a read-only view of the covariance
func (c *Covariance) Matrix() mat.Symmetric { return c.data }

// NSamples is the number of samples the estimate used
func (c *Covariance) NSamples() int { return c.nsamples }

func (c *Covariance) Method() Method { return c.method }

// Shrinkage is the α applied by the Shrunk and CrossValidated estimators
func (c *Covariance) Shrinkage() float64 { return c.shrinkage }

// Dim returns the channel count
func (c *Covariance) Dim() int { return len(c.channels) }

// Pick returns the covariance restricted and reordered to names
func (c *Covariance) Pick(names []string) (*Covariance, error) {
	pos := make(map[string]int, len(c.channels))
	for i, ch := range c.channels {
		pos[ch] = i
	}
	idx := make([]int, len(names))
	for k, name := range names {
		i, ok := pos[name]
		if !ok {
			return nil, errors.Dimension(stage, "channel %q missing from covariance", name).WithInput(c.identity)
		}
		idx[k] = i
	}
	data := mat.NewSymDense(len(names), nil)
	for a := range idx {
		for b := a; b < len(idx); b++ {
			data.SetSym(a, b, c.data.At(idx[a], idx[b]))
		}
	}
	return newCovariance(names, data, c.nsamples, c.method, c.shrinkage), nil
}

// Estimate computes the noise covariance of the concatenated trials
func Estimate(epochs *sensors.Epochs, method Method, p Params) (*Covariance, error) {
	log := logging.OrNop(p.Logger).Named(stage)
	x := samples(epochs)
	n, nc := x.Dims()
	if n < 2 {
		return nil, errors.Dimension(stage, "need at least 2 samples, got %d", n)
	}

	switch method {
	case Empirical:
		return newCovariance(epochs.Channels, empirical(x), n, Empirical, 0), nil

	case Shrunk:
		if p.Shrinkage < 0 || p.Shrinkage > 1 {
			return nil, fmt.Errorf("shrinkage %g outside [0, 1]", p.Shrinkage)
		}
		return newCovariance(epochs.Channels, shrink(empirical(x), p.Shrinkage, p.Target), n, Shrunk, p.Shrinkage), nil

	case CrossValidated:
		alpha, score, err := crossValidate(epochs, p)
		if err != nil {
			return nil, err
		}
		log.Info("selected shrinkage by cross-validation",
			logging.Float64("alpha", alpha),
			logging.Float64("loglik", score),
			logging.Int("channels", nc))
		return newCovariance(epochs.Channels, shrink(empirical(x), alpha, p.Target), n, CrossValidated, alpha), nil
	}
	return nil, fmt.Errorf("unknown covariance method %q", method)
}

// samples returns the trials as a samples × channels observation matrix
func samples(e *sensors.Epochs) *mat.Dense {
	return mat.DenseCopyOf(e.Concatenated().T())
}

func empirical(x *mat.Dense) *mat.SymDense {
	_, nc := x.Dims()
	c := mat.NewSymDense(nc, nil)
	stat.CovarianceMatrix(c, x, nil)
	return c
}

// shrink blends c toward the target with weight alpha
func shrink(c *mat.SymDense, alpha float64, target Target) *mat.SymDense {
	n := c.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	mu := 0.0
	for i := 0; i < n; i++ {
		mu += c.At(i, i)
	}
	mu /= float64(n)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := (1 - alpha) * c.At(i, j)
			if i == j {
				if target == Diagonal {
					v += alpha * c.At(i, i)
				} else {
					v += alpha * mu
				}
			}
			out.SetSym(i, j, v)
		}
	}
	return out
}

// crossValidate scores every α of the grid by the mean held-out Gaussian
// log-likelihood over the folds and returns the best. Candidates are
// evaluated in parallel; ties go to the smaller α.
func crossValidate(e *sensors.Epochs, p Params) (float64, float64, error) {
	folds := p.Folds
	if folds < 2 {
		folds = 2
	}
	if len(p.Grid) == 0 {
		return 0, 0, fmt.Errorf("cross-validation needs a shrinkage grid")
	}
	train, test := splitFolds(e, folds)

	type result struct {
		alpha float64
		score float64
	}
	all := make([]result, len(p.Grid))
	var g errgroup.Group
	g.SetLimit(max(p.Workers, 1))
	for k, a := range p.Grid {
		k, alpha := k, a
		g.Go(func() error {
			var total float64
			for f := range train {
				total += heldOutLogLikelihood(train[f], test[f], alpha, p.Target)
			}
			all[k] = result{alpha, total / float64(len(train))}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].alpha < all[j].alpha
	})
	if math.IsInf(all[0].score, -1) {
		return 0, 0, errors.Singular(stage, "no shrinkage in %v gives a positive definite covariance", p.Grid)
	}
	return all[0].alpha, all[0].score, nil
}

// splitFolds partitions the data by trial when there are enough trials, and
// into contiguous sample blocks otherwise
func splitFolds(e *sensors.Epochs, folds int) (train, test []*mat.Dense) {
	x := samples(e)
	n, nc := x.Dims()
	unit := e.NTimes()
	units := e.NTrials()
	if units < folds {
		unit = 1
		units = n
	}
	for f := 0; f < folds; f++ {
		lo := f * units / folds * unit
		hi := (f + 1) * units / folds * unit
		if f == folds-1 {
			hi = n
		}
		te := mat.DenseCopyOf(x.Slice(lo, hi, 0, nc))
		tr := mat.NewDense(n-(hi-lo), nc, nil)
		if lo > 0 {
			tr.Slice(0, lo, 0, nc).(*mat.Dense).Copy(x.Slice(0, lo, 0, nc))
		}
		if hi < n {
			tr.Slice(lo, n-(hi-lo), 0, nc).(*mat.Dense).Copy(x.Slice(hi, n, 0, nc))
		}
		train = append(train, tr)
		test = append(test, te)
	}
	return train, test
}

// heldOutLogLikelihood is the mean per-sample Gaussian log-likelihood of test
// under the shrunk covariance (and mean) of train; -Inf if not positive definite
func heldOutLogLikelihood(train, test *mat.Dense, alpha float64, target Target) float64 {
	nt, nc := test.Dims()
	cov := shrink(empirical(train), alpha, target)
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return math.Inf(-1)
	}

	mean := make([]float64, nc)
	for j := 0; j < nc; j++ {
		mean[j] = stat.Mean(mat.Col(nil, j, train), nil)
	}
	centered := mat.DenseCopyOf(test)
	for i := 0; i < nt; i++ {
		row := centered.RawRowView(i)
		for j := range row {
			row[j] -= mean[j]
		}
	}
	// tr(C⁻¹ S) with S the test scatter
	var sol mat.Dense
	if err := chol.SolveTo(&sol, centered.T()); err != nil {
		return math.Inf(-1)
	}
	var quad float64
	for i := 0; i < nt; i++ {
		for j := 0; j < nc; j++ {
			quad += centered.At(i, j) * sol.At(j, i)
		}
	}
	quad /= float64(nt)
	return -0.5 * (float64(nc)*math.Log(2*math.Pi) + chol.LogDet() + quad)
}

// Regularize adds to each channel's variance a fraction of the mean variance
// of its sensor kind. kinds follows the channel order.
func Regularize(c *Covariance, kinds []sensors.Kind, perKind map[sensors.Kind]float64) (*Covariance, error) {
	n := c.Dim()
	if len(kinds) != n {
		return nil, errors.Dimension(stage, "%d channel kinds for %d channels", len(kinds), n)
	}
	mean := make(map[sensors.Kind]float64)
	count := make(map[sensors.Kind]int)
	for i, k := range kinds {
		mean[k] += c.data.At(i, i)
		count[k]++
	}
	out := mat.NewSymDense(n, nil)
	out.CopySym(c.data)
	for i, k := range kinds {
		out.SetSym(i, i, out.At(i, i)+perKind[k]*mean[k]/float64(count[k]))
	}
	return newCovariance(c.channels, out, c.nsamples, c.method, c.shrinkage), nil
}
