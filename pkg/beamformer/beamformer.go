// Package beamformer builds LCMV and DICS spatial filters: per-source weights
// that pass activity from one location with unit gain while minimizing the
// output power contributed by everything else.
package beamformer

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"neurosource/internal/models"
	"neurosource/pkg/covariance"
	"neurosource/pkg/errors"
	"neurosource/pkg/forward"
	"neurosource/pkg/logging"
	"neurosource/pkg/metrics"
	"neurosource/pkg/spectral"
)

const stage = "beamformer"

// PickOri selects how free-orientation sources are reported
type PickOri string

const (
	// Vector keeps all three components
	Vector PickOri = "vector"
	// MaxPower projects on the orientation of largest output power relative to noise
	MaxPower PickOri = "maxpower"
)

// ParsePickOri maps a config name to a PickOri
func ParsePickOri(name string) (PickOri, error) {
	switch o := PickOri(name); o {
	case Vector, MaxPower:
		return o, nil
	}
	return "", fmt.Errorf("unknown beamformer orientation %q", name)
}

// WeightNorm selects the normalization of the filter weights
type WeightNorm string

const (
	// UnitGain passes the source itself with gain one
	UnitGain WeightNorm = "unitgain"
	// UnitNoiseGain scales every weight row to unit noise output
	UnitNoiseGain WeightNorm = "unitnoisegain"
)

// ParseWeightNorm maps a config name to a WeightNorm
func ParseWeightNorm(name string) (WeightNorm, error) {
	switch w := WeightNorm(name); w {
	case UnitGain, UnitNoiseGain:
		return w, nil
	}
	return "", fmt.Errorf("unknown beamformer weight normalization %q", name)
}

// Params configures MakeLCMV and MakeDICS
type Params struct {
	// Reg adds Reg · trace(C)/n to the diagonal of the data covariance
	Reg float64

	PickOri    PickOri
	WeightNorm WeightNorm

	// MaxCondition bounds the condition number of the regularized data
	// covariance and of every per-source gain form
	MaxCondition float64

	Whitening covariance.WhitenerOptions
	Workers   int

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// DefaultParams mirror the config defaults
func DefaultParams() Params {
	return Params{
		Reg:          0.05,
		PickOri:      MaxPower,
		WeightNorm:   UnitGain,
		MaxCondition: 1e10,
		Whitening:    covariance.DefaultWhitenerOptions(nil),
		Workers:      runtime.NumCPU(),
	}
}

// Exclusion is a source left out of the filter
type Exclusion struct {
	// Index into the forward operator's sources
	Index int
	Err   error
}

// Filter holds the spatial filter weights of every kept source in raw
// channel space
type Filter struct {
	Method models.Method

	// SourceIndices maps weight row blocks to forward sources
	SourceIndices []int

	// Orientations chosen per kept source; nil unless MaxPower was applied
	// to free sources
	Orientations []models.Vec3

	Forward  *forward.Operator
	DataCov  *covariance.Covariance
	NoiseCov *covariance.Covariance
	CSD      *spectral.CSD

	Excluded    []Exclusion
	Frequencies []float64
	Reg         float64
	PickOri     PickOri
	WeightNorm  WeightNorm

	weights  *mat.Dense // kept sources·components × channels
	whitener *covariance.Whitener
	gramData []*mat.SymDense
	gramNois []*mat.SymDense
	dataID   string
	identity string
}

// MakeLCMV builds a linearly constrained minimum variance filter from a data
// covariance. The noise covariance whitens mixed channel kinds and serves as
// the reference for orientation selection; nil means white sensor noise.
func MakeLCMV(fwd *forward.Operator, data, noise *covariance.Covariance, p Params) (*Filter, error) {
	picked, err := data.Pick(fwd.Sensors().Names())
	if err != nil {
		return nil, err
	}
	f, err := run(fwd, models.LCMV, picked.Matrix(), data.Identity(), noise, p)
	if err != nil {
		return nil, err
	}
	f.DataCov = data
	return f, nil
}

// MakeDICS builds a dynamic imaging of coherent sources filter, with the real
// part of the band-averaged cross-spectral density in place of the data
// covariance
func MakeDICS(fwd *forward.Operator, csd *spectral.CSD, noise *covariance.Covariance, p Params) (*Filter, error) {
	cd, err := pickCSD(csd, fwd.Sensors().Names())
	if err != nil {
		return nil, err
	}
	id := models.NewDigest("csd").Floats(csd.Frequencies).Floats(cd.RawSymmetric().Data).Sum()
	f, err := run(fwd, models.DICS, cd, id, noise, p)
	if err != nil {
		return nil, err
	}
	f.CSD = csd
	f.Frequencies = append([]float64(nil), csd.Frequencies...)
	return f, nil
}

func pickCSD(csd *spectral.CSD, names []string) (*mat.SymDense, error) {
	index := make(map[string]int, len(csd.Channels))
	for i, n := range csd.Channels {
		index[n] = i
	}
	full := csd.RealMean()
	out := mat.NewSymDense(len(names), nil)
	idx := make([]int, len(names))
	for i, n := range names {
		j, ok := index[n]
		if !ok {
			return nil, errors.Dimension(stage, "channel %q is missing from the cross-spectral density", n)
		}
		idx[i] = j
	}
	for i := range idx {
		for j := i; j < len(idx); j++ {
			out.SetSym(i, j, full.At(idx[i], idx[j]))
		}
	}
	return out, nil
}

func run(fwd *forward.Operator, method models.Method, cd mat.Symmetric, dataID string,
	noise *covariance.Covariance, p Params) (*Filter, error) {
	start := time.Now()
	log := logging.OrNop(p.Logger).Named(stage)
	f, err := build(fwd, method, cd, noise, p)
	if err != nil {
		p.Metrics.StageFailed(stage, errors.KindOf(err).String())
		return nil, err
	}
	f.dataID = dataID
	f.identity = f.hash()
	p.Metrics.Excluded(stage, len(f.Excluded))
	p.Metrics.ObserveStage(stage, start)
	for _, e := range f.Excluded {
		log.Debug("source excluded", logging.Int("index", e.Index), logging.Err(e.Err))
	}
	log.Info("spatial filter ready",
		logging.String("method", method.String()),
		logging.Int("sources", len(f.SourceIndices)),
		logging.Int("excluded", len(f.Excluded)),
		logging.String("identity", f.identity),
		logging.Duration("elapsed", time.Since(start)))
	return f, nil
}

func build(fwd *forward.Operator, method models.Method, cd mat.Symmetric, noise *covariance.Covariance, p Params) (*Filter, error) {
	if cd.SymmetricDim() != fwd.NChannels() {
		return nil, errors.Dimension(stage, "data covariance has %d channels, forward has %d",
			cd.SymmetricDim(), fwd.NChannels())
	}
	if p.PickOri == "" {
		p.PickOri = MaxPower
	}
	if p.WeightNorm == "" {
		p.WeightNorm = UnitGain
	}
	if p.MaxCondition <= 0 {
		p.MaxCondition = math.Inf(1)
	}

	f := &Filter{
		Method:     method,
		Forward:    fwd,
		NoiseCov:   noise,
		Reg:        p.Reg,
		PickOri:    p.PickOri,
		WeightNorm: p.WeightNorm,
	}

	// whitened gain and data covariance
	gw := fwd.GainCopy()
	cw := mat.NewSymDense(cd.SymmetricDim(), nil)
	cw.CopySym(cd)
	if noise != nil {
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
		f.whitener = wh
		if gw, err = wh.WhitenGain(fwd.Gain()); err != nil {
			return nil, err
		}
		rank := wh.Rank
		var tmp mat.Dense
		tmp.Mul(wh.W, cd)
		var full mat.Dense
		full.Mul(&tmp, wh.W.T())
		cw = mat.NewSymDense(rank, nil)
		for i := 0; i < rank; i++ {
			for j := i; j < rank; j++ {
				cw.SetSym(i, j, 0.5*(full.At(i, j)+full.At(j, i)))
			}
		}
	}

	cinv, err := regularizedInverse(cw, p.Reg, p.MaxCondition)
	if err != nil {
		return nil, err
	}
	rank, ncols := gw.Dims()
	h := mat.NewDense(rank, ncols, nil)
	h.Mul(cinv, gw)

	nc := fwd.Components()
	out := nc
	if nc == 3 && p.PickOri == MaxPower {
		out = 1
	}
	ns := fwd.NSources()
	results := make([]*sourceFilter, ns)

	workers := p.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i := 0; i < ns; i++ {
		i := i
		g.Go(func() error {
			results[i] = solveSource(gw, h, i, nc, p)
			return nil
		})
	}
	_ = g.Wait()

	var rows []*mat.Dense
	for i, r := range results {
		if r.err != nil {
			f.Excluded = append(f.Excluded, Exclusion{Index: i, Err: r.err})
			continue
		}
		f.SourceIndices = append(f.SourceIndices, i)
		if r.orientation != nil {
			f.Orientations = append(f.Orientations, *r.orientation)
		}
		f.gramData = append(f.gramData, r.a)
		f.gramNois = append(f.gramNois, r.b)
		rows = append(rows, r.w)
	}
	if len(rows) == 0 {
		return nil, errors.Instability(stage, "every one of %d sources is ill-conditioned", ns).WithInput(fwd.Identity())
	}

	// back to raw channel space
	f.weights = mat.NewDense(len(rows)*out, fwd.NChannels(), nil)
	for k, w := range rows {
		dst := f.weights.Slice(k*out, (k+1)*out, 0, fwd.NChannels()).(*mat.Dense)
		if f.whitener != nil {
			dst.Mul(w, f.whitener.W)
		} else {
			dst.Copy(w)
		}
	}
	return f, nil
}

// regularizedInverse loads the diagonal with reg · mean eigenvalue and inverts
// through the eigendecomposition, failing when the result is still too badly
// conditioned
func regularizedInverse(c *mat.SymDense, reg, maxCond float64) (*mat.SymDense, error) {
	n := c.SymmetricDim()
	load := reg * mat.Trace(c) / float64(n)
	r := mat.NewSymDense(n, nil)
	r.CopySym(c)
	for i := 0; i < n; i++ {
		r.SetSym(i, i, r.At(i, i)+load)
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(r, true); !ok {
		return nil, errors.Singular(stage, "eigendecomposition of the data covariance failed")
	}
	values := eig.Values(nil)
	lo, hi := values[0], values[n-1]
	if !(lo > 0) || hi/lo > maxCond {
		return nil, errors.Singular(stage, "data covariance has condition %.3g after regularization %g (limit %.3g)",
			hi/lo, reg, maxCond)
	}
	var vec mat.Dense
	eig.VectorsTo(&vec)
	inv := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			var s float64
			for k := 0; k < n; k++ {
				s += vec.At(i, k) * vec.At(j, k) / values[k]
			}
			inv.SetSym(i, j, s)
		}
	}
	return inv, nil
}

// Weights returns a read-only view of the raw-channel weights
func (f *Filter) Weights() mat.Matrix { return f.weights }

// Components per kept source in the filter output
func (f *Filter) Components() int {
	r, _ := f.weights.Dims()
	return r / len(f.SourceIndices)
}

// Channels the weights apply to
func (f *Filter) Channels() []string { return f.Forward.Sensors().Names() }

// Whitener used to build the filter; nil without a noise covariance
func (f *Filter) Whitener() *covariance.Whitener { return f.whitener }

// Identity is the content hash of the filter
func (f *Filter) Identity() string { return f.identity }

func (f *Filter) hash() string {
	w := f.weights.RawMatrix()
	d := models.NewDigest("beamformer").
		Text(f.Forward.Identity()).
		Text(f.dataID).
		Int(int(f.Method)).
		Float(f.Reg).
		Text(string(f.PickOri)).
		Text(string(f.WeightNorm))
	if f.NoiseCov != nil {
		d.Text(f.NoiseCov.Identity())
	}
	d.Int(len(f.SourceIndices))
	for _, i := range f.SourceIndices {
		d.Int(i)
	}
	return d.Vecs(f.Orientations).Int(w.Rows).Int(w.Cols).Floats(w.Data).Sum()
}

// NormalizedPower returns ηᵗBη / ηᵗAη for kept source k, with A = Gᵗ C⁻¹ G
// from the data covariance and B = Gᵗ G in whitened space. This is the output
// power of the unit-gain filter along η relative to its noise-only power; the
// MaxPower orientation maximizes it. Restored filters carry no gain forms and
// report NaN.
func (f *Filter) NormalizedPower(k int, eta []float64) float64 {
	if k >= len(f.gramData) {
		return math.NaN()
	}
	a, b := f.gramData[k], f.gramNois[k]
	v := mat.NewVecDense(len(eta), eta)
	return mat.Inner(v, b, v) / mat.Inner(v, a, v)
}

// ApplyDICSPower returns the band power of every kept source: the trace of
// W Re(CSD) Wᵗ over the source's weight rows
func ApplyDICSPower(f *Filter, csd *spectral.CSD) ([]float64, error) {
	cd, err := pickCSD(csd, f.Channels())
	if err != nil {
		return nil, err
	}
	return f.power(cd), nil
}

// Power returns the output power of every kept source for the covariance c
func (f *Filter) Power(c *covariance.Covariance) ([]float64, error) {
	picked, err := c.Pick(f.Channels())
	if err != nil {
		return nil, err
	}
	return f.power(picked.Matrix()), nil
}

// NeuralActivityIndex is the output power under data divided by the output
// power under noise, per kept source
func (f *Filter) NeuralActivityIndex(data, noise *covariance.Covariance) ([]float64, error) {
	pd, err := f.Power(data)
	if err != nil {
		return nil, err
	}
	pn, err := f.Power(noise)
	if err != nil {
		return nil, err
	}
	for i := range pd {
		if !(pn[i] > 0) {
			return nil, errors.Instability(stage, "source %d has no noise power", f.SourceIndices[i])
		}
		pd[i] /= pn[i]
	}
	return pd, nil
}

func (f *Filter) power(c mat.Symmetric) []float64 {
	nc := f.Components()
	var tmp mat.Dense
	tmp.Mul(f.weights, c)
	rows, _ := f.weights.Dims()
	power := make([]float64, len(f.SourceIndices))
	for r := 0; r < rows; r++ {
		power[r/nc] += mat.Dot(tmp.RowView(r), f.weights.RowView(r))
	}
	return power
}
