package persist

import (
	"fmt"
	"io"

	"neurosource/internal/models"
	"neurosource/pkg/beamformer"
	"neurosource/pkg/covariance"
	"neurosource/pkg/errors"
	"neurosource/pkg/forward"
	"neurosource/pkg/inverse"
)

var inverseMagic = [4]byte{'N', 'S', 'I', 'V'}

// The inverse record shares one layout for kernels and spatial filters:
//
//	forward reference, noise covariance reference, method tag,
//	regularization, whitening matrix, kernel matrix
//
// followed by a method-family section.

// WriteInverse stores a minimum-norm or eLORETA operator
func WriteInverse(w io.Writer, op *inverse.Operator) error {
	p := op.Parts()
	e := &encoder{w: w}
	e.header(inverseMagic)
	e.text(op.Forward.Identity())
	e.text(op.Noise.Identity())
	e.put(uint8(p.Method))
	e.put(p.Lambda2)
	e.matrix(p.Whitening)
	e.matrix(p.Kernel)

	e.floats(p.SourceCov)
	e.floats(p.NoiseNorm)
	e.floats(p.SLORETANorm)
	e.flag(p.Converged)
	e.u32(p.Iterations)
	if e.err != nil {
		return fmt.Errorf("error writing inverse record: %w", e.err)
	}
	return nil
}

// WriteFilter stores an LCMV or DICS spatial filter; the weights take the
// place of the kernel
func WriteFilter(w io.Writer, f *beamformer.Filter) error {
	p := f.Parts()
	e := &encoder{w: w}
	e.header(inverseMagic)
	e.text(f.Forward.Identity())
	var noiseID string
	if f.NoiseCov != nil {
		noiseID = f.NoiseCov.Identity()
	}
	e.text(noiseID)
	e.put(uint8(p.Method))
	e.put(p.Reg)
	e.matrix(p.Whitening)
	e.matrix(p.Weights)

	e.text(p.DataID)
	e.text(string(p.PickOri))
	e.text(string(p.WeightNorm))
	e.ints(p.SourceIndices)
	e.ints(p.Excluded)
	e.vecs(p.Orientations)
	e.floats(p.Frequencies)
	if e.err != nil {
		return fmt.Errorf("error writing filter record: %w", e.err)
	}
	return nil
}

type inverseHead struct {
	forwardID string
	noiseID   string
	method    models.Method
	reg       float64
}

func readInverseHead(d *decoder, fwd *forward.Operator, noise *covariance.Covariance) (inverseHead, error) {
	var h inverseHead
	if err := d.header(inverseMagic, "inverse"); err != nil {
		return h, err
	}
	h.forwardID, h.noiseID = d.text(), d.text()
	var tag uint8
	d.get(&tag)
	h.method = models.Method(tag)
	d.get(&h.reg)
	if d.err != nil {
		return h, fmt.Errorf("error reading inverse record: %w", d.err)
	}
	if h.method > models.DICS {
		return h, fmt.Errorf("unknown method tag %d", tag)
	}
	if h.forwardID != fwd.Identity() {
		return h, errors.Dimension(stage, "inverse record references another forward operator").WithInput(h.forwardID)
	}
	var have string
	if noise != nil {
		have = noise.Identity()
	}
	if h.noiseID != have {
		return h, errors.Dimension(stage, "inverse record references another noise covariance").WithInput(h.noiseID)
	}
	return h, nil
}

// ReadInverse decodes a minimum-norm or eLORETA record against the forward
// operator and noise covariance it references
func ReadInverse(r io.Reader, fwd *forward.Operator, noise *covariance.Covariance) (*inverse.Operator, error) {
	d := &decoder{r: r}
	h, err := readInverseHead(d, fwd, noise)
	if err != nil {
		return nil, err
	}
	if h.method.Beamformer() {
		return nil, fmt.Errorf("record holds a %s filter, not an inverse operator", h.method)
	}
	p := inverse.Parts{Method: h.method, Lambda2: h.reg}
	whitening := d.matrix()
	kernel := d.matrix()
	p.SourceCov = d.floats()
	p.NoiseNorm = d.floats()
	p.SLORETANorm = d.floats()
	p.Converged = d.flag()
	p.Iterations = d.u32()
	if d.err != nil {
		return nil, fmt.Errorf("error reading inverse record: %w", d.err)
	}
	if whitening == nil || kernel == nil {
		return nil, errors.Dimension(stage, "inverse record has an empty whitener or kernel")
	}
	p.Whitening, p.Kernel = whitening, kernel
	return inverse.Restore(fwd, noise, p)
}

// ReadFilter decodes an LCMV or DICS record; noise is nil when the filter was
// built without a noise covariance
func ReadFilter(r io.Reader, fwd *forward.Operator, noise *covariance.Covariance) (*beamformer.Filter, error) {
	d := &decoder{r: r}
	h, err := readInverseHead(d, fwd, noise)
	if err != nil {
		return nil, err
	}
	if !h.method.Beamformer() {
		return nil, fmt.Errorf("record holds a %s operator, not a spatial filter", h.method)
	}
	p := beamformer.Parts{Method: h.method, Reg: h.reg}
	whitening := d.matrix()
	weights := d.matrix()
	p.DataID = d.text()
	p.PickOri = beamformer.PickOri(d.text())
	p.WeightNorm = beamformer.WeightNorm(d.text())
	p.SourceIndices = d.ints()
	p.Excluded = d.ints()
	p.Orientations = d.vecs()
	p.Frequencies = d.floats()
	if d.err != nil {
		return nil, fmt.Errorf("error reading filter record: %w", d.err)
	}
	if weights == nil {
		return nil, errors.Dimension(stage, "filter record has no weights")
	}
	if whitening != nil {
		p.Whitening = whitening
	}
	p.Weights = weights
	return beamformer.Restore(fwd, noise, p)
}
