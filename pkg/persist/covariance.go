package persist

import (
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"

	"neurosource/pkg/covariance"
	"neurosource/pkg/errors"
)

var covarianceMagic = [4]byte{'N', 'S', 'C', 'V'}

// WriteCovariance stores the channel names, sample count, estimator and the
// upper triangle of the matrix
func WriteCovariance(w io.Writer, c *covariance.Covariance) error {
	e := &encoder{w: w}
	e.header(covarianceMagic)
	e.texts(c.Channels())
	e.u32(c.NSamples())
	e.text(string(c.Method()))
	e.put(c.Shrinkage())
	m := c.Matrix()
	n := m.SymmetricDim()
	upper := make([]float64, 0, n*(n+1)/2)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			upper = append(upper, m.At(i, j))
		}
	}
	e.floats(upper)
	if e.err != nil {
		return fmt.Errorf("error writing covariance record: %w", e.err)
	}
	return nil
}

// ReadCovariance decodes a covariance record
func ReadCovariance(r io.Reader) (*covariance.Covariance, error) {
	d := &decoder{r: r}
	if err := d.header(covarianceMagic, "covariance"); err != nil {
		return nil, err
	}
	channels := d.texts()
	nsamples := d.u32()
	method := covariance.Method(d.text())
	var shrinkage float64
	d.get(&shrinkage)
	upper := d.floats()
	if d.err != nil {
		return nil, fmt.Errorf("error reading covariance record: %w", d.err)
	}
	n := len(channels)
	if len(upper) != n*(n+1)/2 {
		return nil, errors.Dimension(stage, "covariance record has %d values for %d channels", len(upper), n)
	}
	m := mat.NewSymDense(n, nil)
	k := 0
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			m.SetSym(i, j, upper[k])
			k++
		}
	}
	return covariance.Restore(channels, m, nsamples, method, shrinkage)
}
