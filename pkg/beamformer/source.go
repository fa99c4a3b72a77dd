package beamformer

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"neurosource/internal/models"
	"neurosource/pkg/errors"
)

type sourceFilter struct {
	w           *mat.Dense // output components × whitened channels
	a, b        *mat.SymDense
	orientation *models.Vec3
	err         error
}

// solveSource computes the whitened-space weights of source i from the
// whitened gain G and H = C⁻¹G
func solveSource(gw, h *mat.Dense, i, nc int, p Params) *sourceFilter {
	rank, _ := gw.Dims()
	gi := gw.Slice(0, rank, i*nc, (i+1)*nc)
	hi := h.Slice(0, rank, i*nc, (i+1)*nc)

	a := symProduct(gi, hi)
	b := symProduct(gi, gi)
	res := &sourceFilter{a: a, b: b}

	var eig mat.EigenSym
	if ok := eig.Factorize(a, true); !ok {
		res.err = errors.Instability(stage, "source %d: eigendecomposition of the gain form failed", i)
		return res
	}
	values := eig.Values(nil)
	lo, hi2 := values[0], values[nc-1]
	if !(lo > 0) || hi2/lo > p.MaxCondition {
		res.err = errors.Instability(stage, "source %d: gain form has condition %.3g (limit %.3g)", i, hi2/lo, p.MaxCondition)
		return res
	}
	var vec mat.Dense
	eig.VectorsTo(&vec)

	var w mat.Dense
	switch {
	case nc == 3 && p.PickOri == MaxPower:
		eta, err := maxPowerOrientation(values, &vec, b)
		if err != nil {
			res.err = errors.Wrap(err, errors.KindNumericalInstability, stage, "source %d orientation", i)
			return res
		}
		ev := mat.NewVecDense(3, eta[:])
		// w = ηᵗHᵗ / ηᵗAη
		var row mat.VecDense
		row.MulVec(hi, ev)
		row.ScaleVec(1/mat.Inner(ev, a, ev), &row)
		w.CloneFrom(row.T())
		res.orientation = &eta
	default:
		// w = A⁻¹Hᵗ
		ainv := mat.NewDense(nc, nc, nil)
		for r := 0; r < nc; r++ {
			for c := 0; c < nc; c++ {
				var s float64
				for k := 0; k < nc; k++ {
					s += vec.At(r, k) * vec.At(c, k) / values[k]
				}
				ainv.Set(r, c, s)
			}
		}
		w.Mul(ainv, hi.T())
	}

	if p.WeightNorm == UnitNoiseGain {
		// whitened noise is the identity
		rows, _ := w.Dims()
		for r := 0; r < rows; r++ {
			row := w.RawRowView(r)
			var ss float64
			for _, v := range row {
				ss += v * v
			}
			s := 1 / math.Sqrt(ss)
			for k := range row {
				row[k] *= s
			}
		}
	}
	res.w = &w
	return res
}

// symProduct returns xᵗy symmetrized
func symProduct(x, y mat.Matrix) *mat.SymDense {
	var d mat.Dense
	d.Mul(x.T(), y)
	n, _ := d.Dims()
	s := mat.NewSymDense(n, nil)
	for r := 0; r < n; r++ {
		for c := r; c < n; c++ {
			s.SetSym(r, c, 0.5*(d.At(r, c)+d.At(c, r)))
		}
	}
	return s
}

// maxPowerOrientation solves Bη = μAη for the largest μ through the
// symmetric form A^-½ B A^-½, given the eigenpairs of A. The sign is fixed so
// the largest component is positive.
func maxPowerOrientation(values []float64, vec *mat.Dense, b *mat.SymDense) (models.Vec3, error) {
	n := len(values)
	isqrt := mat.NewDense(n, n, nil)
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			var s float64
			for k := 0; k < n; k++ {
				s += vec.At(r, k) * vec.At(c, k) / math.Sqrt(values[k])
			}
			isqrt.Set(r, c, s)
		}
	}
	var tmp, m mat.Dense
	tmp.Mul(isqrt, b)
	m.Mul(&tmp, isqrt)
	sym := mat.NewSymDense(n, nil)
	for r := 0; r < n; r++ {
		for c := r; c < n; c++ {
			sym.SetSym(r, c, 0.5*(m.At(r, c)+m.At(c, r)))
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return models.Vec3{}, errors.Instability(stage, "generalized eigenproblem failed")
	}
	var v mat.Dense
	eig.VectorsTo(&v)
	top := mat.NewVecDense(n, nil)
	top.MulVec(isqrt, v.ColView(n-1))

	var eta models.Vec3
	for k := 0; k < 3; k++ {
		eta[k] = top.AtVec(k)
	}
	eta = eta.Unit()
	big := 0
	for k := 1; k < 3; k++ {
		if math.Abs(eta[k]) > math.Abs(eta[big]) {
			big = k
		}
	}
	if eta[big] < 0 {
		eta = eta.Scale(-1)
	}
	return eta, nil
}
