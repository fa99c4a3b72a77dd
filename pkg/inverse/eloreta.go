package inverse

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"neurosource/pkg/errors"
)

type reweighting struct {
	kernel     *mat.Dense
	prior      []*mat.SymDense
	iterations int
	converged  bool
	change     float64
}

// reweight runs the eLORETA fixed point. Each pass normalizes the prior so
// trace(G̃RG̃ᵗ) equals the rank, forms M = (G̃RG̃ᵗ + λ²I)⁻¹ and the kernel
// RG̃ᵗM, then sets R_i = (G_iᵗ M G_i)^-½. The loop stops once the relative
// change of the kernel drops below tol, or after maxIter passes.
func reweight(gw *mat.Dense, nc int, lambda2, tol float64, maxIter int) (*reweighting, error) {
	rank, ncols := gw.Dims()
	ns := ncols / nc
	if maxIter < 1 {
		maxIter = 1
	}
	prior := make([]*mat.SymDense, ns)
	for i := range prior {
		b := mat.NewSymDense(nc, nil)
		for c := 0; c < nc; c++ {
			b.SetSym(c, c, 1)
		}
		prior[i] = b
	}

	res := &reweighting{change: math.Inf(1)}
	for it := 1; it <= maxIter; it++ {
		res.iterations = it

		gr := rightBlocks(gw, prior)
		var c mat.Dense
		c.Mul(gr, gw.T())
		scale := float64(rank) / mat.Trace(&c)
		if math.IsInf(scale, 0) || math.IsNaN(scale) {
			return nil, errors.Instability(stage, "eLORETA prior degenerated at iteration %d", it)
		}
		for _, b := range prior {
			b.ScaleSym(scale, b)
		}
		gr.Scale(scale, gr)

		sym := mat.NewSymDense(rank, nil)
		for r := 0; r < rank; r++ {
			for k := r; k < rank; k++ {
				v := 0.5 * scale * (c.At(r, k) + c.At(k, r))
				if r == k {
					v += lambda2
				}
				sym.SetSym(r, k, v)
			}
		}
		var chol mat.Cholesky
		if ok := chol.Factorize(sym); !ok {
			return nil, errors.Singular(stage, "eLORETA data-space matrix is not positive definite at iteration %d", it)
		}
		var m mat.SymDense
		if err := chol.InverseTo(&m); err != nil {
			return nil, errors.Wrap(err, errors.KindSingularMatrix, stage, "eLORETA inversion at iteration %d", it)
		}

		kernel := mat.NewDense(ncols, rank, nil)
		kernel.Mul(gr.T(), &m)
		if res.kernel != nil {
			var diff mat.Dense
			diff.Sub(kernel, res.kernel)
			res.change = mat.Norm(&diff, 2) / mat.Norm(kernel, 2)
		}
		res.kernel = kernel
		res.prior = prior
		if res.change < tol {
			res.converged = true
			return res, nil
		}

		next := make([]*mat.SymDense, ns)
		var tmp mat.Dense
		for i := range next {
			gi := gw.Slice(0, rank, i*nc, (i+1)*nc)
			tmp.Reset()
			tmp.Mul(&m, gi)
			var bd mat.Dense
			bd.Mul(gi.T(), &tmp)
			b := mat.NewSymDense(nc, nil)
			for r := 0; r < nc; r++ {
				for k := r; k < nc; k++ {
					b.SetSym(r, k, 0.5*(bd.At(r, k)+bd.At(k, r)))
				}
			}
			w, err := blockPow(b, -0.5)
			if err != nil {
				return nil, errors.Wrap(err, errors.KindNumericalInstability, stage, "eLORETA weight of source %d", i)
			}
			next[i] = w
		}
		prior = next
	}
	return res, nil
}
