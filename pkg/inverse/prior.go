package inverse

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"neurosource/pkg/errors"
	"neurosource/pkg/forward"
)

// priorBlocks returns the per-source prior covariance R_i. Each source is
// weighted by (‖G_i‖²)^-depth, free sources with normals get the loose
// orientation prior, and the whole prior is scaled so trace(G̃RG̃ᵗ) equals
// the whitened rank.
func priorBlocks(gw *mat.Dense, fwd *forward.Operator, depth, loose float64) ([]*mat.SymDense, error) {
	rank, _ := gw.Dims()
	nc := fwd.Components()
	src := fwd.Sources()
	if loose <= 0 || loose > 1 {
		loose = 1
	}
	if loose < 1 && nc == 3 && len(src.Normals) != src.Len() {
		return nil, errors.Dimension(stage, "loose orientation prior needs %d source normals, got %d",
			src.Len(), len(src.Normals)).WithInput(src.Identity())
	}

	blocks := make([]*mat.SymDense, src.Len())
	var trace float64
	for i := range blocks {
		gram := sourceGram(gw, i, nc)
		norm2 := mat.Trace(gram)
		if !(norm2 > 0) {
			return nil, errors.Instability(stage, "source %d has zero whitened gain", i).WithInput(fwd.Identity())
		}
		w := 1.0
		if depth > 0 {
			w = math.Pow(norm2, -depth)
		}
		b := mat.NewSymDense(nc, nil)
		switch {
		case nc == 1:
			b.SetSym(0, 0, w)
		case loose < 1:
			n := src.Normals[i]
			for r := 0; r < 3; r++ {
				for c := r; c < 3; c++ {
					v := (1 - loose) * n[r] * n[c]
					if r == c {
						v += loose
					}
					b.SetSym(r, c, w*v)
				}
			}
		default:
			for c := 0; c < nc; c++ {
				b.SetSym(c, c, w)
			}
		}
		for r := 0; r < nc; r++ {
			for c := 0; c < nc; c++ {
				trace += b.At(r, c) * gram.At(r, c)
			}
		}
		blocks[i] = b
	}
	scale := float64(rank) / trace
	for _, b := range blocks {
		b.ScaleSym(scale, b)
	}
	return blocks, nil
}

// sourceGram returns G_iᵗG_i for the columns of source i
func sourceGram(g *mat.Dense, i, nc int) *mat.SymDense {
	rows, _ := g.Dims()
	cols := g.Slice(0, rows, i*nc, (i+1)*nc)
	gram := mat.NewSymDense(nc, nil)
	gram.SymOuterK(1, cols.T())
	return gram
}

// blockPow returns B^p through the eigendecomposition of the symmetric block.
// Negative powers need a positive definite block.
func blockPow(b *mat.SymDense, p float64) (*mat.SymDense, error) {
	n := b.SymmetricDim()
	if n == 1 {
		v := b.At(0, 0)
		if v < 0 || (p < 0 && v == 0) {
			return nil, errors.Singular(stage, "prior block %g has no power %g", v, p)
		}
		return mat.NewSymDense(1, []float64{math.Pow(v, p)}), nil
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(b, true); !ok {
		return nil, errors.Singular(stage, "eigendecomposition of a %d×%d prior block failed", n, n)
	}
	values := eig.Values(nil)
	var vec mat.Dense
	eig.VectorsTo(&vec)
	top := values[n-1]
	for i, v := range values {
		switch {
		case v > 1e-12*top:
			values[i] = math.Pow(v, p)
		case p < 0:
			return nil, errors.Singular(stage, "prior block is not positive definite (eigenvalue %g)", v)
		default:
			values[i] = 0
		}
	}
	out := mat.NewSymDense(n, nil)
	for r := 0; r < n; r++ {
		for c := r; c < n; c++ {
			var s float64
			for k := 0; k < n; k++ {
				s += vec.At(r, k) * values[k] * vec.At(c, k)
			}
			out.SetSym(r, c, s)
		}
	}
	return out, nil
}

// rightBlocks returns G·blockdiag(B)
func rightBlocks(g *mat.Dense, blocks []*mat.SymDense) *mat.Dense {
	rows, cols := g.Dims()
	out := mat.NewDense(rows, cols, nil)
	nc := cols / len(blocks)
	for i, b := range blocks {
		dst := out.Slice(0, rows, i*nc, (i+1)*nc).(*mat.Dense)
		dst.Mul(g.Slice(0, rows, i*nc, (i+1)*nc), b)
	}
	return out
}

// leftBlocks returns blockdiag(B)·m
func leftBlocks(blocks []*mat.SymDense, m *mat.Dense) *mat.Dense {
	rows, cols := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	nc := rows / len(blocks)
	for i, b := range blocks {
		dst := out.Slice(i*nc, (i+1)*nc, 0, cols).(*mat.Dense)
		dst.Mul(b, m.Slice(i*nc, (i+1)*nc, 0, cols))
	}
	return out
}

func blockDiagonal(blocks []*mat.SymDense) []float64 {
	var out []float64
	for _, b := range blocks {
		for c := 0; c < b.SymmetricDim(); c++ {
			out = append(out, b.At(c, c))
		}
	}
	return out
}
