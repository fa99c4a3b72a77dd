package covariance

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"neurosource/internal/models"
	"neurosource/pkg/errors"
	"neurosource/pkg/sensors"
)

// TypeWeighting decides how channels of different kinds are whitened together
type TypeWeighting string

const (
	// Joint whitens with the full covariance, cross-kind terms included
	Joint TypeWeighting = "joint"
	// PerType zeroes cross-kind blocks so each kind is whitened on its own
	PerType TypeWeighting = "pertype"
)

// ParseTypeWeighting maps a config name to a TypeWeighting
func ParseTypeWeighting(name string) (TypeWeighting, error) {
	switch w := TypeWeighting(name); w {
	case Joint, PerType:
		return w, nil
	case "":
		return PerType, nil
	}
	return "", fmt.Errorf("unknown type weighting %q", name)
}

// WhitenerOptions configures NewWhitener
type WhitenerOptions struct {
	// EigenFloor drops eigenvalues below EigenFloor · λmax
	EigenFloor float64

	// AllowRankDeficient keeps going after dropping eigenvalues; otherwise a
	// rank-deficient covariance is a SingularMatrixError
	AllowRankDeficient bool

	Weighting TypeWeighting

	// Kinds follows the covariance channel order; needed for PerType
	Kinds []sensors.Kind
}

// DefaultWhitenerOptions mirror the config defaults
func DefaultWhitenerOptions(kinds []sensors.Kind) WhitenerOptions {
	return WhitenerOptions{EigenFloor: 1e-10, AllowRankDeficient: true, Weighting: PerType, Kinds: kinds}
}

// Whitener is W = Λ^-1/2 Uᵗ over the retained eigenpairs of the covariance,
// so that W C Wᵗ = I
type Whitener struct {
	// W is rank × channels
	W *mat.Dense

	// Eigenvalues retained, descending
	Eigenvalues []float64
	Rank        int
	Channels    []string

	identity string
}

// NewWhitener decomposes the covariance and builds the whitening matrix
func NewWhitener(c *Covariance, opts WhitenerOptions) (*Whitener, error) {
	n := c.Dim()
	cov := mat.NewSymDense(n, nil)
	cov.CopySym(c.data)

	if opts.Weighting == PerType {
		if len(opts.Kinds) != n {
			return nil, errors.Dimension(stage, "per-type whitening needs %d channel kinds, got %d", n, len(opts.Kinds)).
				WithInput(c.identity)
		}
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if opts.Kinds[i] != opts.Kinds[j] {
					cov.SetSym(i, j, 0)
				}
			}
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return nil, errors.Singular(stage, "eigendecomposition of the noise covariance failed").WithInput(c.identity)
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return values[order[a]] > values[order[b]] })
	top := values[order[0]]
	if !(top > 0) {
		return nil, errors.Singular(stage, "noise covariance has no positive eigenvalue").WithInput(c.identity)
	}

	floor := opts.EigenFloor * top
	var keep []int
	for _, i := range order {
		if values[i] > floor {
			keep = append(keep, i)
		}
	}
	if len(keep) < n && !opts.AllowRankDeficient {
		return nil, errors.Singular(stage, "noise covariance has rank %d of %d", len(keep), n).WithInput(c.identity)
	}

	w := mat.NewDense(len(keep), n, nil)
	kept := make([]float64, len(keep))
	for r, i := range keep {
		kept[r] = values[i]
		s := 1 / math.Sqrt(values[i])
		for j := 0; j < n; j++ {
			w.Set(r, j, s*vectors.At(j, i))
		}
	}

	wh := &Whitener{W: w, Eigenvalues: kept, Rank: len(keep), Channels: c.Channels()}
	wh.identity = hashWhitener(c.identity, w)
	return wh, nil
}

func hashWhitener(covID string, w *mat.Dense) string {
	raw := w.RawMatrix()
	return models.NewDigest("whitener").Text(covID).Int(raw.Rows).Int(raw.Cols).Floats(raw.Data).Sum()
}

// RestoreWhitener rebuilds a whitener from a stored matrix. Rows of W are
// orthogonal with squared norm 1/λ, which gives back the eigenvalues.
func RestoreWhitener(c *Covariance, w mat.Matrix) (*Whitener, error) {
	rank, n := w.Dims()
	if n != c.Dim() || rank == 0 || rank > n {
		return nil, errors.Dimension(stage, "whitening matrix is %d×%d for %d channels", rank, n, c.Dim()).
			WithInput(c.identity)
	}
	wd := mat.DenseCopyOf(w)
	values := make([]float64, rank)
	for i := range values {
		row := wd.RawRowView(i)
		var ss float64
		for _, v := range row {
			ss += v * v
		}
		if ss == 0 {
			return nil, errors.Singular(stage, "whitening row %d is zero", i).WithInput(c.identity)
		}
		values[i] = 1 / ss
	}
	return &Whitener{W: wd, Eigenvalues: values, Rank: rank, Channels: c.Channels(), identity: hashWhitener(c.identity, wd)}, nil
}

// Identity keys the whitener by its covariance and options
func (w *Whitener) Identity() string { return w.identity }

// WhitenGain returns W·G
func (w *Whitener) WhitenGain(g mat.Matrix) (*mat.Dense, error) {
	return w.apply(g, "gain")
}

// WhitenData returns W·X for channels × samples data
func (w *Whitener) WhitenData(x mat.Matrix) (*mat.Dense, error) {
	return w.apply(x, "data")
}

func (w *Whitener) apply(m mat.Matrix, what string) (*mat.Dense, error) {
	r, _ := m.Dims()
	_, n := w.W.Dims()
	if r != n {
		return nil, errors.Dimension(stage, "%s has %d rows, whitener expects %d channels", what, r, n)
	}
	var out mat.Dense
	out.Mul(w.W, m)
	return &out, nil
}
