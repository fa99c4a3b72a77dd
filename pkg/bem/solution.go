// Package bem solves the boundary-element problem for piecewise-homogeneous
// head models with linear collocation.
//
// Potentials are unknown at every vertex of every surface. For an observation
// vertex on surface k the collocation equation reads
//
//	V(r) = 2/(σk⁻+σk⁺)·V∞(r) + Σ_l (σl⁻−σl⁺)/(σk⁻+σk⁺) · 1/2π ∫_{S_l} V dΩ
//
// where V∞ is the potential of the source in an infinite medium of unit
// conductivity and σ⁻/σ⁺ are the conductivities inside/outside a surface.
// The solved system is kept as a transfer matrix T with V = T·V∞, from which
// sensor mappings for EEG and MEG are derived.
package bem

import (
	"context"
	"math"
	"runtime"
	"time"

	"gonum.org/v1/gonum/mat"

	"neurosource/pkg/errors"
	"neurosource/pkg/geometry"
	"neurosource/pkg/logging"
)

const stageSolve = "bem.solve"

// Options controls the solve
type Options struct {
	// IPLimit enables the isolated-problem correction when the model has at
	// least three surfaces and σ_skull/σ_brain ≤ IPLimit. Zero disables it.
	IPLimit float64

	// MaxCondition rejects systems whose LU condition estimate is larger.
	// Zero means only exactly singular systems are rejected.
	MaxCondition float64

	// Workers bounds the coefficient goroutines. Defaults to runtime.NumCPU.
	Workers int

	Logger logging.Logger
}

// DefaultOptions mirror the config defaults
func DefaultOptions() Options {
	return Options{IPLimit: 0.1, MaxCondition: 1e12, Workers: runtime.NumCPU()}
}

// Solution is the solved boundary-element system for one model
type Solution struct {
	Model *geometry.Model

	// Offsets[k] is the first row of surface k; Offsets[len] is the total
	Offsets []int

	// Transfer maps unit-conductivity infinite-medium potentials at all
	// vertices to the potentials of the layered model
	Transfer *mat.Dense

	// SourceMult and FieldMult are 2/(σ⁻+σ⁺) and σ⁻−σ⁺ per surface
	SourceMult []float64
	FieldMult  []float64

	// IsolatedProblem records whether the isolated-skull correction was applied
	IsolatedProblem bool

	// Condition is the LU 1-norm condition estimate of the system
	Condition float64
}

// Identity is the cache key of the solution: model content plus method
func (s *Solution) Identity() string {
	return Identity(s.Model, s.IsolatedProblem)
}

// Identity returns the solution key for a model and solve method
func Identity(m *geometry.Model, ip bool) string {
	method := "linear-collocation"
	if ip {
		method += "+ip"
	}
	return geometry.HashStrings(m.Identity(), method)
}

// UsesIsolatedProblem reports whether Solve applies the correction to m
func UsesIsolatedProblem(m *geometry.Model, limit float64) bool {
	n := len(m.Surfaces)
	if n < 3 || limit <= 0 {
		return false
	}
	brain := m.Surfaces[n-1].Conductivity
	skull := m.Surfaces[n-2].Conductivity
	return skull/brain <= limit
}

// NumVertices returns the size of the system
func (s *Solution) NumVertices() int { return s.Offsets[len(s.Offsets)-1] }

// conductivityMultipliers derives σ⁻/σ⁺ for surfaces ordered outer to inner
func conductivityMultipliers(m *geometry.Model) (source, field []float64, sum []float64) {
	n := len(m.Surfaces)
	source, field, sum = make([]float64, n), make([]float64, n), make([]float64, n)
	for k, s := range m.Surfaces {
		inside := s.Conductivity
		outside := 0.0
		if k > 0 {
			outside = m.Surfaces[k-1].Conductivity
		}
		sum[k] = inside + outside
		source[k] = 2 / sum[k]
		field[k] = inside - outside
	}
	return source, field, sum
}

// Solve assembles and inverts the boundary-element system for a validated model
func Solve(ctx context.Context, m *geometry.Model, opts Options) (*Solution, error) {
	log := logging.OrNop(opts.Logger).Named("bem")
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}
	start := time.Now()

	nsurf := len(m.Surfaces)
	offsets := make([]int, nsurf+1)
	for k, s := range m.Surfaces {
		offsets[k+1] = offsets[k] + s.NumVertices()
	}
	ntot := offsets[nsurf]
	source, field, sum := conductivityMultipliers(m)
	ip := UsesIsolatedProblem(m, opts.IPLimit)

	log.Info("assembling boundary-element system",
		logging.String("model", m.Identity()),
		logging.Int("surfaces", nsurf),
		logging.Int("vertices", ntot),
		logging.Bool("isolated_problem", ip))

	// A = I − Γ∘Ω/2π + 1/N
	a := mat.NewDense(ntot, ntot, nil)
	var inner *mat.Dense
	for k := 0; k < nsurf; k++ {
		for l := 0; l < nsurf; l++ {
			block, err := potentialCoefficients(ctx, m.Surfaces[k], m.Surfaces[l], k == l, opts.Workers)
			if err != nil {
				return nil, err
			}
			if ip && k == nsurf-1 && l == nsurf-1 {
				inner = mat.DenseCopyOf(block)
			}
			gamma := field[l] / sum[k] / (2 * math.Pi)
			dst := a.Slice(offsets[k], offsets[k+1], offsets[l], offsets[l+1]).(*mat.Dense)
			dst.Scale(-gamma, block)
		}
	}
	deflate(a, ntot)

	system, cond, err := invert(a, opts.MaxCondition)
	if err != nil {
		return nil, err.WithInput(m.Identity())
	}

	sol := &Solution{
		Model:           m,
		Offsets:         offsets,
		SourceMult:      source,
		FieldMult:       field,
		IsolatedProblem: ip,
		Condition:       cond,
	}
	if ip {
		transfer, err := isolatedTransfer(system, inner, m, offsets, source, opts.MaxCondition)
		if err != nil {
			return nil, err.WithInput(m.Identity())
		}
		sol.Transfer = transfer
	} else {
		sol.Transfer = system
		for k := 0; k < nsurf; k++ {
			cols := system.Slice(0, ntot, offsets[k], offsets[k+1]).(*mat.Dense)
			cols.Scale(source[k], cols)
		}
	}

	log.Info("boundary-element system solved",
		logging.Float64("condition", cond),
		logging.Duration("took", time.Since(start)))
	return sol, nil
}

// deflate adds 1/n to every element of the leading n×n block and the identity
// to its diagonal. The constant vector spans the null space of I − Γ∘Ω/2π;
// the rank-one term removes it and fixes the potential's mean to zero.
func deflate(a *mat.Dense, n int) {
	defl := 1 / float64(n)
	for i := 0; i < n; i++ {
		row := a.RawRowView(i)[:n]
		for j := range row {
			row[j] += defl
		}
		row[i]++
	}
}

// invert returns a⁻¹ and the 1-norm condition estimate of a
func invert(a *mat.Dense, maxCond float64) (*mat.Dense, float64, *errors.Error) {
	var lu mat.LU
	lu.Factorize(a)
	cond := lu.Cond()
	if math.IsInf(cond, 1) || math.IsNaN(cond) {
		return nil, cond, errors.Singular(stageSolve, "system matrix is singular")
	}
	if maxCond > 0 && cond > maxCond {
		return nil, cond, errors.Singular(stageSolve, "system condition %.3g exceeds %.3g", cond, maxCond)
	}
	n, _ := a.Dims()
	var inv mat.Dense
	if err := lu.SolveTo(&inv, false, eye(n)); err != nil {
		return nil, cond, errors.Wrap(err, errors.KindSingularMatrix, stageSolve, "inverting system matrix")
	}
	return &inv, cond, nil
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// isolatedTransfer applies the isolated-problem approach. The brain is first
// solved in isolation (σ = 0 outside), giving V⁰ = 2/σ_b · S_h·V∞ on the inner
// surface. Outside the brain the isolated potential cancels the primary one,
// σ_b/2 · B[outer, inner]·V⁰ = −V∞[outer], so the right-hand side of the full
// system shrinks to σ_s/σ_b of the primary source and the inner self-block
// only acts on the small remainder V − V⁰.
//
// With S the deflated system inverse, S_h the isolated inner-surface inverse
// and ρ = σ_s/σ_b:
//
//	T[:, outer] = ρ·S[:, outer]·diag(source)
//	T[:, inner] = ρ·source_i·S[:, inner]·(I − 2·S_h) + 2/σ_b · E_inner·S_h
func isolatedTransfer(system, omegaInner *mat.Dense, m *geometry.Model, offsets []int,
	source []float64, maxCond float64) (*mat.Dense, *errors.Error) {
	nsurf := len(m.Surfaces)
	ntot := offsets[nsurf]
	i0, i1 := offsets[nsurf-1], offsets[nsurf]
	ni := i1 - i0
	sigmaBrain := m.Surfaces[nsurf-1].Conductivity
	rho := m.Surfaces[nsurf-2].Conductivity / sigmaBrain

	// S_h = (I − Ω_ii/2π + 1/n_i)⁻¹
	h := mat.NewDense(ni, ni, nil)
	h.Scale(-1/(2*math.Pi), omegaInner)
	deflate(h, ni)
	sh, _, err := invert(h, maxCond)
	if err != nil {
		return nil, err
	}

	transfer := mat.NewDense(ntot, ntot, nil)
	for k := 0; k < nsurf-1; k++ {
		dst := transfer.Slice(0, ntot, offsets[k], offsets[k+1]).(*mat.Dense)
		dst.Scale(rho*source[k], system.Slice(0, ntot, offsets[k], offsets[k+1]))
	}

	sInner := system.Slice(0, ntot, i0, i1)
	innerCols := transfer.Slice(0, ntot, i0, i1).(*mat.Dense)
	innerCols.Mul(sInner, sh)
	innerCols.Scale(-2, innerCols)
	innerCols.Add(innerCols, sInner)
	innerCols.Scale(rho*source[nsurf-1], innerCols)

	isolated := transfer.Slice(i0, i1, i0, i1).(*mat.Dense)
	var v0 mat.Dense
	v0.Scale(2/sigmaBrain, sh)
	isolated.Add(isolated, &v0)
	return transfer, nil
}
