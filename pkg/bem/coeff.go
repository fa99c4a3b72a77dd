package bem

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"neurosource/internal/models"
	"neurosource/pkg/geometry"
)

// smallAngle drops triangles that subtend a negligible solid angle; the
// edge-integral terms lose all precision there
const smallAngle = 2 * math.Pi / 1e6

// linearCoefficients returns the solid angle subtended at r by triangle
// (a, b, c), split over the three linear basis functions of its corners:
//
//	I_k = ∫ λ_k(r') (r'−r)·n / |r'−r|³ dS'
//
// The three values sum to the signed solid angle, positive when r sees the
// triangle from behind its outward normal.
func linearCoefficients(r, a, b, c, n models.Vec3, area float64) ([3]float64, bool) {
	var out [3]float64
	y := [3]models.Vec3{a.Sub(r), b.Sub(r), c.Sub(r)}
	l := [3]float64{y[0].Norm(), y[1].Norm(), y[2].Norm()}
	triple := models.Triple(y[0], y[1], y[2])
	den := l[0]*l[1]*l[2] + y[0].Dot(y[1])*l[2] + y[0].Dot(y[2])*l[1] + y[1].Dot(y[2])*l[0]
	omega := 2 * math.Atan2(triple, den)
	if math.Abs(omega) < smallAngle {
		return out, false
	}

	// β_e = −(1/L)∫_e ds/|y| along the directed edges 1→2, 2→3, 3→1
	beta := [3]float64{
		edgeBeta(y[0], l[0], y[1], l[1]),
		edgeBeta(y[1], l[1], y[2], l[2]),
		edgeBeta(y[2], l[2], y[0], l[0]),
	}
	vecOmega := y[0].Scale(beta[2] - beta[0]).
		Add(y[1].Scale(beta[0] - beta[1])).
		Add(y[2].Scale(beta[1] - beta[2]))

	area2 := 2 * area
	n2 := 1 / (area2 * area2)
	for k := 0; k < 3; k++ {
		k1, k2 := (k+1)%3, (k+2)%3
		z := y[k1].Cross(y[k2]).Dot(n)
		d := y[k1].Sub(y[k2])
		out[k] = n2 * (area2*z*omega + triple*d.Dot(vecOmega))
	}
	return out, true
}

func edgeBeta(ya models.Vec3, la float64, yb models.Vec3, lb float64) float64 {
	e := yb.Sub(ya)
	size := e.Norm()
	e = e.Scale(1 / size)
	num := la + ya.Dot(e)
	den := lb + yb.Dot(e)
	return math.Log(num/den) / size
}

// potentialCoefficients fills the block of solid-angle coefficients from the
// vertices of obs (rows) to the vertices of src (columns). Triangles of the
// observer's own surface that contain it are skipped and compensated by
// correctAutoElements.
func potentialCoefficients(ctx context.Context, obs, src *geometry.Surface, same bool, workers int) (*mat.Dense, error) {
	out := mat.NewDense(obs.NumVertices(), src.NumVertices(), nil)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range obs.Vertices {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			row := out.RawRowView(i)
			r := obs.Vertices[i]
			for ti, tri := range src.Triangles {
				if same && (tri[0] == i || tri[1] == i || tri[2] == i) {
					continue
				}
				a, b, c := src.TriangleVertices(ti)
				coef, ok := linearCoefficients(r, a, b, c, src.TriNormals[ti], src.TriAreas[ti])
				if !ok {
					continue
				}
				row[tri[0]] += coef[0]
				row[tri[1]] += coef[1]
				row[tri[2]] += coef[2]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if same {
		correctAutoElements(src, out)
	}
	return out, nil
}

// correctAutoElements restores the 2π row sum of a surface's own block: a
// vertex on a smooth closed surface sees exactly half of it. The missing amount
// goes half to the diagonal and half, evenly, to the neighbors sharing a
// triangle with the vertex.
func correctAutoElements(s *geometry.Surface, m *mat.Dense) {
	for j := range s.Vertices {
		row := m.RawRowView(j)
		var sum float64
		for _, v := range row {
			sum += v
		}
		miss := 2*math.Pi - sum
		members := s.NeighborTris[j]
		row[j] = miss / 2
		share := miss / (4 * float64(len(members)))
		for _, ti := range members {
			for _, v := range s.Triangles[ti] {
				if v != j {
					row[v] += share
				}
			}
		}
	}
}
