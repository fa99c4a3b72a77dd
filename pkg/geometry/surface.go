// Package geometry holds the validated head model: triangulated conductivity
// boundaries, their nesting, and the candidate source locations.
//
// All coordinates are in meters. Surfaces are immutable once constructed and
// are identified by a content hash so downstream stages can cache results
// keyed on the exact geometry they were computed from.
package geometry

import (
	"math"

	"neurosource/internal/models"
	"neurosource/pkg/errors"
)

// degenerateArea is the smallest triangle area accepted, in m²
const degenerateArea = 1e-14

// Surface is a closed triangulated boundary between two conductivity compartments.
// Conductivity is the value inside the surface.
type Surface struct {
	// ID names the boundary (e.g. "brain", "skull", "scalp")
	ID string

	Vertices  []models.Vec3
	Triangles [][3]int

	// Conductivity inside the surface, in S/m
	Conductivity float64

	// Derived data, filled by NewSurface
	Normals      []models.Vec3 // unit vertex normals
	TriNormals   []models.Vec3 // unit triangle normals
	TriAreas     []float64
	NeighborTris [][]int // triangles sharing each vertex

	identity string
}

// NewSurface builds a surface and its derived quantities. It does not validate
// topology; call Validate before using the surface in a model.
func NewSurface(id string, vertices []models.Vec3, triangles [][3]int, conductivity float64) (*Surface, error) {
	s := &Surface{
		ID:           id,
		Vertices:     append([]models.Vec3(nil), vertices...),
		Triangles:    append([][3]int(nil), triangles...),
		Conductivity: conductivity,
	}
	for ti, tri := range s.Triangles {
		for _, v := range tri {
			if v < 0 || v >= len(s.Vertices) {
				return nil, errors.Geometry("geometry.surface", "surface %q triangle %d references vertex %d of %d", id, ti, v, len(s.Vertices))
			}
		}
	}
	s.complete()
	s.identity = hashSurface(s)
	return s, nil
}

func (s *Surface) complete() {
	nt := len(s.Triangles)
	s.TriNormals = make([]models.Vec3, nt)
	s.TriAreas = make([]float64, nt)
	s.NeighborTris = make([][]int, len(s.Vertices))
	s.Normals = make([]models.Vec3, len(s.Vertices))

	for ti, tri := range s.Triangles {
		a, b, c := s.Vertices[tri[0]], s.Vertices[tri[1]], s.Vertices[tri[2]]
		n := b.Sub(a).Cross(c.Sub(a))
		area := n.Norm() / 2
		s.TriAreas[ti] = area
		s.TriNormals[ti] = n.Unit()
		for _, v := range tri {
			s.NeighborTris[v] = append(s.NeighborTris[v], ti)
			// area-weighted accumulation
			s.Normals[v] = s.Normals[v].Add(n)
		}
	}
	for i := range s.Normals {
		s.Normals[i] = s.Normals[i].Unit()
	}
}

// Identity returns the content hash of the surface
func (s *Surface) Identity() string { return s.identity }

// NumVertices returns the vertex count
func (s *Surface) NumVertices() int { return len(s.Vertices) }

// TriangleVertices returns the corner positions of triangle ti
func (s *Surface) TriangleVertices(ti int) (models.Vec3, models.Vec3, models.Vec3) {
	t := s.Triangles[ti]
	return s.Vertices[t[0]], s.Vertices[t[1]], s.Vertices[t[2]]
}

// Volume returns the signed enclosed volume; positive for outward-oriented surfaces
func (s *Surface) Volume() float64 {
	var v float64
	for _, tri := range s.Triangles {
		v += models.Triple(s.Vertices[tri[0]], s.Vertices[tri[1]], s.Vertices[tri[2]])
	}
	return v / 6
}

// Centroid returns the vertex mean
func (s *Surface) Centroid() models.Vec3 {
	var c models.Vec3
	for _, v := range s.Vertices {
		c = c.Add(v)
	}
	return c.Scale(1 / float64(len(s.Vertices)))
}

// Validate checks that the surface is a closed, consistently outward-oriented,
// non-degenerate and non-self-intersecting 2-manifold of genus 0.
func (s *Surface) Validate() error {
	const stage = "geometry.validate"
	if len(s.Vertices) < 4 || len(s.Triangles) < 4 {
		return errors.Geometry(stage, "surface %q has too few elements (%d vertices, %d triangles)",
			s.ID, len(s.Vertices), len(s.Triangles)).WithInput(s.identity)
	}
	if !(s.Conductivity > 0) || math.IsInf(s.Conductivity, 0) {
		return errors.Geometry(stage, "surface %q conductivity %g must be positive", s.ID, s.Conductivity).WithInput(s.identity)
	}
	for ti, a := range s.TriAreas {
		if a < degenerateArea {
			return errors.Geometry(stage, "surface %q triangle %d is degenerate (area %g)", s.ID, ti, a).WithInput(s.identity)
		}
	}

	// Each directed edge must appear once and its reverse exactly once.
	type edge [2]int
	directed := make(map[edge]int, 3*len(s.Triangles))
	for ti, tri := range s.Triangles {
		for k := 0; k < 3; k++ {
			e := edge{tri[k], tri[(k+1)%3]}
			if prev, dup := directed[e]; dup {
				return errors.Geometry(stage, "surface %q edge %v used twice with the same orientation (triangles %d and %d)",
					s.ID, e, prev, ti).WithInput(s.identity)
			}
			directed[e] = ti
		}
	}
	for e, ti := range directed {
		if _, ok := directed[edge{e[1], e[0]}]; !ok {
			return errors.Geometry(stage, "surface %q is open: edge %v of triangle %d has no neighbor", s.ID, e, ti).WithInput(s.identity)
		}
	}
	for v, tris := range s.NeighborTris {
		if len(tris) == 0 {
			return errors.Geometry(stage, "surface %q vertex %d belongs to no triangle", s.ID, v).WithInput(s.identity)
		}
	}
	nEdges := len(directed) / 2
	if euler := len(s.Vertices) - nEdges + len(s.Triangles); euler != 2 {
		return errors.Geometry(stage, "surface %q Euler characteristic %d, expected 2", s.ID, euler).WithInput(s.identity)
	}
	if s.Volume() <= 0 {
		return errors.Geometry(stage, "surface %q normals point inward", s.ID).WithInput(s.identity)
	}
	if a, b, ok := s.selfIntersection(); ok {
		return errors.Geometry(stage, "surface %q self-intersects (triangles %d and %d)", s.ID, a, b).WithInput(s.identity)
	}
	return nil
}

// Contains reports whether p lies inside the closed surface, using the total
// solid angle subtended by the surface (4π inside, 0 outside).
func (s *Surface) Contains(p models.Vec3) bool {
	var omega float64
	for _, tri := range s.Triangles {
		omega += SolidAngle(p, s.Vertices[tri[0]], s.Vertices[tri[1]], s.Vertices[tri[2]])
	}
	return omega > 2*math.Pi
}

// DistanceTo returns the shortest distance from p to the surface
func (s *Surface) DistanceTo(p models.Vec3) float64 {
	best := math.Inf(1)
	for _, tri := range s.Triangles {
		q := ClosestPointOnTriangle(p, s.Vertices[tri[0]], s.Vertices[tri[1]], s.Vertices[tri[2]])
		if d := q.Sub(p).Norm(); d < best {
			best = d
		}
	}
	return best
}

// Project finds the triangle closest to p and the barycentric weights of the
// projected point, used to interpolate vertex values (e.g. scalp potentials).
func (s *Surface) Project(p models.Vec3) (tri int, weights [3]float64, dist float64) {
	dist = math.Inf(1)
	for ti, t := range s.Triangles {
		a, b, c := s.Vertices[t[0]], s.Vertices[t[1]], s.Vertices[t[2]]
		q := ClosestPointOnTriangle(p, a, b, c)
		if d := q.Sub(p).Norm(); d < dist {
			dist = d
			tri = ti
			weights = Barycentric(q, a, b, c)
		}
	}
	return tri, weights, dist
}
