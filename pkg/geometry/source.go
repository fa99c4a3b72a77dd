package geometry

import (
	"fmt"
	"math"

	"neurosource/internal/models"
	"neurosource/pkg/errors"
)

// SourceSpace is the set of candidate dipole locations, with orientations when
// the moments are fixed
type SourceSpace struct {
	Positions []models.Vec3

	// Normals are the fixed moment directions; required for Fixed orientation
	Normals []models.Vec3

	Orientation models.Orientation

	identity string
}

// NewSourceSpace copies positions (and normals, if any) into a source space
func NewSourceSpace(positions, normals []models.Vec3, ori models.Orientation) (*SourceSpace, error) {
	if len(positions) == 0 {
		return nil, errors.Geometry("geometry.sources", "source space is empty")
	}
	if ori == models.Fixed && len(normals) != len(positions) {
		return nil, errors.Dimension("geometry.sources", "fixed orientation needs %d normals, got %d", len(positions), len(normals))
	}
	src := &SourceSpace{
		Positions:   append([]models.Vec3(nil), positions...),
		Orientation: ori,
	}
	if len(normals) > 0 {
		src.Normals = make([]models.Vec3, len(normals))
		for i, n := range normals {
			src.Normals[i] = n.Unit()
		}
	}
	src.identity = hashSources(src)
	return src, nil
}

// Identity returns the content hash of the source space
func (s *SourceSpace) Identity() string { return s.identity }

// Len returns the number of source locations
func (s *SourceSpace) Len() int { return len(s.Positions) }

// Columns returns the gain column count, sources × components
func (s *SourceSpace) Columns() int { return len(s.Positions) * s.Orientation.Components() }

// Validate checks that every location lies inside the innermost surface of m
func (s *SourceSpace) Validate(m *Model) error {
	inner := m.Inner()
	for i, p := range s.Positions {
		if !inner.Contains(p) {
			return errors.Geometry("geometry.sources", "source %d at %v lies outside surface %q", i, p, inner.ID).
				WithInput(s.identity)
		}
	}
	return nil
}

// Subset returns a source space restricted to the given indices
func (s *SourceSpace) Subset(indices []int) (*SourceSpace, error) {
	pos := make([]models.Vec3, len(indices))
	var nrm []models.Vec3
	if len(s.Normals) > 0 {
		nrm = make([]models.Vec3, len(indices))
	}
	for k, i := range indices {
		if i < 0 || i >= len(s.Positions) {
			return nil, fmt.Errorf("source index %d out of range", i)
		}
		pos[k] = s.Positions[i]
		if nrm != nil {
			nrm[k] = s.Normals[i]
		}
	}
	return NewSourceSpace(pos, nrm, s.Orientation)
}

// VolumeGrid places free-orientation sources on a regular grid inside the
// innermost surface of m, keeping only points at least margin from it
func VolumeGrid(m *Model, spacing, margin float64) (*SourceSpace, error) {
	if spacing <= 0 {
		return nil, fmt.Errorf("grid spacing must be positive, got %g", spacing)
	}
	inner := m.Inner()
	lo := models.Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := models.Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, v := range inner.Vertices {
		for k := 0; k < 3; k++ {
			lo[k] = math.Min(lo[k], v[k])
			hi[k] = math.Max(hi[k], v[k])
		}
	}

	// grid anchored on the surface centroid so symmetric heads give symmetric grids
	c := inner.Centroid()
	var counts [3]int
	for k := 0; k < 3; k++ {
		counts[k] = int(math.Ceil(math.Max(c[k]-lo[k], hi[k]-c[k]) / spacing))
	}

	var pos []models.Vec3
	for i := -counts[0]; i <= counts[0]; i++ {
		for j := -counts[1]; j <= counts[1]; j++ {
			for k := -counts[2]; k <= counts[2]; k++ {
				p := c.Add(models.Vec3{float64(i) * spacing, float64(j) * spacing, float64(k) * spacing})
				if !inner.Contains(p) || inner.DistanceTo(p) < margin {
					continue
				}
				pos = append(pos, p)
			}
		}
	}
	if len(pos) == 0 {
		return nil, errors.Geometry("geometry.sources", "no grid point of spacing %g fits inside %q", spacing, inner.ID)
	}
	return NewSourceSpace(pos, nil, models.Free)
}

// SurfaceSources places fixed-orientation sources at the vertices of s, oriented
// along the vertex normals (a cortical-sheet source space)
func SurfaceSources(s *Surface) (*SourceSpace, error) {
	return NewSourceSpace(s.Vertices, s.Normals, models.Fixed)
}

// DistanceToSurface returns the distance from every source to surface s
func DistanceToSurface(src *SourceSpace, s *Surface) []float64 {
	d := make([]float64, len(src.Positions))
	for i, p := range src.Positions {
		d[i] = s.DistanceTo(p)
	}
	return d
}
