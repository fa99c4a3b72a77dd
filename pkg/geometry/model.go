package geometry

import (
	"neurosource/internal/models"
	"neurosource/pkg/errors"
)

// Model is a nested set of conductivity boundaries ordered outer to inner
// (e.g. scalp, skull, brain). A single surface is a homogeneous model.
type Model struct {
	Surfaces []*Surface

	identity string
}

// NewModel assembles a model from surfaces given outer to inner
func NewModel(surfaces ...*Surface) *Model {
	m := &Model{Surfaces: append([]*Surface(nil), surfaces...)}
	m.identity = hashModel(m)
	return m
}

// Identity returns the content hash of the model
func (m *Model) Identity() string { return m.identity }

// Inner returns the innermost surface, which bounds the source region
func (m *Model) Inner() *Surface { return m.Surfaces[len(m.Surfaces)-1] }

// Outer returns the outermost surface (scalp)
func (m *Model) Outer() *Surface { return m.Surfaces[0] }

// NumVertices returns the total vertex count over all surfaces
func (m *Model) NumVertices() int {
	n := 0
	for _, s := range m.Surfaces {
		n += s.NumVertices()
	}
	return n
}

// SurfaceIDs lists the surface identities outer to inner
func (m *Model) SurfaceIDs() []string {
	ids := make([]string, len(m.Surfaces))
	for i, s := range m.Surfaces {
		ids[i] = s.Identity()
	}
	return ids
}

// Validate checks every surface and the strict nesting of consecutive pairs
func (m *Model) Validate() error {
	const stage = "geometry.validate"
	if len(m.Surfaces) == 0 {
		return errors.Geometry(stage, "model has no surfaces").WithInput(m.identity)
	}
	for _, s := range m.Surfaces {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	for i := 1; i < len(m.Surfaces); i++ {
		outer, inner := m.Surfaces[i-1], m.Surfaces[i]
		for v, p := range inner.Vertices {
			if !outer.Contains(p) {
				return errors.Geometry(stage, "surface %q vertex %d lies outside enclosing surface %q",
					inner.ID, v, outer.ID).WithInput(m.identity)
			}
		}
		// an inner surface poking through would leave outer vertices inside it
		for v, p := range outer.Vertices {
			if inner.Contains(p) {
				return errors.Geometry(stage, "surface %q vertex %d lies inside nested surface %q",
					outer.ID, v, inner.ID).WithInput(m.identity)
			}
		}
		// an edge can still cross where the outer surface is not convex
		if a, b, ok := intersection(outer, inner); ok {
			return errors.Geometry(stage, "surface %q triangle %d intersects surface %q triangle %d",
				outer.ID, a, inner.ID, b).WithInput(m.identity)
		}
	}
	return nil
}

// Contains reports whether p is inside the innermost surface
func (m *Model) Contains(p models.Vec3) bool { return m.Inner().Contains(p) }
