package geometry

import (
	"fmt"
	"math"

	"neurosource/internal/models"
)

// MaxIcoLevel bounds icosphere subdivision; level 5 already has 10242 vertices
const MaxIcoLevel = 5

// Icosphere triangulates a sphere by recursive subdivision of an icosahedron.
// Level L has 10·4^L + 2 vertices and 20·4^L triangles, all outward oriented.
func Icosphere(level int, radius float64, center models.Vec3) ([]models.Vec3, [][3]int, error) {
	if level < 0 || level > MaxIcoLevel {
		return nil, nil, fmt.Errorf("icosphere level %d outside [0, %d]", level, MaxIcoLevel)
	}
	if radius <= 0 {
		return nil, nil, fmt.Errorf("icosphere radius must be positive, got %g", radius)
	}

	t := (1 + math.Sqrt(5)) / 2
	verts := []models.Vec3{
		{-1, t, 0}, {1, t, 0}, {-1, -t, 0}, {1, -t, 0},
		{0, -1, t}, {0, 1, t}, {0, -1, -t}, {0, 1, -t},
		{t, 0, -1}, {t, 0, 1}, {-t, 0, -1}, {-t, 0, 1},
	}
	for i := range verts {
		verts[i] = verts[i].Unit()
	}
	tris := [][3]int{
		{0, 11, 5}, {0, 5, 1}, {0, 1, 7}, {0, 7, 10}, {0, 10, 11},
		{1, 5, 9}, {5, 11, 4}, {11, 10, 2}, {10, 7, 6}, {7, 1, 8},
		{3, 9, 4}, {3, 4, 2}, {3, 2, 6}, {3, 6, 8}, {3, 8, 9},
		{4, 9, 5}, {2, 4, 11}, {6, 2, 10}, {8, 6, 7}, {9, 8, 1},
	}

	for l := 0; l < level; l++ {
		mid := make(map[[2]int]int, 3*len(tris)/2)
		midpoint := func(a, b int) int {
			key := [2]int{a, b}
			if a > b {
				key = [2]int{b, a}
			}
			if idx, ok := mid[key]; ok {
				return idx
			}
			verts = append(verts, verts[a].Add(verts[b]).Unit())
			mid[key] = len(verts) - 1
			return len(verts) - 1
		}
		next := make([][3]int, 0, 4*len(tris))
		for _, tri := range tris {
			a, b, c := tri[0], tri[1], tri[2]
			ab, bc, ca := midpoint(a, b), midpoint(b, c), midpoint(c, a)
			next = append(next, [3]int{a, ab, ca}, [3]int{b, bc, ab}, [3]int{c, ca, bc}, [3]int{ab, bc, ca})
		}
		tris = next
	}

	// enforce outward orientation
	for i, tri := range tris {
		a, b, c := verts[tri[0]], verts[tri[1]], verts[tri[2]]
		n := b.Sub(a).Cross(c.Sub(a))
		if n.Dot(a.Add(b).Add(c)) < 0 {
			tris[i] = [3]int{tri[0], tri[2], tri[1]}
		}
	}

	out := make([]models.Vec3, len(verts))
	for i, v := range verts {
		out[i] = v.Scale(radius).Add(center)
	}
	return out, tris, nil
}

// SphereModel builds concentric icosphere surfaces. Radii and conductivities are
// given inner to outer (the usual way sphere models are quoted); the returned
// model is ordered outer to inner.
func SphereModel(radii, conductivities []float64, level int, center models.Vec3) (*Model, error) {
	if len(radii) == 0 || len(radii) != len(conductivities) {
		return nil, fmt.Errorf("sphere model needs matching radii and conductivities, got %d and %d",
			len(radii), len(conductivities))
	}
	names := defaultShellNames(len(radii))
	surfaces := make([]*Surface, len(radii))
	for i := range radii {
		verts, tris, err := Icosphere(level, radii[i], center)
		if err != nil {
			return nil, err
		}
		s, err := NewSurface(names[i], verts, tris, conductivities[i])
		if err != nil {
			return nil, err
		}
		surfaces[len(radii)-1-i] = s
	}
	return NewModel(surfaces...), nil
}

func defaultShellNames(n int) []string {
	switch n {
	case 1:
		return []string{"brain"}
	case 3:
		return []string{"brain", "skull", "scalp"}
	}
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("shell%d", i)
	}
	return names
}
