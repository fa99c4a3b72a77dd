package geometry

import (
	"math"
	"sort"

	"neurosource/internal/models"
)

// SolidAngle returns the signed solid angle subtended at p by triangle (a, b, c)
// (Van Oosterom & Strackee). It is positive when p sees the side opposite the
// right-handed normal, i.e. from inside an outward-oriented surface.
func SolidAngle(p, a, b, c models.Vec3) float64 {
	r1, r2, r3 := a.Sub(p), b.Sub(p), c.Sub(p)
	l1, l2, l3 := r1.Norm(), r2.Norm(), r3.Norm()
	num := models.Triple(r1, r2, r3)
	den := l1*l2*l3 + r1.Dot(r2)*l3 + r1.Dot(r3)*l2 + r2.Dot(r3)*l1
	return 2 * math.Atan2(num, den)
}

// ClosestPointOnTriangle returns the point of triangle (a, b, c) nearest to p
func ClosestPointOnTriangle(p, a, b, c models.Vec3) models.Vec3 {
	ab, ac, ap := b.Sub(a), c.Sub(a), p.Sub(a)
	d1, d2 := ab.Dot(ap), ac.Dot(ap)
	if d1 <= 0 && d2 <= 0 {
		return a
	}
	bp := p.Sub(b)
	d3, d4 := ab.Dot(bp), ac.Dot(bp)
	if d3 >= 0 && d4 <= d3 {
		return b
	}
	vc := d1*d4 - d3*d2
	if vc <= 0 && d1 >= 0 && d3 <= 0 {
		return a.Add(ab.Scale(d1 / (d1 - d3)))
	}
	cp := p.Sub(c)
	d5, d6 := ab.Dot(cp), ac.Dot(cp)
	if d6 >= 0 && d5 <= d6 {
		return c
	}
	vb := d5*d2 - d1*d6
	if vb <= 0 && d2 >= 0 && d6 <= 0 {
		return a.Add(ac.Scale(d2 / (d2 - d6)))
	}
	va := d3*d6 - d5*d4
	if va <= 0 && (d4-d3) >= 0 && (d5-d6) >= 0 {
		return b.Add(c.Sub(b).Scale((d4 - d3) / ((d4 - d3) + (d5 - d6))))
	}
	denom := 1 / (va + vb + vc)
	v := vb * denom
	w := vc * denom
	return a.Add(ab.Scale(v)).Add(ac.Scale(w))
}

// Barycentric returns the barycentric coordinates of q (assumed in the plane of
// the triangle) with respect to (a, b, c)
func Barycentric(q, a, b, c models.Vec3) [3]float64 {
	v0, v1, v2 := b.Sub(a), c.Sub(a), q.Sub(a)
	d00, d01, d11 := v0.Dot(v0), v0.Dot(v1), v1.Dot(v1)
	d20, d21 := v2.Dot(v0), v2.Dot(v1)
	den := d00*d11 - d01*d01
	v := (d11*d20 - d01*d21) / den
	w := (d00*d21 - d01*d20) / den
	return [3]float64{1 - v - w, v, w}
}

type bbox struct {
	min, max models.Vec3
	tri      int
	second   bool
}

func (s *Surface) boxes(second bool) []bbox {
	out := make([]bbox, len(s.Triangles))
	for ti := range s.Triangles {
		a, b, c := s.TriangleVertices(ti)
		bx := bbox{tri: ti, second: second}
		for k := 0; k < 3; k++ {
			bx.min[k] = math.Min(a[k], math.Min(b[k], c[k]))
			bx.max[k] = math.Max(a[k], math.Max(b[k], c[k]))
		}
		out[ti] = bx
	}
	return out
}

// selfIntersection reports a pair of non-adjacent triangles of s that cross
func (s *Surface) selfIntersection() (int, int, bool) { return intersection(s, s) }

// intersection sweeps triangle bounding boxes along x and runs exact
// segment/triangle tests on the overlapping pairs, one triangle from a and
// one from b. When a and b are the same surface, triangles sharing a vertex
// are skipped. The returned indices are into a and b respectively.
func intersection(a, b *Surface) (int, int, bool) {
	same := a == b
	all := a.boxes(false)
	if !same {
		all = append(all, b.boxes(true)...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].min[0] < all[j].min[0] })

	for i := range all {
		bi := all[i]
		for j := i + 1; j < len(all) && all[j].min[0] <= bi.max[0]; j++ {
			bj := all[j]
			if !same && bi.second == bj.second {
				continue
			}
			if bj.min[1] > bi.max[1] || bj.max[1] < bi.min[1] || bj.min[2] > bi.max[2] || bj.max[2] < bi.min[2] {
				continue
			}
			if same && a.shareVertex(bi.tri, bj.tri) {
				continue
			}
			ta, tb := bi.tri, bj.tri
			if bi.second {
				ta, tb = tb, ta
			}
			if trianglesIntersect(a, ta, b, tb) {
				return ta, tb, true
			}
		}
	}
	return 0, 0, false
}

func (s *Surface) shareVertex(t1, t2 int) bool {
	for _, a := range s.Triangles[t1] {
		for _, b := range s.Triangles[t2] {
			if a == b {
				return true
			}
		}
	}
	return false
}

func trianglesIntersect(s1 *Surface, t1 int, s2 *Surface, t2 int) bool {
	a1, b1, c1 := s1.TriangleVertices(t1)
	a2, b2, c2 := s2.TriangleVertices(t2)
	edges1 := [3][2]models.Vec3{{a1, b1}, {b1, c1}, {c1, a1}}
	edges2 := [3][2]models.Vec3{{a2, b2}, {b2, c2}, {c2, a2}}
	for _, e := range edges1 {
		if segmentHitsTriangle(e[0], e[1], a2, b2, c2) {
			return true
		}
	}
	for _, e := range edges2 {
		if segmentHitsTriangle(e[0], e[1], a1, b1, c1) {
			return true
		}
	}
	return false
}

// segmentHitsTriangle is Möller–Trumbore restricted to the open segment p→q
func segmentHitsTriangle(p, q, a, b, c models.Vec3) bool {
	const eps = 1e-12
	dir := q.Sub(p)
	e1, e2 := b.Sub(a), c.Sub(a)
	h := dir.Cross(e2)
	det := e1.Dot(h)
	if math.Abs(det) < eps*dir.Norm()*e1.Norm()*e2.Norm() {
		return false
	}
	f := 1 / det
	sv := p.Sub(a)
	u := f * sv.Dot(h)
	if u <= 0 || u >= 1 {
		return false
	}
	qv := sv.Cross(e1)
	v := f * dir.Dot(qv)
	if v <= 0 || u+v >= 1 {
		return false
	}
	t := f * e2.Dot(qv)
	return t > 0 && t < 1
}
