package models

import (
	"fmt"
	"math"
	"strings"
)

// Vec3 is a point or direction in head coordinates, in meters
type Vec3 [3]float64

// Add returns v + w
func (v Vec3) Add(w Vec3) Vec3 { return Vec3{v[0] + w[0], v[1] + w[1], v[2] + w[2]} }

// Sub returns v - w
func (v Vec3) Sub(w Vec3) Vec3 { return Vec3{v[0] - w[0], v[1] - w[1], v[2] - w[2]} }

// Scale returns s*v
func (v Vec3) Scale(s float64) Vec3 { return Vec3{s * v[0], s * v[1], s * v[2]} }

// Dot returns the inner product
func (v Vec3) Dot(w Vec3) float64 { return v[0]*w[0] + v[1]*w[1] + v[2]*w[2] }

// Cross returns v × w
func (v Vec3) Cross(w Vec3) Vec3 {
	return Vec3{
		v[1]*w[2] - v[2]*w[1],
		v[2]*w[0] - v[0]*w[2],
		v[0]*w[1] - v[1]*w[0],
	}
}

// Norm returns the Euclidean length
func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// Unit returns v scaled to unit length. The zero vector is returned unchanged.
func (v Vec3) Unit() Vec3 {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return v.Scale(1 / n)
}

// Triple returns the scalar triple product (a × b) · c
func Triple(a, b, c Vec3) float64 { return a.Cross(b).Dot(c) }

// Orientation describes how many moment components each source carries
type Orientation int

const (
	// Free sources carry three orthogonal moment components (x, y, z)
	Free Orientation = iota

	// Fixed sources carry a single moment along a prescribed direction,
	// typically the local cortical surface normal
	Fixed
)

// Components returns the number of gain columns per source
func (o Orientation) Components() int {
	if o == Fixed {
		return 1
	}
	return 3
}

func (o Orientation) String() string {
	if o == Fixed {
		return "fixed"
	}
	return "free"
}

// Method tags the inverse or spatial-filter algorithm an artifact was built with.
// The numeric values are part of the persisted record format.
type Method uint8

const (
	MNE Method = iota
	DSPM
	SLORETA
	ELORETA
	LCMV
	DICS
)

var methodNames = [...]string{"MNE", "dSPM", "sLORETA", "eLORETA", "LCMV", "DICS"}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return fmt.Sprintf("Method(%d)", uint8(m))
}

// ParseMethod resolves a method name case-insensitively
func ParseMethod(name string) (Method, error) {
	for i, n := range methodNames {
		if strings.EqualFold(n, name) {
			return Method(i), nil
		}
	}
	return 0, fmt.Errorf("unknown method %q", name)
}

// MinimumNormFamily reports whether the method shares the plain minimum-norm kernel
// and differs only in post-hoc normalization
func (m Method) MinimumNormFamily() bool {
	return m == MNE || m == DSPM || m == SLORETA
}

// Beamformer reports whether the method is a spatial filter
func (m Method) Beamformer() bool { return m == LCMV || m == DICS }
