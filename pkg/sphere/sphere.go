// Package sphere evaluates closed-form fields of current dipoles in
// concentric spherical conductors: the multi-shell EEG series and the Sarvas
// formula for MEG, which is independent of the shell conductivities.
package sphere

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"neurosource/internal/models"
	"neurosource/pkg/sensors"
)

// Mu0Over4Pi is μ0/4π in T·m/A
const Mu0Over4Pi = 1e-7

const (
	maxTerms = 400
	termTol  = 1e-12
)

// Model is a set of concentric shells. Radii and conductivities run inner to
// outer; the last radius is the scalp where electrodes sit.
type Model struct {
	Radii          []float64
	Conductivities []float64
	Center         models.Vec3

	// coef[n] = (2n+1)/(n·b1) for the EEG series, n ≤ maxTerms
	coef []float64
}

// NewModel validates shells and precomputes the series coefficients
func NewModel(radii, conductivities []float64, center models.Vec3) (*Model, error) {
	if len(radii) == 0 || len(radii) != len(conductivities) {
		return nil, fmt.Errorf("sphere model needs matching radii and conductivities, got %d and %d",
			len(radii), len(conductivities))
	}
	for i := range radii {
		if radii[i] <= 0 || conductivities[i] <= 0 {
			return nil, fmt.Errorf("sphere shell %d: radius and conductivity must be positive", i)
		}
		if i > 0 && radii[i] <= radii[i-1] {
			return nil, fmt.Errorf("sphere radii must increase, got %v", radii)
		}
	}
	m := &Model{
		Radii:          append([]float64(nil), radii...),
		Conductivities: append([]float64(nil), conductivities...),
		Center:         center,
	}
	m.coef = make([]float64, maxTerms+1)
	for n := 1; n <= maxTerms; n++ {
		m.coef[n] = m.seriesCoefficient(n)
	}
	return m, nil
}

// Identity returns the content hash of the model
func (m *Model) Identity() string {
	return models.NewDigest("sphere").Floats(m.Radii).Floats(m.Conductivities).
		Vecs([]models.Vec3{m.Center}).Sum()
}

// Scalp returns the outer radius
func (m *Model) Scalp() float64 { return m.Radii[len(m.Radii)-1] }

// seriesCoefficient propagates the order-n harmonic from the insulating outer
// boundary to the innermost shell. With ρ = r/R_scalp, each shell carries
// a·ρⁿ + b·ρ^−(n+1); the outer shell has b = 1 and a = (n+1)/n (no radial
// current into air). Potential and radial current are continuous at each
// interface. The scalp potential per unit source term is then (2n+1)/(n·b1).
func (m *Model) seriesCoefficient(n int) float64 {
	fn := float64(n)
	nl := len(m.Radii)
	R := m.Scalp()
	a, b := (fn+1)/fn, 1.0
	for j := nl - 2; j >= 0; j-- {
		rho := m.Radii[j] / R
		rn := math.Pow(rho, fn)
		rm := math.Pow(rho, -(fn + 1))
		p := a*rn + b*rm
		d := m.Conductivities[j+1] * (fn*a*rn - (fn+1)*b*rm)
		sj := m.Conductivities[j]
		ai := ((fn+1)*p + d/sj) / (2*fn + 1)
		bi := (fn*p - d/sj) / (2*fn + 1)
		a, b = ai/rn, bi/rm
	}
	return (2*fn + 1) / (fn * b)
}

// Potential returns the scalp potential at the radial projection of electrode
// for a dipole q (A·m) at r0, in volts
func (m *Model) Potential(r0, q, electrode models.Vec3) float64 {
	R := m.Scalp()
	src := r0.Sub(m.Center)
	rhat := electrode.Sub(m.Center).Unit()
	s1 := m.Conductivities[0]
	pre := 1 / (4 * math.Pi * s1)

	d0 := src.Norm()
	if d0 == 0 {
		return pre * m.coef[1] / (R * R) * q.Dot(rhat)
	}
	r0hat := src.Scale(1 / d0)
	u := rhat.Dot(r0hat)
	qr0 := q.Dot(r0hat)
	qr := q.Dot(rhat)

	// P_n, P_n' by upward recurrence
	pPrev, p := 1.0, u
	dPrev, dp := 0.0, 1.0
	ratio := d0 / R
	scale := 1 / (R * R) // R^-(n+1)·r0^(n-1) at n = 1
	// |P_n| ≤ 1 and |P_n'| ≤ n(n+1)/2 bound the remaining terms
	qn := q.Norm()
	ref := m.coef[1] * scale * qn
	var v float64
	for n := 1; n <= maxTerms; n++ {
		fn := float64(n)
		v += m.coef[n] * scale * (fn*qr0*p + dp*(qr-u*qr0))
		if bound := m.coef[n] * scale * qn * fn * (fn + 2); n > 3 && bound < termTol*ref {
			break
		}
		pNext := ((2*fn+1)*u*p - fn*pPrev) / (fn + 1)
		dNext := dPrev + (2*fn+1)*p
		pPrev, p = p, pNext
		dPrev, dp = dp, dNext
		scale *= ratio
	}
	return pre * v
}

// MagneticField returns the Sarvas field of dipole q at r0 observed at r, in T
func (m *Model) MagneticField(r0, q, r models.Vec3) models.Vec3 {
	return Sarvas(r0.Sub(m.Center), q, r.Sub(m.Center))
}

// Sarvas evaluates the field outside a spherically symmetric conductor
// centered at the origin
func Sarvas(r0, q, r models.Vec3) models.Vec3 {
	av := r.Sub(r0)
	a := av.Norm()
	rn := r.Norm()
	adotr := av.Dot(r)
	f := a * (rn*a + rn*rn - r0.Dot(r))
	if f == 0 {
		return models.Vec3{}
	}
	gradF := r.Scale(a*a/rn + adotr/a + 2*a + 2*rn).Sub(r0.Scale(a + 2*rn + adotr/a))
	qxr0 := q.Cross(r0)
	return qxr0.Scale(f).Sub(gradF.Scale(qxr0.Dot(r))).Scale(Mu0Over4Pi / (f * f))
}

// Mapper evaluates sphere-model gains for a channel set
type Mapper struct {
	Model    *Model
	Channels []sensors.Channel
}

// NewMapper binds channels to the model
func NewMapper(m *Model, channels []sensors.Channel) *Mapper {
	return &Mapper{Model: m, Channels: channels}
}

// Gain computes channels × (sources·components) gain for a block of sources
func (mp *Mapper) Gain(positions, normals []models.Vec3, ori models.Orientation) *mat.Dense {
	ncomp := ori.Components()
	out := mat.NewDense(len(mp.Channels), len(positions)*ncomp, nil)
	basis := [3]models.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	for i, ch := range mp.Channels {
		row := out.RawRowView(i)
		for si, r0 := range positions {
			for c := 0; c < ncomp; c++ {
				q := basis[c]
				if ori == models.Fixed {
					q = normals[si]
				}
				row[ncomp*si+c] = mp.measure(ch, r0, q)
			}
		}
	}
	return out
}

func (mp *Mapper) measure(ch sensors.Channel, r0, q models.Vec3) float64 {
	if ch.Kind == sensors.EEG {
		return mp.Model.Potential(r0, q, ch.Points[0].Pos)
	}
	var b float64
	for _, ip := range ch.Points {
		b += ip.Weight * mp.Model.MagneticField(r0, q, ip.Pos).Dot(ip.Normal)
	}
	return b
}
