package bem

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"neurosource/internal/models"
	"neurosource/pkg/errors"
	"neurosource/pkg/geometry"
	"neurosource/pkg/sensors"
)

// Mu0Over4Pi is μ0/4π in T·m/A
const Mu0Over4Pi = 1e-7

// quadrature is the 7-point degree-5 rule on a triangle (barycentric
// coordinates and weights summing to one)
var quadrature = []struct {
	l [3]float64
	w float64
}{
	{[3]float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, 0.225},
	{[3]float64{0.059715871789770, 0.470142064105115, 0.470142064105115}, 0.132394152788506},
	{[3]float64{0.470142064105115, 0.059715871789770, 0.470142064105115}, 0.132394152788506},
	{[3]float64{0.470142064105115, 0.470142064105115, 0.059715871789770}, 0.132394152788506},
	{[3]float64{0.797426985353087, 0.101286507323456, 0.101286507323456}, 0.125939180544827},
	{[3]float64{0.101286507323456, 0.797426985353087, 0.101286507323456}, 0.125939180544827},
	{[3]float64{0.101286507323456, 0.101286507323456, 0.797426985353087}, 0.125939180544827},
}

// SensorMap turns unit-conductivity infinite-medium source potentials at the
// surface vertices into channel measurements. Rows follow the channel order.
type SensorMap struct {
	Solution *Solution
	Channels []sensors.Channel

	// Rows is channels × vertices: EEG rows interpolate scalp potentials,
	// MEG rows integrate the secondary (volume-current) field
	Rows *mat.Dense
}

// NewSensorMap precomputes the sensor mapping for every channel
func NewSensorMap(ctx context.Context, sol *Solution, channels []sensors.Channel, workers int) (*SensorMap, error) {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	ntot := sol.NumVertices()
	raw := mat.NewDense(len(channels), ntot, nil)
	scalp := sol.Model.Outer()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range channels {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			row := raw.RawRowView(i)
			ch := channels[i]
			switch ch.Kind {
			case sensors.EEG:
				return electrodeRow(row, scalp, ch)
			case sensors.MEG:
				coilRow(row, sol, ch)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Rows = raw · T / 4π; MEG rows carry μ0/4π as well
	var rows mat.Dense
	rows.Mul(raw, sol.Transfer)
	for i, ch := range channels {
		scale := 1 / (4 * math.Pi)
		if ch.Kind == sensors.MEG {
			scale *= Mu0Over4Pi
		}
		r := rows.RawRowView(i)
		for j := range r {
			r[j] *= scale
		}
	}
	return &SensorMap{Solution: sol, Channels: channels, Rows: &rows}, nil
}

// electrodeRow projects the electrode on the outer surface (vertices 0..n of
// the system) and stores its barycentric interpolation weights
func electrodeRow(row []float64, scalp *geometry.Surface, ch sensors.Channel) error {
	tri, w, dist := scalp.Project(ch.Points[0].Pos)
	if math.IsInf(dist, 1) {
		return errors.Geometry("bem.eeg", "electrode %q could not be projected on %q", ch.Name, scalp.ID)
	}
	t := scalp.Triangles[tri]
	for k := 0; k < 3; k++ {
		row[t[k]] += w[k]
	}
	return nil
}

// coilRow integrates the Geselowitz secondary field over every surface:
//
//	B_s·c = Σ_l (σl⁻−σl⁺) ∫ V(r') ((r−r')×n')·c / |r−r'|³ dS'
//
// with V linear over each triangle, evaluated by 7-point quadrature.
func coilRow(row []float64, sol *Solution, ch sensors.Channel) {
	for k, s := range sol.Model.Surfaces {
		f := sol.FieldMult[k]
		if f == 0 {
			continue
		}
		off := sol.Offsets[k]
		for ti, tri := range s.Triangles {
			a, b, c := s.TriangleVertices(ti)
			n := s.TriNormals[ti]
			area := s.TriAreas[ti]
			for _, q := range quadrature {
				p := a.Scale(q.l[0]).Add(b.Scale(q.l[1])).Add(c.Scale(q.l[2]))
				var kernel float64
				for _, ip := range ch.Points {
					d := ip.Pos.Sub(p)
					dn := d.Norm()
					kernel += ip.Weight * d.Cross(n).Dot(ip.Normal) / (dn * dn * dn)
				}
				kernel *= f * area * q.w
				row[off+tri[0]] += kernel * q.l[0]
				row[off+tri[1]] += kernel * q.l[1]
				row[off+tri[2]] += kernel * q.l[2]
			}
		}
	}
}

// InfinitePotentials returns the vertex × column matrix of unit-conductivity
// infinite-medium potentials times 4π, Q·(r−r0)/|r−r0|³, for each source
// moment basis vector
func InfinitePotentials(sol *Solution, positions, normals []models.Vec3, ori models.Orientation) *mat.Dense {
	ncomp := ori.Components()
	ntot := sol.NumVertices()
	out := mat.NewDense(ntot, len(positions)*ncomp, nil)
	for k, s := range sol.Model.Surfaces {
		off := sol.Offsets[k]
		for vi, v := range s.Vertices {
			row := out.RawRowView(off + vi)
			for si, r0 := range positions {
				d := v.Sub(r0)
				dn := d.Norm()
				inv := 1 / (dn * dn * dn)
				if ori == models.Fixed {
					row[si] = normals[si].Dot(d) * inv
					continue
				}
				row[3*si] = d[0] * inv
				row[3*si+1] = d[1] * inv
				row[3*si+2] = d[2] * inv
			}
		}
	}
	return out
}

// PrimaryField returns the infinite-medium field of a unit dipole at r0 with
// moment q integrated over the coil, in T per A·m
func PrimaryField(ch sensors.Channel, r0, q models.Vec3) float64 {
	var b float64
	for _, ip := range ch.Points {
		d := ip.Pos.Sub(r0)
		dn := d.Norm()
		b += ip.Weight * q.Cross(d).Dot(ip.Normal) / (dn * dn * dn)
	}
	return Mu0Over4Pi * b
}

// Gain computes channels × (sources·components) gain for a block of sources
func (m *SensorMap) Gain(positions, normals []models.Vec3, ori models.Orientation) *mat.Dense {
	v := InfinitePotentials(m.Solution, positions, normals, ori)
	var gain mat.Dense
	gain.Mul(m.Rows, v)

	ncomp := ori.Components()
	basis := [3]models.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	for i, ch := range m.Channels {
		if ch.Kind != sensors.MEG {
			continue
		}
		row := gain.RawRowView(i)
		for si, r0 := range positions {
			if ori == models.Fixed {
				row[si] += PrimaryField(ch, r0, normals[si])
				continue
			}
			for c := 0; c < ncomp; c++ {
				row[ncomp*si+c] += PrimaryField(ch, r0, basis[c])
			}
		}
	}
	return &gain
}
