package sensors

import (
	"fmt"
	"math"

	"neurosource/internal/models"
)

// hemisphere spreads n unit directions over the upper cap z ≥ zmin·r with a
// Fibonacci spiral
func hemisphere(n int, zmin float64) []models.Vec3 {
	golden := math.Pi * (3 - math.Sqrt(5))
	out := make([]models.Vec3, n)
	for i := 0; i < n; i++ {
		z := 1 - (1-zmin)*(float64(i)+0.5)/float64(n)
		r := math.Sqrt(1 - z*z)
		phi := golden * float64(i)
		out[i] = models.Vec3{r * math.Cos(phi), r * math.Sin(phi), z}
	}
	return out
}

// RadialHelmet places n radial point magnetometers on a spherical cap of the
// given radius around center
func RadialHelmet(n int, radius float64, center models.Vec3) []Channel {
	dirs := hemisphere(n, -0.2)
	out := make([]Channel, n)
	for i, d := range dirs {
		out[i] = Magnetometer(fmt.Sprintf("MEG%03d", i+1), center.Add(d.Scale(radius)), d)
	}
	return out
}

// TiltedHelmet is RadialHelmet with every coil normal tipped by tilt radians
// toward the local tangent, so the coils also see tangential field
func TiltedHelmet(n int, radius, tilt float64, center models.Vec3) []Channel {
	dirs := hemisphere(n, -0.2)
	out := make([]Channel, n)
	for i, d := range dirs {
		u, _ := tangents(d)
		normal := d.Scale(math.Cos(tilt)).Add(u.Scale(math.Sin(tilt)))
		out[i] = Magnetometer(fmt.Sprintf("MTL%03d", i+1), center.Add(d.Scale(radius)), normal)
	}
	return out
}

// GradiometerHelmet places n axial gradiometers with the given baseline
func GradiometerHelmet(n int, radius, baseline float64, center models.Vec3) []Channel {
	dirs := hemisphere(n, -0.2)
	out := make([]Channel, n)
	for i, d := range dirs {
		out[i] = AxialGradiometer(fmt.Sprintf("GRD%03d", i+1), center.Add(d.Scale(radius)), d, baseline)
	}
	return out
}

// ElectrodeCap places n electrodes on a spherical cap of the given radius,
// normally the scalp radius
func ElectrodeCap(n int, radius float64, center models.Vec3) []Channel {
	dirs := hemisphere(n, -0.3)
	out := make([]Channel, n)
	for i, d := range dirs {
		out[i] = Electrode(fmt.Sprintf("EEG%03d", i+1), center.Add(d.Scale(radius)))
	}
	return out
}
