// Package sensors describes MEG coils and EEG electrodes and the trial data
// recorded from them.
package sensors

import (
	"fmt"

	"neurosource/internal/models"
	"neurosource/pkg/errors"
)

// Kind is the measurement modality of a channel
type Kind int

const (
	MEG Kind = iota
	EEG
)

func (k Kind) String() string {
	switch k {
	case MEG:
		return "MEG"
	case EEG:
		return "EEG"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IntegrationPoint is one quadrature point of a coil: the field component along
// Normal at Pos is scaled by Weight and summed over the coil
type IntegrationPoint struct {
	Pos    models.Vec3
	Normal models.Vec3
	Weight float64
}

// Channel is a single MEG coil or EEG electrode. Electrodes have one point
// whose normal is ignored.
type Channel struct {
	Name   string
	Kind   Kind
	Points []IntegrationPoint
}

// Position returns the weighted-centroid location of the channel
func (c Channel) Position() models.Vec3 {
	if len(c.Points) == 1 {
		return c.Points[0].Pos
	}
	var p models.Vec3
	for _, ip := range c.Points {
		p = p.Add(ip.Pos)
	}
	return p.Scale(1 / float64(len(c.Points)))
}

// Magnetometer is a point magnetometer measuring the field along normal
func Magnetometer(name string, pos, normal models.Vec3) Channel {
	return Channel{Name: name, Kind: MEG, Points: []IntegrationPoint{{Pos: pos, Normal: normal.Unit(), Weight: 1}}}
}

// SquareMagnetometer is a flat square pickup loop of side size, integrated on a
// 2×2 Gauss grid
func SquareMagnetometer(name string, pos, normal models.Vec3, size float64) Channel {
	n := normal.Unit()
	u, v := tangents(n)
	h := size / (2 * 1.7320508075688772) // size/2 · 1/√3
	ch := Channel{Name: name, Kind: MEG}
	for _, s := range [][2]float64{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}} {
		p := pos.Add(u.Scale(s[0] * h)).Add(v.Scale(s[1] * h))
		ch.Points = append(ch.Points, IntegrationPoint{Pos: p, Normal: n, Weight: 0.25})
	}
	return ch
}

// AxialGradiometer differences two coaxial loops separated by baseline along
// the normal; the pickup loop sits at pos
func AxialGradiometer(name string, pos, normal models.Vec3, baseline float64) Channel {
	n := normal.Unit()
	return Channel{Name: name, Kind: MEG, Points: []IntegrationPoint{
		{Pos: pos, Normal: n, Weight: 1},
		{Pos: pos.Add(n.Scale(baseline)), Normal: n, Weight: -1},
	}}
}

// PlanarGradiometer measures the derivative of the normal field along dir,
// in T/m, from two loops separated by baseline
func PlanarGradiometer(name string, pos, normal, dir models.Vec3, baseline float64) Channel {
	n := normal.Unit()
	d := dir.Sub(n.Scale(dir.Dot(n))).Unit()
	half := d.Scale(baseline / 2)
	return Channel{Name: name, Kind: MEG, Points: []IntegrationPoint{
		{Pos: pos.Add(half), Normal: n, Weight: 1 / baseline},
		{Pos: pos.Sub(half), Normal: n, Weight: -1 / baseline},
	}}
}

// Electrode is an EEG electrode at pos
func Electrode(name string, pos models.Vec3) Channel {
	return Channel{Name: name, Kind: EEG, Points: []IntegrationPoint{{Pos: pos, Weight: 1}}}
}

func tangents(n models.Vec3) (models.Vec3, models.Vec3) {
	ref := models.Vec3{1, 0, 0}
	if n[0]*n[0] > 0.5 {
		ref = models.Vec3{0, 1, 0}
	}
	u := ref.Sub(n.Scale(ref.Dot(n))).Unit()
	return u, n.Cross(u)
}

// Config is the ordered channel set of a recording
type Config struct {
	Channels []Channel

	identity string
}

// NewConfig validates and freezes a channel set
func NewConfig(channels []Channel) (*Config, error) {
	if len(channels) == 0 {
		return nil, errors.Dimension("sensors", "no channels")
	}
	seen := make(map[string]bool, len(channels))
	for i, ch := range channels {
		if ch.Name == "" {
			return nil, fmt.Errorf("channel %d has no name", i)
		}
		if seen[ch.Name] {
			return nil, fmt.Errorf("duplicate channel name %q", ch.Name)
		}
		seen[ch.Name] = true
		if len(ch.Points) == 0 {
			return nil, fmt.Errorf("channel %q has no integration points", ch.Name)
		}
	}
	c := &Config{Channels: append([]Channel(nil), channels...)}
	d := models.NewDigest("sensors")
	for _, ch := range c.Channels {
		d.Text(ch.Name).Int(int(ch.Kind)).Int(len(ch.Points))
		for _, p := range ch.Points {
			d.Vecs([]models.Vec3{p.Pos, p.Normal}).Float(p.Weight)
		}
	}
	c.identity = d.Sum()
	return c, nil
}

// Identity returns the content hash of the channel set
func (c *Config) Identity() string { return c.identity }

// Len returns the number of channels
func (c *Config) Len() int { return len(c.Channels) }

// Names lists channel names in order
func (c *Config) Names() []string {
	out := make([]string, len(c.Channels))
	for i, ch := range c.Channels {
		out[i] = ch.Name
	}
	return out
}

// Kinds lists channel kinds in order
func (c *Config) Kinds() []Kind {
	out := make([]Kind, len(c.Channels))
	for i, ch := range c.Channels {
		out[i] = ch.Kind
	}
	return out
}

// Pick returns the indices of channels of kind k
func (c *Config) Pick(k Kind) []int {
	var idx []int
	for i, ch := range c.Channels {
		if ch.Kind == k {
			idx = append(idx, i)
		}
	}
	return idx
}

// Has reports whether any channel is of kind k
func (c *Config) Has(k Kind) bool { return len(c.Pick(k)) > 0 }
