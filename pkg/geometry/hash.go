package geometry

import (
	"neurosource/internal/models"
)

func hashSurface(s *Surface) string {
	d := models.NewDigest("surface").Vecs(s.Vertices).Int(len(s.Triangles))
	for _, t := range s.Triangles {
		d.Int(t[0]).Int(t[1]).Int(t[2])
	}
	return d.Float(s.Conductivity).Sum()
}

func hashModel(m *Model) string {
	d := models.NewDigest("model")
	for _, s := range m.Surfaces {
		d.Text(s.Identity())
	}
	return d.Sum()
}

func hashSources(s *SourceSpace) string {
	return models.NewDigest("sources").Vecs(s.Positions).Vecs(s.Normals).Int(int(s.Orientation)).Sum()
}

// HashStrings combines identities into one, used to key derived artifacts
func HashStrings(parts ...string) string {
	d := models.NewDigest("combined")
	for _, p := range parts {
		d.Text(p)
	}
	return d.Sum()
}
