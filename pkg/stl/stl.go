// Package stl reads and writes conductivity boundaries as binary STL files.
//
// Binary STL stores an 80-byte header, a little-endian uint32 triangle count
// and 50 bytes per triangle (normal, three vertices as float32, attribute).
// Coordinates are written in meters. Shared vertices are welded on read.
package stl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"neurosource/internal/models"
	"neurosource/pkg/geometry"
)

// Triangle is one facet of a binary STL file
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

const headerSize = 80

// maxTriangles guards against corrupted counts before allocating
const maxTriangles = 1 << 24

// SaveToSTL writes triangles to a binary STL file
func SaveToSTL(filename string, triangles []Triangle) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create STL file: %v", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := Write(w, triangles); err != nil {
		return err
	}
	return w.Flush()
}

// Write encodes triangles in binary STL
func Write(w io.Writer, triangles []Triangle) error {
	header := make([]byte, headerSize)
	copy(header, "neurosource binary STL, units: m")
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write STL header: %v", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return fmt.Errorf("failed to write triangle count: %v", err)
	}
	var attr uint16
	for i := range triangles {
		t := &triangles[i]
		for _, v := range [][3]float32{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3} {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return fmt.Errorf("failed to write triangle %d: %v", i, err)
			}
		}
		if err := binary.Write(w, binary.LittleEndian, attr); err != nil {
			return fmt.Errorf("failed to write triangle %d: %v", i, err)
		}
	}
	return nil
}

// LoadSTL reads a binary STL file
func LoadSTL(filename string) ([]Triangle, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open STL file: %v", err)
	}
	defer file.Close()
	return Read(bufio.NewReader(file))
}

// Read decodes a binary STL stream
func Read(r io.Reader) ([]Triangle, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read STL header: %v", err)
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("failed to read triangle count: %v", err)
	}
	if n > maxTriangles {
		return nil, fmt.Errorf("STL triangle count %d exceeds limit %d", n, maxTriangles)
	}
	triangles := make([]Triangle, n)
	var attr uint16
	for i := range triangles {
		t := &triangles[i]
		for _, v := range []*[3]float32{&t.Normal, &t.Vertex1, &t.Vertex2, &t.Vertex3} {
			if err := binary.Read(r, binary.LittleEndian, v); err != nil {
				return nil, fmt.Errorf("failed to read triangle %d: %v", i, err)
			}
		}
		if err := binary.Read(r, binary.LittleEndian, &attr); err != nil {
			return nil, fmt.Errorf("failed to read triangle %d: %v", i, err)
		}
	}
	return triangles, nil
}

// FromSurface converts a surface into STL facets
func FromSurface(s *geometry.Surface) []Triangle {
	out := make([]Triangle, len(s.Triangles))
	for ti := range s.Triangles {
		a, b, c := s.TriangleVertices(ti)
		out[ti] = Triangle{
			Normal:  toFloat32(s.TriNormals[ti]),
			Vertex1: toFloat32(a),
			Vertex2: toFloat32(b),
			Vertex3: toFloat32(c),
		}
	}
	return out
}

// ToSurface welds facets that share identical vertex coordinates into an
// indexed surface with the given conductivity
func ToSurface(id string, triangles []Triangle, conductivity float64) (*geometry.Surface, error) {
	index := make(map[[3]float32]int, len(triangles)/2+2)
	var verts []models.Vec3
	tris := make([][3]int, len(triangles))
	weld := func(v [3]float32) int {
		if i, ok := index[v]; ok {
			return i
		}
		verts = append(verts, models.Vec3{float64(v[0]), float64(v[1]), float64(v[2])})
		index[v] = len(verts) - 1
		return len(verts) - 1
	}
	for i, t := range triangles {
		tris[i] = [3]int{weld(t.Vertex1), weld(t.Vertex2), weld(t.Vertex3)}
	}
	return geometry.NewSurface(id, verts, tris, conductivity)
}

// WriteSurface saves a surface as a binary STL file
func WriteSurface(filename string, s *geometry.Surface) error {
	return SaveToSTL(filename, FromSurface(s))
}

// ReadSurface loads a binary STL file as a surface
func ReadSurface(filename, id string, conductivity float64) (*geometry.Surface, error) {
	triangles, err := LoadSTL(filename)
	if err != nil {
		return nil, err
	}
	return ToSurface(id, triangles, conductivity)
}

func toFloat32(v models.Vec3) [3]float32 {
	return [3]float32{float32(v[0]), float32(v[1]), float32(v[2])}
}
