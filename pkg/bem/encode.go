package bem

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"

	"neurosource/pkg/geometry"
)

var solutionMagic = [4]byte{'N', 'S', 'B', 'S'}

const solutionVersion uint16 = 1

// MarshalBinary encodes the solved system (without the model, which the
// reader must supply) for the solution cache
func (s *Solution) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	w := func(v interface{}) {
		// writes to a bytes.Buffer cannot fail
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	w(solutionMagic)
	w(solutionVersion)
	buf.WriteString(s.Model.Identity()[:64])
	var ip uint8
	if s.IsolatedProblem {
		ip = 1
	}
	w(ip)
	w(s.Condition)
	w(uint32(len(s.Offsets)))
	for _, o := range s.Offsets {
		w(uint32(o))
	}
	w(s.SourceMult)
	w(s.FieldMult)
	r, c := s.Transfer.Dims()
	w(uint32(r))
	w(uint32(c))
	raw := s.Transfer.RawMatrix()
	for i := 0; i < r; i++ {
		w(raw.Data[i*raw.Stride : i*raw.Stride+c])
	}
	return buf.Bytes(), nil
}

// UnmarshalSolution decodes a solution produced by MarshalBinary and binds it
// to m, which must be the model it was solved for
func UnmarshalSolution(data []byte, m *geometry.Model) (*Solution, error) {
	rd := bytes.NewReader(data)
	var magic [4]byte
	var version uint16
	if err := binary.Read(rd, binary.LittleEndian, &magic); err != nil || magic != solutionMagic {
		return nil, fmt.Errorf("not a BEM solution record")
	}
	if err := binary.Read(rd, binary.LittleEndian, &version); err != nil || version != solutionVersion {
		return nil, fmt.Errorf("unsupported BEM solution version %d", version)
	}
	id := make([]byte, 64)
	if _, err := io.ReadFull(rd, id); err != nil || string(id) != m.Identity()[:64] {
		return nil, fmt.Errorf("BEM solution belongs to a different model")
	}

	var ip uint8
	var cond float64
	var nOff uint32
	for _, v := range []interface{}{&ip, &cond, &nOff} {
		if err := binary.Read(rd, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("reading BEM solution header: %w", err)
		}
	}
	if int(nOff) != len(m.Surfaces)+1 {
		return nil, fmt.Errorf("BEM solution has %d surfaces, model has %d", nOff-1, len(m.Surfaces))
	}
	offsets := make([]int, nOff)
	for i := range offsets {
		var o uint32
		if err := binary.Read(rd, binary.LittleEndian, &o); err != nil {
			return nil, fmt.Errorf("reading BEM solution offsets: %w", err)
		}
		offsets[i] = int(o)
	}
	source := make([]float64, len(m.Surfaces))
	field := make([]float64, len(m.Surfaces))
	var r, c uint32
	for _, v := range []interface{}{source, field, &r, &c} {
		if err := binary.Read(rd, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("reading BEM solution: %w", err)
		}
	}
	if r == 0 || int(r) != offsets[len(offsets)-1] || r != c {
		return nil, fmt.Errorf("BEM transfer matrix is %d×%d, expected square of %d", r, c, offsets[len(offsets)-1])
	}
	values := make([]float64, int(r)*int(c))
	if err := binary.Read(rd, binary.LittleEndian, values); err != nil {
		return nil, fmt.Errorf("reading BEM transfer matrix: %w", err)
	}
	for _, v := range values {
		if math.IsNaN(v) {
			return nil, fmt.Errorf("BEM transfer matrix contains NaN")
		}
	}
	return &Solution{
		Model:           m,
		Offsets:         offsets,
		Transfer:        mat.NewDense(int(r), int(c), values),
		SourceMult:      source,
		FieldMult:       field,
		IsolatedProblem: ip == 1,
		Condition:       cond,
	}, nil
}
