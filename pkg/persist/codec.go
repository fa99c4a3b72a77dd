// Package persist stores forward operators, inverse operators, spatial filters
// and noise covariances as little-endian binary records.
//
// Every record starts with a four byte magic and a version. Floats are written
// as their IEEE-754 bits, so a record read back and written again is
// byte-identical and the restored artifact keeps its identity.
package persist

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"

	"neurosource/internal/models"
)

const (
	stage          = "persist"
	version uint16 = 1
)

// maxLen bounds decoded lengths so a corrupt header cannot trigger a huge allocation
const maxLen = 1 << 28

type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) put(v interface{}) {
	if e.err == nil {
		e.err = binary.Write(e.w, binary.LittleEndian, v)
	}
}

func (e *encoder) header(magic [4]byte) {
	e.put(magic)
	e.put(version)
}

func (e *encoder) u32(n int) { e.put(uint32(n)) }

func (e *encoder) text(s string) {
	e.u32(len(s))
	if e.err == nil {
		_, e.err = io.WriteString(e.w, s)
	}
}

func (e *encoder) texts(ss []string) {
	e.u32(len(ss))
	for _, s := range ss {
		e.text(s)
	}
}

func (e *encoder) ints(v []int) {
	e.u32(len(v))
	for _, i := range v {
		e.u32(i)
	}
}

func (e *encoder) floats(v []float64) {
	e.u32(len(v))
	if len(v) > 0 {
		e.put(v)
	}
}

func (e *encoder) flag(b bool) {
	var v uint8
	if b {
		v = 1
	}
	e.put(v)
}

func (e *encoder) vecs(vs []models.Vec3) {
	e.u32(len(vs))
	for _, v := range vs {
		e.put(v)
	}
}

// matrix writes rows, cols and the row-major values; nil is written as 0×0
func (e *encoder) matrix(m mat.Matrix) {
	if m == nil {
		e.u32(0)
		e.u32(0)
		return
	}
	r, c := m.Dims()
	e.u32(r)
	e.u32(c)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, m)
		e.put(row)
	}
}

type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) get(v interface{}) {
	if d.err == nil {
		d.err = binary.Read(d.r, binary.LittleEndian, v)
	}
}

func (d *decoder) header(magic [4]byte, what string) error {
	var m [4]byte
	var v uint16
	d.get(&m)
	if d.err != nil || m != magic {
		return fmt.Errorf("not a %s record", what)
	}
	d.get(&v)
	if d.err != nil || v != version {
		return fmt.Errorf("unsupported %s record version %d", what, v)
	}
	return nil
}

func (d *decoder) u32() int {
	var v uint32
	d.get(&v)
	return int(v)
}

func (d *decoder) length() int {
	n := d.u32()
	if d.err == nil && n > maxLen {
		d.err = fmt.Errorf("length %d exceeds %d", n, maxLen)
		return 0
	}
	return n
}

func (d *decoder) text() string {
	n := d.length()
	if d.err != nil || n == 0 {
		return ""
	}
	b := make([]byte, n)
	_, d.err = io.ReadFull(d.r, b)
	return string(b)
}

func (d *decoder) texts() []string {
	n := d.length()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = d.text()
	}
	return out
}

func (d *decoder) ints() []int {
	n := d.length()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]int, n)
	for i := range out {
		out[i] = d.u32()
	}
	return out
}

func (d *decoder) floats() []float64 {
	n := d.length()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]float64, n)
	d.get(out)
	return out
}

func (d *decoder) flag() bool {
	var v uint8
	d.get(&v)
	return v == 1
}

func (d *decoder) vecs() []models.Vec3 {
	n := d.length()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]models.Vec3, n)
	for i := range out {
		d.get(&out[i])
	}
	return out
}

// matrix returns nil for a stored 0×0 matrix
func (d *decoder) matrix() *mat.Dense {
	r, c := d.length(), d.length()
	if d.err != nil || r == 0 || c == 0 {
		return nil
	}
	if r*c > maxLen {
		d.err = fmt.Errorf("matrix %d×%d is too large", r, c)
		return nil
	}
	values := make([]float64, r*c)
	d.get(values)
	if d.err != nil {
		return nil
	}
	for _, v := range values {
		if math.IsNaN(v) {
			d.err = fmt.Errorf("matrix contains NaN")
			return nil
		}
	}
	return mat.NewDense(r, c, values)
}
