package forward

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var blockMagic = [4]byte{'N', 'S', 'F', 'B'}

// encodeBlock serializes one finished gain block for the checkpoint store
func encodeBlock(index int, block *mat.Dense) []byte {
	r, c := block.Dims()
	var buf bytes.Buffer
	buf.Grow(16 + 8*r*c)
	buf.Write(blockMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, [3]uint32{uint32(index), uint32(r), uint32(c)})
	for i := 0; i < r; i++ {
		_ = binary.Write(&buf, binary.LittleEndian, block.RawRowView(i)[:c])
	}
	return buf.Bytes()
}

// decodeBlock checks that data holds block index with the expected shape
func decodeBlock(data []byte, index, rows, cols int) (*mat.Dense, error) {
	rd := bytes.NewReader(data)
	var magic [4]byte
	var head [3]uint32
	if err := binary.Read(rd, binary.LittleEndian, &magic); err != nil || magic != blockMagic {
		return nil, fmt.Errorf("not a forward block")
	}
	if err := binary.Read(rd, binary.LittleEndian, &head); err != nil {
		return nil, fmt.Errorf("reading block header: %w", err)
	}
	if int(head[0]) != index || int(head[1]) != rows || int(head[2]) != cols {
		return nil, fmt.Errorf("block header (%d, %d×%d) does not match (%d, %d×%d)",
			head[0], head[1], head[2], index, rows, cols)
	}
	values := make([]float64, rows*cols)
	if err := binary.Read(rd, binary.LittleEndian, values); err != nil {
		return nil, fmt.Errorf("reading block values: %w", err)
	}
	return mat.NewDense(rows, cols, values), nil
}
