// Package forward assembles the gain (leadfield) matrix that maps dipole
// moments at every source location to the measurement of every channel.
package forward

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"neurosource/internal/models"
	"neurosource/pkg/errors"
	"neurosource/pkg/geometry"
	"neurosource/pkg/sensors"
)

// Exclusion records a source left out of the operator
type Exclusion struct {
	// Index refers to the source space passed to Build
	Index int

	Reason string

	// Distance to the inner boundary, when that is why it was dropped
	Distance float64
}

// Operator is a finished, immutable forward solution. The gain has one row per
// channel and Orientation.Components() columns per kept source.
type Operator struct {
	gain    *mat.Dense
	sensors *sensors.Config
	sources *geometry.SourceSpace

	// SourceIndices maps every kept source to its index in the original space
	SourceIndices []int

	ModelID    string
	SurfaceIDs []string
	Excluded   []Exclusion

	// BuildID keys the checkpoints of the build that produced the operator
	BuildID string

	identity string
}

// NewOperator wraps an already computed gain, used when decoding stored
// operators and by synthetic tests. The gain is copied.
func NewOperator(gain mat.Matrix, sens *sensors.Config, src *geometry.SourceSpace,
	modelID string, surfaceIDs []string, indices []int) (*Operator, error) {
	r, c := gain.Dims()
	if r != sens.Len() || c != src.Columns() {
		return nil, errors.Dimension("forward", "gain is %d×%d, expected %d channels × %d columns",
			r, c, sens.Len(), src.Columns())
	}
	if indices == nil {
		indices = make([]int, src.Len())
		for i := range indices {
			indices[i] = i
		}
	}
	if len(indices) != src.Len() {
		return nil, fmt.Errorf("forward: %d source indices for %d sources", len(indices), src.Len())
	}
	op := &Operator{
		gain:          mat.DenseCopyOf(gain),
		sensors:       sens,
		sources:       src,
		SourceIndices: append([]int(nil), indices...),
		ModelID:       modelID,
		SurfaceIDs:    append([]string(nil), surfaceIDs...),
	}
	op.identity = op.hash()
	return op, nil
}

func (op *Operator) hash() string {
	raw := op.gain.RawMatrix()
	return models.NewDigest("forward").
		Text(op.sources.Identity()).
		Text(op.sensors.Identity()).
		Text(op.ModelID).
		Int(raw.Rows).Int(raw.Cols).
		Floats(raw.Data).
		Sum()
}

// Identity is the content hash of the operator
func (op *Operator) Identity() string { return op.identity }

// Gain returns a read-only view of the gain matrix
func (op *Operator) Gain() mat.Matrix { return op.gain }

// GainCopy returns a private copy of the gain matrix
func (op *Operator) GainCopy() *mat.Dense { return mat.DenseCopyOf(op.gain) }

// Sensors returns the channel set the rows follow
func (op *Operator) Sensors() *sensors.Config { return op.sensors }

// Sources returns the kept source space the columns follow
func (op *Operator) Sources() *geometry.SourceSpace { return op.sources }

// Orientation of the source moments
func (op *Operator) Orientation() models.Orientation { return op.sources.Orientation }

// Components is 3 for free and 1 for fixed orientation
func (op *Operator) Components() int { return op.sources.Orientation.Components() }

// NChannels returns the row count
func (op *Operator) NChannels() int { return op.sensors.Len() }

// NSources returns the number of kept sources
func (op *Operator) NSources() int { return op.sources.Len() }

// SourceColumns returns the gain columns of source i as a view
func (op *Operator) SourceColumns(i int) mat.Matrix {
	nc := op.Components()
	return op.gain.Slice(0, op.sensors.Len(), i*nc, (i+1)*nc)
}
