package persist

import (
	"fmt"
	"io"

	"neurosource/pkg/errors"
	"neurosource/pkg/forward"
	"neurosource/pkg/geometry"
	"neurosource/pkg/sensors"
)

var forwardMagic = [4]byte{'N', 'S', 'F', 'W'}

// WriteForward stores the gain of fwd with the identities of the inputs it was
// built from
func WriteForward(w io.Writer, fwd *forward.Operator) error {
	e := &encoder{w: w}
	e.header(forwardMagic)
	e.text(fwd.Sources().Identity())
	e.text(fwd.Sensors().Identity())
	e.text(fwd.ModelID)
	e.u32(fwd.NSources())
	e.u32(fwd.NChannels())
	e.u32(fwd.Components())
	e.ints(fwd.SourceIndices)
	e.matrix(fwd.Gain())
	e.texts(fwd.SurfaceIDs)
	e.text(fwd.BuildID)
	e.u32(len(fwd.Excluded))
	for _, x := range fwd.Excluded {
		e.u32(x.Index)
		e.text(x.Reason)
		e.put(x.Distance)
	}
	if e.err != nil {
		return fmt.Errorf("error writing forward record: %w", e.err)
	}
	return nil
}

// ReadForward decodes a forward record against the sensors and the full
// source space it was built from. Both must match the stored identities.
func ReadForward(r io.Reader, sens *sensors.Config, src *geometry.SourceSpace) (*forward.Operator, error) {
	d := &decoder{r: r}
	if err := d.header(forwardMagic, "forward"); err != nil {
		return nil, err
	}
	srcID, sensID, modelID := d.text(), d.text(), d.text()
	ns, nch, nc := d.u32(), d.u32(), d.u32()
	indices := d.ints()
	gain := d.matrix()
	surfaces := d.texts()
	buildID := d.text()
	nx := d.length()
	var excluded []forward.Exclusion
	for i := 0; i < nx && d.err == nil; i++ {
		x := forward.Exclusion{Index: d.u32(), Reason: d.text()}
		d.get(&x.Distance)
		excluded = append(excluded, x)
	}
	if d.err != nil {
		return nil, fmt.Errorf("error reading forward record: %w", d.err)
	}

	if sensID != sens.Identity() {
		return nil, errors.Dimension(stage, "forward record was built for different sensors").WithInput(sensID)
	}
	if nch != sens.Len() || nc != src.Orientation.Components() || len(indices) != ns {
		return nil, errors.Dimension(stage, "forward record has %d channels, %d sources × %d components",
			nch, ns, nc)
	}
	sub, err := src.Subset(indices)
	if err != nil {
		return nil, err
	}
	if sub.Identity() != srcID {
		return nil, errors.Dimension(stage, "forward record was built for a different source space").WithInput(srcID)
	}
	if gain == nil {
		return nil, errors.Dimension(stage, "forward record has an empty gain")
	}
	fwd, err := forward.NewOperator(gain, sens, sub, modelID, surfaces, indices)
	if err != nil {
		return nil, err
	}
	fwd.Excluded = excluded
	fwd.BuildID = buildID
	return fwd, nil
}
