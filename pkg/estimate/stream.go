package estimate

import (
	"context"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"neurosource/pkg/beamformer"
	"neurosource/pkg/errors"
	"neurosource/pkg/inverse"
	"neurosource/pkg/sensors"
)

// Applier turns one measurement into a source estimate
type Applier interface {
	Apply(Measurement) (*SourceEstimate, error)
}

// ApplierFunc adapts a function to Applier
type ApplierFunc func(Measurement) (*SourceEstimate, error)

// Apply calls f
func (f ApplierFunc) Apply(m Measurement) (*SourceEstimate, error) { return f(m) }

// InverseApplier applies op with fixed options
func InverseApplier(op *inverse.Operator, opts ApplyOptions) Applier {
	return ApplierFunc(func(m Measurement) (*SourceEstimate, error) { return ApplyInverse(m, op, opts) })
}

// FilterApplier applies a spatial filter
func FilterApplier(f *beamformer.Filter) Applier {
	return ApplierFunc(func(m Measurement) (*SourceEstimate, error) { return ApplyFilter(m, f) })
}

// TrialSource yields measurements one at a time and returns io.EOF when done
type TrialSource interface {
	Next(ctx context.Context) (Measurement, error)
}

type epochSource struct {
	epochs *sensors.Epochs
	next   int
}

// EpochSource walks the trials of e in order
func EpochSource(e *sensors.Epochs) TrialSource { return &epochSource{epochs: e} }

func (s *epochSource) Next(ctx context.Context) (Measurement, error) {
	if err := ctx.Err(); err != nil {
		return Measurement{}, err
	}
	if s.next >= s.epochs.NTrials() {
		return Measurement{}, io.EOF
	}
	m := Trial(s.epochs, s.next)
	s.next++
	return m, nil
}

// Sink receives estimates in trial order
type Sink func(index int, est *SourceEstimate) error

// Stream applies ap to every measurement of src on up to workers goroutines
// and hands the estimates to sink in input order. At most workers trials are
// held at any time, whether pending, computed or waiting for their turn. It
// returns the number of estimates delivered.
func Stream(ctx context.Context, src TrialSource, ap Applier, sink Sink, workers int) (int, error) {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	g, ctx := errgroup.WithContext(ctx)
	slots := make(chan struct{}, workers)
	order := make(chan chan *SourceEstimate, workers)
	delivered := 0

	g.Go(func() error {
		defer close(order)
		for {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			m, err := src.Next(ctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			done := make(chan *SourceEstimate, 1)
			select {
			case order <- done:
			case <-ctx.Done():
				return ctx.Err()
			}
			g.Go(func() error {
				est, err := ap.Apply(m)
				if err != nil {
					return err
				}
				done <- est
				return nil
			})
		}
	})

	g.Go(func() error {
		for done := range order {
			select {
			case est := <-done:
				if err := sink(delivered, est); err != nil {
					return err
				}
				delivered++
				<-slots
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	err := g.Wait()
	return delivered, err
}

// Averager accumulates streamed estimates into their mean
type Averager struct {
	sum   *mat.Dense
	first *SourceEstimate
	n     int
}

// Add folds est into the running sum
func (a *Averager) Add(est *SourceEstimate) error {
	if a.sum == nil {
		a.sum = est.Data()
		a.first = est
		a.n = 1
		return nil
	}
	r, c := a.sum.Dims()
	er, ec := est.data.Dims()
	if r != er || c != ec {
		return errors.Dimension(stage, "cannot average a %d×%d estimate into %d×%d", er, ec, r, c)
	}
	a.sum.Add(a.sum, est.data)
	a.n++
	return nil
}

// Count returns the number of estimates added
func (a *Averager) Count() int { return a.n }

// Mean returns the average estimate, or nil before the first Add
func (a *Averager) Mean() *SourceEstimate {
	if a.sum == nil {
		return nil
	}
	mean := mat.DenseCopyOf(a.sum)
	mean.Scale(1/float64(a.n), mean)
	f := a.first
	out, _ := NewSourceEstimate(mean, f.SourceIndices, f.Components, f.Tmin, f.Tstep, f.Method)
	return out
}
