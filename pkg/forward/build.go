package forward

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"neurosource/internal/models"
	"neurosource/pkg/bem"
	"neurosource/pkg/cache"
	"neurosource/pkg/checkpoint"
	"neurosource/pkg/errors"
	"neurosource/pkg/geometry"
	"neurosource/pkg/logging"
	"neurosource/pkg/metrics"
	"neurosource/pkg/sensors"
	"neurosource/pkg/sphere"
)

const stage = "forward"

// Options controls a forward build
type Options struct {
	// MinDistance excludes sources closer than this to the inner boundary (m)
	MinDistance float64

	// BlockSize is the number of sources per work item and checkpoint
	BlockSize int

	// Workers bounds concurrent blocks. Defaults to runtime.NumCPU.
	Workers int

	BEM bem.Options

	// Solutions resolves the BEM solution; nil solves directly
	Solutions *cache.Solutions

	// Checkpoints receives finished blocks; nil disables resume
	Checkpoints checkpoint.Store

	// KeepCheckpoints leaves blocks in the store after a successful build
	KeepCheckpoints bool

	// RunID tags log entries; a random id is used when empty
	RunID string

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// DefaultOptions mirror the config defaults
func DefaultOptions() Options {
	return Options{
		MinDistance: 0.005,
		BlockSize:   64,
		Workers:     runtime.NumCPU(),
		BEM:         bem.DefaultOptions(),
	}
}

func (o *Options) normalize() {
	if o.BlockSize < 1 {
		o.BlockSize = 64
	}
	if o.Workers < 1 {
		o.Workers = runtime.NumCPU()
	}
	if o.BEM.Workers < 1 {
		o.BEM.Workers = o.Workers
	}
	if o.Checkpoints == nil {
		o.Checkpoints = checkpoint.Nop{}
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
}

// gainFunc computes the gain columns of a block of sources
type gainFunc func(positions, normals []models.Vec3, ori models.Orientation) *mat.Dense

// Build computes the BEM forward operator. The model and sources are
// validated first; sources closer than MinDistance to the inner surface are
// excluded and reported. Cancelling ctx abandons the whole build.
func Build(ctx context.Context, model *geometry.Model, sens *sensors.Config,
	src *geometry.SourceSpace, opts Options) (*Operator, error) {
	opts.normalize()
	log := logging.OrNop(opts.Logger).Named(stage).With(logging.String("run", opts.RunID))
	start := time.Now()

	if err := model.Validate(); err != nil {
		opts.Metrics.StageFailed(stage, errors.KindOf(err).String())
		return nil, err
	}
	if err := src.Validate(model); err != nil {
		opts.Metrics.StageFailed(stage, errors.KindOf(err).String())
		return nil, err
	}

	dist := geometry.DistanceToSurface(src, model.Inner())
	kept, excluded := partition(dist, opts.MinDistance, model.Inner().ID)
	if len(kept) == 0 {
		return nil, errors.Geometry(stage, "every source lies within %g m of %q", opts.MinDistance, model.Inner().ID).
			WithInput(src.Identity())
	}

	var sol *bem.Solution
	var err error
	bemOpts := opts.BEM
	bemOpts.Logger = opts.Logger
	if opts.Solutions != nil {
		sol, err = opts.Solutions.Get(ctx, model, bemOpts)
	} else {
		sol, err = bem.Solve(ctx, model, bemOpts)
	}
	if err != nil {
		opts.Metrics.StageFailed("bem", errors.KindOf(err).String())
		return nil, err
	}
	opts.Metrics.ObserveStage("bem", start)

	smap, err := bem.NewSensorMap(ctx, sol, sens.Channels, opts.Workers)
	if err != nil {
		return nil, err
	}

	buildID := geometry.HashStrings(sol.Identity(), sens.Identity(), src.Identity(),
		fmt.Sprintf("min=%g block=%d", opts.MinDistance, opts.BlockSize))
	log.Info("building forward operator",
		logging.String("build", buildID),
		logging.Int("channels", sens.Len()),
		logging.Int("sources", len(kept)),
		logging.Int("excluded", len(excluded)))

	op, err := assemble(ctx, smap.Gain, sens, src, kept, excluded, buildID, opts, log)
	if err != nil {
		opts.Metrics.StageFailed(stage, errors.KindOf(err).String())
		return nil, err
	}
	op.ModelID = model.Identity()
	op.SurfaceIDs = model.SurfaceIDs()
	op.identity = op.hash()

	opts.Metrics.ObserveStage(stage, start)
	log.Info("forward operator ready",
		logging.String("identity", op.Identity()),
		logging.Duration("took", time.Since(start)))
	return op, nil
}

// BuildSphere computes the forward operator of a concentric-sphere head with
// the closed-form fields. Sources must lie inside the innermost shell.
func BuildSphere(ctx context.Context, model *sphere.Model, sens *sensors.Config,
	src *geometry.SourceSpace, opts Options) (*Operator, error) {
	opts.normalize()
	log := logging.OrNop(opts.Logger).Named(stage).With(logging.String("run", opts.RunID))
	start := time.Now()

	inner := model.Radii[0]
	dist := make([]float64, src.Len())
	for i, p := range src.Positions {
		dist[i] = inner - p.Sub(model.Center).Norm()
		if dist[i] <= 0 {
			return nil, errors.Geometry(stage, "source %d at %v lies outside the inner sphere", i, p).
				WithInput(src.Identity())
		}
	}
	kept, excluded := partition(dist, opts.MinDistance, "sphere")
	if len(kept) == 0 {
		return nil, errors.Geometry(stage, "every source lies within %g m of the inner sphere", opts.MinDistance)
	}

	buildID := geometry.HashStrings(model.Identity(), sens.Identity(), src.Identity(),
		fmt.Sprintf("min=%g block=%d", opts.MinDistance, opts.BlockSize))
	mapper := sphere.NewMapper(model, sens.Channels)
	op, err := assemble(ctx, mapper.Gain, sens, src, kept, excluded, buildID, opts, log)
	if err != nil {
		return nil, err
	}
	op.ModelID = model.Identity()
	op.identity = op.hash()
	opts.Metrics.ObserveStage(stage, start)
	return op, nil
}

func partition(dist []float64, minDist float64, surface string) ([]int, []Exclusion) {
	var kept []int
	var excluded []Exclusion
	for i, d := range dist {
		if d < minDist {
			excluded = append(excluded, Exclusion{
				Index:    i,
				Reason:   fmt.Sprintf("closer than %g m to %s", minDist, surface),
				Distance: d,
			})
			continue
		}
		kept = append(kept, i)
	}
	return kept, excluded
}

// assemble fills the gain block by block on a bounded pool. Blocks found in
// the checkpoint store are restored instead of computed. The operator is only
// returned once every block succeeded.
func assemble(ctx context.Context, gain gainFunc, sens *sensors.Config, src *geometry.SourceSpace,
	kept []int, excluded []Exclusion, buildID string, opts Options, log logging.Logger) (*Operator, error) {
	sub, err := src.Subset(kept)
	if err != nil {
		return nil, err
	}
	ncomp := sub.Orientation.Components()
	nch := sens.Len()
	out := mat.NewDense(nch, sub.Columns(), nil)
	nblocks := (len(kept) + opts.BlockSize - 1) / opts.BlockSize

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for b := 0; b < nblocks; b++ {
		b := b
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			lo := b * opts.BlockSize
			hi := min(lo+opts.BlockSize, len(kept))
			dst := out.Slice(0, nch, lo*ncomp, hi*ncomp).(*mat.Dense)

			if data, err := opts.Checkpoints.Load(gctx, buildID, b); err == nil {
				block, err := decodeBlock(data, b, nch, (hi-lo)*ncomp)
				if err == nil {
					dst.Copy(block)
					opts.Metrics.Block(true)
					return nil
				}
				log.Warn("ignoring unreadable checkpoint", logging.Int("block", b), logging.Err(err))
			}

			var normals []models.Vec3
			if sub.Normals != nil {
				normals = sub.Normals[lo:hi]
			}
			block := gain(sub.Positions[lo:hi], normals, sub.Orientation)
			dst.Copy(block)
			if err := opts.Checkpoints.Save(gctx, buildID, b, encodeBlock(b, block)); err != nil {
				return fmt.Errorf("checkpoint block %d: %w", b, err)
			}
			opts.Metrics.Block(false)
			log.Debug("block done", logging.Int("block", b), logging.Int("of", nblocks))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	kept, excluded, sub, out, err = dropUnstable(kept, excluded, sub, out)
	if err != nil {
		return nil, err
	}
	opts.Metrics.Excluded(stage, len(excluded))
	for _, e := range excluded {
		log.Debug("source excluded", logging.Int("index", e.Index), logging.String("reason", e.Reason))
	}

	if !opts.KeepCheckpoints {
		if err := opts.Checkpoints.Clear(ctx, buildID); err != nil {
			log.Warn("could not clear checkpoints", logging.String("build", buildID), logging.Err(err))
		}
	}

	op := &Operator{
		gain:          out,
		sensors:       sens,
		sources:       sub,
		SourceIndices: kept,
		Excluded:      excluded,
		BuildID:       buildID,
	}
	return op, nil
}

// dropUnstable removes sources whose gain columns are not finite
func dropUnstable(kept []int, excluded []Exclusion, sub *geometry.SourceSpace, gain *mat.Dense) (
	[]int, []Exclusion, *geometry.SourceSpace, *mat.Dense, error) {
	ncomp := sub.Orientation.Components()
	nch, _ := gain.Dims()
	var good []int
	for s := range kept {
		finite := true
		for c := s * ncomp; c < (s+1)*ncomp && finite; c++ {
			for r := 0; r < nch; r++ {
				if v := gain.At(r, c); math.IsNaN(v) || math.IsInf(v, 0) {
					finite = false
					break
				}
			}
		}
		if finite {
			good = append(good, s)
			continue
		}
		excluded = append(excluded, Exclusion{Index: kept[s], Reason: "non-finite gain", Distance: math.NaN()})
	}
	if len(good) == len(kept) {
		return kept, excluded, sub, gain, nil
	}
	if len(good) == 0 {
		return nil, nil, nil, nil, errors.Instability(stage, "no source has a finite gain")
	}

	newSub, err := sub.Subset(good)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	newGain := mat.NewDense(nch, len(good)*ncomp, nil)
	newKept := make([]int, len(good))
	for k, s := range good {
		newKept[k] = kept[s]
		for c := 0; c < ncomp; c++ {
			for r := 0; r < nch; r++ {
				newGain.Set(r, k*ncomp+c, gain.At(r, s*ncomp+c))
			}
		}
	}
	return newKept, excluded, newSub, newGain, nil
}
