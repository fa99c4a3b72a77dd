// Package pipeline runs the validation scenario end to end: a layered sphere
// head, its BEM and analytic forward operators, a simulated test dipole, the
// noise covariance, minimum-norm inverses and beamformer scans, each scored
// by how far its peak lands from the true source.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"neurosource/internal/models"
	"neurosource/pkg/beamformer"
	"neurosource/pkg/bem"
	"neurosource/pkg/cache"
	"neurosource/pkg/checkpoint"
	"neurosource/pkg/config"
	"neurosource/pkg/covariance"
	"neurosource/pkg/errors"
	"neurosource/pkg/estimate"
	"neurosource/pkg/forward"
	"neurosource/pkg/geometry"
	"neurosource/pkg/inverse"
	"neurosource/pkg/logging"
	"neurosource/pkg/metrics"
	"neurosource/pkg/sensors"
	"neurosource/pkg/simulate"
	"neurosource/pkg/spectral"
	"neurosource/pkg/sphere"
)

const stage = "pipeline"

// ValidationMetrics summarizes one run. Localization errors are in meters.
type ValidationMetrics struct {
	RunID    string `yaml:"runID"`
	Channels int    `yaml:"channels"`

	// Sources is the size of the grid; Excluded counts the sources the BEM
	// forward left out
	Sources  int `yaml:"sources"`
	Excluded int `yaml:"excluded"`

	// MEGError is the relative error of the BEM field of the test dipole
	// against the analytic sphere field, over the MEG channels
	MEGError float64 `yaml:"megError"`

	// EEGRDM is the relative difference measure between the average
	// referenced BEM and analytic potentials; EEGCorrelation is their
	// Pearson correlation
	EEGRDM         float64 `yaml:"eegRDM"`
	EEGCorrelation float64 `yaml:"eegCorrelation"`

	// Shrinkage applied to the estimated noise covariance
	Shrinkage float64 `yaml:"shrinkage"`

	// PeakError maps each method to the distance between its peak and the
	// test dipole
	PeakError map[string]float64 `yaml:"peakError"`

	// Converged and Iterations report eLORETA reweighting
	Converged  bool `yaml:"converged"`
	Iterations int  `yaml:"iterations"`

	Duration time.Duration `yaml:"duration"`
}

// Params configures a pipeline run
type Params struct {
	Config *config.Config

	// OutputDir receives the geometry, forward, covariance, inverse and
	// filter records plus the metrics summary when SaveIntermediate is set
	OutputDir        string
	SaveIntermediate bool

	// Solutions caches BEM solutions; nil solves directly
	Solutions *cache.Solutions

	// Checkpoints receives forward blocks; nil disables resume
	Checkpoints checkpoint.Store

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Pipeline holds the artifacts of every step so later steps and callers can
// inspect them
type Pipeline struct {
	params *Params
	cfg    *config.Config
	log    logging.Logger
	runID  string

	model   *geometry.Model
	spheres *sphere.Model
	sens    *sensors.Config
	src     *geometry.SourceSpace

	// truth indexes src; moment is the unit orientation of the test dipole
	truth  int
	moment models.Vec3

	fwd       *forward.Operator
	reference *forward.Operator

	active   *sensors.Epochs
	baseline *sensors.Epochs
	noise    *covariance.Covariance

	inverse *inverse.Operator
	lcmv    *beamformer.Filter
	dics    *beamformer.Filter

	metrics ValidationMetrics
}

// New creates a pipeline for params. A nil Config runs the defaults.
func New(params *Params) *Pipeline {
	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	runID := uuid.NewString()
	return &Pipeline{
		params:  params,
		cfg:     cfg,
		runID:   runID,
		log:     logging.OrNop(params.Logger).Named(stage).With(logging.String("run", runID)),
		metrics: ValidationMetrics{RunID: runID, PeakError: map[string]float64{}},
	}
}

// Process runs every step in order and stops at the first failure
func (p *Pipeline) Process(ctx context.Context) error {
	start := time.Now()
	if err := p.cfg.Validate(); err != nil {
		return err
	}
	if p.params.SaveIntermediate {
		if err := os.MkdirAll(p.params.OutputDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	// Step 1: head model, sensors and source grid
	if err := p.step(ctx, 1, "geometry", p.buildGeometry); err != nil {
		return err
	}

	// Step 2: BEM forward and the analytic reference
	if err := p.step(ctx, 2, "forward", p.buildForward); err != nil {
		return err
	}

	// Step 3: simulated recordings and the noise covariance
	if err := p.step(ctx, 3, "simulation", p.simulateRecordings); err != nil {
		return err
	}

	// Step 4: minimum-norm inverse
	if err := p.step(ctx, 4, "inverse", p.solveInverse); err != nil {
		return err
	}

	// Step 5: beamformer scans
	if err := p.step(ctx, 5, "beamformer", p.scanBeamformers); err != nil {
		return err
	}

	p.metrics.Duration = time.Since(start)
	p.log.Info("Step 6: validation metrics",
		logging.Float64("meg_error", p.metrics.MEGError),
		logging.Float64("eeg_rdm", p.metrics.EEGRDM),
		logging.Any("peak_error", p.metrics.PeakError),
		logging.Duration("elapsed", p.metrics.Duration))
	if p.params.SaveIntermediate {
		if err := p.saveMetrics(); err != nil {
			p.log.Warn("failed to save metrics", logging.Err(err))
		}
	}
	return nil
}

func (p *Pipeline) step(ctx context.Context, n int, name string, run func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.log.Info(fmt.Sprintf("Step %d: %s", n, name))
	start := time.Now()
	if err := run(ctx); err != nil {
		p.params.Metrics.StageFailed(stage+"."+name, errors.KindOf(err).String())
		return fmt.Errorf("step %d (%s): %w", n, name, err)
	}
	p.params.Metrics.ObserveStage(stage+"."+name, start)
	p.log.Debug("step done", logging.String("step", name), logging.Duration("elapsed", time.Since(start)))
	return nil
}

// GetMetrics returns the metrics of the last run
func (p *Pipeline) GetMetrics() ValidationMetrics { return p.metrics }

// Forward returns the BEM forward operator
func (p *Pipeline) Forward() *forward.Operator { return p.fwd }

// Reference returns the analytic sphere forward operator
func (p *Pipeline) Reference() *forward.Operator { return p.reference }

// Sources returns the full source grid
func (p *Pipeline) Sources() *geometry.SourceSpace { return p.src }

// Sensors returns the sensor array
func (p *Pipeline) Sensors() *sensors.Config { return p.sens }

// Noise returns the estimated noise covariance
func (p *Pipeline) Noise() *covariance.Covariance { return p.noise }

// Inverse returns the inverse operator
func (p *Pipeline) Inverse() *inverse.Operator { return p.inverse }

// Truth returns the grid index of the test dipole
func (p *Pipeline) Truth() int { return p.truth }

func (p *Pipeline) buildGeometry(context.Context) error {
	cfg := p.cfg
	model, err := geometry.SphereModel(cfg.BEM.Radii, cfg.BEM.Conductivities, cfg.BEM.IcoLevel, models.Vec3{})
	if err != nil {
		return err
	}
	if err := model.Validate(); err != nil {
		return err
	}
	spheres, err := sphere.NewModel(cfg.BEM.Radii, cfg.BEM.Conductivities, models.Vec3{})
	if err != nil {
		return err
	}

	var chs []sensors.Channel
	if cfg.Sensors.MEG > 0 {
		chs = append(chs, sensors.RadialHelmet(cfg.Sensors.MEG, cfg.Sensors.HelmetRadius, models.Vec3{})...)
	}
	if cfg.Sensors.EEG > 0 {
		chs = append(chs, sensors.ElectrodeCap(cfg.Sensors.EEG, spheres.Scalp(), models.Vec3{})...)
	}
	sens, err := sensors.NewConfig(chs)
	if err != nil {
		return err
	}

	src, err := geometry.VolumeGrid(model, cfg.Forward.GridSpacing, cfg.Forward.MinDistance)
	if err != nil {
		return err
	}

	// the test dipole sits on the grid point nearest the configured position
	want := models.Vec3{cfg.Simulation.Position[0], cfg.Simulation.Position[1], cfg.Simulation.Position[2]}
	truth, dist := geometry.NewIndex(src.Positions).Nearest(want)
	moment := models.Vec3{cfg.Simulation.Orientation[0], cfg.Simulation.Orientation[1], cfg.Simulation.Orientation[2]}.Unit()
	if moment.Norm() == 0 {
		return errors.Dimension(stage, "test dipole orientation is zero")
	}

	p.model, p.spheres, p.sens, p.src = model, spheres, sens, src
	p.truth, p.moment = truth, moment
	p.metrics.Channels = sens.Len()
	p.metrics.Sources = src.Len()
	p.log.Info("geometry ready",
		logging.Int("vertices", model.NumVertices()),
		logging.Int("channels", sens.Len()),
		logging.Int("sources", src.Len()),
		logging.Int("truth", truth),
		logging.Float64("snap_distance", dist))

	if p.params.SaveIntermediate {
		for _, s := range model.Surfaces {
			if err := p.saveSurface(s); err != nil {
				p.log.Warn("failed to save surface", logging.String("surface", s.ID), logging.Err(err))
			}
		}
	}
	return nil
}

func (p *Pipeline) forwardOptions() forward.Options {
	cfg := p.cfg
	return forward.Options{
		MinDistance: cfg.Forward.MinDistance,
		BlockSize:   cfg.Processing.BlockSize,
		Workers:     cfg.Processing.NumCores,
		BEM: bem.Options{
			IPLimit:      cfg.BEM.IPLimit,
			MaxCondition: cfg.BEM.MaxCondition,
			Workers:      cfg.Processing.NumCores,
			Logger:       p.params.Logger,
		},
		RunID:   p.runID,
		Logger:  p.params.Logger,
		Metrics: p.params.Metrics,
	}
}

func (p *Pipeline) buildForward(ctx context.Context) error {
	opts := p.forwardOptions()
	opts.Solutions = p.params.Solutions
	opts.Checkpoints = p.params.Checkpoints
	fwd, err := forward.Build(ctx, p.model, p.sens, p.src, opts)
	if err != nil {
		return err
	}
	reference, err := forward.BuildSphere(ctx, p.spheres, p.sens, p.src, p.forwardOptions())
	if err != nil {
		return err
	}
	p.fwd, p.reference = fwd, reference
	p.metrics.Excluded = len(fwd.Excluded)

	bemTopo, err := topography(fwd, p.truth, p.moment)
	if err != nil {
		return err
	}
	refTopo, err := topography(reference, p.truth, p.moment)
	if err != nil {
		return err
	}
	if meg := p.sens.Pick(sensors.MEG); len(meg) > 0 {
		p.metrics.MEGError = relativeError(pick(bemTopo, meg), pick(refTopo, meg))
	}
	if eeg := p.sens.Pick(sensors.EEG); len(eeg) > 1 {
		b, r := averageReference(pick(bemTopo, eeg)), averageReference(pick(refTopo, eeg))
		p.metrics.EEGRDM = rdm(b, r)
		p.metrics.EEGCorrelation = simulate.TopographyCorrelation(b, r)
	}
	p.log.Info("forward ready",
		logging.String("forward", fwd.Identity()),
		logging.Int("excluded", len(fwd.Excluded)),
		logging.Float64("meg_error", p.metrics.MEGError),
		logging.Float64("eeg_rdm", p.metrics.EEGRDM))

	if p.params.SaveIntermediate {
		if err := p.saveForward(); err != nil {
			p.log.Warn("failed to save forward", logging.Err(err))
		}
	}
	return nil
}

func (p *Pipeline) simulateRecordings(context.Context) error {
	cfg := p.cfg.Simulation
	k, ok := keptIndex(p.reference, p.truth)
	if !ok {
		return errors.Geometry(stage, "test dipole at grid point %d was excluded", p.truth)
	}

	// sensor noise: independent channels at the configured level per kind
	n := p.sens.Len()
	diag := mat.NewSymDense(n, nil)
	for i, ch := range p.sens.Channels {
		sd := cfg.NoiseEEG
		if ch.Kind != sensors.EEG {
			sd = cfg.NoiseMEG
		}
		diag.SetSym(i, i, sd*sd)
	}
	sensorNoise, err := covariance.FromMatrix(p.sens.Names(), diag, cfg.Samples*cfg.Trials, covariance.Empirical)
	if err != nil {
		return err
	}

	signal := simulate.Dipole{
		Source:      k,
		Orientation: p.moment,
		Waveform:    simulate.Sine(cfg.Samples, cfg.SFreq, cfg.Frequency, cfg.Amplitude, 0),
	}
	sp := simulate.Params{NTrials: cfg.Trials, SFreq: cfg.SFreq, Seed: cfg.Seed}
	if p.active, err = simulate.Epochs(p.reference, []simulate.Dipole{signal}, sensorNoise, sp); err != nil {
		return err
	}
	silent := signal
	silent.Waveform = make([]float64, cfg.Samples)
	sp.Seed++
	if p.baseline, err = simulate.Epochs(p.reference, []simulate.Dipole{silent}, sensorNoise, sp); err != nil {
		return err
	}

	method, err := covariance.ParseMethod(p.cfg.Covariance.Method)
	if err != nil {
		return err
	}
	p.noise, err = covariance.Estimate(p.baseline, method, covariance.Params{
		Shrinkage: p.cfg.Covariance.Shrinkage,
		Target:    covariance.Target(p.cfg.Covariance.Target),
		Grid:      p.cfg.Covariance.Grid,
		Folds:     p.cfg.Covariance.Folds,
		Workers:   p.cfg.Processing.NumCores,
		Logger:    p.params.Logger,
	})
	if err != nil {
		return err
	}
	p.metrics.Shrinkage = p.noise.Shrinkage()
	p.log.Info("recordings simulated",
		logging.Int("trials", p.active.NTrials()),
		logging.String("noise", p.noise.Identity()),
		logging.Float64("shrinkage", p.noise.Shrinkage()))

	if p.params.SaveIntermediate {
		if err := p.saveCovariance(); err != nil {
			p.log.Warn("failed to save noise covariance", logging.Err(err))
		}
	}
	return nil
}

func (p *Pipeline) whitening() (covariance.WhitenerOptions, error) {
	weighting, err := covariance.ParseTypeWeighting(p.cfg.Covariance.TypeWeighting)
	if err != nil {
		return covariance.WhitenerOptions{}, err
	}
	return covariance.WhitenerOptions{
		EigenFloor:         p.cfg.Covariance.EigenFloor,
		AllowRankDeficient: true,
		Weighting:          weighting,
		Kinds:              p.sens.Kinds(),
	}, nil
}

func (p *Pipeline) solveInverse(ctx context.Context) error {
	cfg := p.cfg.Inverse
	method, err := models.ParseMethod(cfg.Method)
	if err != nil {
		return err
	}
	if method.Beamformer() {
		return fmt.Errorf("inverse.method %s is a beamformer", method)
	}
	whitening, err := p.whitening()
	if err != nil {
		return err
	}
	op, err := inverse.Make(p.fwd, p.noise, inverse.Params{
		Method:    method,
		SNR:       cfg.SNR,
		Depth:     cfg.Depth,
		Loose:     cfg.Loose,
		Tol:       cfg.Tol,
		MaxIter:   cfg.MaxIter,
		Strict:    cfg.Strict,
		Whitening: whitening,
		Logger:    p.params.Logger,
		Metrics:   p.params.Metrics,
	})
	if err != nil {
		return err
	}
	p.inverse = op
	p.metrics.Converged, p.metrics.Iterations = op.Converged, op.Iterations

	// one kernel serves the whole minimum-norm family
	methods := []models.Method{method}
	if method.MinimumNormFamily() {
		methods = []models.Method{models.MNE, models.DSPM, models.SLORETA}
	}
	for _, m := range methods {
		var avg estimate.Averager
		applier := estimate.InverseApplier(op, estimate.ApplyOptions{Method: m, PickOri: estimate.Vector})
		_, err := estimate.Stream(ctx, estimate.EpochSource(p.active), applier, func(_ int, est *estimate.SourceEstimate) error {
			return avg.Add(est)
		}, p.cfg.Processing.NumCores)
		if err != nil {
			return err
		}
		d, err := simulate.PeakError(avg.Mean(), p.src, p.truth)
		if err != nil {
			return err
		}
		p.metrics.PeakError[m.String()] = d
		p.log.Info("inverse scored", logging.String("method", m.String()), logging.Float64("peak_error", d))
	}

	if p.params.SaveIntermediate {
		if err := p.saveInverse(); err != nil {
			p.log.Warn("failed to save inverse operator", logging.Err(err))
		}
	}
	return nil
}

// RegularizationSweep rebuilds the inverse at each λ² for the test dipole on
// the BEM forward and reports variance against localization bias. Process
// must have run first.
func (p *Pipeline) RegularizationSweep(ctx context.Context, lambdas []float64, trials int) ([]simulate.SweepPoint, error) {
	if p.fwd == nil || p.noise == nil {
		return nil, fmt.Errorf("regularization sweep needs a processed pipeline")
	}
	k, ok := keptIndex(p.fwd, p.truth)
	if !ok {
		return nil, errors.Geometry(stage, "test dipole at grid point %d was excluded", p.truth)
	}
	cfg := p.cfg
	method, err := models.ParseMethod(cfg.Inverse.Method)
	if err != nil {
		return nil, err
	}
	whitening, err := p.whitening()
	if err != nil {
		return nil, err
	}
	n := cfg.Simulation.Samples
	dip := simulate.Dipole{
		Source:      k,
		Orientation: p.moment,
		Waveform:    simulate.Pulse(n, float64(n/2), float64(n)/20, cfg.Simulation.Amplitude),
	}
	return simulate.RegularizationSweep(ctx, p.fwd, p.noise, dip, lambdas, simulate.SweepParams{
		Base: inverse.Params{
			Method:    method,
			Depth:     cfg.Inverse.Depth,
			Loose:     cfg.Inverse.Loose,
			Tol:       cfg.Inverse.Tol,
			MaxIter:   cfg.Inverse.MaxIter,
			Whitening: whitening,
		},
		Trials:  trials,
		Seed:    cfg.Simulation.Seed + 2,
		Workers: cfg.Processing.NumCores,
	})
}

func (p *Pipeline) beamformerParams() (beamformer.Params, error) {
	cfg := p.cfg.Beamformer
	pick, err := beamformer.ParsePickOri(cfg.PickOri)
	if err != nil {
		return beamformer.Params{}, err
	}
	norm, err := beamformer.ParseWeightNorm(cfg.WeightNorm)
	if err != nil {
		return beamformer.Params{}, err
	}
	whitening, err := p.whitening()
	if err != nil {
		return beamformer.Params{}, err
	}
	return beamformer.Params{
		Reg:          cfg.Reg,
		PickOri:      pick,
		WeightNorm:   norm,
		MaxCondition: cfg.MaxCondition,
		Whitening:    whitening,
		Workers:      p.cfg.Processing.NumCores,
		Logger:       p.params.Logger,
		Metrics:      p.params.Metrics,
	}, nil
}

func (p *Pipeline) scanBeamformers(ctx context.Context) error {
	bp, err := p.beamformerParams()
	if err != nil {
		return err
	}

	data, err := covariance.Estimate(p.active, covariance.Empirical, covariance.Params{Workers: p.cfg.Processing.NumCores})
	if err != nil {
		return err
	}
	if p.lcmv, err = beamformer.MakeLCMV(p.fwd, data, p.noise, bp); err != nil {
		return err
	}
	nai, err := p.lcmv.NeuralActivityIndex(data, p.noise)
	if err != nil {
		return err
	}
	if err := p.scoreScan(p.lcmv, nai); err != nil {
		return err
	}

	csd, err := spectral.Estimate(ctx, p.active, p.cfg.Beamformer.FMin, p.cfg.Beamformer.FMax,
		spectral.Options{Workers: p.cfg.Processing.NumCores})
	if err != nil {
		return err
	}
	if p.dics, err = beamformer.MakeDICS(p.fwd, csd, p.noise, bp); err != nil {
		return err
	}
	power, err := beamformer.ApplyDICSPower(p.dics, csd)
	if err != nil {
		return err
	}
	floor, err := p.dics.Power(p.noise)
	if err != nil {
		return err
	}
	for i := range power {
		if !(floor[i] > 0) {
			return errors.Instability(stage, "DICS source %d has no noise power", p.dics.SourceIndices[i])
		}
		power[i] /= floor[i]
	}
	if err := p.scoreScan(p.dics, power); err != nil {
		return err
	}

	if p.params.SaveIntermediate {
		if err := p.saveFilters(); err != nil {
			p.log.Warn("failed to save spatial filters", logging.Err(err))
		}
	}
	return nil
}

// scoreScan records the distance from the strongest source of a scan to the
// test dipole
func (p *Pipeline) scoreScan(f *beamformer.Filter, scan []float64) error {
	if len(scan) == 0 {
		return errors.Dimension(stage, "%s scan is empty", f.Method)
	}
	k := floats.MaxIdx(scan)
	peak := p.fwd.SourceIndices[f.SourceIndices[k]]
	d := p.src.Positions[peak].Sub(p.src.Positions[p.truth]).Norm()
	p.metrics.PeakError[f.Method.String()] = d
	p.log.Info("beamformer scored",
		logging.String("method", f.Method.String()),
		logging.Int("excluded", len(f.Excluded)),
		logging.Float64("peak_error", d))
	return nil
}

// keptIndex finds the operator column block of an original source index
func keptIndex(fwd *forward.Operator, original int) (int, bool) {
	for k, i := range fwd.SourceIndices {
		if i == original {
			return k, true
		}
	}
	return 0, false
}

// topography is the sensor pattern of a unit dipole at an original source
func topography(fwd *forward.Operator, original int, q models.Vec3) ([]float64, error) {
	k, ok := keptIndex(fwd, original)
	if !ok {
		return nil, errors.Geometry(stage, "test dipole at grid point %d was excluded", original)
	}
	cols := fwd.SourceColumns(k)
	_, nc := cols.Dims()
	moment := mat.NewVecDense(nc, nil)
	if nc == 1 {
		moment.SetVec(0, 1)
	} else {
		for c := 0; c < 3; c++ {
			moment.SetVec(c, q[c])
		}
	}
	var topo mat.VecDense
	topo.MulVec(cols, moment)
	return mat.Col(nil, 0, &topo), nil
}

func pick(v []float64, rows []int) []float64 {
	out := make([]float64, len(rows))
	for k, i := range rows {
		out[k] = v[i]
	}
	return out
}

func averageReference(v []float64) []float64 {
	out := append([]float64(nil), v...)
	mean := floats.Sum(out) / float64(len(out))
	floats.AddConst(-mean, out)
	return out
}

func relativeError(got, want []float64) float64 {
	return floats.Distance(got, want, 2) / floats.Norm(want, 2)
}

// rdm is the distance between the unit-normalized patterns, in [0, 2]
func rdm(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	ua := append([]float64(nil), a...)
	ub := append([]float64(nil), b...)
	floats.Scale(1/na, ua)
	floats.Scale(1/nb, ub)
	return floats.Distance(ua, ub, 2)
}

func (p *Pipeline) outputPath(parts ...string) string {
	return filepath.Join(append([]string{p.params.OutputDir}, parts...)...)
}

func (p *Pipeline) saveMetrics() error {
	data, err := yaml.Marshal(p.metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	return os.WriteFile(p.outputPath("metrics.yaml"), data, 0644)
}
