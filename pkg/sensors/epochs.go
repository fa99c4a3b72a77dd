package sensors

import (
	"gonum.org/v1/gonum/mat"

	"neurosource/pkg/errors"
)

// Epochs is a set of equally shaped trials, each channels × time samples
type Epochs struct {
	Channels []string
	SFreq    float64
	Tmin     float64
	Trials   []*mat.Dense
}

// NewEpochs checks trial shapes against the channel list
func NewEpochs(channels []string, sfreq, tmin float64, trials []*mat.Dense) (*Epochs, error) {
	const stage = "sensors.epochs"
	if sfreq <= 0 {
		return nil, errors.Dimension(stage, "sampling frequency must be positive, got %g", sfreq)
	}
	if len(trials) == 0 {
		return nil, errors.Dimension(stage, "no trials")
	}
	_, nt := trials[0].Dims()
	for i, tr := range trials {
		r, c := tr.Dims()
		if r != len(channels) || c != nt {
			return nil, errors.Dimension(stage, "trial %d is %d×%d, expected %d×%d", i, r, c, len(channels), nt)
		}
	}
	return &Epochs{Channels: append([]string(nil), channels...), SFreq: sfreq, Tmin: tmin, Trials: trials}, nil
}

// NTrials returns the number of trials
func (e *Epochs) NTrials() int { return len(e.Trials) }

// NTimes returns samples per trial
func (e *Epochs) NTimes() int {
	_, c := e.Trials[0].Dims()
	return c
}

// Tstep returns the sampling interval in seconds
func (e *Epochs) Tstep() float64 { return 1 / e.SFreq }

// Average returns the evoked response (mean over trials)
func (e *Epochs) Average() *mat.Dense {
	var avg mat.Dense
	avg.CloneFrom(e.Trials[0])
	for _, tr := range e.Trials[1:] {
		avg.Add(&avg, tr)
	}
	avg.Scale(1/float64(len(e.Trials)), &avg)
	return &avg
}

// Concatenated stacks all trials along time into one channels × samples matrix
func (e *Epochs) Concatenated() *mat.Dense {
	nc, nt := len(e.Channels), e.NTimes()
	out := mat.NewDense(nc, nt*len(e.Trials), nil)
	for k, tr := range e.Trials {
		out.Slice(0, nc, k*nt, (k+1)*nt).(*mat.Dense).Copy(tr)
	}
	return out
}

// Subset returns epochs restricted to the given trials
func (e *Epochs) Subset(indices []int) *Epochs {
	trials := make([]*mat.Dense, len(indices))
	for i, k := range indices {
		trials[i] = e.Trials[k]
	}
	return &Epochs{Channels: e.Channels, SFreq: e.SFreq, Tmin: e.Tmin, Trials: trials}
}

// Matches checks that the epochs carry the channels of cfg in the same order
func (e *Epochs) Matches(cfg *Config) error {
	if len(e.Channels) != cfg.Len() {
		return errors.Dimension("sensors.epochs", "data has %d channels, sensor configuration has %d",
			len(e.Channels), cfg.Len())
	}
	for i, ch := range cfg.Channels {
		if e.Channels[i] != ch.Name {
			return errors.Dimension("sensors.epochs", "channel %d is %q in data but %q in sensor configuration",
				i, e.Channels[i], ch.Name)
		}
	}
	return nil
}
