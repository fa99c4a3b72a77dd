package pipeline

import (
	"fmt"
	"io"
	"os"
	"strings"

	"neurosource/pkg/geometry"
	"neurosource/pkg/persist"
	"neurosource/pkg/stl"
)

// Intermediate results are grouped by step, in the order they are produced
const (
	geometryDir   = "01_geometry"
	forwardDir    = "02_forward"
	covarianceDir = "03_covariance"
	inverseDir    = "04_inverse"
	filterDir     = "05_beamformer"
)

func (p *Pipeline) stepDir(name string) (string, error) {
	dir := p.outputPath(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return dir, nil
}

func (p *Pipeline) saveSurface(s *geometry.Surface) error {
	if _, err := p.stepDir(geometryDir); err != nil {
		return err
	}
	return stl.WriteSurface(p.outputPath(geometryDir, s.ID+".stl"), s)
}

func (p *Pipeline) saveForward() error {
	return persist.Save(p.outputPath(forwardDir, "bem.fwd"), func(w io.Writer) error {
		return persist.WriteForward(w, p.fwd)
	})
}

func (p *Pipeline) saveCovariance() error {
	return persist.Save(p.outputPath(covarianceDir, "noise.cov"), func(w io.Writer) error {
		return persist.WriteCovariance(w, p.noise)
	})
}

func (p *Pipeline) saveInverse() error {
	name := strings.ToLower(p.inverse.Method.String()) + ".inv"
	return persist.Save(p.outputPath(inverseDir, name), func(w io.Writer) error {
		return persist.WriteInverse(w, p.inverse)
	})
}

func (p *Pipeline) saveFilters() error {
	if err := persist.Save(p.outputPath(filterDir, "lcmv.filter"), func(w io.Writer) error {
		return persist.WriteFilter(w, p.lcmv)
	}); err != nil {
		return err
	}
	return persist.Save(p.outputPath(filterDir, "dics.filter"), func(w io.Writer) error {
		return persist.WriteFilter(w, p.dics)
	})
}
