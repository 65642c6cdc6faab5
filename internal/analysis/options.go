package analysis

import (
	"runtime"

	"exprcore/pkg/domain"
)

// Options tunes analysis execution.
type Options struct {
	// MinSamples is the fewest finite values a probe needs to be tested.
	MinSamples int
	// Workers bounds the goroutines fitting probe chunks.
	Workers int
	// ChunkSize is the number of probes handed to one worker at a time.
	ChunkSize int
	// Components is how many leading SVD components to report.
	Components int
}

// DefaultOptions returns the settings used when a field is left zero.
func DefaultOptions() Options {
	return Options{MinSamples: 3, Workers: runtime.GOMAXPROCS(0), ChunkSize: 256, Components: 3}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinSamples <= 0 {
		o.MinSamples = d.MinSamples
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.Components <= 0 {
		o.Components = d.Components
	}
	return o
}

// Input bundles an experiment with its bioassays and expression matrix.
type Input struct {
	Experiment domain.ExpressionExperiment
	BioAssays  []domain.BioAssay
	Matrix     *Matrix
}

// usableAssays pairs non-outlier bioassays with their matrix column, in
// matrix column order.
func (in Input) usableAssays() ([]domain.BioAssay, []int) {
	byName := make(map[string]domain.BioAssay, len(in.BioAssays))
	for _, ba := range in.BioAssays {
		if ba.IsOutlier {
			continue
		}
		byName[ba.Name] = ba
	}
	var assays []domain.BioAssay
	var cols []int
	for i, sample := range in.Matrix.Samples {
		if ba, ok := byName[sample]; ok {
			assays = append(assays, ba)
			cols = append(cols, i)
		}
	}
	return assays, cols
}
