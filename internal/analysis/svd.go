package analysis

import (
	"context"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"exprcore/pkg/domain"
)

// FactorAssociation relates one SVD component to an experimental factor.
// Continuous factors use Pearson correlation; categorical ones a one-way ANOVA F.
type FactorAssociation struct {
	Factor    string  `json:"factor"`
	Method    string  `json:"method"`
	Statistic float64 `json:"statistic"`
	PValue    float64 `json:"p_value"`
}

// Component is one eigengene of the centred matrix.
type Component struct {
	Index            int                 `json:"index"`
	SingularValue    float64             `json:"singular_value"`
	VarianceFraction float64             `json:"variance_fraction"`
	Loadings         map[string]float64  `json:"loadings"`
	Factors          []FactorAssociation `json:"factors,omitempty"`
}

// SVDResult is the outcome of an SVD run.
type SVDResult struct {
	ExperimentID      string      `json:"experiment_id"`
	Samples           []string    `json:"samples"`
	ProbesUsed        int         `json:"probes_used"`
	ProbesDropped     int         `json:"probes_dropped"`
	SingularValues    []float64   `json:"singular_values"`
	VarianceFractions []float64   `json:"variance_fractions"`
	Components        []Component `json:"components"`
}

// Summary condenses the result for the Analysis record.
func (r *SVDResult) Summary() map[string]any {
	out := map[string]any{
		"samples":        len(r.Samples),
		"probes_used":    r.ProbesUsed,
		"probes_dropped": r.ProbesDropped,
	}
	if len(r.VarianceFractions) > 0 {
		out["pc1_variance_fraction"] = r.VarianceFractions[0]
	}
	return out
}

// SVD centres each probe, drops probes with missing values and decomposes the
// remainder. The leading opts.Components eigengenes are reported with their
// associations to the experiment's factors.
func SVD(ctx context.Context, in Input, opts Options) (*SVDResult, error) {
	opts = opts.withDefaults()
	if in.Matrix == nil {
		return nil, ErrNoData
	}
	assays, cols := in.usableAssays()
	if len(assays) < 2 {
		return nil, domain.ValidationError{Field: "bioassays", Message: "SVD needs at least two bioassays present in the matrix"}
	}
	res := &SVDResult{ExperimentID: in.Experiment.ID}
	for _, ba := range assays {
		res.Samples = append(res.Samples, ba.Name)
	}

	var data []float64
	for _, row := range in.Matrix.Values {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vals := make([]float64, len(cols))
		complete := true
		sum := 0.0
		for j, c := range cols {
			v := row[c]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				complete = false
				break
			}
			vals[j] = v
			sum += v
		}
		if !complete {
			res.ProbesDropped++
			continue
		}
		mean := sum / float64(len(vals))
		for j := range vals {
			vals[j] -= mean
		}
		data = append(data, vals...)
		res.ProbesUsed++
	}
	if res.ProbesUsed < 2 {
		return nil, domain.ValidationError{Field: "data", Message: "SVD needs at least two probes without missing values"}
	}

	a := mat.NewDense(res.ProbesUsed, len(cols), data)
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, domain.ValidationError{Field: "data", Message: "SVD did not converge"}
	}
	values := svd.Values(nil)
	total := 0.0
	for _, s := range values {
		total += s * s
	}
	if total == 0 {
		return nil, domain.ValidationError{Field: "data", Message: "expression matrix has no variance"}
	}
	res.SingularValues = values
	res.VarianceFractions = make([]float64, len(values))
	for i, s := range values {
		res.VarianceFractions[i] = s * s / total
	}

	var v mat.Dense
	svd.VTo(&v)
	k := min(opts.Components, len(values))
	for c := 0; c < k; c++ {
		comp := Component{
			Index:            c + 1,
			SingularValue:    values[c],
			VarianceFraction: res.VarianceFractions[c],
			Loadings:         make(map[string]float64, len(assays)),
		}
		loadings := make([]float64, len(assays))
		for j, ba := range assays {
			loadings[j] = v.At(j, c)
			comp.Loadings[ba.Name] = loadings[j]
		}
		comp.Factors = associate(in.Experiment.Factors, assays, loadings)
		res.Components = append(res.Components, comp)
	}
	return res, nil
}

func associate(factors []domain.ExperimentalFactor, assays []domain.BioAssay, loadings []float64) []FactorAssociation {
	var out []FactorAssociation
	for _, f := range factors {
		if f.Type == domain.FactorContinuous {
			var x, y []float64
			for j, ba := range assays {
				val, err := strconv.ParseFloat(ba.FactorValues[f.Name], 64)
				if err != nil {
					continue
				}
				x = append(x, loadings[j])
				y = append(y, val)
			}
			if r, p, ok := pearsonTest(x, y); ok {
				out = append(out, FactorAssociation{Factor: f.Name, Method: "pearson", Statistic: r, PValue: p})
			}
			continue
		}
		byLevel := make(map[string][]float64)
		for j, ba := range assays {
			if level := ba.FactorValues[f.Name]; level != "" {
				byLevel[level] = append(byLevel[level], loadings[j])
			}
		}
		groups := make([][]float64, 0, len(byLevel))
		for _, level := range domain.SortedFactorLevels(assays, f.Name) {
			groups = append(groups, byLevel[level])
		}
		if fstat, _, _, p, ok := oneWayANOVA(groups); ok {
			out = append(out, FactorAssociation{Factor: f.Name, Method: "anova", Statistic: fstat, PValue: p})
		}
	}
	return out
}
