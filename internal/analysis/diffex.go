package analysis

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"exprcore/pkg/domain"
)

// TermStat is the test of one model term on one probe. For the one-sample
// t-test Statistic is t; otherwise it is the partial F.
type TermStat struct {
	Term      string  `json:"term"`
	Statistic float64 `json:"statistic"`
	DF1       int     `json:"df1"`
	DF2       int     `json:"df2"`
	PValue    float64 `json:"p_value"`
	QValue    float64 `json:"q_value"`
}

// ProbeResult holds the per-term tests of one probe.
type ProbeResult struct {
	Probe string     `json:"probe"`
	N     int        `json:"n"`
	Terms []TermStat `json:"terms"`
}

// DEResult is the outcome of a differential expression run.
type DEResult struct {
	ExperimentID string        `json:"experiment_id"`
	AnalysisType AnalysisType  `json:"analysis_type"`
	Factors      []string      `json:"factors"`
	Terms        []string      `json:"terms"`
	Samples      []string      `json:"samples"`
	Probes       []ProbeResult `json:"probes"`
	Skipped      int           `json:"skipped"`
}

// Summary condenses the result for the Analysis record.
func (r *DEResult) Summary() map[string]any {
	significant := make(map[string]int, len(r.Terms))
	for _, p := range r.Probes {
		for _, t := range p.Terms {
			if t.QValue < 0.05 {
				significant[t.Term]++
			}
		}
	}
	return map[string]any{
		"analysis_type":   string(r.AnalysisType),
		"samples":         len(r.Samples),
		"probes_tested":   len(r.Probes),
		"probes_skipped":  r.Skipped,
		"significant_q05": significant,
	}
}

type modelTerm struct {
	name string
	cols []int
}

type design struct {
	rows  [][]float64
	terms []modelTerm
	width int
}

// DifferentialExpression fits the selected model to every probe. When
// factorNames is empty every factor of the experiment is considered.
func DifferentialExpression(ctx context.Context, in Input, factorNames []string, opts Options) (*DEResult, error) {
	opts = opts.withDefaults()
	if in.Matrix == nil {
		return nil, ErrNoData
	}
	factors, err := pickFactors(in.Experiment, factorNames)
	if err != nil {
		return nil, err
	}
	assays, cols := in.usableAssays()
	assays, cols = completeCases(assays, cols, factors)
	if len(assays) == 0 {
		return nil, domain.ValidationError{Field: "bioassays", Message: "no bioassays match the expression matrix"}
	}
	sel, err := SelectAnalysis(factors, assays)
	if err != nil {
		return nil, err
	}

	res := &DEResult{ExperimentID: in.Experiment.ID, AnalysisType: sel.Type}
	for _, f := range sel.Factors {
		res.Factors = append(res.Factors, f.Name)
	}
	for _, ba := range assays {
		res.Samples = append(res.Samples, ba.Name)
	}

	var fit func(y []float64) (int, []TermStat, bool)
	if sel.Type == OneSampleTTest {
		res.Terms = []string{sel.Factors[0].Name}
		fit = func(y []float64) (int, []TermStat, bool) {
			return oneSampleT(sel.Factors[0].Name, y, opts.MinSamples)
		}
	} else {
		d := buildDesign(sel, assays)
		for _, t := range d.terms {
			res.Terms = append(res.Terms, t.name)
		}
		fit = func(y []float64) (int, []TermStat, bool) {
			return d.fit(y, opts.MinSamples)
		}
	}

	probes := make([]*ProbeResult, len(in.Matrix.Probes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for start := 0; start < len(probes); start += opts.ChunkSize {
		start := start
		end := min(start+opts.ChunkSize, len(probes))
		g.Go(func() error {
			y := make([]float64, len(cols))
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				row := in.Matrix.Values[i]
				for j, c := range cols {
					y[j] = row[c]
				}
				n, stats, ok := fit(y)
				if !ok {
					continue
				}
				probes[i] = &ProbeResult{Probe: in.Matrix.Probes[i], N: n, Terms: stats}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, p := range probes {
		if p == nil {
			res.Skipped++
			continue
		}
		res.Probes = append(res.Probes, *p)
	}
	for ti := range res.Terms {
		ps := make([]float64, len(res.Probes))
		for i := range res.Probes {
			ps[i] = res.Probes[i].Terms[ti].PValue
		}
		for i, q := range BenjaminiHochberg(ps) {
			res.Probes[i].Terms[ti].QValue = q
		}
	}
	return res, nil
}

func pickFactors(ee domain.ExpressionExperiment, names []string) ([]domain.ExperimentalFactor, error) {
	if len(names) == 0 {
		return ee.Factors, nil
	}
	out := make([]domain.ExperimentalFactor, 0, len(names))
	for _, name := range names {
		f, ok := ee.Factor(name)
		if !ok {
			return nil, domain.ValidationError{Field: "factors", Message: fmt.Sprintf("experiment %s has no factor %q", ee.ShortName, name)}
		}
		out = append(out, f)
	}
	return out, nil
}

// completeCases keeps the assays that carry a usable value for every
// non-batch factor.
func completeCases(assays []domain.BioAssay, cols []int, factors []domain.ExperimentalFactor) ([]domain.BioAssay, []int) {
	var keptA []domain.BioAssay
	var keptC []int
	for i, ba := range assays {
		ok := true
		for _, f := range factors {
			if f.IsBatch {
				continue
			}
			v := ba.FactorValues[f.Name]
			if v == "" {
				ok = false
				break
			}
			if f.Type == domain.FactorContinuous {
				if _, err := strconv.ParseFloat(v, 64); err != nil {
					ok = false
					break
				}
			}
		}
		if ok {
			keptA = append(keptA, ba)
			keptC = append(keptC, cols[i])
		}
	}
	return keptA, keptC
}

// buildDesign encodes the model with treatment coding: an intercept, one
// indicator per non-baseline level of each categorical factor (the first
// sorted level is the baseline), the raw value of each continuous factor and,
// for the interaction model, the products of the two factors' indicators.
func buildDesign(sel Selection, assays []domain.BioAssay) design {
	d := design{width: 1}
	type encoded struct {
		term   modelTerm
		levels []string
	}
	var enc []encoded
	for _, f := range sel.Factors {
		e := encoded{term: modelTerm{name: f.Name}}
		if f.Type == domain.FactorContinuous {
			e.term.cols = []int{d.width}
			d.width++
		} else {
			e.levels = sel.Levels[f.Name]
			for range e.levels[1:] {
				e.term.cols = append(e.term.cols, d.width)
				d.width++
			}
		}
		enc = append(enc, e)
	}
	var inter modelTerm
	if sel.Interaction() {
		inter.name = enc[0].term.name + ":" + enc[1].term.name
		for range enc[0].term.cols {
			for range enc[1].term.cols {
				inter.cols = append(inter.cols, d.width)
				d.width++
			}
		}
	}

	for _, ba := range assays {
		row := make([]float64, d.width)
		row[0] = 1
		for k, e := range enc {
			v := ba.FactorValues[sel.Factors[k].Name]
			if e.levels == nil {
				row[e.term.cols[0]], _ = strconv.ParseFloat(v, 64)
				continue
			}
			for li, level := range e.levels[1:] {
				if v == level {
					row[e.term.cols[li]] = 1
				}
			}
		}
		if sel.Interaction() {
			idx := 0
			for _, ca := range enc[0].term.cols {
				for _, cb := range enc[1].term.cols {
					row[inter.cols[idx]] = row[ca] * row[cb]
					idx++
				}
			}
		}
		d.rows = append(d.rows, row)
	}
	for _, e := range enc {
		if len(e.term.cols) > 0 {
			d.terms = append(d.terms, e.term)
		}
	}
	if sel.Interaction() {
		d.terms = append(d.terms, inter)
	}
	return d
}

// fit runs the full model and one reduced model per term on the finite
// values of y. ok is false when the probe cannot be tested.
func (d design) fit(y []float64, minSamples int) (int, []TermStat, bool) {
	var idx []int
	for i, v := range y {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			idx = append(idx, i)
		}
	}
	n := len(idx)
	if n < minSamples || n <= d.width {
		return n, nil, false
	}
	yv := mat.NewVecDense(n, nil)
	for r, i := range idx {
		yv.SetVec(r, y[i])
	}
	full := d.subset(idx, nil)
	rssFull, ok := rss(full, yv)
	if !ok || rssFull <= 0 {
		return n, nil, false
	}
	df2 := n - d.width
	stats := make([]TermStat, 0, len(d.terms))
	for _, t := range d.terms {
		reduced := d.subset(idx, t.cols)
		rssRed, ok := rss(reduced, yv)
		if !ok {
			return n, nil, false
		}
		df1 := len(t.cols)
		f := math.Max(rssRed-rssFull, 0) / float64(df1) / (rssFull / float64(df2))
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return n, nil, false
		}
		p := distuv.F{D1: float64(df1), D2: float64(df2)}.Survival(f)
		stats = append(stats, TermStat{Term: t.name, Statistic: f, DF1: df1, DF2: df2, PValue: p})
	}
	return n, stats, true
}

// subset returns the design restricted to rows idx without the drop columns.
func (d design) subset(idx []int, drop []int) *mat.Dense {
	skip := make(map[int]bool, len(drop))
	for _, c := range drop {
		skip[c] = true
	}
	width := d.width - len(drop)
	data := make([]float64, 0, len(idx)*width)
	for _, i := range idx {
		for c, v := range d.rows[i] {
			if !skip[c] {
				data = append(data, v)
			}
		}
	}
	return mat.NewDense(len(idx), width, data)
}

// rss returns the residual sum of squares of the least-squares fit of y on x.
// ok is false for a singular design.
func rss(x *mat.Dense, y *mat.VecDense) (float64, bool) {
	var beta mat.VecDense
	if err := beta.SolveVec(x, y); err != nil {
		return 0, false
	}
	var fitted mat.VecDense
	fitted.MulVec(x, &beta)
	sum := 0.0
	for i := 0; i < y.Len(); i++ {
		r := y.AtVec(i) - fitted.AtVec(i)
		sum += r * r
	}
	return sum, true
}

// oneSampleT tests whether the mean of the finite values of y differs from 0.
func oneSampleT(term string, y []float64, minSamples int) (int, []TermStat, bool) {
	vals := make([]float64, 0, len(y))
	for _, v := range y {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			vals = append(vals, v)
		}
	}
	n := len(vals)
	if n < minSamples || n < 2 {
		return n, nil, false
	}
	mean, sd := stat.MeanStdDev(vals, nil)
	if sd == 0 {
		return n, nil, false
	}
	t := mean / (sd / math.Sqrt(float64(n)))
	df := n - 1
	p := 2 * distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(df)}.Survival(math.Abs(t))
	return n, []TermStat{{Term: term, Statistic: t, DF1: 1, DF2: df, PValue: math.Min(p, 1)}}, true
}
