package analysis

import (
	"fmt"

	"exprcore/pkg/domain"
)

// AnalysisType names the statistical model chosen for a differential
// expression run.
type AnalysisType string

const (
	GenericLM                  AnalysisType = "GENERICLM"
	OneSampleTTest             AnalysisType = "OSTTEST"
	TTest                      AnalysisType = "TTEST"
	OneWayANOVA                AnalysisType = "OWA"
	TwoWayANOVAWithInteraction AnalysisType = "TWO_WAY_ANOVA_WITH_INTERACTION"
	TwoWayANOVANoInteraction   AnalysisType = "TWO_WAY_ANOVA_NO_INTERACTION"
)

// Selection is the outcome of SelectAnalysis.
type Selection struct {
	Type    AnalysisType
	Factors []domain.ExperimentalFactor
	// Levels holds the observed levels of each categorical factor, sorted.
	Levels map[string][]string
}

// Interaction reports whether the model includes the two-way interaction term.
func (s Selection) Interaction() bool { return s.Type == TwoWayANOVAWithInteraction }

// SelectAnalysis picks the model for the given factors. Batch factors are
// ignored. Levels are the distinct values observed on assays, so a declared
// level with no samples does not count.
func SelectAnalysis(factors []domain.ExperimentalFactor, assays []domain.BioAssay) (Selection, error) {
	sel := Selection{Levels: map[string][]string{}}
	for _, f := range factors {
		if f.IsBatch {
			continue
		}
		sel.Factors = append(sel.Factors, f)
		if f.Type == domain.FactorCategorical {
			sel.Levels[f.Name] = domain.SortedFactorLevels(assays, f.Name)
		}
	}

	switch len(sel.Factors) {
	case 0:
		return Selection{}, domain.ValidationError{Field: "factors", Message: "no non-batch factors to analyse"}
	case 1:
		f := sel.Factors[0]
		if f.Type == domain.FactorContinuous {
			sel.Type = GenericLM
			return sel, nil
		}
		switch n := len(sel.Levels[f.Name]); {
		case n == 0:
			return Selection{}, domain.ValidationError{Field: "factors", Message: fmt.Sprintf("factor %q has no values on any bioassay", f.Name)}
		case n == 1:
			sel.Type = OneSampleTTest
		case n == 2:
			sel.Type = TTest
		default:
			sel.Type = OneWayANOVA
		}
		return sel, nil
	case 2:
		a, b := sel.Factors[0], sel.Factors[1]
		if a.Type == domain.FactorContinuous || b.Type == domain.FactorContinuous {
			sel.Type = GenericLM
			return sel, nil
		}
		for _, f := range sel.Factors {
			if len(sel.Levels[f.Name]) < 2 {
				return Selection{}, domain.ValidationError{Field: "factors", Message: fmt.Sprintf("factor %q needs at least two observed levels", f.Name)}
			}
		}
		if completeWithReplicates(assays, a, b, sel.Levels) {
			sel.Type = TwoWayANOVAWithInteraction
		} else {
			sel.Type = TwoWayANOVANoInteraction
		}
		return sel, nil
	default:
		sel.Type = GenericLM
		return sel, nil
	}
}

// completeWithReplicates reports whether every level combination of a and b
// has a sample and at least one combination is replicated.
func completeWithReplicates(assays []domain.BioAssay, a, b domain.ExperimentalFactor, levels map[string][]string) bool {
	cells := make(map[[2]string]int)
	for _, ba := range assays {
		va, okA := ba.FactorValues[a.Name]
		vb, okB := ba.FactorValues[b.Name]
		if !okA || !okB || va == "" || vb == "" {
			continue
		}
		cells[[2]string{va, vb}]++
	}
	replicated := false
	for _, la := range levels[a.Name] {
		for _, lb := range levels[b.Name] {
			n := cells[[2]string{la, lb}]
			if n == 0 {
				return false
			}
			if n >= 2 {
				replicated = true
			}
		}
	}
	return replicated
}
