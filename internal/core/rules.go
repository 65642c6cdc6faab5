package core

import (
	"context"
	"fmt"
	"sort"

	"exprcore/pkg/domain"
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *domain.RulesEngine { return domain.NewRulesEngine() }

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(BioAssayPlatformMembershipRule())
	engine.Register(FactorValueLevelsRule())
	engine.Register(TroubledPlatformPropagationRule())
	return engine
}

// BioAssayPlatformMembershipRule blocks bioassays whose array design is not
// among the platforms declared by their experiment.
func BioAssayPlatformMembershipRule() domain.Rule { return platformMembershipRule{} }

type platformMembershipRule struct{}

func (platformMembershipRule) Name() string { return "bioassay_platform_membership" }

func (r platformMembershipRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	check := func(ba domain.BioAssay) {
		ee, ok := view.FindExperiment(ba.ExperimentID)
		if !ok {
			return
		}
		for _, id := range ee.ArrayDesignIDs {
			if id == ba.ArrayDesignID {
				return
			}
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("array design %s is not a platform of experiment %s", ba.ArrayDesignID, ee.ShortName),
			Entity:   domain.EntityBioAssay,
			EntityID: ba.ID,
		})
	}
	for _, change := range changes {
		switch change.Entity {
		case domain.EntityBioAssay:
			if ba, ok := change.After.(domain.BioAssay); ok {
				if _, live := view.FindBioAssay(ba.ID); live {
					check(ba)
				}
			}
		case domain.EntityExperiment:
			// dropping a platform from an experiment must not orphan its assays
			if ee, ok := change.After.(domain.ExpressionExperiment); ok && change.Action == domain.ActionUpdate {
				for _, ba := range view.ListBioAssaysForExperiment(ee.ID) {
					check(ba)
				}
			}
		}
	}
	return res, nil
}

// FactorValueLevelsRule warns when a bioassay carries a categorical factor
// value that its experiment does not declare, or names an unknown factor.
func FactorValueLevelsRule() domain.Rule { return factorLevelsRule{} }

type factorLevelsRule struct{}

func (factorLevelsRule) Name() string { return "factor_value_levels" }

func (r factorLevelsRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityBioAssay {
			continue
		}
		ba, ok := change.After.(domain.BioAssay)
		if !ok {
			continue
		}
		ee, ok := view.FindExperiment(ba.ExperimentID)
		if !ok {
			continue
		}
		names := make([]string, 0, len(ba.FactorValues))
		for name := range ba.FactorValues {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			value := ba.FactorValues[name]
			factor, ok := ee.Factor(name)
			switch {
			case !ok:
				res.Violations = append(res.Violations, r.violation(ba, fmt.Sprintf("factor %q is not declared by experiment %s", name, ee.ShortName)))
			case factor.Type == domain.FactorCategorical && len(factor.Levels) > 0 && !factor.HasLevel(value):
				res.Violations = append(res.Violations, r.violation(ba, fmt.Sprintf("value %q is not a level of factor %q", value, name)))
			}
		}
	}
	return res, nil
}

func (r factorLevelsRule) violation(ba domain.BioAssay, msg string) domain.Violation {
	return domain.Violation{Rule: r.Name(), Severity: domain.SeverityWarn, Message: msg, Entity: domain.EntityBioAssay, EntityID: ba.ID}
}

// TroubledPlatformPropagationRule warns when an experiment is created or
// updated while one of its array designs is marked troubled.
func TroubledPlatformPropagationRule() domain.Rule { return troubledPlatformRule{} }

type troubledPlatformRule struct{}

func (troubledPlatformRule) Name() string { return "troubled_platform_propagation" }

func (r troubledPlatformRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityExperiment {
			continue
		}
		ee, ok := change.After.(domain.ExpressionExperiment)
		if !ok {
			continue
		}
		for _, adID := range ee.ArrayDesignIDs {
			ad, ok := view.FindArrayDesign(adID)
			if !ok || !ad.Curation.Troubled {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityWarn,
				Message:  fmt.Sprintf("experiment %s uses troubled array design %s: %s", ee.ShortName, ad.ShortName, ad.Curation.TroubleReason),
				Entity:   domain.EntityExperiment,
				EntityID: ee.ID,
			})
		}
	}
	return res, nil
}
