package core

import (
	"context"
	"fmt"

	"exprcore/pkg/domain"
)

type curated struct {
	id       string
	curation domain.Curation
}

func (c curated) Identity() string { return c.id }

// Curate applies a curation transition to an experiment or array design and
// records a curate audit event carrying note.
func (s *Service) Curate(ctx context.Context, entity domain.EntityType, id string, action domain.CurationAction, note string) (domain.Curation, domain.Result, error) {
	var op string
	switch entity {
	case domain.EntityExperiment:
		op = "curate_expression_experiment"
	case domain.EntityArrayDesign:
		op = "curate_array_design"
	default:
		return domain.Curation{}, domain.Result{}, domain.ValidationError{Field: "entity", Message: fmt.Sprintf("%s is not curatable", entity)}
	}
	if !action.Valid() {
		return domain.Curation{}, domain.Result{}, domain.ValidationError{Field: "action", Message: "unknown curation action " + string(action)}
	}
	out, res, err := mutate(s, ctx, op, func(tx domain.Transaction) (curated, error) {
		at := s.clock.Now()
		var cur domain.Curation
		var err error
		switch entity {
		case domain.EntityExperiment:
			var ee domain.ExpressionExperiment
			ee, err = tx.UpdateExperiment(id, func(e *domain.ExpressionExperiment) error {
				return e.Curation.Apply(action, note, at)
			})
			cur = ee.Curation
		default:
			var ad domain.ArrayDesign
			ad, err = tx.UpdateArrayDesign(id, func(a *domain.ArrayDesign) error {
				return a.Curation.Apply(action, note, at)
			})
			cur = ad.Curation
		}
		if err != nil {
			return curated{id: id}, err
		}
		eventNote := string(action)
		if note != "" {
			eventNote += ": " + note
		}
		tx.RecordCuration(entity, id, eventNote)
		return curated{id: id, curation: cur}, nil
	})
	return out.curation, res, err
}

// MarkTroubled flags the entity as troubled with reason.
func (s *Service) MarkTroubled(ctx context.Context, entity domain.EntityType, id, reason string) (domain.Curation, error) {
	c, _, err := s.Curate(ctx, entity, id, domain.CurationMarkTroubled, reason)
	return c, err
}

// ClearTroubled removes the troubled flag.
func (s *Service) ClearTroubled(ctx context.Context, entity domain.EntityType, id, note string) (domain.Curation, error) {
	c, _, err := s.Curate(ctx, entity, id, domain.CurationClearTroubled, note)
	return c, err
}

// MarkNeedsAttention flags the entity for curator follow-up.
func (s *Service) MarkNeedsAttention(ctx context.Context, entity domain.EntityType, id, note string) (domain.Curation, error) {
	c, _, err := s.Curate(ctx, entity, id, domain.CurationMarkNeedsAttention, note)
	return c, err
}

// AuditTrail returns the committed audit events for one entity in commit order.
func (s *Service) AuditTrail(ctx context.Context, entity domain.EntityType, id string) ([]domain.AuditEvent, error) {
	var out []domain.AuditEvent
	err := s.read(ctx, "audit_trail", func(v domain.TransactionView) error {
		out = v.ListAuditEvents(entity, id)
		if len(out) == 0 && !entityKnown(v, entity, id) {
			return domain.NotFoundError{Entity: entity, ID: id}
		}
		return nil
	})
	return out, err
}

func entityKnown(v domain.TransactionView, entity domain.EntityType, id string) bool {
	var ok bool
	switch entity {
	case domain.EntityExperiment:
		_, ok = v.FindExperiment(id)
	case domain.EntityArrayDesign:
		_, ok = v.FindArrayDesign(id)
	case domain.EntityBioAssay:
		_, ok = v.FindBioAssay(id)
	case domain.EntityGene:
		_, ok = v.FindGene(id)
	case domain.EntityProtocol:
		_, ok = v.FindProtocol(id)
	case domain.EntityPhenotype:
		_, ok = v.FindPhenotypeAssociation(id)
	case domain.EntityAnalysis:
		_, ok = v.FindAnalysis(id)
	}
	return ok
}
