package core_test

import (
	"context"
	"errors"
	"testing"

	"exprcore/internal/core"
	"exprcore/pkg/domain"
)

type fixture struct {
	svc        *core.Service
	platform   domain.ArrayDesign
	experiment domain.ExpressionExperiment
}

func newFixture(t *testing.T, opts ...core.Option) fixture {
	t.Helper()
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine(), opts...)
	ctx := context.Background()
	ad, _, err := svc.CreateArrayDesign(ctx, domain.ArrayDesign{ShortName: "GPL96", Name: "HG-U133A", Technology: domain.TechnologyOneColor, PrimaryTaxon: "human"})
	if err != nil {
		t.Fatalf("create array design: %v", err)
	}
	ee, _, err := svc.CreateExperiment(ctx, domain.ExpressionExperiment{
		ShortName:      "GSE1000",
		Name:           "Drug response",
		Taxon:          "human",
		ArrayDesignIDs: []string{ad.ID},
		Factors: []domain.ExperimentalFactor{
			{Name: "treatment", Type: domain.FactorCategorical, Levels: []string{"control", "drug"}},
		},
	})
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	return fixture{svc: svc, platform: ad, experiment: ee}
}

func (f fixture) assay(name, treatment string) domain.BioAssay {
	return domain.BioAssay{Name: name, ArrayDesignID: f.platform.ID, FactorValues: map[string]string{"treatment": treatment}}
}

func TestAddBioAssaysAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, res, err := f.svc.AddBioAssays(ctx, f.experiment.ID, []domain.BioAssay{f.assay("s1", "control"), f.assay("s2", "drug")})
	if err != nil {
		t.Fatalf("add bioassays: %v", err)
	}
	if len(res.Violations) != 0 {
		t.Fatalf("unexpected violations: %+v", res.Violations)
	}
	if len(created) != 2 || created[0].ExperimentID != f.experiment.ID {
		t.Fatalf("unexpected created assays: %+v", created)
	}
	listed, err := f.svc.ListBioAssays(ctx, f.experiment.ID)
	if err != nil {
		t.Fatalf("list bioassays: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 bioassays, got %d", len(listed))
	}
	ee, err := f.svc.GetExperiment(ctx, f.experiment.ID)
	if err != nil {
		t.Fatalf("get experiment: %v", err)
	}
	if len(ee.BioAssayIDs) != 2 {
		t.Fatalf("expected experiment to reference 2 bioassays, got %v", ee.BioAssayIDs)
	}
}

func TestImportExperimentIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, _, err := f.svc.CreateArrayDesign(ctx, domain.ArrayDesign{ShortName: "GPL570", Name: "HG-U133 Plus 2"})
	if err != nil {
		t.Fatalf("create array design: %v", err)
	}
	ee := domain.ExpressionExperiment{
		Base:           domain.Base{ID: "staged-id"},
		ShortName:      "GSE2000",
		Name:           "Imported",
		ArrayDesignIDs: []string{f.platform.ID},
	}
	stray := domain.BioAssay{Name: "s2", ArrayDesignID: other.ID}
	_, _, _, err = f.svc.ImportExperiment(ctx, ee, []domain.BioAssay{f.assay("s1", ""), stray})
	var rv domain.RuleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("expected platform membership to block the import, got %v", err)
	}
	if _, err := f.svc.GetExperimentByShortName(ctx, "GSE2000"); !domain.IsNotFound(err) {
		t.Fatalf("expected no experiment after a blocked import, got %v", err)
	}

	created, assays, _, err := f.svc.ImportExperiment(ctx, ee, []domain.BioAssay{f.assay("s1", ""), f.assay("s2", "")})
	if err != nil {
		t.Fatalf("import experiment: %v", err)
	}
	if created.ID != "staged-id" || len(assays) != 2 || len(created.BioAssayIDs) != 2 || assays[1].ExperimentID != "staged-id" {
		t.Fatalf("unexpected import %+v %+v", created, assays)
	}
}

func TestAddBioAssaysUnknownExperiment(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.AddBioAssays(context.Background(), "missing", []domain.BioAssay{f.assay("s1", "control")})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPlatformMembershipRuleBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, _, err := f.svc.CreateArrayDesign(ctx, domain.ArrayDesign{ShortName: "GPL570"})
	if err != nil {
		t.Fatalf("create array design: %v", err)
	}
	stray := f.assay("s1", "control")
	stray.ArrayDesignID = other.ID
	_, _, err = f.svc.AddBioAssays(ctx, f.experiment.ID, []domain.BioAssay{f.assay("s0", "drug"), stray})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if !violation.Result.HasBlocking() || violation.Result.Violations[0].Rule != "bioassay_platform_membership" {
		t.Fatalf("unexpected violations: %+v", violation.Result.Violations)
	}
	listed, err := f.svc.ListBioAssays(ctx, f.experiment.ID)
	if err != nil {
		t.Fatalf("list bioassays: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected batch to be rolled back, got %d assays", len(listed))
	}
}

func TestDroppingPlatformWithAssaysBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, _, err := f.svc.AddBioAssays(ctx, f.experiment.ID, []domain.BioAssay{f.assay("s1", "control")}); err != nil {
		t.Fatalf("add bioassays: %v", err)
	}
	_, _, err := f.svc.UpdateExperiment(ctx, f.experiment.ID, func(e *domain.ExpressionExperiment) error {
		e.ArrayDesignIDs = nil
		return nil
	})
	if !domain.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestFactorValueLevelsRuleWarns(t *testing.T) {
	f := newFixture(t)
	odd := f.assay("s1", "placebo")
	odd.FactorValues["dose"] = "high"
	_, res, err := f.svc.AddBioAssays(context.Background(), f.experiment.ID, []domain.BioAssay{odd})
	if err != nil {
		t.Fatalf("warnings must not block: %v", err)
	}
	if len(res.Violations) != 2 {
		t.Fatalf("expected 2 warnings, got %+v", res.Violations)
	}
	for _, v := range res.Violations {
		if v.Rule != "factor_value_levels" || v.Severity != domain.SeverityWarn {
			t.Fatalf("unexpected violation: %+v", v)
		}
	}
}

func TestTroubledPlatformPropagationWarns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.MarkTroubled(ctx, domain.EntityArrayDesign, f.platform.ID, "bad probes"); err != nil {
		t.Fatalf("mark troubled: %v", err)
	}
	_, res, err := f.svc.UpdateExperiment(ctx, f.experiment.ID, func(e *domain.ExpressionExperiment) error {
		e.Description = "updated"
		return nil
	})
	if err != nil {
		t.Fatalf("update experiment: %v", err)
	}
	if len(res.Violations) != 1 || res.Violations[0].Rule != "troubled_platform_propagation" {
		t.Fatalf("expected troubled platform warning, got %+v", res.Violations)
	}
}

func TestCurationAndAuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.MarkTroubled(ctx, domain.EntityExperiment, f.experiment.ID, ""); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for empty reason, got %v", err)
	}
	cur, err := f.svc.MarkTroubled(ctx, domain.EntityExperiment, f.experiment.ID, "batch effect")
	if err != nil {
		t.Fatalf("mark troubled: %v", err)
	}
	if !cur.Troubled || cur.TroubleReason != "batch effect" || cur.LastUpdated == nil {
		t.Fatalf("unexpected curation: %+v", cur)
	}
	cur, err = f.svc.ClearTroubled(ctx, domain.EntityExperiment, f.experiment.ID, "")
	if err != nil {
		t.Fatalf("clear troubled: %v", err)
	}
	if cur.Troubled || cur.TroubleReason != "" {
		t.Fatalf("expected troubled flag cleared: %+v", cur)
	}

	trail, err := f.svc.AuditTrail(ctx, domain.EntityExperiment, f.experiment.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	var notes []string
	for _, ev := range trail {
		if ev.Action == domain.ActionCurate {
			notes = append(notes, ev.Note)
		}
	}
	if len(notes) != 2 || notes[0] != "mark_troubled: batch effect" || notes[1] != "clear_troubled" {
		t.Fatalf("unexpected curate notes: %v", notes)
	}
	if trail[0].Action != domain.ActionCreate {
		t.Fatalf("expected create event first, got %+v", trail[0])
	}

	if _, _, err := f.svc.Curate(ctx, domain.EntityGene, "x", domain.CurationAddNote, "n"); !domain.IsValidation(err) {
		t.Fatalf("expected genes to be rejected, got %v", err)
	}
	if _, err := f.svc.AuditTrail(ctx, domain.EntityExperiment, "missing"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found for unknown entity, got %v", err)
	}
}

func TestDeleteExperimentCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assays, _, err := f.svc.AddBioAssays(ctx, f.experiment.ID, []domain.BioAssay{f.assay("s1", "control")})
	if err != nil {
		t.Fatalf("add bioassays: %v", err)
	}
	an, err := f.svc.RecordAnalysis(ctx, domain.Analysis{ExperimentID: f.experiment.ID, Kind: domain.AnalysisSVD, ArtifactKey: "analyses/x/y.json"})
	if err != nil {
		t.Fatalf("record analysis: %v", err)
	}
	gene, _, err := f.svc.CreateGene(ctx, domain.Gene{OfficialSymbol: "TP53", NCBIID: "7157", Taxon: "human"})
	if err != nil {
		t.Fatalf("create gene: %v", err)
	}
	expID := f.experiment.ID
	pa, _, err := f.svc.CreatePhenotypeAssociation(ctx, domain.PhenotypeAssociation{GeneID: gene.ID, PhenotypeURIs: []string{"http://purl.obolibrary.org/obo/HP_0002664"}, EvidenceCode: "IEP", ExperimentID: &expID})
	if err != nil {
		t.Fatalf("create phenotype association: %v", err)
	}

	if _, err := f.svc.DeleteArrayDesign(ctx, f.platform.ID); !domain.IsConflict(err) {
		t.Fatalf("expected referenced platform delete to conflict, got %v", err)
	}
	if _, err := f.svc.DeleteExperiment(ctx, f.experiment.ID); err != nil {
		t.Fatalf("delete experiment: %v", err)
	}
	if _, err := f.svc.GetBioAssay(ctx, assays[0].ID); !domain.IsNotFound(err) {
		t.Fatalf("expected bioassay to be removed, got %v", err)
	}
	if _, err := f.svc.GetAnalysis(ctx, an.ID); !domain.IsNotFound(err) {
		t.Fatalf("expected analysis to be removed, got %v", err)
	}
	got, err := f.svc.GetPhenotypeAssociation(ctx, pa.ID)
	if err != nil {
		t.Fatalf("get phenotype association: %v", err)
	}
	if got.ExperimentID != nil {
		t.Fatalf("expected experiment reference cleared, got %v", *got.ExperimentID)
	}
	if _, err := f.svc.DeleteArrayDesign(ctx, f.platform.ID); err != nil {
		t.Fatalf("delete unreferenced platform: %v", err)
	}
}

func TestFindOrCreateIsIdempotent(t *testing.T) {
	svc := core.NewInMemoryService(nil)
	ctx := context.Background()

	first, created, err := svc.FindOrCreateArrayDesign(ctx, domain.ArrayDesign{ShortName: "GPL1"})
	if err != nil || !created {
		t.Fatalf("expected creation, got created=%v err=%v", created, err)
	}
	second, created, err := svc.FindOrCreateArrayDesign(ctx, domain.ArrayDesign{ShortName: "gpl1"})
	if err != nil || created || second.ID != first.ID {
		t.Fatalf("expected existing design, got %+v created=%v err=%v", second, created, err)
	}

	g1, _, err := svc.FindOrCreateGene(ctx, domain.Gene{OfficialSymbol: "BRCA1", NCBIID: "672", Taxon: "human"})
	if err != nil {
		t.Fatalf("find or create gene: %v", err)
	}
	g2, created, err := svc.FindOrCreateGene(ctx, domain.Gene{OfficialSymbol: "BRCA1", NCBIID: "672", Taxon: "human"})
	if err != nil || created || g2.ID != g1.ID {
		t.Fatalf("expected existing gene, got %+v created=%v err=%v", g2, created, err)
	}

	p1, _, err := svc.FindOrCreateProtocol(ctx, domain.Protocol{Name: "RMA"})
	if err != nil {
		t.Fatalf("find or create protocol: %v", err)
	}
	p2, created, err := svc.FindOrCreateProtocol(ctx, domain.Protocol{Name: "RMA"})
	if err != nil || created || p2.ID != p1.ID {
		t.Fatalf("expected existing protocol, got %+v created=%v err=%v", p2, created, err)
	}

	if _, _, err := svc.CreateArrayDesign(ctx, domain.ArrayDesign{ShortName: "GPL1"}); !domain.IsConflict(err) {
		t.Fatalf("expected duplicate short name conflict, got %v", err)
	}
}

func TestListPhenotypeAssociationsFiltersByGene(t *testing.T) {
	svc := core.NewInMemoryService(nil)
	ctx := context.Background()
	g1, _, err := svc.CreateGene(ctx, domain.Gene{OfficialSymbol: "A", Taxon: "mouse"})
	if err != nil {
		t.Fatalf("create gene: %v", err)
	}
	g2, _, err := svc.CreateGene(ctx, domain.Gene{OfficialSymbol: "B", Taxon: "mouse"})
	if err != nil {
		t.Fatalf("create gene: %v", err)
	}
	for _, g := range []domain.Gene{g1, g1, g2} {
		if _, _, err := svc.CreatePhenotypeAssociation(ctx, domain.PhenotypeAssociation{GeneID: g.ID, PhenotypeURIs: []string{"MP:0001"}}); err != nil {
			t.Fatalf("create association: %v", err)
		}
	}
	got, err := svc.ListPhenotypeAssociations(ctx, g1.ID)
	if err != nil {
		t.Fatalf("list associations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 associations for gene A, got %d", len(got))
	}
	all, err := svc.ListPhenotypeAssociations(ctx, "")
	if err != nil {
		t.Fatalf("list all associations: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 associations, got %d", len(all))
	}
}
