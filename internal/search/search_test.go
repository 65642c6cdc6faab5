package search

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"exprcore/internal/core"
	"exprcore/pkg/domain"
)

func seededService(t *testing.T) *core.Service {
	t.Helper()
	ctx := context.Background()
	svc := core.NewInMemoryService(nil)
	ad, _, err := svc.CreateArrayDesign(ctx, domain.ArrayDesign{ShortName: "GPL570", Name: "Affymetrix Human Genome U133 Plus 2.0", PrimaryTaxon: "Homo sapiens"})
	if err != nil {
		t.Fatalf("array design: %v", err)
	}
	if _, _, err := svc.CreateExperiment(ctx, domain.ExpressionExperiment{
		ShortName:      "GSE2000",
		Name:           "Liver response to fasting",
		Taxon:          "Homo sapiens",
		ArrayDesignIDs: []string{ad.ID},
		Factors:        []domain.ExperimentalFactor{{Name: "diet", Levels: []string{"fed", "fasted"}}},
	}); err != nil {
		t.Fatalf("experiment: %v", err)
	}
	if _, _, err := svc.CreateExperiment(ctx, domain.ExpressionExperiment{ShortName: "GSE2001", Name: "Brain development atlas", Taxon: "Mus musculus"}); err != nil {
		t.Fatalf("experiment: %v", err)
	}
	gene, _, err := svc.CreateGene(ctx, domain.Gene{OfficialSymbol: "PPARA", Name: "peroxisome proliferator activated receptor alpha", NCBIID: "5465", Taxon: "Homo sapiens"})
	if err != nil {
		t.Fatalf("gene: %v", err)
	}
	if _, _, err := svc.CreateProtocol(ctx, domain.Protocol{Name: "RNA extraction", Description: "Trizol extraction from liver tissue"}); err != nil {
		t.Fatalf("protocol: %v", err)
	}
	if _, _, err := svc.CreatePhenotypeAssociation(ctx, domain.PhenotypeAssociation{
		GeneID:        gene.ID,
		PhenotypeURIs: []string{"http://purl.obolibrary.org/obo/HP_0001397"},
		EvidenceCode:  "IEA",
		Description:   "Hepatic steatosis",
	}); err != nil {
		t.Fatalf("phenotype: %v", err)
	}
	return svc
}

func TestIndexRebuildAndSearch(t *testing.T) {
	svc := seededService(t)
	ix := NewIndex(svc)
	if hits := ix.Search("liver"); len(hits) != 0 {
		t.Fatalf("empty index returned hits: %+v", hits)
	}
	stats, err := ix.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if stats.Documents != 6 || stats.Terms == 0 || stats.BuiltAt.IsZero() {
		t.Fatalf("unexpected stats %+v", stats)
	}

	hits := ix.Search("Liver fasting")
	if len(hits) != 2 {
		t.Fatalf("expected experiment and protocol hits, got %+v", hits)
	}
	if hits[0].Entity != domain.EntityExperiment || hits[0].Score != 2 || hits[0].Title != "Liver response to fasting" {
		t.Fatalf("expected the experiment to rank first, got %+v", hits[0])
	}
	if hits[1].Entity != domain.EntityProtocol || hits[1].Score != 1 {
		t.Fatalf("unexpected second hit %+v", hits[1])
	}

	if hits := ix.Search("homo sapiens", domain.EntityGene); len(hits) != 1 || hits[0].Title != "PPARA" {
		t.Fatalf("type filter failed: %+v", hits)
	}
	if hits := ix.Search("hp_0001397"); len(hits) != 1 || hits[0].Entity != domain.EntityPhenotype {
		t.Fatalf("phenotype term lookup failed: %+v", hits)
	}
	if hits := ix.Search("gpl570"); len(hits) != 1 || hits[0].Entity != domain.EntityArrayDesign {
		t.Fatalf("array design lookup failed: %+v", hits)
	}
	if hits := ix.Search("fasted"); len(hits) != 1 {
		t.Fatalf("factor levels should be indexed: %+v", hits)
	}
	if hits := ix.Search("  "); len(hits) != 0 {
		t.Fatalf("blank query returned hits: %+v", hits)
	}
}

type flakySource struct {
	Source
	fail atomic.Bool
}

func (f *flakySource) ListGenes(ctx context.Context) ([]domain.Gene, error) {
	if f.fail.Load() {
		return nil, errors.New("store offline")
	}
	return f.Source.ListGenes(ctx)
}

func TestRebuildFailureKeepsGeneration(t *testing.T) {
	src := &flakySource{Source: seededService(t)}
	ix := NewIndex(src)
	if _, err := ix.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	src.fail.Store(true)
	if _, err := ix.Rebuild(context.Background()); err == nil {
		t.Fatalf("expected rebuild failure")
	}
	if ix.Stats().Documents != 6 || len(ix.Search("ppara")) != 1 {
		t.Fatalf("previous generation should remain searchable")
	}
}

type blockingSource struct {
	Source
	calls   atomic.Int32
	release chan struct{}
}

func (b *blockingSource) ListExperiments(ctx context.Context) ([]domain.ExpressionExperiment, error) {
	b.calls.Add(1)
	<-b.release
	return b.Source.ListExperiments(ctx)
}

func TestTriggerCoalescesConcurrentRequests(t *testing.T) {
	src := &blockingSource{Source: seededService(t), release: make(chan struct{})}
	s, err := NewScheduler(NewIndex(src), "")
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	if !s.Trigger() {
		t.Fatalf("first trigger should start a rebuild")
	}
	if s.Trigger() || s.Trigger() {
		t.Fatalf("triggers during a rebuild should be coalesced")
	}
	close(src.release)
	s.Wait()
	if got := src.calls.Load(); got != 2 {
		t.Fatalf("expected one follow-up rebuild, got %d rebuilds", got)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSchedulerRunsOnSchedule(t *testing.T) {
	ix := NewIndex(seededService(t))
	s, err := NewScheduler(ix, "@every 1s")
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()
	deadline := time.Now().Add(5 * time.Second)
	for ix.Stats().BuiltAt.IsZero() {
		if time.Now().After(deadline) {
			t.Fatalf("scheduled rebuild did not run")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	if _, err := NewScheduler(NewIndex(seededService(t)), "every tuesday"); err == nil {
		t.Fatalf("expected invalid cron spec to fail")
	}
}

func TestTriggerAfterStopIsRefused(t *testing.T) {
	src := &blockingSource{Source: seededService(t), release: make(chan struct{})}
	close(src.release)
	s, err := NewScheduler(NewIndex(src), "")
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Trigger() {
		t.Fatalf("expected a stopped scheduler to refuse rebuilds")
	}
	s.Wait()
	if got := src.calls.Load(); got != 0 {
		t.Fatalf("expected no rebuild after stop, got %d", got)
	}
}
