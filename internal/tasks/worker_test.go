package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"exprcore/internal/analysis"
	"exprcore/internal/blob"
	"exprcore/internal/core"
	"exprcore/pkg/domain"
)

type auditSink struct {
	mu      sync.Mutex
	entries []core.AuditEntry
}

func (a *auditSink) Record(_ context.Context, e core.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *auditSink) operations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Operation
	}
	return out
}

const matrixTSV = "probe\tc1\tc2\tc3\td1\td2\td3\n" +
	"up\t1.0\t1.1\t0.9\t5.0\t5.2\t4.8\n" +
	"flat\t1\t2\t3\t2\t1\t3\n" +
	"mixed\t2\t2.5\t1.5\t3\t3.1\t2.2\n"

func seed(t *testing.T, withMatrix bool) (*core.Service, blob.Store, domain.ExpressionExperiment) {
	t.Helper()
	ctx := context.Background()
	svc := core.NewInMemoryService(nil)
	blobs := blob.NewMemory()
	ad, _, err := svc.CreateArrayDesign(ctx, domain.ArrayDesign{ShortName: "GPL570"})
	if err != nil {
		t.Fatalf("create array design: %v", err)
	}
	ee, _, err := svc.CreateExperiment(ctx, domain.ExpressionExperiment{
		ShortName:      "GSE42",
		ArrayDesignIDs: []string{ad.ID},
		Factors:        []domain.ExperimentalFactor{{Name: "treatment", Levels: []string{"control", "drug"}}},
	})
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	var assays []domain.BioAssay
	for _, n := range []string{"c1", "c2", "c3"} {
		assays = append(assays, domain.BioAssay{Name: n, ArrayDesignID: ad.ID, FactorValues: map[string]string{"treatment": "control"}})
	}
	for _, n := range []string{"d1", "d2", "d3"} {
		assays = append(assays, domain.BioAssay{Name: n, ArrayDesignID: ad.ID, FactorValues: map[string]string{"treatment": "drug"}})
	}
	if _, _, err := svc.AddBioAssays(ctx, ee.ID, assays); err != nil {
		t.Fatalf("add bioassays: %v", err)
	}
	if withMatrix {
		if _, err := analysis.SaveMatrix(ctx, blobs, ee.ID, []byte(matrixTSV)); err != nil {
			t.Fatalf("save matrix: %v", err)
		}
	}
	return svc, blobs, ee
}

func waitFor(t *testing.T, w *Worker, id string) Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, ok := w.Get(id)
		if !ok {
			t.Fatalf("task %s vanished", id)
		}
		if rec.Status == StatusSucceeded || rec.Status == StatusFailed {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
	return Record{}
}

func TestWorkerRunsDifferentialExpression(t *testing.T) {
	svc, blobs, ee := seed(t, true)
	audit := &auditSink{}
	w := NewWorker(svc, blobs, WithAuditRecorder(audit))
	w.Start()
	defer func() { _ = w.Stop(context.Background()) }()

	ctx := core.ContextWithPrincipal(context.Background(), core.Principal{Subject: "curator", Roles: []string{core.RoleCurator}})
	rec, err := w.Enqueue(ctx, Input{ExperimentID: ee.ID, Kind: domain.AnalysisDifferentialExpression})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if rec.Status != StatusQueued || rec.RequestedBy != "curator" {
		t.Fatalf("unexpected queued record: %+v", rec)
	}
	done := waitFor(t, w, rec.ID)
	if done.Status != StatusSucceeded {
		t.Fatalf("task failed: %s", done.Error)
	}
	if done.StartedAt == nil || done.CompletedAt == nil || done.AnalysisID == "" {
		t.Fatalf("expected timestamps and analysis id: %+v", done)
	}
	if done.ArtifactKey != ArtifactKey(ee.ID, rec.ID) {
		t.Fatalf("unexpected artifact key %q", done.ArtifactKey)
	}

	payload, err := blob.ReadAll(context.Background(), blobs, done.ArtifactKey)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var result analysis.DEResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if result.AnalysisType != analysis.TTest || len(result.Probes) != 3 {
		t.Fatalf("unexpected artifact: %+v", result)
	}

	analyses, err := svc.ListAnalyses(context.Background(), ee.ID)
	if err != nil {
		t.Fatalf("list analyses: %v", err)
	}
	if len(analyses) != 1 || analyses[0].AnalysisType != "TTEST" || analyses[0].Kind != domain.AnalysisDifferentialExpression {
		t.Fatalf("unexpected analyses: %+v", analyses)
	}
	ops := audit.operations()
	if len(ops) != 3 || ops[0] != "analysis_task_queued" || ops[2] != "analysis_task_succeeded" {
		t.Fatalf("unexpected audit operations: %v", ops)
	}
}

func TestWorkerRunSVDSynchronously(t *testing.T) {
	svc, blobs, ee := seed(t, true)
	w := NewWorker(svc, blobs, WithAnalysisOptions(analysis.Options{Components: 2}))
	rec, err := w.Run(context.Background(), Input{ExperimentID: ee.ID, Kind: domain.AnalysisSVD})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	an, err := svc.GetAnalysis(context.Background(), rec.AnalysisID)
	if err != nil {
		t.Fatalf("get analysis: %v", err)
	}
	if an.Kind != domain.AnalysisSVD || an.Summary["probes_used"] == nil {
		t.Fatalf("unexpected analysis: %+v", an)
	}
}

func TestWorkerFailsWithoutMatrix(t *testing.T) {
	svc, blobs, ee := seed(t, false)
	w := NewWorker(svc, blobs)
	rec, err := w.Run(context.Background(), Input{ExperimentID: ee.ID, Kind: domain.AnalysisSVD})
	if err == nil {
		t.Fatalf("expected failure without expression data")
	}
	if rec.Status != StatusFailed || rec.Error != analysis.ErrNoData.Error() || rec.CompletedAt == nil {
		t.Fatalf("unexpected failed record: %+v", rec)
	}
}

func TestEnqueueValidation(t *testing.T) {
	svc, blobs, ee := seed(t, true)
	w := NewWorker(svc, blobs, WithQueueSize(1))
	ctx := context.Background()
	if _, err := w.Enqueue(ctx, Input{ExperimentID: "missing", Kind: domain.AnalysisSVD}); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := w.Enqueue(ctx, Input{ExperimentID: ee.ID, Kind: "pca"}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := w.Enqueue(ctx, Input{ExperimentID: ee.ID, Kind: domain.AnalysisSVD}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := w.Enqueue(ctx, Input{ExperimentID: ee.ID, Kind: domain.AnalysisSVD}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if _, ok := w.Get("nope"); ok {
		t.Fatalf("unexpected record for unknown id")
	}
}

func TestStopHonoursContext(t *testing.T) {
	svc, blobs, _ := seed(t, false)
	w := NewWorker(svc, blobs)
	w.Start()
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestFinishedTasksAreRetainedUpToLimit(t *testing.T) {
	svc, blobs, ee := seed(t, false)
	w := NewWorker(svc, blobs, WithRetention(2))
	ctx := context.Background()

	queued, err := w.Enqueue(ctx, Input{ExperimentID: ee.ID, Kind: domain.AnalysisSVD})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := w.Run(ctx, Input{ExperimentID: ee.ID, Kind: domain.AnalysisSVD})
		if err == nil || rec.Status != StatusFailed {
			t.Fatalf("expected run %d to fail without data, got %+v", i, rec)
		}
		ids = append(ids, rec.ID)
	}
	if _, ok := w.Get(ids[0]); ok {
		t.Fatalf("expected the oldest finished task to be dropped")
	}
	for _, id := range ids[1:] {
		if _, ok := w.Get(id); !ok {
			t.Fatalf("expected finished task %s to be kept", id)
		}
	}
	if rec, ok := w.Get(queued.ID); !ok || rec.Status != StatusQueued {
		t.Fatalf("expected the queued task to survive pruning, got %+v %v", rec, ok)
	}
}
