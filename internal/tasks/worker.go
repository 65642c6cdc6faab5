// Package tasks runs SVD and differential expression analyses asynchronously
// and records their results as Analysis entities.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"exprcore/internal/analysis"
	"exprcore/internal/blob"
	"exprcore/internal/core"
	"exprcore/pkg/domain"
)

// Status describes the lifecycle stage of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the task has finished.
func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

// ErrQueueFull is returned when the worker cannot accept more tasks.
var ErrQueueFull = errors.New("analysis task queue full")

// Record tracks a task request and its outcome.
type Record struct {
	ID           string              `json:"id"`
	ExperimentID string              `json:"experiment_id"`
	Kind         domain.AnalysisKind `json:"kind"`
	FactorNames  []string            `json:"factor_names,omitempty"`
	Status       Status              `json:"status"`
	Error        string              `json:"error,omitempty"`
	AnalysisID   string              `json:"analysis_id,omitempty"`
	ArtifactKey  string              `json:"artifact_key,omitempty"`
	RequestedBy  string              `json:"requested_by,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
}

func (r Record) copy() Record {
	out := r
	out.FactorNames = append([]string(nil), r.FactorNames...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Input is an enqueue request.
type Input struct {
	ExperimentID string              `json:"experiment_id"`
	Kind         domain.AnalysisKind `json:"kind"`
	FactorNames  []string            `json:"factor_names,omitempty"`
}

// Service is the subset of core.Service the worker needs.
type Service interface {
	GetExperiment(ctx context.Context, id string) (domain.ExpressionExperiment, error)
	ListBioAssays(ctx context.Context, experimentID string) ([]domain.BioAssay, error)
	RecordAnalysis(ctx context.Context, a domain.Analysis) (domain.Analysis, error)
}

// ArtifactKey is the blob key of a task's result payload.
func ArtifactKey(experimentID, taskID string) string {
	return "analyses/" + experimentID + "/" + taskID + ".json"
}

// Worker executes analysis tasks on a single background goroutine.
type Worker struct {
	svc     Service
	blobs   blob.Store
	logger  core.Logger
	audit   core.AuditRecorder
	clock   core.Clock
	options analysis.Options

	queue    chan task
	mu       sync.RWMutex
	jobs     map[string]*Record
	finished []string
	retain   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	id        string
	input     Input
	principal *core.Principal
}

// Option customises a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(l core.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithAuditRecorder records queued/running/finished transitions.
func WithAuditRecorder(r core.AuditRecorder) Option { return func(w *Worker) { w.audit = r } }

// WithClock overrides the time source.
func WithClock(c core.Clock) Option { return func(w *Worker) { w.clock = c } }

// WithAnalysisOptions tunes the statistics.
func WithAnalysisOptions(o analysis.Options) Option { return func(w *Worker) { w.options = o } }

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan task, n)
		}
	}
}

// DefaultRetention is how many finished task records a worker keeps.
const DefaultRetention = 1000

// WithRetention bounds the finished task records kept for Get; the oldest
// finished records are dropped first. Queued and running tasks are never dropped.
func WithRetention(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.retain = n
		}
	}
}

// NewWorker constructs a worker. Call Start to begin processing.
func NewWorker(svc Service, blobs blob.Store, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		svc:    svc,
		blobs:  blobs,
		logger: core.NopLogger(),
		clock:  core.ClockFunc(nil),
		queue:  make(chan task, 32),
		jobs:   make(map[string]*Record),
		retain: DefaultRetention,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins processing queued tasks.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the current task.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case t := <-w.queue:
			w.process(w.ctx, t)
		}
	}
}

func validateInput(in Input) error {
	switch in.Kind {
	case domain.AnalysisSVD, domain.AnalysisDifferentialExpression:
		return nil
	default:
		return domain.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown analysis kind %q", in.Kind)}
	}
}

// Enqueue validates the request and schedules it. The caller's principal is
// carried to the task so the result is recorded under their identity.
func (w *Worker) Enqueue(ctx context.Context, in Input) (Record, error) {
	rec, t, err := w.register(ctx, in)
	if err != nil {
		return Record{}, err
	}
	select {
	case w.queue <- t:
	default:
		w.fail(ctx, t.id, ErrQueueFull.Error())
		return Record{}, ErrQueueFull
	}
	return rec, nil
}

// Run executes a task synchronously and returns its final record.
func (w *Worker) Run(ctx context.Context, in Input) (Record, error) {
	_, t, err := w.register(ctx, in)
	if err != nil {
		return Record{}, err
	}
	w.process(ctx, t)
	rec, _ := w.Get(t.id)
	if rec.Status == StatusFailed {
		return rec, errors.New(rec.Error)
	}
	return rec, nil
}

func (w *Worker) register(ctx context.Context, in Input) (Record, task, error) {
	if err := validateInput(in); err != nil {
		return Record{}, task{}, err
	}
	if _, err := w.svc.GetExperiment(ctx, in.ExperimentID); err != nil {
		return Record{}, task{}, err
	}
	t := task{id: uuid.NewString(), input: in}
	if p, ok := core.PrincipalFromContext(ctx); ok {
		t.principal = &p
	}
	now := w.clock.Now()
	rec := Record{
		ID:           t.id,
		ExperimentID: in.ExperimentID,
		Kind:         in.Kind,
		FactorNames:  append([]string(nil), in.FactorNames...),
		Status:       StatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.principal != nil {
		rec.RequestedBy = t.principal.Subject
	}
	w.mu.Lock()
	w.jobs[t.id] = &rec
	snapshot := rec.copy()
	w.mu.Unlock()
	w.record(ctx, snapshot, nil)
	return snapshot, t, nil
}

// Get returns a snapshot of the task record.
func (w *Worker) Get(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rec, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return rec.copy(), true
}

func (w *Worker) process(ctx context.Context, t task) {
	if t.principal != nil {
		ctx = core.ContextWithPrincipal(ctx, *t.principal)
	}
	w.transition(ctx, t.id, func(r *Record) {
		now := w.clock.Now()
		r.Status = StatusRunning
		r.StartedAt = &now
	}, nil)

	an, err := w.execute(ctx, t)
	if err != nil {
		w.fail(ctx, t.id, err.Error())
		return
	}
	w.transition(ctx, t.id, func(r *Record) {
		now := w.clock.Now()
		r.Status = StatusSucceeded
		r.AnalysisID = an.ID
		r.ArtifactKey = an.ArtifactKey
		r.CompletedAt = &now
	}, nil)
	w.logger.Info("analysis task succeeded", "task_id", t.id, "experiment_id", t.input.ExperimentID, "kind", string(t.input.Kind), "analysis_id", an.ID)
}

type summarised interface {
	Summary() map[string]any
}

func (w *Worker) execute(ctx context.Context, t task) (domain.Analysis, error) {
	ee, err := w.svc.GetExperiment(ctx, t.input.ExperimentID)
	if err != nil {
		return domain.Analysis{}, err
	}
	assays, err := w.svc.ListBioAssays(ctx, ee.ID)
	if err != nil {
		return domain.Analysis{}, err
	}
	matrix, err := analysis.LoadMatrix(ctx, w.blobs, ee.ID)
	if err != nil {
		return domain.Analysis{}, err
	}
	in := analysis.Input{Experiment: ee, BioAssays: assays, Matrix: matrix}

	an := domain.Analysis{ExperimentID: ee.ID, Kind: t.input.Kind, ArtifactKey: ArtifactKey(ee.ID, t.id)}
	var result summarised
	switch t.input.Kind {
	case domain.AnalysisSVD:
		res, err := analysis.SVD(ctx, in, w.options)
		if err != nil {
			return domain.Analysis{}, err
		}
		result = res
	default:
		res, err := analysis.DifferentialExpression(ctx, in, t.input.FactorNames, w.options)
		if err != nil {
			return domain.Analysis{}, err
		}
		an.AnalysisType = string(res.AnalysisType)
		an.FactorNames = res.Factors
		result = res
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("encode %s result: %w", t.input.Kind, err)
	}
	if _, err := blob.PutBytes(ctx, w.blobs, an.ArtifactKey, payload, "application/json"); err != nil {
		return domain.Analysis{}, fmt.Errorf("store artifact: %w", err)
	}
	an.Summary = result.Summary()
	return w.svc.RecordAnalysis(ctx, an)
}

func (w *Worker) fail(ctx context.Context, id, reason string) {
	w.transition(ctx, id, func(r *Record) {
		now := w.clock.Now()
		r.Status = StatusFailed
		r.Error = reason
		r.CompletedAt = &now
	}, errors.New(reason))
	w.logger.Warn("analysis task failed", "task_id", id, "error", reason)
}

func (w *Worker) transition(ctx context.Context, id string, mutate func(*Record), cause error) {
	w.mu.Lock()
	rec, ok := w.jobs[id]
	if !ok {
		w.mu.Unlock()
		return
	}
	wasDone := rec.Status.Terminal()
	mutate(rec)
	rec.UpdatedAt = w.clock.Now()
	snapshot := rec.copy()
	if !wasDone && rec.Status.Terminal() {
		w.finished = append(w.finished, id)
		for len(w.finished) > w.retain {
			delete(w.jobs, w.finished[0])
			w.finished = w.finished[1:]
		}
	}
	w.mu.Unlock()
	w.record(ctx, snapshot, cause)
}

func (w *Worker) record(ctx context.Context, rec Record, cause error) {
	if w.audit == nil {
		return
	}
	entry := core.AuditEntry{
		Operation: "analysis_task_" + string(rec.Status),
		Entity:    domain.EntityAnalysis,
		Action:    domain.ActionCreate,
		EntityID:  rec.ID,
		Performer: rec.RequestedBy,
		Status:    core.AuditStatusSuccess,
		Timestamp: w.clock.Now(),
	}
	if cause != nil {
		entry.Status = core.AuditStatusError
		entry.Error = cause.Error()
	}
	w.audit.Record(ctx, entry)
}
