package memory

import (
	"context"
	"exprcore/pkg/domain"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	idFn   func() string
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the timestamp source used for created/updated fields and audit events.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithIDGenerator overrides record identifier generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.idFn = fn
		}
	}
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
		idFn:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// RunInTransaction executes fn within a transactional copy of the store state.
// Rules are evaluated over the recorded changes; blocking violations discard
// the copy. On success the audit events for the changes are appended.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	tx.state.audit = append(tx.state.audit, tx.events...)
	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(ctx context.Context, fn func(TransactionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func baseOfArrayDesign(a ArrayDesign) domain.Base { return a.Base }
func baseOfExperiment(e Experiment) domain.Base   { return e.Base }
func baseOfBioAssay(b BioAssay) domain.Base       { return b.Base }
func baseOfGene(g Gene) domain.Base               { return g.Base }
func baseOfProtocol(p Protocol) domain.Base       { return p.Base }
func baseOfPhenotype(p Phenotype) domain.Base     { return p.Base }
func baseOfAnalysis(a Analysis) domain.Base       { return a.Base }

func (v transactionView) ListArrayDesigns() []ArrayDesign {
	out := make([]ArrayDesign, 0, len(v.state.arrayDesigns))
	for _, a := range v.state.arrayDesigns {
		out = append(out, cloneArrayDesign(a))
	}
	sortRecords(out, baseOfArrayDesign)
	return out
}

func (v transactionView) FindArrayDesign(id string) (ArrayDesign, bool) {
	a, ok := v.state.arrayDesigns[id]
	if !ok {
		return ArrayDesign{}, false
	}
	return cloneArrayDesign(a), true
}

func (v transactionView) FindArrayDesignByShortName(shortName string) (ArrayDesign, bool) {
	for _, a := range v.state.arrayDesigns {
		if sameName(a.ShortName, shortName) {
			return cloneArrayDesign(a), true
		}
	}
	return ArrayDesign{}, false
}

func (v transactionView) ListExperiments() []Experiment {
	out := make([]Experiment, 0, len(v.state.experiments))
	for _, e := range v.state.experiments {
		out = append(out, decorateExperiment(v.state, cloneExperiment(e)))
	}
	sortRecords(out, baseOfExperiment)
	return out
}

func (v transactionView) FindExperiment(id string) (Experiment, bool) {
	e, ok := v.state.experiments[id]
	if !ok {
		return Experiment{}, false
	}
	return decorateExperiment(v.state, cloneExperiment(e)), true
}

func (v transactionView) FindExperimentByShortName(shortName string) (Experiment, bool) {
	for _, e := range v.state.experiments {
		if sameName(e.ShortName, shortName) {
			return decorateExperiment(v.state, cloneExperiment(e)), true
		}
	}
	return Experiment{}, false
}

func (v transactionView) ListBioAssays() []BioAssay {
	out := make([]BioAssay, 0, len(v.state.bioassays))
	for _, b := range v.state.bioassays {
		out = append(out, cloneBioAssay(b))
	}
	sortRecords(out, baseOfBioAssay)
	return out
}

func (v transactionView) ListBioAssaysForExperiment(experimentID string) []BioAssay {
	var out []BioAssay
	for _, b := range v.state.bioassays {
		if b.ExperimentID == experimentID {
			out = append(out, cloneBioAssay(b))
		}
	}
	sortRecords(out, baseOfBioAssay)
	return out
}

func (v transactionView) FindBioAssay(id string) (BioAssay, bool) {
	b, ok := v.state.bioassays[id]
	if !ok {
		return BioAssay{}, false
	}
	return cloneBioAssay(b), true
}

func (v transactionView) ListGenes() []Gene {
	out := make([]Gene, 0, len(v.state.genes))
	for _, g := range v.state.genes {
		out = append(out, g)
	}
	sortRecords(out, baseOfGene)
	return out
}

func (v transactionView) FindGene(id string) (Gene, bool) {
	g, ok := v.state.genes[id]
	return g, ok
}

func (v transactionView) ListProtocols() []Protocol {
	out := make([]Protocol, 0, len(v.state.protocols))
	for _, p := range v.state.protocols {
		out = append(out, p)
	}
	sortRecords(out, baseOfProtocol)
	return out
}

func (v transactionView) FindProtocol(id string) (Protocol, bool) {
	p, ok := v.state.protocols[id]
	return p, ok
}

func (v transactionView) ListPhenotypeAssociations() []Phenotype {
	out := make([]Phenotype, 0, len(v.state.phenotypes))
	for _, p := range v.state.phenotypes {
		out = append(out, clonePhenotype(p))
	}
	sortRecords(out, baseOfPhenotype)
	return out
}

func (v transactionView) FindPhenotypeAssociation(id string) (Phenotype, bool) {
	p, ok := v.state.phenotypes[id]
	if !ok {
		return Phenotype{}, false
	}
	return clonePhenotype(p), true
}

func (v transactionView) ListAnalyses(experimentID string) []Analysis {
	var out []Analysis
	for _, a := range v.state.analyses {
		if experimentID == "" || a.ExperimentID == experimentID {
			out = append(out, cloneAnalysis(a))
		}
	}
	sortRecords(out, baseOfAnalysis)
	return out
}

func (v transactionView) FindAnalysis(id string) (Analysis, bool) {
	a, ok := v.state.analyses[id]
	if !ok {
		return Analysis{}, false
	}
	return cloneAnalysis(a), true
}

// ListAuditEvents returns events for the entity type in commit order. An empty
// id returns every event of that type.
func (v transactionView) ListAuditEvents(entity domain.EntityType, id string) []AuditEvent {
	var out []AuditEvent
	for _, ev := range v.state.audit {
		if ev.EntityType != entity {
			continue
		}
		if id != "" && ev.EntityID != id {
			continue
		}
		out = append(out, ev)
	}
	return out
}
