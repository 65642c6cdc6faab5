package core

import (
	"context"
	"errors"
	"time"

	"exprcore/internal/infra/persistence/memory"
	"exprcore/pkg/domain"
)

// Service exposes transactional CRUD, curation and audit operations over the
// expression metadata store. Every call passes through run, which enforces the
// access policy and emits logs, metrics, a trace span and an audit entry.
type Service struct {
	store   domain.PersistentStore
	logger  Logger
	clock   Clock
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	access  AccessPolicy
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{
		store:   store,
		logger:  o.logger,
		clock:   o.clock,
		audit:   o.audit,
		metrics: o.metrics,
		tracer:  o.tracer,
		access:  o.access,
	}
}

// NewInMemoryService creates a service over a fresh in-memory store. A nil
// engine gets the default rule set.
func NewInMemoryService(engine *domain.RulesEngine, opts ...Option) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying persistent store.
func (s *Service) Store() domain.PersistentStore { return s.store }

// Logger returns the configured logger.
func (s *Service) Logger() Logger { return s.logger }

type operation struct {
	entity domain.EntityType
	action domain.Action
	level  AccessLevel
}

// operations lists every audited operation. Reads are not audited.
var operations = map[string]operation{
	"create_array_design":          {domain.EntityArrayDesign, domain.ActionCreate, AccessCurate},
	"update_array_design":          {domain.EntityArrayDesign, domain.ActionUpdate, AccessCurate},
	"delete_array_design":          {domain.EntityArrayDesign, domain.ActionDelete, AccessCurate},
	"find_or_create_array_design":  {domain.EntityArrayDesign, domain.ActionCreate, AccessCurate},
	"curate_array_design":          {domain.EntityArrayDesign, domain.ActionCurate, AccessCurate},
	"create_expression_experiment": {domain.EntityExperiment, domain.ActionCreate, AccessCurate},
	"update_expression_experiment": {domain.EntityExperiment, domain.ActionUpdate, AccessCurate},
	"delete_expression_experiment": {domain.EntityExperiment, domain.ActionDelete, AccessAdmin},
	"curate_expression_experiment": {domain.EntityExperiment, domain.ActionCurate, AccessCurate},
	"import_expression_experiment": {domain.EntityExperiment, domain.ActionCreate, AccessCurate},
	"add_bioassays":                {domain.EntityBioAssay, domain.ActionCreate, AccessCurate},
	"update_bioassay":              {domain.EntityBioAssay, domain.ActionUpdate, AccessCurate},
	"delete_bioassay":              {domain.EntityBioAssay, domain.ActionDelete, AccessCurate},
	"create_gene":                  {domain.EntityGene, domain.ActionCreate, AccessCurate},
	"update_gene":                  {domain.EntityGene, domain.ActionUpdate, AccessCurate},
	"delete_gene":                  {domain.EntityGene, domain.ActionDelete, AccessCurate},
	"find_or_create_gene":          {domain.EntityGene, domain.ActionCreate, AccessCurate},
	"create_protocol":              {domain.EntityProtocol, domain.ActionCreate, AccessCurate},
	"update_protocol":              {domain.EntityProtocol, domain.ActionUpdate, AccessCurate},
	"delete_protocol":              {domain.EntityProtocol, domain.ActionDelete, AccessCurate},
	"find_or_create_protocol":      {domain.EntityProtocol, domain.ActionCreate, AccessCurate},
	"create_phenotype_association": {domain.EntityPhenotype, domain.ActionCreate, AccessCurate},
	"update_phenotype_association": {domain.EntityPhenotype, domain.ActionUpdate, AccessCurate},
	"delete_phenotype_association": {domain.EntityPhenotype, domain.ActionDelete, AccessCurate},
	"record_analysis":              {domain.EntityAnalysis, domain.ActionCreate, AccessCurate},
	"delete_analysis":              {domain.EntityAnalysis, domain.ActionDelete, AccessCurate},
}

// run wraps fn with access control and observability. fn returns the id of the
// affected entity, which is attached to the audit entry.
func (s *Service) run(ctx context.Context, op string, level AccessLevel, fn func(ctx context.Context) (string, error)) error {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, op)
	entityID, err := s.authorizeAndRun(ctx, level, fn)
	duration := s.clock.Now().Sub(start)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)

	if err != nil {
		s.logFailure(op, entityID, err)
		s.recordAuditError(ctx, op, entityID, duration, err)
		return err
	}
	if _, audited := operations[op]; audited {
		s.logger.Info("operation succeeded", "operation", op, "entity_id", entityID, "duration", duration)
	} else {
		s.logger.Debug("operation succeeded", "operation", op, "duration", duration)
	}
	s.recordAuditSuccess(ctx, op, entityID, duration)
	return nil
}

func (s *Service) authorizeAndRun(ctx context.Context, level AccessLevel, fn func(ctx context.Context) (string, error)) (string, error) {
	if err := s.access.Check(ctx, level); err != nil {
		return "", err
	}
	return fn(ctx)
}

func (s *Service) logFailure(op, entityID string, err error) {
	switch {
	case errors.Is(err, domain.ErrAccessDenied):
		s.logger.Warn("operation denied", "operation", op)
	case domain.IsNotFound(err), domain.IsValidation(err), domain.IsConflict(err):
		s.logger.Info("operation rejected", "operation", op, "entity_id", entityID, "error", err)
	default:
		s.logger.Error("operation failed", "operation", op, "entity_id", entityID, "error", err)
	}
}

func (s *Service) recordAuditSuccess(ctx context.Context, op, entityID string, duration time.Duration) {
	s.recordAudit(ctx, op, entityID, duration, nil)
}

func (s *Service) recordAuditError(ctx context.Context, op, entityID string, duration time.Duration, err error) {
	s.recordAudit(ctx, op, entityID, duration, err)
}

func (s *Service) recordAudit(ctx context.Context, op, entityID string, duration time.Duration, err error) {
	meta, ok := operations[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Performer: performer(ctx),
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}

func performer(ctx context.Context) string {
	if p, ok := PrincipalFromContext(ctx); ok {
		return p.Subject
	}
	return ""
}

type identified interface {
	Identity() string
}

// mutate runs fn inside a store transaction under the named audited operation.
func mutate[T identified](s *Service, ctx context.Context, op string, fn func(tx domain.Transaction) (T, error)) (T, domain.Result, error) {
	var out T
	var res domain.Result
	level := AccessCurate
	if meta, ok := operations[op]; ok {
		level = meta.level
	}
	err := s.run(ctx, op, level, func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			tx.SetPerformer(performer(ctx))
			var txErr error
			out, txErr = fn(tx)
			return txErr
		})
		s.logViolations(op, res)
		return out.Identity(), err
	})
	return out, res, err
}

// remove runs a delete under the named audited operation.
func (s *Service) remove(ctx context.Context, op, id string, fn func(tx domain.Transaction) error) (domain.Result, error) {
	var res domain.Result
	err := s.run(ctx, op, operations[op].level, func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			tx.SetPerformer(performer(ctx))
			return fn(tx)
		})
		s.logViolations(op, res)
		return id, err
	})
	return res, err
}

// read runs fn against a store snapshot.
func (s *Service) read(ctx context.Context, op string, fn func(view domain.TransactionView) error) error {
	return s.run(ctx, op, AccessRead, func(ctx context.Context) (string, error) {
		return "", s.store.View(ctx, fn)
	})
}

func (s *Service) logViolations(op string, res domain.Result) {
	for _, v := range res.Violations {
		s.logger.Warn("rule violation", "operation", op, "rule", v.Rule, "severity", string(v.Severity), "entity_id", v.EntityID, "message", v.Message)
	}
}

// find reads a single record, mapping a miss to NotFoundError.
func find[T any](s *Service, ctx context.Context, op string, entity domain.EntityType, id string, lookup func(domain.TransactionView) (T, bool)) (T, error) {
	var out T
	err := s.read(ctx, op, func(view domain.TransactionView) error {
		var ok bool
		out, ok = lookup(view)
		if !ok {
			return domain.NotFoundError{Entity: entity, ID: id}
		}
		return nil
	})
	return out, err
}

// list reads a collection.
func list[T any](s *Service, ctx context.Context, op string, lookup func(domain.TransactionView) []T) ([]T, error) {
	var out []T
	err := s.read(ctx, op, func(view domain.TransactionView) error {
		out = lookup(view)
		return nil
	})
	return out, err
}
