package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	SetPerformer(performer string)

	CreateArrayDesign(ArrayDesign) (ArrayDesign, error)
	UpdateArrayDesign(id string, mutator func(*ArrayDesign) error) (ArrayDesign, error)
	DeleteArrayDesign(id string) error
	FindOrCreateArrayDesign(ArrayDesign) (ArrayDesign, bool, error)

	CreateExperiment(ExpressionExperiment) (ExpressionExperiment, error)
	UpdateExperiment(id string, mutator func(*ExpressionExperiment) error) (ExpressionExperiment, error)
	DeleteExperiment(id string) error

	CreateBioAssay(BioAssay) (BioAssay, error)
	UpdateBioAssay(id string, mutator func(*BioAssay) error) (BioAssay, error)
	DeleteBioAssay(id string) error

	CreateGene(Gene) (Gene, error)
	UpdateGene(id string, mutator func(*Gene) error) (Gene, error)
	DeleteGene(id string) error
	FindOrCreateGene(Gene) (Gene, bool, error)

	CreateProtocol(Protocol) (Protocol, error)
	UpdateProtocol(id string, mutator func(*Protocol) error) (Protocol, error)
	DeleteProtocol(id string) error
	FindOrCreateProtocol(Protocol) (Protocol, bool, error)

	CreatePhenotypeAssociation(PhenotypeAssociation) (PhenotypeAssociation, error)
	UpdatePhenotypeAssociation(id string, mutator func(*PhenotypeAssociation) error) (PhenotypeAssociation, error)
	DeletePhenotypeAssociation(id string) error

	CreateAnalysis(Analysis) (Analysis, error)
	DeleteAnalysis(id string) error

	// RecordCuration appends a curate audit event for the entity.
	RecordCuration(entity EntityType, id, note string)
}

// TransactionView provides read-only access to snapshot data for rules and readers.
type TransactionView interface {
	ListArrayDesigns() []ArrayDesign
	FindArrayDesign(id string) (ArrayDesign, bool)
	FindArrayDesignByShortName(shortName string) (ArrayDesign, bool)
	ListExperiments() []ExpressionExperiment
	FindExperiment(id string) (ExpressionExperiment, bool)
	FindExperimentByShortName(shortName string) (ExpressionExperiment, bool)
	ListBioAssays() []BioAssay
	ListBioAssaysForExperiment(experimentID string) []BioAssay
	FindBioAssay(id string) (BioAssay, bool)
	ListGenes() []Gene
	FindGene(id string) (Gene, bool)
	ListProtocols() []Protocol
	FindProtocol(id string) (Protocol, bool)
	ListPhenotypeAssociations() []PhenotypeAssociation
	FindPhenotypeAssociation(id string) (PhenotypeAssociation, bool)
	ListAnalyses(experimentID string) []Analysis
	FindAnalysis(id string) (Analysis, bool)
	ListAuditEvents(entity EntityType, id string) []AuditEvent
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
