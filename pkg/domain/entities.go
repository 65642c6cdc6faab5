// Package domain defines the persistent entities, curation and audit value
// types, and rule evaluation primitives used by exprcore.
package domain

import (
	"sort"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityExperiment identifies an expression experiment record.
	EntityExperiment EntityType = "expression_experiment"
	// EntityArrayDesign identifies an array design (platform) record.
	EntityArrayDesign EntityType = "array_design"
	// EntityBioAssay identifies a bioassay record.
	EntityBioAssay EntityType = "bioassay"
	// EntityGene identifies a gene record.
	EntityGene EntityType = "gene"
	// EntityProtocol identifies a protocol record.
	EntityProtocol EntityType = "protocol"
	// EntityPhenotype identifies a gene/phenotype association record.
	EntityPhenotype EntityType = "phenotype_association"
	// EntityAnalysis identifies a stored analysis result.
	EntityAnalysis EntityType = "analysis"
)

// TechnologyType enumerates array design technologies.
type TechnologyType string

// Array design technologies.
const (
	TechnologyOneColor   TechnologyType = "one_color"
	TechnologyTwoColor   TechnologyType = "two_color"
	TechnologySequencing TechnologyType = "sequencing"
	TechnologyGeneric    TechnologyType = "generic"
)

// Valid reports whether t is a known technology type.
func (t TechnologyType) Valid() bool {
	switch t {
	case TechnologyOneColor, TechnologyTwoColor, TechnologySequencing, TechnologyGeneric:
		return true
	}
	return false
}

// FactorType distinguishes categorical from continuous experimental factors.
type FactorType string

// Factor types.
const (
	FactorCategorical FactorType = "categorical"
	FactorContinuous  FactorType = "continuous"
)

// AnalysisKind identifies the family of a stored analysis.
type AnalysisKind string

// Supported analysis kinds.
const (
	AnalysisSVD                    AnalysisKind = "svd"
	AnalysisDifferentialExpression AnalysisKind = "differential_expression"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity returns the record identifier.
func (b Base) Identity() string { return b.ID }

// ArrayDesign describes a measurement platform (microarray or sequencing).
type ArrayDesign struct {
	Base
	ShortName    string         `json:"short_name"`
	Name         string         `json:"name"`
	Technology   TechnologyType `json:"technology"`
	PrimaryTaxon string         `json:"primary_taxon"`
	Curation     Curation       `json:"curation"`
}

// ExperimentalFactor is a variable of the experimental design.
type ExperimentalFactor struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Type    FactorType `json:"type"`
	IsBatch bool       `json:"is_batch"`
	Levels  []string   `json:"levels,omitempty"`
}

// HasLevel reports whether value is a declared level of the factor.
func (f ExperimentalFactor) HasLevel(value string) bool {
	for _, l := range f.Levels {
		if l == value {
			return true
		}
	}
	return false
}

// ExpressionExperiment groups bioassays run on one or more platforms.
type ExpressionExperiment struct {
	Base
	ShortName      string               `json:"short_name"`
	Name           string               `json:"name"`
	Description    string               `json:"description,omitempty"`
	Accession      string               `json:"accession,omitempty"`
	Taxon          string               `json:"taxon"`
	ArrayDesignIDs []string             `json:"array_design_ids"`
	ProtocolIDs    []string             `json:"protocol_ids"`
	Factors        []ExperimentalFactor `json:"factors"`
	BioAssayIDs    []string             `json:"bioassay_ids"`
	Curation       Curation             `json:"curation"`
}

// Factor returns the factor with the given name.
func (e ExpressionExperiment) Factor(name string) (ExperimentalFactor, bool) {
	for _, f := range e.Factors {
		if f.Name == name {
			return f, true
		}
	}
	return ExperimentalFactor{}, false
}

// BioAssay is a single hybridization or sequencing run of one sample.
type BioAssay struct {
	Base
	Name          string            `json:"name"`
	ExperimentID  string            `json:"experiment_id"`
	ArrayDesignID string            `json:"array_design_id"`
	SampleName    string            `json:"sample_name"`
	Description   string            `json:"description,omitempty"`
	FactorValues  map[string]string `json:"factor_values"`
	IsOutlier     bool              `json:"is_outlier"`
}

// Gene captures the gene identity used by phenotype associations.
type Gene struct {
	Base
	OfficialSymbol string `json:"official_symbol"`
	Name           string `json:"name"`
	NCBIID         string `json:"ncbi_id,omitempty"`
	Taxon          string `json:"taxon"`
}

// Protocol describes a laboratory or analysis protocol applied to experiments.
type Protocol struct {
	Base
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PhenotypeAssociation links a gene to one or more phenotype ontology terms.
type PhenotypeAssociation struct {
	Base
	GeneID        string   `json:"gene_id"`
	PhenotypeURIs []string `json:"phenotype_uris"`
	EvidenceCode  string   `json:"evidence_code"`
	Description   string   `json:"description,omitempty"`
	ExperimentID  *string  `json:"experiment_id,omitempty"`
}

// Analysis is a persisted analysis result whose payload lives in the blob store.
type Analysis struct {
	Base
	ExperimentID string         `json:"experiment_id"`
	Kind         AnalysisKind   `json:"kind"`
	AnalysisType string         `json:"analysis_type,omitempty"`
	FactorNames  []string       `json:"factor_names,omitempty"`
	ArtifactKey  string         `json:"artifact_key"`
	Summary      map[string]any `json:"summary,omitempty"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported operations captured in the audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	// ActionCurate indicates a curation flag changed.
	ActionCurate Action = "curate"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string     `json:"rule"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message"`
	Entity   EntityType `json:"entity"`
	EntityID string     `json:"entity_id,omitempty"`
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// SortedFactorLevels returns the distinct values observed for factor across
// bioassays, sorted ascending. Bioassays without a value are skipped.
func SortedFactorLevels(assays []BioAssay, factor string) []string {
	seen := make(map[string]struct{})
	for _, a := range assays {
		if v, ok := a.FactorValues[factor]; ok && v != "" {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
