// Package memory provides an in-memory implementation of the core persistence
// store used for tests, ephemeral environments, and as the transactional engine
// behind the snapshotting sqlite and postgres stores.
package memory

import (
	"exprcore/pkg/domain"
	"sort"
	"strings"
)

type (
	// ArrayDesign aliases domain.ArrayDesign for in-memory persistence operations.
	ArrayDesign = domain.ArrayDesign
	// Experiment aliases domain.ExpressionExperiment.
	Experiment = domain.ExpressionExperiment
	// BioAssay aliases domain.BioAssay.
	BioAssay = domain.BioAssay
	// Gene aliases domain.Gene.
	Gene = domain.Gene
	// Protocol aliases domain.Protocol.
	Protocol = domain.Protocol
	// Phenotype aliases domain.PhenotypeAssociation.
	Phenotype = domain.PhenotypeAssociation
	// Analysis aliases domain.Analysis.
	Analysis = domain.Analysis
	// AuditEvent aliases domain.AuditEvent.
	AuditEvent = domain.AuditEvent
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	arrayDesigns map[string]ArrayDesign
	experiments  map[string]Experiment
	bioassays    map[string]BioAssay
	genes        map[string]Gene
	protocols    map[string]Protocol
	phenotypes   map[string]Phenotype
	analyses     map[string]Analysis
	audit        []AuditEvent
}

// Snapshot captures a point-in-time clone of the store state. Each field maps
// to one persistence bucket in the snapshotting stores.
type Snapshot struct {
	ArrayDesigns map[string]ArrayDesign `json:"array_designs"`
	Experiments  map[string]Experiment  `json:"experiments"`
	BioAssays    map[string]BioAssay    `json:"bioassays"`
	Genes        map[string]Gene        `json:"genes"`
	Protocols    map[string]Protocol    `json:"protocols"`
	Phenotypes   map[string]Phenotype   `json:"phenotypes"`
	Analyses     map[string]Analysis    `json:"analyses"`
	Audit        []AuditEvent           `json:"audit"`
}

func newMemoryState() memoryState {
	return memoryState{
		arrayDesigns: make(map[string]ArrayDesign),
		experiments:  make(map[string]Experiment),
		bioassays:    make(map[string]BioAssay),
		genes:        make(map[string]Gene),
		protocols:    make(map[string]Protocol),
		phenotypes:   make(map[string]Phenotype),
		analyses:     make(map[string]Analysis),
	}
}

// clone copies every map. The audit log is append-only, so the clone shares
// the backing array but is capped to force a copy on the first append.
func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.arrayDesigns {
		cloned.arrayDesigns[k] = cloneArrayDesign(v)
	}
	for k, v := range s.experiments {
		cloned.experiments[k] = cloneExperiment(v)
	}
	for k, v := range s.bioassays {
		cloned.bioassays[k] = cloneBioAssay(v)
	}
	for k, v := range s.genes {
		cloned.genes[k] = v
	}
	for k, v := range s.protocols {
		cloned.protocols[k] = v
	}
	for k, v := range s.phenotypes {
		cloned.phenotypes[k] = clonePhenotype(v)
	}
	for k, v := range s.analyses {
		cloned.analyses[k] = cloneAnalysis(v)
	}
	cloned.audit = s.audit[:len(s.audit):len(s.audit)]
	return cloned
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	c := state.clone()
	return Snapshot{
		ArrayDesigns: c.arrayDesigns,
		Experiments:  c.experiments,
		BioAssays:    c.bioassays,
		Genes:        c.genes,
		Protocols:    c.protocols,
		Phenotypes:   c.phenotypes,
		Analyses:     c.analyses,
		Audit:        append([]AuditEvent(nil), c.audit...),
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := memoryState{
		arrayDesigns: s.ArrayDesigns,
		experiments:  s.Experiments,
		bioassays:    s.BioAssays,
		genes:        s.Genes,
		protocols:    s.Protocols,
		phenotypes:   s.Phenotypes,
		analyses:     s.Analyses,
		audit:        append([]AuditEvent(nil), s.Audit...),
	}
	return state.clone()
}

// migrateSnapshot fills missing buckets and drops records whose required
// references no longer resolve, so a partially written snapshot still loads.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.ArrayDesigns == nil {
		snapshot.ArrayDesigns = map[string]ArrayDesign{}
	}
	if snapshot.Experiments == nil {
		snapshot.Experiments = map[string]Experiment{}
	}
	if snapshot.BioAssays == nil {
		snapshot.BioAssays = map[string]BioAssay{}
	}
	if snapshot.Genes == nil {
		snapshot.Genes = map[string]Gene{}
	}
	if snapshot.Protocols == nil {
		snapshot.Protocols = map[string]Protocol{}
	}
	if snapshot.Phenotypes == nil {
		snapshot.Phenotypes = map[string]Phenotype{}
	}
	if snapshot.Analyses == nil {
		snapshot.Analyses = map[string]Analysis{}
	}

	for id, ba := range snapshot.BioAssays {
		_, expOK := snapshot.Experiments[ba.ExperimentID]
		_, adOK := snapshot.ArrayDesigns[ba.ArrayDesignID]
		if !expOK || !adOK {
			delete(snapshot.BioAssays, id)
		}
	}
	for id, pa := range snapshot.Phenotypes {
		if _, ok := snapshot.Genes[pa.GeneID]; !ok {
			delete(snapshot.Phenotypes, id)
			continue
		}
		if pa.ExperimentID != nil {
			if _, ok := snapshot.Experiments[*pa.ExperimentID]; !ok {
				pa.ExperimentID = nil
				snapshot.Phenotypes[id] = pa
			}
		}
	}
	for id, an := range snapshot.Analyses {
		if _, ok := snapshot.Experiments[an.ExperimentID]; !ok {
			delete(snapshot.Analyses, id)
		}
	}
	for id, ee := range snapshot.Experiments {
		ee.ArrayDesignIDs, _ = filterIDs(ee.ArrayDesignIDs, func(v string) bool {
			_, ok := snapshot.ArrayDesigns[v]
			return ok
		})
		ee.ProtocolIDs, _ = filterIDs(ee.ProtocolIDs, func(v string) bool {
			_, ok := snapshot.Protocols[v]
			return ok
		})
		snapshot.Experiments[id] = ee
	}
	return snapshot
}

func cloneArrayDesign(a ArrayDesign) ArrayDesign {
	cp := a
	cp.Curation = cloneCuration(a.Curation)
	return cp
}

func cloneCuration(c domain.Curation) domain.Curation {
	cp := c
	if c.LastUpdated != nil {
		t := *c.LastUpdated
		cp.LastUpdated = &t
	}
	return cp
}

func cloneExperiment(e Experiment) Experiment {
	cp := e
	cp.ArrayDesignIDs = append([]string(nil), e.ArrayDesignIDs...)
	cp.ProtocolIDs = append([]string(nil), e.ProtocolIDs...)
	cp.BioAssayIDs = append([]string(nil), e.BioAssayIDs...)
	if e.Factors != nil {
		cp.Factors = make([]domain.ExperimentalFactor, len(e.Factors))
		for i, f := range e.Factors {
			f.Levels = append([]string(nil), f.Levels...)
			cp.Factors[i] = f
		}
	}
	cp.Curation = cloneCuration(e.Curation)
	return cp
}

func cloneBioAssay(b BioAssay) BioAssay {
	cp := b
	if b.FactorValues != nil {
		cp.FactorValues = make(map[string]string, len(b.FactorValues))
		for k, v := range b.FactorValues {
			cp.FactorValues[k] = v
		}
	}
	return cp
}

func clonePhenotype(p Phenotype) Phenotype {
	cp := p
	cp.PhenotypeURIs = append([]string(nil), p.PhenotypeURIs...)
	if p.ExperimentID != nil {
		id := *p.ExperimentID
		cp.ExperimentID = &id
	}
	return cp
}

func cloneAnalysis(a Analysis) Analysis {
	cp := a
	cp.FactorNames = append([]string(nil), a.FactorNames...)
	if a.Summary != nil {
		cp.Summary = make(map[string]any, len(a.Summary))
		for k, v := range a.Summary {
			cp.Summary[k] = v
		}
	}
	return cp
}

func containsString(values []string, id string) bool {
	for _, existing := range values {
		if existing == id {
			return true
		}
	}
	return false
}

func dedupeStrings(values []string) []string {
	if len(values) <= 1 {
		return append([]string(nil), values...)
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func filterIDs(values []string, exists func(string) bool) ([]string, bool) {
	if len(values) == 0 {
		return values, false
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	changed := false
	for _, v := range values {
		if _, ok := seen[v]; ok {
			changed = true
			continue
		}
		seen[v] = struct{}{}
		if !exists(v) {
			changed = true
			continue
		}
		out = append(out, v)
	}
	if !changed {
		return values, false
	}
	return out, true
}

func experimentBioAssayIDs(state *memoryState, experimentID string) []string {
	var ids []string
	for _, ba := range state.bioassays {
		if ba.ExperimentID == experimentID {
			ids = append(ids, ba.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func decorateExperiment(state *memoryState, e Experiment) Experiment {
	e.BioAssayIDs = experimentBioAssayIDs(state, e.ID)
	return e
}

func sameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

type byCreated interface {
	ArrayDesign | Experiment | BioAssay | Gene | Protocol | Phenotype | Analysis
}

func sortRecords[T byCreated](records []T, base func(T) domain.Base) {
	sort.Slice(records, func(i, j int) bool {
		bi, bj := base(records[i]), base(records[j])
		if !bi.CreatedAt.Equal(bj.CreatedAt) {
			return bi.CreatedAt.Before(bj.CreatedAt)
		}
		return bi.ID < bj.ID
	})
}
