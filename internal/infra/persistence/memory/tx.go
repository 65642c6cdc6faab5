package memory

import (
	"exprcore/pkg/domain"
	"strings"
	"time"
)

// transaction represents a mutation set applied to a cloned store state.
type transaction struct {
	store     *Store
	state     memoryState
	changes   []Change
	events    []AuditEvent
	now       time.Time
	performer string
}

func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// SetPerformer sets the actor recorded on audit events for the remainder of the transaction.
func (tx *transaction) SetPerformer(performer string) {
	tx.performer = performer
}

func (tx *transaction) recordChange(change Change, id string) {
	tx.changes = append(tx.changes, change)
	tx.events = append(tx.events, AuditEvent{
		ID:         tx.store.idFn(),
		EntityType: change.Entity,
		EntityID:   id,
		Action:     change.Action,
		Performer:  tx.performer,
		OccurredAt: tx.now,
	})
}

// RecordCuration appends a curate event carrying the curator's note.
func (tx *transaction) RecordCuration(entity domain.EntityType, id, note string) {
	tx.events = append(tx.events, AuditEvent{
		ID:         tx.store.idFn(),
		EntityType: entity,
		EntityID:   id,
		Action:     domain.ActionCurate,
		Performer:  tx.performer,
		Note:       note,
		OccurredAt: tx.now,
	})
}

func (tx *transaction) stamp(b *domain.Base) {
	if b.ID == "" {
		b.ID = tx.store.idFn()
	}
	b.CreatedAt = tx.now
	b.UpdatedAt = tx.now
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return domain.ValidationError{Field: field, Message: "must not be empty"}
	}
	return nil
}

// Array designs.

func (tx *transaction) validateArrayDesign(a *ArrayDesign) error {
	if err := required("short_name", a.ShortName); err != nil {
		return err
	}
	a.ShortName = strings.TrimSpace(a.ShortName)
	if a.Technology == "" {
		a.Technology = domain.TechnologyGeneric
	}
	if !a.Technology.Valid() {
		return domain.ValidationError{Field: "technology", Message: "unknown technology " + string(a.Technology)}
	}
	for _, other := range tx.state.arrayDesigns {
		if other.ID != a.ID && sameName(other.ShortName, a.ShortName) {
			return domain.DuplicateError{Entity: domain.EntityArrayDesign, Field: "short_name", Value: a.ShortName}
		}
	}
	return nil
}

func (tx *transaction) CreateArrayDesign(a ArrayDesign) (ArrayDesign, error) {
	tx.stamp(&a.Base)
	if _, exists := tx.state.arrayDesigns[a.ID]; exists {
		return ArrayDesign{}, domain.DuplicateError{Entity: domain.EntityArrayDesign, Field: "id", Value: a.ID}
	}
	if err := tx.validateArrayDesign(&a); err != nil {
		return ArrayDesign{}, err
	}
	tx.state.arrayDesigns[a.ID] = cloneArrayDesign(a)
	tx.recordChange(Change{Entity: domain.EntityArrayDesign, Action: domain.ActionCreate, After: cloneArrayDesign(a)}, a.ID)
	return cloneArrayDesign(a), nil
}

func (tx *transaction) UpdateArrayDesign(id string, mutator func(*ArrayDesign) error) (ArrayDesign, error) {
	current, ok := tx.state.arrayDesigns[id]
	if !ok {
		return ArrayDesign{}, domain.NotFoundError{Entity: domain.EntityArrayDesign, ID: id}
	}
	before := cloneArrayDesign(current)
	if err := mutator(&current); err != nil {
		return ArrayDesign{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	if err := tx.validateArrayDesign(&current); err != nil {
		return ArrayDesign{}, err
	}
	tx.state.arrayDesigns[id] = cloneArrayDesign(current)
	tx.recordChange(Change{Entity: domain.EntityArrayDesign, Action: domain.ActionUpdate, Before: before, After: cloneArrayDesign(current)}, id)
	return cloneArrayDesign(current), nil
}

func (tx *transaction) DeleteArrayDesign(id string) error {
	current, ok := tx.state.arrayDesigns[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityArrayDesign, ID: id}
	}
	for _, ee := range tx.state.experiments {
		if containsString(ee.ArrayDesignIDs, id) {
			return domain.ReferencedError{Entity: domain.EntityArrayDesign, ID: id, ReferencedBy: domain.EntityExperiment, ReferrerID: ee.ID}
		}
	}
	for _, ba := range tx.state.bioassays {
		if ba.ArrayDesignID == id {
			return domain.ReferencedError{Entity: domain.EntityArrayDesign, ID: id, ReferencedBy: domain.EntityBioAssay, ReferrerID: ba.ID}
		}
	}
	delete(tx.state.arrayDesigns, id)
	tx.recordChange(Change{Entity: domain.EntityArrayDesign, Action: domain.ActionDelete, Before: cloneArrayDesign(current)}, id)
	return nil
}

// FindOrCreateArrayDesign returns the design with a matching short name or creates it.
func (tx *transaction) FindOrCreateArrayDesign(a ArrayDesign) (ArrayDesign, bool, error) {
	if existing, ok := tx.Snapshot().FindArrayDesignByShortName(a.ShortName); ok {
		return existing, false, nil
	}
	created, err := tx.CreateArrayDesign(a)
	return created, err == nil, err
}

// Expression experiments.

func (tx *transaction) validateExperiment(e *Experiment) error {
	if err := required("short_name", e.ShortName); err != nil {
		return err
	}
	e.ShortName = strings.TrimSpace(e.ShortName)
	for _, other := range tx.state.experiments {
		if other.ID != e.ID && sameName(other.ShortName, e.ShortName) {
			return domain.DuplicateError{Entity: domain.EntityExperiment, Field: "short_name", Value: e.ShortName}
		}
	}
	e.ArrayDesignIDs = dedupeStrings(e.ArrayDesignIDs)
	for _, adID := range e.ArrayDesignIDs {
		if _, ok := tx.state.arrayDesigns[adID]; !ok {
			return domain.NotFoundError{Entity: domain.EntityArrayDesign, ID: adID}
		}
	}
	e.ProtocolIDs = dedupeStrings(e.ProtocolIDs)
	for _, pID := range e.ProtocolIDs {
		if _, ok := tx.state.protocols[pID]; !ok {
			return domain.NotFoundError{Entity: domain.EntityProtocol, ID: pID}
		}
	}
	names := make(map[string]struct{}, len(e.Factors))
	for i := range e.Factors {
		f := &e.Factors[i]
		if err := required("factors.name", f.Name); err != nil {
			return err
		}
		if _, dup := names[f.Name]; dup {
			return domain.DuplicateError{Entity: domain.EntityExperiment, Field: "factor", Value: f.Name}
		}
		names[f.Name] = struct{}{}
		if f.Type == "" {
			f.Type = domain.FactorCategorical
		}
		if f.Type != domain.FactorCategorical && f.Type != domain.FactorContinuous {
			return domain.ValidationError{Field: "factors.type", Message: "unknown factor type " + string(f.Type)}
		}
		if f.ID == "" {
			f.ID = tx.store.idFn()
		}
		f.Levels = dedupeStrings(f.Levels)
	}
	e.BioAssayIDs = nil
	return nil
}

func (tx *transaction) CreateExperiment(e Experiment) (Experiment, error) {
	tx.stamp(&e.Base)
	if _, exists := tx.state.experiments[e.ID]; exists {
		return Experiment{}, domain.DuplicateError{Entity: domain.EntityExperiment, Field: "id", Value: e.ID}
	}
	if err := tx.validateExperiment(&e); err != nil {
		return Experiment{}, err
	}
	tx.state.experiments[e.ID] = cloneExperiment(e)
	out := decorateExperiment(&tx.state, cloneExperiment(e))
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionCreate, After: out}, e.ID)
	return out, nil
}

func (tx *transaction) UpdateExperiment(id string, mutator func(*Experiment) error) (Experiment, error) {
	current, ok := tx.state.experiments[id]
	if !ok {
		return Experiment{}, domain.NotFoundError{Entity: domain.EntityExperiment, ID: id}
	}
	before := decorateExperiment(&tx.state, cloneExperiment(current))
	if err := mutator(&current); err != nil {
		return Experiment{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	if err := tx.validateExperiment(&current); err != nil {
		return Experiment{}, err
	}
	tx.state.experiments[id] = cloneExperiment(current)
	out := decorateExperiment(&tx.state, cloneExperiment(current))
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionUpdate, Before: before, After: out}, id)
	return out, nil
}

// DeleteExperiment removes the experiment with its bioassays and analyses.
// Phenotype associations citing it keep the gene link but lose the experiment reference.
func (tx *transaction) DeleteExperiment(id string) error {
	current, ok := tx.state.experiments[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityExperiment, ID: id}
	}
	before := decorateExperiment(&tx.state, cloneExperiment(current))
	for _, baID := range before.BioAssayIDs {
		if err := tx.DeleteBioAssay(baID); err != nil {
			return err
		}
	}
	for anID, an := range tx.state.analyses {
		if an.ExperimentID == id {
			if err := tx.DeleteAnalysis(anID); err != nil {
				return err
			}
		}
	}
	for paID, pa := range tx.state.phenotypes {
		if pa.ExperimentID != nil && *pa.ExperimentID == id {
			if _, err := tx.UpdatePhenotypeAssociation(paID, func(p *Phenotype) error {
				p.ExperimentID = nil
				return nil
			}); err != nil {
				return err
			}
		}
	}
	delete(tx.state.experiments, id)
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionDelete, Before: before}, id)
	return nil
}

// Bioassays.

func (tx *transaction) validateBioAssay(b *BioAssay) error {
	if err := required("name", b.Name); err != nil {
		return err
	}
	if err := required("experiment_id", b.ExperimentID); err != nil {
		return err
	}
	if err := required("array_design_id", b.ArrayDesignID); err != nil {
		return err
	}
	if _, ok := tx.state.experiments[b.ExperimentID]; !ok {
		return domain.NotFoundError{Entity: domain.EntityExperiment, ID: b.ExperimentID}
	}
	if _, ok := tx.state.arrayDesigns[b.ArrayDesignID]; !ok {
		return domain.NotFoundError{Entity: domain.EntityArrayDesign, ID: b.ArrayDesignID}
	}
	for _, other := range tx.state.bioassays {
		if other.ID != b.ID && other.ExperimentID == b.ExperimentID && sameName(other.Name, b.Name) {
			return domain.DuplicateError{Entity: domain.EntityBioAssay, Field: "name", Value: b.Name}
		}
	}
	if b.FactorValues == nil {
		b.FactorValues = map[string]string{}
	}
	if b.SampleName == "" {
		b.SampleName = b.Name
	}
	return nil
}

func (tx *transaction) CreateBioAssay(b BioAssay) (BioAssay, error) {
	tx.stamp(&b.Base)
	if _, exists := tx.state.bioassays[b.ID]; exists {
		return BioAssay{}, domain.DuplicateError{Entity: domain.EntityBioAssay, Field: "id", Value: b.ID}
	}
	if err := tx.validateBioAssay(&b); err != nil {
		return BioAssay{}, err
	}
	tx.state.bioassays[b.ID] = cloneBioAssay(b)
	tx.recordChange(Change{Entity: domain.EntityBioAssay, Action: domain.ActionCreate, After: cloneBioAssay(b)}, b.ID)
	return cloneBioAssay(b), nil
}

func (tx *transaction) UpdateBioAssay(id string, mutator func(*BioAssay) error) (BioAssay, error) {
	current, ok := tx.state.bioassays[id]
	if !ok {
		return BioAssay{}, domain.NotFoundError{Entity: domain.EntityBioAssay, ID: id}
	}
	before := cloneBioAssay(current)
	if err := mutator(&current); err != nil {
		return BioAssay{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	if err := tx.validateBioAssay(&current); err != nil {
		return BioAssay{}, err
	}
	tx.state.bioassays[id] = cloneBioAssay(current)
	tx.recordChange(Change{Entity: domain.EntityBioAssay, Action: domain.ActionUpdate, Before: before, After: cloneBioAssay(current)}, id)
	return cloneBioAssay(current), nil
}

func (tx *transaction) DeleteBioAssay(id string) error {
	current, ok := tx.state.bioassays[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityBioAssay, ID: id}
	}
	delete(tx.state.bioassays, id)
	tx.recordChange(Change{Entity: domain.EntityBioAssay, Action: domain.ActionDelete, Before: cloneBioAssay(current)}, id)
	return nil
}

// Genes.

func (tx *transaction) validateGene(g *Gene) error {
	if err := required("official_symbol", g.OfficialSymbol); err != nil {
		return err
	}
	g.NCBIID = strings.TrimSpace(g.NCBIID)
	if g.NCBIID == "" {
		return nil
	}
	for _, other := range tx.state.genes {
		if other.ID != g.ID && other.NCBIID == g.NCBIID {
			return domain.DuplicateError{Entity: domain.EntityGene, Field: "ncbi_id", Value: g.NCBIID}
		}
	}
	return nil
}

func (tx *transaction) CreateGene(g Gene) (Gene, error) {
	tx.stamp(&g.Base)
	if _, exists := tx.state.genes[g.ID]; exists {
		return Gene{}, domain.DuplicateError{Entity: domain.EntityGene, Field: "id", Value: g.ID}
	}
	if err := tx.validateGene(&g); err != nil {
		return Gene{}, err
	}
	tx.state.genes[g.ID] = g
	tx.recordChange(Change{Entity: domain.EntityGene, Action: domain.ActionCreate, After: g}, g.ID)
	return g, nil
}

func (tx *transaction) UpdateGene(id string, mutator func(*Gene) error) (Gene, error) {
	current, ok := tx.state.genes[id]
	if !ok {
		return Gene{}, domain.NotFoundError{Entity: domain.EntityGene, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return Gene{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	if err := tx.validateGene(&current); err != nil {
		return Gene{}, err
	}
	tx.state.genes[id] = current
	tx.recordChange(Change{Entity: domain.EntityGene, Action: domain.ActionUpdate, Before: before, After: current}, id)
	return current, nil
}

func (tx *transaction) DeleteGene(id string) error {
	current, ok := tx.state.genes[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityGene, ID: id}
	}
	for _, pa := range tx.state.phenotypes {
		if pa.GeneID == id {
			return domain.ReferencedError{Entity: domain.EntityGene, ID: id, ReferencedBy: domain.EntityPhenotype, ReferrerID: pa.ID}
		}
	}
	delete(tx.state.genes, id)
	tx.recordChange(Change{Entity: domain.EntityGene, Action: domain.ActionDelete, Before: current}, id)
	return nil
}

// FindOrCreateGene matches on NCBI id when present, otherwise on symbol and taxon.
func (tx *transaction) FindOrCreateGene(g Gene) (Gene, bool, error) {
	for _, existing := range tx.state.genes {
		if g.NCBIID != "" {
			if existing.NCBIID == strings.TrimSpace(g.NCBIID) {
				return existing, false, nil
			}
			continue
		}
		if sameName(existing.OfficialSymbol, g.OfficialSymbol) && sameName(existing.Taxon, g.Taxon) {
			return existing, false, nil
		}
	}
	created, err := tx.CreateGene(g)
	return created, err == nil, err
}

// Protocols.

func (tx *transaction) validateProtocol(p *Protocol) error {
	if err := required("name", p.Name); err != nil {
		return err
	}
	p.Name = strings.TrimSpace(p.Name)
	for _, other := range tx.state.protocols {
		if other.ID != p.ID && sameName(other.Name, p.Name) {
			return domain.DuplicateError{Entity: domain.EntityProtocol, Field: "name", Value: p.Name}
		}
	}
	return nil
}

func (tx *transaction) CreateProtocol(p Protocol) (Protocol, error) {
	tx.stamp(&p.Base)
	if _, exists := tx.state.protocols[p.ID]; exists {
		return Protocol{}, domain.DuplicateError{Entity: domain.EntityProtocol, Field: "id", Value: p.ID}
	}
	if err := tx.validateProtocol(&p); err != nil {
		return Protocol{}, err
	}
	tx.state.protocols[p.ID] = p
	tx.recordChange(Change{Entity: domain.EntityProtocol, Action: domain.ActionCreate, After: p}, p.ID)
	return p, nil
}

func (tx *transaction) UpdateProtocol(id string, mutator func(*Protocol) error) (Protocol, error) {
	current, ok := tx.state.protocols[id]
	if !ok {
		return Protocol{}, domain.NotFoundError{Entity: domain.EntityProtocol, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return Protocol{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	if err := tx.validateProtocol(&current); err != nil {
		return Protocol{}, err
	}
	tx.state.protocols[id] = current
	tx.recordChange(Change{Entity: domain.EntityProtocol, Action: domain.ActionUpdate, Before: before, After: current}, id)
	return current, nil
}

func (tx *transaction) DeleteProtocol(id string) error {
	current, ok := tx.state.protocols[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityProtocol, ID: id}
	}
	for _, ee := range tx.state.experiments {
		if containsString(ee.ProtocolIDs, id) {
			return domain.ReferencedError{Entity: domain.EntityProtocol, ID: id, ReferencedBy: domain.EntityExperiment, ReferrerID: ee.ID}
		}
	}
	delete(tx.state.protocols, id)
	tx.recordChange(Change{Entity: domain.EntityProtocol, Action: domain.ActionDelete, Before: current}, id)
	return nil
}

// FindOrCreateProtocol returns the protocol with a matching name or creates it.
func (tx *transaction) FindOrCreateProtocol(p Protocol) (Protocol, bool, error) {
	for _, existing := range tx.state.protocols {
		if sameName(existing.Name, p.Name) {
			return existing, false, nil
		}
	}
	created, err := tx.CreateProtocol(p)
	return created, err == nil, err
}

// Phenotype associations.

func (tx *transaction) validatePhenotype(p *Phenotype) error {
	if err := required("gene_id", p.GeneID); err != nil {
		return err
	}
	if _, ok := tx.state.genes[p.GeneID]; !ok {
		return domain.NotFoundError{Entity: domain.EntityGene, ID: p.GeneID}
	}
	p.PhenotypeURIs = dedupeStrings(p.PhenotypeURIs)
	if len(p.PhenotypeURIs) == 0 {
		return domain.ValidationError{Field: "phenotype_uris", Message: "at least one phenotype is required"}
	}
	if p.ExperimentID != nil {
		if _, ok := tx.state.experiments[*p.ExperimentID]; !ok {
			return domain.NotFoundError{Entity: domain.EntityExperiment, ID: *p.ExperimentID}
		}
	}
	return nil
}

func (tx *transaction) CreatePhenotypeAssociation(p Phenotype) (Phenotype, error) {
	tx.stamp(&p.Base)
	if _, exists := tx.state.phenotypes[p.ID]; exists {
		return Phenotype{}, domain.DuplicateError{Entity: domain.EntityPhenotype, Field: "id", Value: p.ID}
	}
	if err := tx.validatePhenotype(&p); err != nil {
		return Phenotype{}, err
	}
	tx.state.phenotypes[p.ID] = clonePhenotype(p)
	tx.recordChange(Change{Entity: domain.EntityPhenotype, Action: domain.ActionCreate, After: clonePhenotype(p)}, p.ID)
	return clonePhenotype(p), nil
}

func (tx *transaction) UpdatePhenotypeAssociation(id string, mutator func(*Phenotype) error) (Phenotype, error) {
	current, ok := tx.state.phenotypes[id]
	if !ok {
		return Phenotype{}, domain.NotFoundError{Entity: domain.EntityPhenotype, ID: id}
	}
	before := clonePhenotype(current)
	if err := mutator(&current); err != nil {
		return Phenotype{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	if err := tx.validatePhenotype(&current); err != nil {
		return Phenotype{}, err
	}
	tx.state.phenotypes[id] = clonePhenotype(current)
	tx.recordChange(Change{Entity: domain.EntityPhenotype, Action: domain.ActionUpdate, Before: before, After: clonePhenotype(current)}, id)
	return clonePhenotype(current), nil
}

func (tx *transaction) DeletePhenotypeAssociation(id string) error {
	current, ok := tx.state.phenotypes[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityPhenotype, ID: id}
	}
	delete(tx.state.phenotypes, id)
	tx.recordChange(Change{Entity: domain.EntityPhenotype, Action: domain.ActionDelete, Before: clonePhenotype(current)}, id)
	return nil
}

// Analyses.

func (tx *transaction) CreateAnalysis(a Analysis) (Analysis, error) {
	tx.stamp(&a.Base)
	if _, exists := tx.state.analyses[a.ID]; exists {
		return Analysis{}, domain.DuplicateError{Entity: domain.EntityAnalysis, Field: "id", Value: a.ID}
	}
	if _, ok := tx.state.experiments[a.ExperimentID]; !ok {
		return Analysis{}, domain.NotFoundError{Entity: domain.EntityExperiment, ID: a.ExperimentID}
	}
	if err := required("artifact_key", a.ArtifactKey); err != nil {
		return Analysis{}, err
	}
	tx.state.analyses[a.ID] = cloneAnalysis(a)
	tx.recordChange(Change{Entity: domain.EntityAnalysis, Action: domain.ActionCreate, After: cloneAnalysis(a)}, a.ID)
	return cloneAnalysis(a), nil
}

func (tx *transaction) DeleteAnalysis(id string) error {
	current, ok := tx.state.analyses[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityAnalysis, ID: id}
	}
	delete(tx.state.analyses, id)
	tx.recordChange(Change{Entity: domain.EntityAnalysis, Action: domain.ActionDelete, Before: cloneAnalysis(current)}, id)
	return nil
}
