package core

import (
	"context"

	"exprcore/pkg/domain"
)

// Array designs.

// CreateArrayDesign persists a new array design.
func (s *Service) CreateArrayDesign(ctx context.Context, ad domain.ArrayDesign) (domain.ArrayDesign, domain.Result, error) {
	return mutate(s, ctx, "create_array_design", func(tx domain.Transaction) (domain.ArrayDesign, error) {
		return tx.CreateArrayDesign(ad)
	})
}

// UpdateArrayDesign mutates an array design.
func (s *Service) UpdateArrayDesign(ctx context.Context, id string, mutator func(*domain.ArrayDesign) error) (domain.ArrayDesign, domain.Result, error) {
	return mutate(s, ctx, "update_array_design", func(tx domain.Transaction) (domain.ArrayDesign, error) {
		return tx.UpdateArrayDesign(id, mutator)
	})
}

// DeleteArrayDesign removes an unreferenced array design.
func (s *Service) DeleteArrayDesign(ctx context.Context, id string) (domain.Result, error) {
	return s.remove(ctx, "delete_array_design", id, func(tx domain.Transaction) error {
		return tx.DeleteArrayDesign(id)
	})
}

// FindOrCreateArrayDesign returns the design with ad's short name, creating it when absent.
func (s *Service) FindOrCreateArrayDesign(ctx context.Context, ad domain.ArrayDesign) (domain.ArrayDesign, bool, error) {
	var created bool
	out, _, err := mutate(s, ctx, "find_or_create_array_design", func(tx domain.Transaction) (domain.ArrayDesign, error) {
		found, c, err := tx.FindOrCreateArrayDesign(ad)
		created = c
		return found, err
	})
	return out, created, err
}

// GetArrayDesign returns the array design with id.
func (s *Service) GetArrayDesign(ctx context.Context, id string) (domain.ArrayDesign, error) {
	return find(s, ctx, "get_array_design", domain.EntityArrayDesign, id, func(v domain.TransactionView) (domain.ArrayDesign, bool) {
		return v.FindArrayDesign(id)
	})
}

// GetArrayDesignByShortName looks an array design up by its unique short name.
func (s *Service) GetArrayDesignByShortName(ctx context.Context, shortName string) (domain.ArrayDesign, error) {
	return find(s, ctx, "get_array_design", domain.EntityArrayDesign, shortName, func(v domain.TransactionView) (domain.ArrayDesign, bool) {
		return v.FindArrayDesignByShortName(shortName)
	})
}

// ListArrayDesigns returns all array designs in creation order.
func (s *Service) ListArrayDesigns(ctx context.Context) ([]domain.ArrayDesign, error) {
	return list(s, ctx, "list_array_designs", domain.TransactionView.ListArrayDesigns)
}

// Expression experiments.

// CreateExperiment persists a new expression experiment.
func (s *Service) CreateExperiment(ctx context.Context, ee domain.ExpressionExperiment) (domain.ExpressionExperiment, domain.Result, error) {
	return mutate(s, ctx, "create_expression_experiment", func(tx domain.Transaction) (domain.ExpressionExperiment, error) {
		return tx.CreateExperiment(ee)
	})
}

// UpdateExperiment mutates an expression experiment.
func (s *Service) UpdateExperiment(ctx context.Context, id string, mutator func(*domain.ExpressionExperiment) error) (domain.ExpressionExperiment, domain.Result, error) {
	return mutate(s, ctx, "update_expression_experiment", func(tx domain.Transaction) (domain.ExpressionExperiment, error) {
		return tx.UpdateExperiment(id, mutator)
	})
}

// DeleteExperiment removes an experiment together with its bioassays and analyses.
func (s *Service) DeleteExperiment(ctx context.Context, id string) (domain.Result, error) {
	return s.remove(ctx, "delete_expression_experiment", id, func(tx domain.Transaction) error {
		return tx.DeleteExperiment(id)
	})
}

// GetExperiment returns the experiment with id.
func (s *Service) GetExperiment(ctx context.Context, id string) (domain.ExpressionExperiment, error) {
	return find(s, ctx, "get_expression_experiment", domain.EntityExperiment, id, func(v domain.TransactionView) (domain.ExpressionExperiment, bool) {
		return v.FindExperiment(id)
	})
}

// GetExperimentByShortName looks an experiment up by its unique short name.
func (s *Service) GetExperimentByShortName(ctx context.Context, shortName string) (domain.ExpressionExperiment, error) {
	return find(s, ctx, "get_expression_experiment", domain.EntityExperiment, shortName, func(v domain.TransactionView) (domain.ExpressionExperiment, bool) {
		return v.FindExperimentByShortName(shortName)
	})
}

// ListExperiments returns all experiments in creation order.
func (s *Service) ListExperiments(ctx context.Context) ([]domain.ExpressionExperiment, error) {
	return list(s, ctx, "list_expression_experiments", domain.TransactionView.ListExperiments)
}

// Bioassays.

type bioAssayBatch []domain.BioAssay

func (b bioAssayBatch) Identity() string {
	if len(b) == 0 {
		return ""
	}
	return b[0].ExperimentID
}

// AddBioAssays creates bioassays for an experiment in one transaction. Each
// assay's ExperimentID is forced to experimentID; a single failure aborts all.
func (s *Service) AddBioAssays(ctx context.Context, experimentID string, assays []domain.BioAssay) ([]domain.BioAssay, domain.Result, error) {
	out, res, err := mutate(s, ctx, "add_bioassays", func(tx domain.Transaction) (bioAssayBatch, error) {
		if _, ok := tx.Snapshot().FindExperiment(experimentID); !ok {
			return nil, domain.NotFoundError{Entity: domain.EntityExperiment, ID: experimentID}
		}
		if len(assays) == 0 {
			return nil, domain.ValidationError{Field: "bioassays", Message: "at least one bioassay is required"}
		}
		created := make(bioAssayBatch, 0, len(assays))
		for _, a := range assays {
			a.ExperimentID = experimentID
			ba, err := tx.CreateBioAssay(a)
			if err != nil {
				return nil, err
			}
			created = append(created, ba)
		}
		return created, nil
	})
	return out, res, err
}

type experimentImport struct {
	experiment domain.ExpressionExperiment
	assays     []domain.BioAssay
}

func (i experimentImport) Identity() string { return i.experiment.ID }

// ImportExperiment creates an experiment together with its bioassays in one
// transaction, so a rejected bioassay leaves no experiment behind. A caller
// supplied ee.ID is kept, letting callers stage blobs under it beforehand.
func (s *Service) ImportExperiment(ctx context.Context, ee domain.ExpressionExperiment, assays []domain.BioAssay) (domain.ExpressionExperiment, []domain.BioAssay, domain.Result, error) {
	out, res, err := mutate(s, ctx, "import_expression_experiment", func(tx domain.Transaction) (experimentImport, error) {
		if len(assays) == 0 {
			return experimentImport{}, domain.ValidationError{Field: "bioassays", Message: "at least one bioassay is required"}
		}
		created, err := tx.CreateExperiment(ee)
		if err != nil {
			return experimentImport{}, err
		}
		added := make([]domain.BioAssay, 0, len(assays))
		for _, a := range assays {
			a.ExperimentID = created.ID
			ba, err := tx.CreateBioAssay(a)
			if err != nil {
				return experimentImport{}, err
			}
			added = append(added, ba)
		}
		if refreshed, ok := tx.Snapshot().FindExperiment(created.ID); ok {
			created = refreshed
		}
		return experimentImport{experiment: created, assays: added}, nil
	})
	return out.experiment, out.assays, res, err
}

// UpdateBioAssay mutates a bioassay.
func (s *Service) UpdateBioAssay(ctx context.Context, id string, mutator func(*domain.BioAssay) error) (domain.BioAssay, domain.Result, error) {
	return mutate(s, ctx, "update_bioassay", func(tx domain.Transaction) (domain.BioAssay, error) {
		return tx.UpdateBioAssay(id, mutator)
	})
}

// DeleteBioAssay removes a bioassay.
func (s *Service) DeleteBioAssay(ctx context.Context, id string) (domain.Result, error) {
	return s.remove(ctx, "delete_bioassay", id, func(tx domain.Transaction) error {
		return tx.DeleteBioAssay(id)
	})
}

// GetBioAssay returns the bioassay with id.
func (s *Service) GetBioAssay(ctx context.Context, id string) (domain.BioAssay, error) {
	return find(s, ctx, "get_bioassay", domain.EntityBioAssay, id, func(v domain.TransactionView) (domain.BioAssay, bool) {
		return v.FindBioAssay(id)
	})
}

// ListBioAssays returns the bioassays of an experiment.
func (s *Service) ListBioAssays(ctx context.Context, experimentID string) ([]domain.BioAssay, error) {
	var out []domain.BioAssay
	err := s.read(ctx, "list_bioassays", func(v domain.TransactionView) error {
		if _, ok := v.FindExperiment(experimentID); !ok {
			return domain.NotFoundError{Entity: domain.EntityExperiment, ID: experimentID}
		}
		out = v.ListBioAssaysForExperiment(experimentID)
		return nil
	})
	return out, err
}

// Genes.

func (s *Service) CreateGene(ctx context.Context, g domain.Gene) (domain.Gene, domain.Result, error) {
	return mutate(s, ctx, "create_gene", func(tx domain.Transaction) (domain.Gene, error) {
		return tx.CreateGene(g)
	})
}

func (s *Service) UpdateGene(ctx context.Context, id string, mutator func(*domain.Gene) error) (domain.Gene, domain.Result, error) {
	return mutate(s, ctx, "update_gene", func(tx domain.Transaction) (domain.Gene, error) {
		return tx.UpdateGene(id, mutator)
	})
}

func (s *Service) DeleteGene(ctx context.Context, id string) (domain.Result, error) {
	return s.remove(ctx, "delete_gene", id, func(tx domain.Transaction) error {
		return tx.DeleteGene(id)
	})
}

// FindOrCreateGene matches on NCBI id, or symbol and taxon when no id is given.
func (s *Service) FindOrCreateGene(ctx context.Context, g domain.Gene) (domain.Gene, bool, error) {
	var created bool
	out, _, err := mutate(s, ctx, "find_or_create_gene", func(tx domain.Transaction) (domain.Gene, error) {
		found, c, err := tx.FindOrCreateGene(g)
		created = c
		return found, err
	})
	return out, created, err
}

func (s *Service) GetGene(ctx context.Context, id string) (domain.Gene, error) {
	return find(s, ctx, "get_gene", domain.EntityGene, id, func(v domain.TransactionView) (domain.Gene, bool) {
		return v.FindGene(id)
	})
}

func (s *Service) ListGenes(ctx context.Context) ([]domain.Gene, error) {
	return list(s, ctx, "list_genes", domain.TransactionView.ListGenes)
}

// Protocols.

func (s *Service) CreateProtocol(ctx context.Context, p domain.Protocol) (domain.Protocol, domain.Result, error) {
	return mutate(s, ctx, "create_protocol", func(tx domain.Transaction) (domain.Protocol, error) {
		return tx.CreateProtocol(p)
	})
}

func (s *Service) UpdateProtocol(ctx context.Context, id string, mutator func(*domain.Protocol) error) (domain.Protocol, domain.Result, error) {
	return mutate(s, ctx, "update_protocol", func(tx domain.Transaction) (domain.Protocol, error) {
		return tx.UpdateProtocol(id, mutator)
	})
}

func (s *Service) DeleteProtocol(ctx context.Context, id string) (domain.Result, error) {
	return s.remove(ctx, "delete_protocol", id, func(tx domain.Transaction) error {
		return tx.DeleteProtocol(id)
	})
}

// FindOrCreateProtocol returns the protocol named p.Name, creating it when absent.
func (s *Service) FindOrCreateProtocol(ctx context.Context, p domain.Protocol) (domain.Protocol, bool, error) {
	var created bool
	out, _, err := mutate(s, ctx, "find_or_create_protocol", func(tx domain.Transaction) (domain.Protocol, error) {
		found, c, err := tx.FindOrCreateProtocol(p)
		created = c
		return found, err
	})
	return out, created, err
}

func (s *Service) GetProtocol(ctx context.Context, id string) (domain.Protocol, error) {
	return find(s, ctx, "get_protocol", domain.EntityProtocol, id, func(v domain.TransactionView) (domain.Protocol, bool) {
		return v.FindProtocol(id)
	})
}

func (s *Service) ListProtocols(ctx context.Context) ([]domain.Protocol, error) {
	return list(s, ctx, "list_protocols", domain.TransactionView.ListProtocols)
}

// Phenotype associations.

func (s *Service) CreatePhenotypeAssociation(ctx context.Context, p domain.PhenotypeAssociation) (domain.PhenotypeAssociation, domain.Result, error) {
	return mutate(s, ctx, "create_phenotype_association", func(tx domain.Transaction) (domain.PhenotypeAssociation, error) {
		return tx.CreatePhenotypeAssociation(p)
	})
}

func (s *Service) UpdatePhenotypeAssociation(ctx context.Context, id string, mutator func(*domain.PhenotypeAssociation) error) (domain.PhenotypeAssociation, domain.Result, error) {
	return mutate(s, ctx, "update_phenotype_association", func(tx domain.Transaction) (domain.PhenotypeAssociation, error) {
		return tx.UpdatePhenotypeAssociation(id, mutator)
	})
}

func (s *Service) DeletePhenotypeAssociation(ctx context.Context, id string) (domain.Result, error) {
	return s.remove(ctx, "delete_phenotype_association", id, func(tx domain.Transaction) error {
		return tx.DeletePhenotypeAssociation(id)
	})
}

func (s *Service) GetPhenotypeAssociation(ctx context.Context, id string) (domain.PhenotypeAssociation, error) {
	return find(s, ctx, "get_phenotype_association", domain.EntityPhenotype, id, func(v domain.TransactionView) (domain.PhenotypeAssociation, bool) {
		return v.FindPhenotypeAssociation(id)
	})
}

// ListPhenotypeAssociations returns associations, optionally restricted to one gene.
func (s *Service) ListPhenotypeAssociations(ctx context.Context, geneID string) ([]domain.PhenotypeAssociation, error) {
	all, err := list(s, ctx, "list_phenotype_associations", domain.TransactionView.ListPhenotypeAssociations)
	if err != nil || geneID == "" {
		return all, err
	}
	out := all[:0]
	for _, pa := range all {
		if pa.GeneID == geneID {
			out = append(out, pa)
		}
	}
	return out, nil
}

// Analyses.

// RecordAnalysis stores the metadata of a completed analysis whose payload already lives in the blob store.
func (s *Service) RecordAnalysis(ctx context.Context, a domain.Analysis) (domain.Analysis, error) {
	out, _, err := mutate(s, ctx, "record_analysis", func(tx domain.Transaction) (domain.Analysis, error) {
		return tx.CreateAnalysis(a)
	})
	return out, err
}

func (s *Service) DeleteAnalysis(ctx context.Context, id string) error {
	_, err := s.remove(ctx, "delete_analysis", id, func(tx domain.Transaction) error {
		return tx.DeleteAnalysis(id)
	})
	return err
}

func (s *Service) GetAnalysis(ctx context.Context, id string) (domain.Analysis, error) {
	return find(s, ctx, "get_analysis", domain.EntityAnalysis, id, func(v domain.TransactionView) (domain.Analysis, bool) {
		return v.FindAnalysis(id)
	})
}

// ListAnalyses returns the analyses recorded for an experiment.
func (s *Service) ListAnalyses(ctx context.Context, experimentID string) ([]domain.Analysis, error) {
	var out []domain.Analysis
	err := s.read(ctx, "list_analyses", func(v domain.TransactionView) error {
		if _, ok := v.FindExperiment(experimentID); !ok {
			return domain.NotFoundError{Entity: domain.EntityExperiment, ID: experimentID}
		}
		out = v.ListAnalyses(experimentID)
		return nil
	})
	return out, err
}
