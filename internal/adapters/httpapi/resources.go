package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"exprcore/internal/core"
	"exprcore/pkg/domain"
)

const (
	experimentEntity  = domain.EntityExperiment
	arrayDesignEntity = domain.EntityArrayDesign
)

// resource describes the CRUD surface of one entity type.
type resource[T any] struct {
	path   string
	list   func(ctx context.Context, r *http.Request) ([]T, error)
	get    func(ctx context.Context, id string) (T, error)
	create func(ctx context.Context, v T) (T, domain.Result, error)
	update func(ctx context.Context, id string, mutator func(*T) error) (T, domain.Result, error)
	remove func(ctx context.Context, id string) (domain.Result, error)
	// merge copies the client-editable fields of in onto the stored record.
	merge func(dst *T, in T)
}

func registerResource[T any](api *mux.Router, s *Server, res resource[T]) {
	collection := "/" + res.path
	item := collection + "/{id}"

	api.HandleFunc(collection, func(w http.ResponseWriter, r *http.Request) {
		items, err := res.list(r.Context(), r)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if items == nil {
			items = []T{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": items})
	}).Methods(http.MethodGet)

	api.HandleFunc(collection, func(w http.ResponseWriter, r *http.Request) {
		var in T
		if err := decodeJSON(r, &in, false); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		// Only client-editable fields reach the store; ids and curation are server-owned.
		var fresh T
		res.merge(&fresh, in)
		out, result, err := res.create(r.Context(), fresh)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, mutationResponse{Data: out, Violations: result.Violations})
	}).Methods(http.MethodPost)

	api.HandleFunc(item, func(w http.ResponseWriter, r *http.Request) {
		out, err := res.get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": out})
	}).Methods(http.MethodGet)

	api.HandleFunc(item, func(w http.ResponseWriter, r *http.Request) {
		var in T
		if err := decodeJSON(r, &in, false); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		out, result, err := res.update(r.Context(), mux.Vars(r)["id"], func(cur *T) error {
			res.merge(cur, in)
			return nil
		})
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, mutationResponse{Data: out, Violations: result.Violations})
	}).Methods(http.MethodPut)

	api.HandleFunc(item, func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		result, err := res.remove(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, mutationResponse{Data: map[string]string{"deleted": id}, Violations: result.Violations})
	}).Methods(http.MethodDelete)
}

func listAll[T any](fn func(context.Context) ([]T, error)) func(context.Context, *http.Request) ([]T, error) {
	return func(ctx context.Context, _ *http.Request) ([]T, error) { return fn(ctx) }
}

func experimentResource(svc *core.Service) resource[domain.ExpressionExperiment] {
	return resource[domain.ExpressionExperiment]{
		path:   "experiments",
		list:   listAll(svc.ListExperiments),
		get:    svc.GetExperiment,
		create: svc.CreateExperiment,
		update: svc.UpdateExperiment,
		remove: svc.DeleteExperiment,
		merge: func(dst *domain.ExpressionExperiment, in domain.ExpressionExperiment) {
			dst.ShortName = in.ShortName
			dst.Name = in.Name
			dst.Description = in.Description
			dst.Accession = in.Accession
			dst.Taxon = in.Taxon
			dst.ArrayDesignIDs = in.ArrayDesignIDs
			dst.ProtocolIDs = in.ProtocolIDs
			dst.Factors = in.Factors
		},
	}
}

func arrayDesignResource(svc *core.Service) resource[domain.ArrayDesign] {
	return resource[domain.ArrayDesign]{
		path:   "arraydesigns",
		list:   listAll(svc.ListArrayDesigns),
		get:    svc.GetArrayDesign,
		create: svc.CreateArrayDesign,
		update: svc.UpdateArrayDesign,
		remove: svc.DeleteArrayDesign,
		merge: func(dst *domain.ArrayDesign, in domain.ArrayDesign) {
			dst.ShortName = in.ShortName
			dst.Name = in.Name
			dst.Technology = in.Technology
			dst.PrimaryTaxon = in.PrimaryTaxon
		},
	}
}

func geneResource(svc *core.Service) resource[domain.Gene] {
	return resource[domain.Gene]{
		path:   "genes",
		list:   listAll(svc.ListGenes),
		get:    svc.GetGene,
		create: svc.CreateGene,
		update: svc.UpdateGene,
		remove: svc.DeleteGene,
		merge: func(dst *domain.Gene, in domain.Gene) {
			dst.OfficialSymbol = in.OfficialSymbol
			dst.Name = in.Name
			dst.NCBIID = in.NCBIID
			dst.Taxon = in.Taxon
		},
	}
}

func protocolResource(svc *core.Service) resource[domain.Protocol] {
	return resource[domain.Protocol]{
		path:   "protocols",
		list:   listAll(svc.ListProtocols),
		get:    svc.GetProtocol,
		create: svc.CreateProtocol,
		update: svc.UpdateProtocol,
		remove: svc.DeleteProtocol,
		merge: func(dst *domain.Protocol, in domain.Protocol) {
			dst.Name = in.Name
			dst.Description = in.Description
		},
	}
}

func phenotypeResource(svc *core.Service) resource[domain.PhenotypeAssociation] {
	return resource[domain.PhenotypeAssociation]{
		path: "phenotypes",
		list: func(ctx context.Context, r *http.Request) ([]domain.PhenotypeAssociation, error) {
			return svc.ListPhenotypeAssociations(ctx, r.URL.Query().Get("gene_id"))
		},
		get:    svc.GetPhenotypeAssociation,
		create: svc.CreatePhenotypeAssociation,
		update: svc.UpdatePhenotypeAssociation,
		remove: svc.DeletePhenotypeAssociation,
		merge: func(dst *domain.PhenotypeAssociation, in domain.PhenotypeAssociation) {
			dst.GeneID = in.GeneID
			dst.PhenotypeURIs = in.PhenotypeURIs
			dst.EvidenceCode = in.EvidenceCode
			dst.Description = in.Description
			dst.ExperimentID = in.ExperimentID
		},
	}
}
