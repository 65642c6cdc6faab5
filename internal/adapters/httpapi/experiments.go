package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"exprcore/internal/analysis"
	"exprcore/internal/blob"
	"exprcore/internal/tasks"
	"exprcore/pkg/domain"
)

const maxMatrixBytes = 256 << 20

func (s *Server) registerExperiments(api *mux.Router) {
	registerResource(api, s, experimentResource(s.svc))
	api.HandleFunc("/experiments/{id}/bioassays", s.handleListBioAssays).Methods(http.MethodGet)
	api.HandleFunc("/experiments/{id}/bioassays", s.handleAddBioAssays).Methods(http.MethodPost)
	api.HandleFunc("/experiments/{id}/data", s.handleGetMatrix).Methods(http.MethodGet)
	api.HandleFunc("/experiments/{id}/data", s.handlePutMatrix).Methods(http.MethodPut)
	api.HandleFunc("/experiments/{id}/analyses", s.handleListAnalyses).Methods(http.MethodGet)
	api.HandleFunc("/experiments/{id}/analyses", s.handleEnqueueAnalysis).Methods(http.MethodPost)
	api.HandleFunc("/experiments/{id}/curation", s.handleCuration(experimentEntity)).Methods(http.MethodPost)
	api.HandleFunc("/experiments/{id}/audit", s.handleAudit(experimentEntity)).Methods(http.MethodGet)
	api.HandleFunc("/bioassays/{id}", s.handleGetBioAssay).Methods(http.MethodGet)
	api.HandleFunc("/bioassays/{id}", s.handleUpdateBioAssay).Methods(http.MethodPut)
	api.HandleFunc("/bioassays/{id}", s.handleDeleteBioAssay).Methods(http.MethodDelete)
}

func (s *Server) handleListBioAssays(w http.ResponseWriter, r *http.Request) {
	assays, err := s.svc.ListBioAssays(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if assays == nil {
		assays = []domain.BioAssay{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": assays})
}

func (s *Server) handleAddBioAssays(w http.ResponseWriter, r *http.Request) {
	var in []domain.BioAssay
	if err := decodeJSON(r, &in, false); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	for i := range in {
		in[i].Base = domain.Base{}
	}
	added, result, err := s.svc.AddBioAssays(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mutationResponse{Data: added, Violations: result.Violations})
}

func (s *Server) handleGetBioAssay(w http.ResponseWriter, r *http.Request) {
	ba, err := s.svc.GetBioAssay(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": ba})
}

// handleUpdateBioAssay edits the descriptive fields and outlier flag. The
// owning experiment cannot be changed.
func (s *Server) handleUpdateBioAssay(w http.ResponseWriter, r *http.Request) {
	var in domain.BioAssay
	if err := decodeJSON(r, &in, false); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out, result, err := s.svc.UpdateBioAssay(r.Context(), mux.Vars(r)["id"], func(ba *domain.BioAssay) error {
		ba.Name = in.Name
		ba.ArrayDesignID = in.ArrayDesignID
		ba.SampleName = in.SampleName
		ba.Description = in.Description
		ba.FactorValues = in.FactorValues
		ba.IsOutlier = in.IsOutlier
		return nil
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{Data: out, Violations: result.Violations})
}

func (s *Server) handleDeleteBioAssay(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	result, err := s.svc.DeleteBioAssay(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{Data: map[string]string{"deleted": id}, Violations: result.Violations})
}

type matrixSummary struct {
	Probes           int      `json:"probes"`
	Samples          []string `json:"samples"`
	UnmatchedSamples []string `json:"unmatched_samples,omitempty"`
}

func (s *Server) handlePutMatrix(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "blob storage not configured")
		return
	}
	id := mux.Vars(r)["id"]
	assays, err := s.svc.ListBioAssays(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxMatrixBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	if len(data) > maxMatrixBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "expression matrix too large")
		return
	}
	m, err := analysis.SaveMatrix(r.Context(), s.blobs, id, data)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	known := make(map[string]struct{}, len(assays))
	for _, ba := range assays {
		known[ba.Name] = struct{}{}
	}
	summary := matrixSummary{Probes: len(m.Probes), Samples: m.Samples}
	for _, sample := range m.Samples {
		if _, ok := known[sample]; !ok {
			summary.UnmatchedSamples = append(summary.UnmatchedSamples, sample)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": summary})
}

func (s *Server) handleGetMatrix(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "blob storage not configured")
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.svc.GetExperiment(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_, rc, err := s.blobs.Get(r.Context(), analysis.MatrixKey(id))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, "experiment has no expression data")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()
	w.Header().Set("Content-Type", "text/tab-separated-values")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	analyses, err := s.svc.ListAnalyses(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if analyses == nil {
		analyses = []domain.Analysis{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": analyses})
}

type analysisRequest struct {
	Kind        domain.AnalysisKind `json:"kind"`
	FactorNames []string            `json:"factor_names"`
}

func (s *Server) handleEnqueueAnalysis(w http.ResponseWriter, r *http.Request) {
	if s.worker == nil {
		writeError(w, http.StatusServiceUnavailable, "analysis worker not configured")
		return
	}
	var req analysisRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	rec, err := s.worker.Enqueue(r.Context(), tasks.Input{
		ExperimentID: mux.Vars(r)["id"],
		Kind:         req.Kind,
		FactorNames:  req.FactorNames,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", apiPrefix+"/tasks/"+rec.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"data": rec})
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	an, err := s.svc.GetAnalysis(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	body := map[string]any{"data": an}
	if r.URL.Query().Get("include") == "artifact" && s.blobs != nil {
		payload, err := blob.ReadAll(r.Context(), s.blobs, an.ArtifactKey)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		body["artifact"] = json.RawMessage(bytes.TrimSpace(payload))
	}
	writeJSON(w, http.StatusOK, body)
}

// handleDeleteAnalysis removes the record and then its artifact.
func (s *Server) handleDeleteAnalysis(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	an, err := s.svc.GetAnalysis(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.svc.DeleteAnalysis(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if s.blobs != nil && an.ArtifactKey != "" {
		if _, err := s.blobs.Delete(r.Context(), an.ArtifactKey); err != nil {
			s.logger.Warn("analysis artifact not removed", "analysis_id", id, "key", an.ArtifactKey, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, mutationResponse{Data: map[string]string{"deleted": id}})
}

type curationRequest struct {
	Action domain.CurationAction `json:"action"`
	Note   string                `json:"note"`
}

func (s *Server) handleCuration(entity domain.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req curationRequest
		if err := decodeJSON(r, &req, false); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		cur, result, err := s.svc.Curate(r.Context(), entity, mux.Vars(r)["id"], req.Action, req.Note)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, mutationResponse{Data: cur, Violations: result.Violations})
	}
}

func (s *Server) handleAudit(entity domain.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := s.svc.AuditTrail(r.Context(), entity, mux.Vars(r)["id"])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if events == nil {
			events = []domain.AuditEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}
