package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"exprcore/internal/geo"
	"exprcore/pkg/domain"
)

func searchType(name string) (domain.EntityType, bool) {
	switch name {
	case "experiment", string(domain.EntityExperiment):
		return domain.EntityExperiment, true
	case "phenotype", string(domain.EntityPhenotype):
		return domain.EntityPhenotype, true
	case string(domain.EntityArrayDesign), string(domain.EntityGene), string(domain.EntityProtocol):
		return domain.EntityType(name), true
	default:
		return "", false
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.worker == nil {
		writeError(w, http.StatusServiceUnavailable, "analysis worker not configured")
		return
	}
	rec, ok := s.worker.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rec})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeError(w, http.StatusServiceUnavailable, "search index not configured")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	var types []domain.EntityType
	for _, raw := range r.URL.Query()["type"] {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(strings.ToLower(name))
			if name == "" {
				continue
			}
			t, ok := searchType(name)
			if !ok {
				writeError(w, http.StatusBadRequest, "unknown search type "+name)
				return
			}
			types = append(types, t)
		}
	}
	hits := s.index.Search(q, types...)
	writeJSON(w, http.StatusOK, map[string]any{"data": hits, "index": s.index.Stats()})
}

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeError(w, http.StatusServiceUnavailable, "search index not configured")
		return
	}
	if s.scheduler != nil {
		started := s.scheduler.Trigger()
		writeJSON(w, http.StatusAccepted, map[string]any{"data": map[string]bool{"started": started, "coalesced": !started}})
		return
	}
	stats, err := s.index.Rebuild(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

type geoImportResponse struct {
	Fetch  geo.FetchResult  `json:"fetch"`
	Import geo.ImportResult `json:"import"`
}

// handleGEOImport fetches a series archive (reusing a stored copy unless
// ?force=true) and imports it.
func (s *Server) handleGEOImport(w http.ResponseWriter, r *http.Request) {
	if s.fetcher == nil || s.importer == nil {
		writeError(w, http.StatusServiceUnavailable, "GEO import not configured")
		return
	}
	acc, err := geo.ParseAccession(mux.Vars(r)["accession"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if acc.Kind != geo.KindSeries {
		writeError(w, http.StatusBadRequest, "only GSE series can be imported")
		return
	}
	fetched, err := s.fetcher.Fetch(r.Context(), acc, r.URL.Query().Get("force") == "true")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	imported, err := s.importer.ImportArchive(r.Context(), s.fetcher, acc)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if s.scheduler != nil {
		s.scheduler.Trigger()
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": geoImportResponse{Fetch: fetched, Import: imported}})
}
