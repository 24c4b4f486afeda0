package trackingserver

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mimir-aip/labelnoise/pkg/models"
)

func (s *Server) handleCreateRegisteredModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeBadRequest(w, "missing value for required parameter 'name'")
		return
	}

	now := s.now().UnixMilli()
	model := &models.RegisteredModel{
		Name:                 req.Name,
		Description:          req.Description,
		CreationTimestamp:    now,
		LastUpdatedTimestamp: now,
	}
	if err := s.store.CreateRegisteredModel(model); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"registered_model": model})
}

func (s *Server) handleGetRegisteredModel(w http.ResponseWriter, r *http.Request) {
	name, ok := requireParam(w, r, "name")
	if !ok {
		return
	}
	model, err := s.store.GetRegisteredModel(name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"registered_model": model})
}

// handleGetLatestVersions returns the newest version of a model. All versions
// share the "None" stage, so there is at most one.
func (s *Server) handleGetLatestVersions(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if r.Method == http.MethodPost {
		var req struct {
			Name string `json:"name"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		name = req.Name
	}
	if name == "" {
		writeBadRequest(w, "missing value for required parameter 'name'")
		return
	}

	model, err := s.store.GetRegisteredModel(name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	versions := model.LatestVersions
	if versions == nil {
		versions = []models.ModelVersion{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"model_versions": versions})
}

func (s *Server) handleCreateModelVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Source string `json:"source"`
		RunID  string `json:"run_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Source == "" {
		writeBadRequest(w, "'name' and 'source' are required")
		return
	}
	if req.RunID != "" {
		if _, err := s.store.GetRun(req.RunID); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}

	version, err := s.store.CreateModelVersion(&models.ModelVersion{
		Name:              req.Name,
		Source:            req.Source,
		RunID:             req.RunID,
		CreationTimestamp: s.now().UnixMilli(),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("model version registered",
		zap.String("model", version.Name),
		zap.String("version", version.Version),
		zap.String("source", version.Source))
	writeJSONResponse(w, http.StatusOK, map[string]any{"model_version": version})
}

func (s *Server) handleGetModelVersion(w http.ResponseWriter, r *http.Request) {
	name, ok := requireParam(w, r, "name")
	if !ok {
		return
	}
	version, ok := requireParam(w, r, "version")
	if !ok {
		return
	}
	mv, err := s.store.GetModelVersion(name, version)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"model_version": mv})
}

func (s *Server) handleGetDownloadURI(w http.ResponseWriter, r *http.Request) {
	name, ok := requireParam(w, r, "name")
	if !ok {
		return
	}
	version, ok := requireParam(w, r, "version")
	if !ok {
		return
	}
	mv, err := s.store.GetModelVersion(name, version)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"artifact_uri": mv.Source})
}
