package trackingserver

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mimir-aip/labelnoise/pkg/models"
)

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name             string `json:"name"`
		ArtifactLocation string `json:"artifact_location"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeBadRequest(w, "missing value for required parameter 'name'")
		return
	}

	now := s.now().UnixMilli()
	id := uuid.New().String()
	exp := &models.Experiment{
		ExperimentID:     id,
		Name:             req.Name,
		ArtifactLocation: req.ArtifactLocation,
		LifecycleStage:   "active",
		CreationTime:     now,
		LastUpdateTime:   now,
	}
	if exp.ArtifactLocation == "" {
		exp.ArtifactLocation = "mlflow-artifacts:/" + id
	}

	if err := s.store.CreateExperiment(exp); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("experiment created", zap.String("experiment", exp.Name), zap.String("experiment_id", id))
	writeJSONResponse(w, http.StatusOK, map[string]string{"experiment_id": id})
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	id, ok := requireParam(w, r, "experiment_id")
	if !ok {
		return
	}
	exp, err := s.store.GetExperiment(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"experiment": exp})
}

func (s *Server) handleGetExperimentByName(w http.ResponseWriter, r *http.Request) {
	name, ok := requireParam(w, r, "experiment_name")
	if !ok {
		return
	}
	exp, err := s.store.GetExperimentByName(name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"experiment": exp})
}

func (s *Server) handleSearchExperiments(w http.ResponseWriter, r *http.Request) {
	experiments, err := s.store.ListExperiments()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"experiments": experiments})
}
