package trackingserver

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mimir-aip/labelnoise/pkg/models"
)

func newRunID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExperimentID string          `json:"experiment_id"`
		RunName      string          `json:"run_name"`
		StartTime    int64           `json:"start_time"`
		Tags         []models.RunTag `json:"tags"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ExperimentID == "" {
		writeBadRequest(w, "missing value for required parameter 'experiment_id'")
		return
	}

	exp, err := s.store.GetExperiment(req.ExperimentID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	runID := newRunID()
	start := req.StartTime
	if start == 0 {
		start = s.now().UnixMilli()
	}
	run := &models.Run{
		Info: models.RunInfo{
			RunID:          runID,
			RunName:        req.RunName,
			ExperimentID:   exp.ExperimentID,
			Status:         models.RunStatusRunning,
			StartTime:      start,
			ArtifactURI:    strings.TrimRight(exp.ArtifactLocation, "/") + "/" + runID + "/artifacts",
			LifecycleStage: "active",
		},
		Data: models.RunData{Tags: req.Tags},
	}
	if req.RunName != "" {
		run.Data.Tags = append(run.Data.Tags, models.RunTag{Key: "mlflow.runName", Value: req.RunName})
	}

	if err := s.store.CreateRun(run); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("run created",
		zap.String("run_id", runID),
		zap.String("run_name", req.RunName),
		zap.String("experiment_id", exp.ExperimentID))
	writeJSONResponse(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := requireParam(w, r, "run_id")
	if !ok {
		return
	}
	run, err := s.store.GetRun(runID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) handleLogBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID   string          `json:"run_id"`
		Metrics []models.Metric `json:"metrics"`
		Params  []models.Param  `json:"params"`
		Tags    []models.RunTag `json:"tags"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RunID == "" {
		writeBadRequest(w, "missing value for required parameter 'run_id'")
		return
	}
	for _, m := range req.Metrics {
		if m.Key == "" {
			writeBadRequest(w, "metric key must not be empty")
			return
		}
	}
	for _, p := range req.Params {
		if p.Key == "" {
			writeBadRequest(w, "param key must not be empty")
			return
		}
	}

	if err := s.store.LogBatch(req.RunID, req.Metrics, req.Params, req.Tags); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID   string           `json:"run_id"`
		Status  models.RunStatus `json:"status"`
		EndTime int64            `json:"end_time"`
		RunName string           `json:"run_name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RunID == "" {
		writeBadRequest(w, "missing value for required parameter 'run_id'")
		return
	}
	if !req.Status.Valid() {
		writeBadRequest(w, "invalid run status %q", req.Status)
		return
	}

	info, err := s.store.UpdateRun(req.RunID, req.Status, req.EndTime, req.RunName)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"run_info": info})
}
