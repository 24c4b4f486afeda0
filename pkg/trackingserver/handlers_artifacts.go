package trackingserver

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	files, err := s.artifacts.List(r.URL.Query().Get("path"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["path"]
	if _, err := s.artifacts.Put(p, r.Body); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	f, err := s.artifacts.Open(mux.Vars(r)["path"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.log.Debug("artifact download interrupted", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

func (s *Server) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	if err := s.artifacts.Delete(mux.Vars(r)["path"]); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{})
}
