package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/cohort/internal/models"
	"github.com/hyperjump/cohort/internal/storage"
)

type statusResponse struct {
	Records        int64               `json:"records"`
	Embedded       int64               `json:"embedded"`
	Index          *models.IndexStatus `json:"index"`
	DiskUsage      *storage.DiskUsage  `json:"disk_usage,omitempty"`
	StorageBackend string              `json:"storage_backend"`
	ModelName      string              `json:"model_name"`
	ModelVersion   string              `json:"model_version"`
	ZeroVector     string              `json:"zero_vector_policy"`
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	query := models.SimilarQuery{PatientID: chi.URLParam(r, "id")}
	if raw := r.URL.Query().Get("k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "k must be an integer")
			return
		}
		query.K = k
	}
	s.logger.Debug("similar request", zap.String("patient_id", query.PatientID), zap.Int("k", query.K))
	response, err := s.engine.FindSimilar(r.Context(), &query)
	if err != nil {
		s.respondFailure(w, "similarity query failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Patient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, "get patient failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reload(s.config.Storage.IndexDir); err != nil {
		s.respondFailure(w, "index reload failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.engine.Snapshot().Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	records, err := s.store.CountRecords(ctx)
	if err != nil {
		s.logger.Error("status: count records failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	embedded, err := s.store.CountEmbedded(ctx)
	if err != nil {
		s.logger.Error("status: count embedded failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := statusResponse{
		Records:        records,
		Embedded:       embedded,
		StorageBackend: s.config.Storage.Backend,
		ModelName:      s.config.Embedding.ModelName,
		ModelVersion:   s.config.Embedding.Version,
		ZeroVector:     s.config.Normalize.ZeroVectorPolicy,
	}
	if snap := s.engine.Snapshot(); snap != nil {
		st := snap.Status()
		resp.Index = &st
	}
	if usage, err := storage.MeasureDiskUsage(s.config.Storage.DatabasePath, s.config.Storage.IndexDir); err == nil {
		resp.DiskUsage = &usage
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case models.IsInputError(err):
		return http.StatusBadRequest
	case models.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNoArtifact):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondFailure(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
