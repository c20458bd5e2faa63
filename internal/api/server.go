// Package api exposes the scheduler client over HTTP for administration:
// scheduling, rescheduling and cancelling executions, plus inspection,
// health and metrics endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dbsched/internal/scheduler"
	"dbsched/internal/store"
	"dbsched/internal/task"
)

type Server struct {
	client *scheduler.Client
	store  store.ExecutionStore
	tasks  task.Registry
}

func NewServer(client *scheduler.Client, st store.ExecutionStore, tasks task.Registry, metrics *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{client: client, store: st, tasks: tasks}

	r.Get("/health", s.health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	}
	r.Post("/api/executions", s.schedule)
	r.Get("/api/executions", s.list)
	r.Get("/api/executions/{task}/{id}", s.get)
	r.Post("/api/executions/{task}/{id}/reschedule", s.reschedule)
	r.Delete("/api/executions/{task}/{id}", s.cancel)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type scheduleReq struct {
	Task          string          `json:"task"`
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	ExecutionTime *time.Time      `json:"execution_time"`
}

type scheduleResp struct {
	Task string `json:"task"`
	ID   string `json:"id"`
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Task == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return
	}
	t, ok := s.tasks.Resolve(req.Task)
	if !ok {
		http.Error(w, "unknown task "+req.Task, http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	when := time.Now().UTC()
	if req.ExecutionTime != nil {
		when = req.ExecutionTime.UTC()
	}

	data, err := t.Codec.Deserialize(req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.client.Schedule(r.Context(), t.Instance(req.ID, data), when); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, scheduleResp{Task: req.Task, ID: req.ID})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	executions, err := s.store.ListScheduled(r.Context(), 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(executions))
	for i := range executions {
		out = append(out, executionJSON(&executions[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	e, err := s.client.Get(r.Context(), instanceID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executionJSON(e))
}

type rescheduleReq struct {
	ExecutionTime time.Time `json:"execution_time"`
}

func (s *Server) reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.client.Reschedule(r.Context(), instanceID(r), req.ExecutionTime.UTC()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Cancel(r.Context(), instanceID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrExecutionInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, task.ErrCodec):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func instanceID(r *http.Request) task.InstanceID {
	return task.InstanceID{
		TaskName: chi.URLParam(r, "task"),
		ID:       chi.URLParam(r, "id"),
	}
}

func executionJSON(e *store.Execution) map[string]any {
	out := map[string]any{
		"task":                 e.TaskName,
		"id":                   e.InstanceID,
		"execution_time":       e.ExecutionTime.Format(time.RFC3339),
		"picked":               e.Picked,
		"consecutive_failures": e.ConsecutiveFailures,
	}
	if e.Picked {
		out["picked_by"] = e.PickedBy
		out["last_heartbeat"] = e.LastHeartbeat.Format(time.RFC3339)
	}
	if !e.LastSuccess.IsZero() {
		out["last_success"] = e.LastSuccess.Format(time.RFC3339)
	}
	if !e.LastFailure.IsZero() {
		out["last_failure"] = e.LastFailure.Format(time.RFC3339)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
