package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/fairq/pkg/model"
)

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	if task == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", id))
		return
	}
	respondOK(w, reqID, task)
}

// callbackTask decodes the callback body into req and loads the task the
// worker reports on. It writes the error response and returns nil when the
// request cannot proceed.
func (s *Server) callbackTask(w http.ResponseWriter, r *http.Request, req any) *model.Task {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid JSON body: "+err.Error()))
		return nil
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, r, err)
		return nil
	}
	if task == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", id))
		return nil
	}
	if !WorkerAuthFromContext(r.Context()).CanReportFor(task.QueueName) {
		respondError(w, reqID, http.StatusForbidden, &model.APIError{
			Code:    model.ErrUnauthorized,
			Message: "worker key may not report for queue " + task.QueueName,
		})
		return nil
	}
	return task
}

// handleCompleteTask records a successful attempt.
// POST /api/v1/tasks/{id}/complete
func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req model.CompleteTaskRequest
	task := s.callbackTask(w, r, &req)
	if task == nil {
		return
	}
	if req.Attempt <= 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("attempt is required", model.FieldError{Field: "attempt", Message: "must be positive"}))
		return
	}
	s.loop.OnComplete(task.ID, req.Attempt, model.TaskResult{ResultRef: req.ResultRef, SizeBytes: req.SizeBytes})
	respondAccepted(w, reqID, map[string]any{"task_id": task.ID, "attempt": req.Attempt})
}

// handleFailTask records a failed attempt.
// POST /api/v1/tasks/{id}/fail
func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req model.FailTaskRequest
	task := s.callbackTask(w, r, &req)
	if task == nil {
		return
	}
	if req.Attempt <= 0 || req.Error.Kind == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("attempt and error.kind are required"))
		return
	}
	s.loop.OnFail(task.ID, req.Attempt, req.Error)
	respondAccepted(w, reqID, map[string]any{"task_id": task.ID, "attempt": req.Attempt})
}

// handleCheckpointTask records worker progress for later resumption.
// POST /api/v1/tasks/{id}/checkpoint
func (s *Server) handleCheckpointTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req model.CheckpointTaskRequest
	task := s.callbackTask(w, r, &req)
	if task == nil {
		return
	}
	if req.Attempt <= 0 || req.CheckpointRef == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("attempt and checkpoint_ref are required"))
		return
	}
	s.loop.OnCheckpoint(task.ID, req.Attempt, req.CheckpointRef)
	respondAccepted(w, reqID, map[string]any{"task_id": task.ID, "attempt": req.Attempt})
}
