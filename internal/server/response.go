package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/me/fairq/internal/workflow"
	"github.com/me/fairq/pkg/model"
)

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// respondOK writes a success response with the standard envelope.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil, nil)
}

// respondCreated writes a 201 response with the standard envelope.
func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil, nil)
}

// respondAccepted writes a 202 response; worker callbacks are applied on
// the next scheduling tick.
func respondAccepted(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusAccepted, reqID, data, nil, nil)
}

// respondList writes a success response with pagination.
func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	respondJSON(w, http.StatusOK, reqID, data, pg, nil)
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, nil, apiErr)
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, pg *model.Pagination, apiErr *model.APIError) {
	resp := model.Response{
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
		Error:      apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	} else {
		resp.Status = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// respondDomainError maps scheduler errors onto API error codes.
func (s *Server) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := RequestIDFromContext(r.Context())

	var cyclic *model.CyclicWorkflowError
	switch {
	case errors.As(err, &cyclic):
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(cyclic.Error(),
			model.FieldError{Field: "spec.tasks", Message: "dependency cycle"}))
	case errors.Is(err, workflow.ErrInvalidWorkflow):
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(err.Error()))
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		respondError(w, reqID, http.StatusNotFound, &model.APIError{Code: model.ErrNotFound, Message: err.Error()})
	case errors.Is(err, workflow.ErrWorkflowTerminal):
		respondError(w, reqID, http.StatusConflict, &model.APIError{Code: model.ErrConflict, Message: err.Error()})
	case errors.Is(err, model.ErrStaleVersion):
		respondError(w, reqID, http.StatusConflict, &model.APIError{Code: model.ErrConflict, Message: "concurrent update, retry the request"})
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "request_id", reqID, "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError("internal error"))
	}
}

// listOptions reads limit, offset and the given filter parameters.
func listOptions(r *http.Request) (model.ListOptions, *model.APIError) {
	opts := model.DefaultListOptions()
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, model.NewValidationError("invalid limit", model.FieldError{Field: "limit", Message: err.Error()})
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, model.NewValidationError("invalid offset", model.FieldError{Field: "offset", Message: err.Error()})
		}
		opts.Offset = n
	}
	opts.State = q.Get("status")
	opts.WorkflowID = q.Get("workflow_id")
	opts.Clamp()
	return opts, nil
}

func pagination(total int, opts model.ListOptions) *model.Pagination {
	return &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+opts.Limit < total,
	}
}
