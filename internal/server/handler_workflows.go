package server

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/fairq/pkg/model"
	"gopkg.in/yaml.v3"
)

const maxSubmitBytes = 4 << 20

// decodeSubmission reads a JSON {tenant_id, spec} body or a bare YAML
// workflow spec with the tenant in the query string.
func decodeSubmission(r *http.Request) (model.SubmitWorkflowRequest, *model.APIError) {
	var req model.SubmitWorkflowRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBytes))
	if err != nil {
		return req, model.NewValidationError("read body: " + err.Error())
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		if err := yaml.Unmarshal(body, &req.Spec); err != nil {
			return req, model.NewValidationError("invalid YAML body: " + err.Error())
		}
	default:
		if err := json.Unmarshal(body, &req); err != nil {
			return req, model.NewValidationError("invalid JSON body: " + err.Error())
		}
	}
	if tenant := r.URL.Query().Get("tenant"); tenant != "" {
		req.TenantID = tenant
	}
	if req.TenantID == "" {
		return req, model.NewValidationError("tenant is required",
			model.FieldError{Field: "tenant_id", Message: "set tenant_id or ?tenant="})
	}
	return req, nil
}

func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	req, apiErr := decodeSubmission(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	wf, tasks, err := s.loop.Workflows().Submit(r.Context(), req.TenantID, req.Spec)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	s.loop.Kick()
	respondCreated(w, reqID, model.WorkflowStatusView{Workflow: wf, Tasks: tasks})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	wfs, total, err := s.store.ListWorkflows(r.Context(), opts)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondList(w, reqID, wfs, pagination(total, opts))
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	view, err := s.loop.Workflows().Status(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	if view == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("workflow", id))
		return
	}
	respondOK(w, reqID, view)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	res, err := s.loop.Workflows().Cancel(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	s.loop.Kick()
	respondOK(w, reqID, res)
}
