package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/fairq/pkg/model"
)

// handleWorkflowEvents streams workflow status changes via Server-Sent Events.
// GET /api/v1/workflows/{id}/events
func (s *Server) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reqID := RequestIDFromContext(r.Context())

	view, err := s.loop.Workflows().Status(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError("load workflow"))
		return
	}
	if view == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("workflow", id))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	if err := sendSSEEvent(w, flusher, "init", view); err != nil {
		s.logger.Debug("sse client disconnected", "id", id, "error", err)
		return
	}
	if view.Workflow.Status.IsTerminal() {
		sendSSEEvent(w, flusher, "complete", view)
		return
	}

	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	last := fingerprint(view)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			view, err = s.loop.Workflows().Status(r.Context(), id)
			if err != nil {
				s.logger.Error("sse fetch error", "id", id, "error", err)
				continue
			}
			if view == nil {
				return
			}

			if fp := fingerprint(view); fp != last {
				if err := sendSSEEvent(w, flusher, "update", view); err != nil {
					s.logger.Debug("sse client disconnected", "id", id)
					return
				}
				last = fp
			} else {
				fmt.Fprintf(w, ": heartbeat\n\n")
				flusher.Flush()
			}

			if view.Workflow.Status.IsTerminal() {
				sendSSEEvent(w, flusher, "complete", view)
				return
			}
		}
	}
}

// fingerprint changes whenever the workflow or any of its tasks is written.
func fingerprint(view *model.WorkflowStatusView) string {
	fp := fmt.Sprintf("%s/%d", view.Workflow.Status, view.Workflow.Version)
	for _, t := range view.Tasks {
		fp += fmt.Sprintf(";%d", t.Version)
	}
	return fp
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
