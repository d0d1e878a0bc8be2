package server

import (
	"net/http"
	"sort"

	"github.com/me/fairq/pkg/model"
)

// handleListDeadLetters returns dead-letter records, optionally for one
// workflow.
// GET /api/v1/deadletters
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	records, total, err := s.store.ListDeadLetters(r.Context(), opts)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondList(w, reqID, records, pagination(total, opts))
}

// handleListQueues reports each configured queue with its live occupancy.
// GET /api/v1/queues
func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	depth, err := s.store.CountTasksByQueue(r.Context(), model.TaskStatePending)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	adm := s.loop.Admission()
	cfg := s.loop.Config().Current()
	views := make([]model.QueueView, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		views = append(views, model.QueueView{
			Name:               q.Name,
			ConcurrencyLimit:   q.ConcurrencyLimit,
			RateLimitPerSecond: q.RateLimitPerSecond,
			Running:            adm.Running(q.Name),
			Depth:              depth[q.Name],
			Tokens:             adm.Tokens(q.Name),
			Preemptive:         q.Preemptive,
		})
	}
	respondOK(w, reqID, views)
}

// handleListTenants reports configured tenants and every tenant with a
// live deficit.
// GET /api/v1/tenants
func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	cfg := s.loop.Config().Current()
	deficits := s.loop.FairShare().Deficits()

	ids := make(map[string]bool, len(cfg.Tenants)+len(deficits))
	for id := range cfg.Tenants {
		ids[id] = true
	}
	for id := range deficits {
		ids[id] = true
	}
	views := make([]model.TenantView, 0, len(ids))
	for id := range ids {
		tier := cfg.TierFor(id)
		views = append(views, model.TenantView{
			TenantID: id,
			Tier:     tier,
			Weight:   cfg.TenantWeight(tier),
			Deficit:  deficits[id],
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].TenantID < views[j].TenantID })
	respondOK(w, reqID, views)
}

// handleListBreakers returns the breaker states known to this replica.
// GET /api/v1/breakers
func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.loop.Breakers().States())
}

// handleGetConfig returns the active scheduler configuration.
// GET /api/v1/config
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.loop.Config().Current())
}

// handleMetricsJSON returns a metrics snapshot.
// GET /api/v1/metrics
func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.metrics.Snapshot())
}

// handlePrometheus serves the text exposition format.
// GET /metrics
func (s *Server) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.metrics.RenderPrometheus()))
}
