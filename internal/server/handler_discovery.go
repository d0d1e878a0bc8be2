package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "fairq API",
		Version:     "v1",
		Description: "Multi-tenant priority task scheduler and workflow coordinator",
		Endpoints: []endpointInfo{
			{"/api/v1/workflows", []string{"GET", "POST"}, "List or submit workflows. POST accepts JSON or YAML (?tenant=)"},
			{"/api/v1/workflows/{id}", []string{"GET"}, "Workflow status with task states and dead letters"},
			{"/api/v1/workflows/{id}/cancel", []string{"PUT"}, "Cancel a workflow"},
			{"/api/v1/workflows/{id}/events", []string{"GET"}, "Server-sent status updates"},
			{"/api/v1/tasks/{id}", []string{"GET"}, "Single task detail"},
			{"/api/v1/tasks/{id}/complete", []string{"POST"}, "Worker callback: attempt succeeded"},
			{"/api/v1/tasks/{id}/fail", []string{"POST"}, "Worker callback: attempt failed"},
			{"/api/v1/tasks/{id}/checkpoint", []string{"POST"}, "Worker callback: progress checkpoint"},
			{"/api/v1/deadletters", []string{"GET"}, "Dead-letter records (?workflow_id=)"},
			{"/api/v1/queues", []string{"GET"}, "Queue limits, depth, running set and tokens"},
			{"/api/v1/tenants", []string{"GET"}, "Tenant weights and fair-share deficits"},
			{"/api/v1/breakers", []string{"GET"}, "Circuit breaker states"},
			{"/api/v1/config", []string{"GET"}, "Active scheduler configuration"},
			{"/api/v1/metrics", []string{"GET"}, "Metrics snapshot"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/metrics", []string{"GET"}, "Prometheus exposition"},
		},
	})
}
