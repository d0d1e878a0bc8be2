package server

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	GoVersion     string `json:"go_version"`
	Uptime        string `json:"uptime"`
	Scheduler     string `json:"scheduler"`
	Store         string `json:"store"`
	ConfigVersion int64  `json:"config_version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	resp := healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Scheduler: "not_configured",
		Store:     "ok",
	}
	if s.loop != nil {
		resp.Scheduler = "running"
		resp.ConfigVersion = s.loop.Config().Current().Version
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.WarnContext(r.Context(), "store ping failed", "error", err)
		resp.Status = "degraded"
		resp.Store = "unreachable"
		respondJSON(w, http.StatusServiceUnavailable, reqID, resp, nil, nil)
		return
	}
	respondOK(w, reqID, resp)
}
