package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Store     string `json:"store"`
	Running   int    `json:"running_tasks"`
	GPUs      int    `json:"gpus"`
	Providers int    `json:"providers_available"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	st := s.scheduler.Status()

	available := 0
	for _, p := range st.Providers {
		if p.Available {
			available++
		}
	}
	status := "healthy"
	if len(st.GPUs) == 0 || available == 0 {
		status = "degraded"
	}

	respondOK(w, reqID, healthResponse{
		Status:    status,
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Store:     s.storeKind,
		Running:   st.RunningCount,
		GPUs:      len(st.GPUs),
		Providers: available,
	})
}
