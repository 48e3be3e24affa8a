package server

import (
	"net/http"
	"sort"

	"github.com/me/gpusched/pkg/model"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.scheduler.Status())
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var statuses map[string]model.ProviderStatus
	switch {
	case s.providers != nil && r.URL.Query().Get("refresh") == "true":
		statuses = s.providers.Refresh(r.Context())
	case s.providers != nil:
		statuses = s.providers.Statuses()
	default:
		statuses = s.scheduler.Status().Providers
	}

	out := make([]model.ProviderStatus, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	respondOK(w, reqID, out)
}

type gpusResponse struct {
	GPUs []model.GPUReport `json:"gpus"`
	Host *model.HostStatus `json:"host,omitempty"`
}

func (s *Server) handleGPUs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	st := s.scheduler.Status()
	gpus := append([]model.GPUReport(nil), st.GPUs...)
	sort.Slice(gpus, func(i, j int) bool { return gpus[i].GPUID < gpus[j].GPUID })
	respondOK(w, reqID, gpusResponse{GPUs: gpus, Host: st.Host})
}
