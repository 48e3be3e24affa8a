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
		Name:        "gpusched API",
		Version:     "v1",
		Description: "GPU-aware multi-provider task scheduler",
		Endpoints: []endpointInfo{
			{"/api/v1/tasks", []string{"GET", "POST"}, "Submit tasks and list them (?status=, ?limit=, ?offset=)"},
			{"/api/v1/tasks/{id}", []string{"GET"}, "Single task with attempts and verification"},
			{"/api/v1/tasks/{id}/cancel", []string{"PUT"}, "Cancel a pending, queued or running task"},
			{"/api/v1/status", []string{"GET"}, "Scheduler counts, providers, GPUs, host and recent completions"},
			{"/api/v1/providers", []string{"GET"}, "Provider status (?refresh=true probes now)"},
			{"/api/v1/gpus", []string{"GET"}, "Per-GPU health and slot usage"},
			{"/api/v1/route", []string{"POST"}, "Classify text and show the routing decision"},
			{"/api/v1/verify", []string{"POST"}, "Cross-verify content with a second provider"},
			{"/api/v1/events", []string{"GET"}, "Task events over websocket (?task_id= filters)"},
			{"/api/v1/sse/tasks/{id}", []string{"GET"}, "Task updates as Server-Sent Events"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/metrics", []string{"GET"}, "Prometheus metrics"},
		},
	})
}
