package server

import (
	"net/http"
	"strings"

	"github.com/me/gpusched/pkg/model"
)

type routeRequest struct {
	Text     string         `json:"text"`
	TaskType model.TaskType `json:"task_type,omitempty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.routes == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, model.NewInternalError("router not configured"))
		return
	}

	var req routeRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" && req.TaskType == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("missing required field",
			model.FieldError{Field: "text", Message: "text or task_type is required"}))
		return
	}
	if req.TaskType != "" && !req.TaskType.Valid() {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid field",
			model.FieldError{Field: "task_type", Message: "unknown task type " + string(req.TaskType)}))
		return
	}
	dec := s.routes.Route(req.Text, req.TaskType)
	if s.chains != nil && len(dec.Providers) > 0 {
		top := dec.Providers[0]
		dec.Failover = s.chains.ChainFor(model.Task{
			TaskType:         dec.TaskType,
			AssignedProvider: top,
			AssignedModel:    dec.Models[top],
		})
	}
	respondOK(w, reqID, dec)
}

type verifyRequest struct {
	TaskID            string         `json:"task_id,omitempty"`
	Content           string         `json:"content"`
	TaskType          model.TaskType `json:"task_type"`
	ProducingProvider string         `json:"producing_provider"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.verifier == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, model.NewInternalError("verifier not configured"))
		return
	}

	var req verifyRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	var details []model.FieldError
	if strings.TrimSpace(req.Content) == "" {
		details = append(details, model.FieldError{Field: "content", Message: "content is required"})
	}
	if req.TaskType == "" {
		req.TaskType = model.TaskTypeAnalysis
	} else if !req.TaskType.Valid() {
		details = append(details, model.FieldError{Field: "task_type", Message: "unknown task type " + string(req.TaskType)})
	}
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid verification request", details...))
		return
	}

	res, err := s.verifier.Verify(r.Context(), req.TaskID, req.Content, req.TaskType, req.ProducingProvider)
	if err != nil {
		s.logger.Warn("ad-hoc verification failed", "error", err, "request_id", reqID)
		respondError(w, reqID, http.StatusBadGateway, &model.APIError{Code: model.ErrBadGateway, Message: err.Error()})
		return
	}
	respondOK(w, reqID, res)
}
