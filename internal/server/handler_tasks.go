package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/gpusched/pkg/model"
)

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.SubmitRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}

	task, err := s.scheduler.Submit(r.Context(), req)
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	s.logger.Debug("task accepted", "task_id", task.ID, "request_id", reqID)
	respondCreated(w, reqID, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	q := r.URL.Query()

	opts := model.DefaultListOptions()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid query",
				model.FieldError{Field: "limit", Message: "must be an integer"}))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid query",
				model.FieldError{Field: "offset", Message: "must be a non-negative integer"}))
			return
		}
		opts.Offset = n
	}
	if v := q.Get("status"); v != "" {
		st := model.TaskStatus(v)
		if !st.Valid() {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid query",
				model.FieldError{Field: "status", Message: "unknown status " + v}))
			return
		}
		opts.Status = st
	}
	opts.Clamp()

	tasks, total, err := s.scheduler.List(r.Context(), opts)
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	respondList(w, reqID, tasks, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(tasks) < total,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	task, err := s.scheduler.Get(r.Context(), id)
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	respondOK(w, reqID, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	task, err := s.scheduler.Cancel(r.Context(), id)
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}
	s.logger.Info("task cancel requested", "task_id", id, "status", task.Status)
	respondOK(w, reqID, task)
}
