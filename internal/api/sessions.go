package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/service/session"
)

var validate = validator.New()

// SubmitSessionRequest is the body of POST /api/v1/sessions.
type SubmitSessionRequest struct {
	Tool        string     `json:"tool" validate:"required,max=128"`
	Mode        string     `json:"mode,omitempty" validate:"omitempty,max=64"`
	Instances   []string   `json:"instances" validate:"required,min=1,max=1000,dive,required,max=253"`
	Description string     `json:"description,omitempty" validate:"max=2048"`
	Invoker     string     `json:"invoker,omitempty" validate:"omitempty,oneof=Interactive Automation"`
	StartTime   *time.Time `json:"startTime,omitempty" validate:"required_with=EndTime"`
	EndTime     *time.Time `json:"endTime,omitempty" validate:"required_with=StartTime"`
}

// toSubmit converts the request to the manager's form.
func (req *SubmitSessionRequest) toSubmit() session.SubmitRequest {
	out := session.SubmitRequest{
		Tool:        req.Tool,
		Mode:        core.Mode(req.Mode),
		Instances:   req.Instances,
		Description: req.Description,
		Invoker:     core.Invoker(req.Invoker),
	}
	if req.StartTime != nil && req.EndTime != nil {
		out.TimeRange = &core.TimeRange{Start: req.StartTime.UTC(), End: req.EndTime.UTC()}
	}
	return out
}

// ValidationFieldError is one failed request field.
type ValidationFieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrorResponse lists every failed field of a request.
type ValidationErrorResponse struct {
	Message string                 `json:"message"`
	Errors  []ValidationFieldError `json:"errors"`
}

func convertValidationErrors(errs validator.ValidationErrors) ValidationErrorResponse {
	resp := ValidationErrorResponse{
		Message: "request validation failed",
		Errors:  make([]ValidationFieldError, 0, len(errs)),
	}
	for _, fe := range errs {
		msg := fe.Tag()
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
		}
		resp.Errors = append(resp.Errors, ValidationFieldError{Field: fe.Namespace(), Message: msg})
	}
	return resp
}

// SessionSummary is the list view of a session.
type SessionSummary struct {
	SessionID string             `json:"sessionId"`
	Tool      string             `json:"tool"`
	Mode      core.Mode          `json:"mode"`
	Status    core.SessionStatus `json:"status"`
	Instances []string           `json:"instances"`
	Finished  int                `json:"finished"`
	StartTime time.Time          `json:"startTime"`
	EndTime   *time.Time         `json:"endTime,omitempty"`
	Invoker   core.Invoker       `json:"invoker,omitempty"`
}

func summarize(s *core.Session) SessionSummary {
	finished := 0
	for _, ai := range s.ActiveInstances {
		if ai.Status.IsTerminal() {
			finished++
		}
	}
	return SessionSummary{
		SessionID: s.SessionID,
		Tool:      s.Tool,
		Mode:      s.Mode,
		Status:    s.Status,
		Instances: s.Instances,
		Finished:  finished,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Invoker:   s.Invoker,
	}
}

// handleListSessions lists sessions newest first. ?status=active|completed
// narrows the listing.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var (
		sessions []*core.Session
		err      error
	)
	switch strings.ToLower(r.URL.Query().Get("status")) {
	case "":
		sessions, err = s.manager.ListSessions(r.Context())
	case "active":
		sessions, err = s.manager.ListActiveSessions(r.Context())
	case "completed":
		sessions, err = s.manager.ListCompletedSessions(r.Context())
	default:
		respondError(w, http.StatusBadRequest, "status must be one of: active, completed")
		return
	}
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}

	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, summarize(sess))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubmitSession(w http.ResponseWriter, r *http.Request) {
	var req SubmitSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			respondJSON(w, http.StatusUnprocessableEntity, convertValidationErrors(verrs))
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.manager.Submit(r.Context(), req.toSubmit())
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+created.SessionID)
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelRequest is the optional body of the cancel endpoints.
type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=512"`
}

func decodeCancel(r *http.Request) (CancelRequest, error) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, validate.Struct(&req)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCancel(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "sessionID")
	if err := s.manager.CancelSession(r.Context(), id, req.Reason); err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"sessionId": id, "status": "cancel requested"})
}

func (s *Server) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCancel(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, instance := chi.URLParam(r, "sessionID"), chi.URLParam(r, "instance")
	if err := s.manager.CancelInstance(r.Context(), id, instance, req.Reason); err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"sessionId": id,
		"instance":  instance,
		"status":    "cancel requested",
	})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	if s.heartbeats == nil {
		respondJSON(w, http.StatusOK, []string{s.manager.Instance()})
		return
	}
	live, err := s.heartbeats.GetLiveInstances(r.Context())
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, live)
}

func (s *Server) handleListDiagnosers(w http.ResponseWriter, _ *http.Request) {
	diagnosers := s.manager.Catalog().List()
	if diagnosers == nil {
		diagnosers = []core.Diagnoser{}
	}
	respondJSON(w, http.StatusOK, diagnosers)
}
