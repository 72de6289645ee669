package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/plonhq/plon-orchestrator/internal/domain"
)

// launchRequest carries the task to launch a session for
type launchRequest struct {
	TaskID         string   `json:"task_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Priority       string   `json:"priority"`
	EstimatedHours float64  `json:"estimated_hours"`
	Tags           []string `json:"tags"`
	GoalTitle      string   `json:"goal_title"`
}

// sessionResponse is the wire form of a session
type sessionResponse struct {
	ID           string `json:"id"`
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	BranchName   string `json:"branch_name,omitempty"`
	PRURL        string `json:"pr_url,omitempty"`
	PRNumber     int    `json:"pr_number,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	StartedAt    string `json:"started_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
	LogLines     int    `json:"log_lines"`
}

func toSessionResponse(s *domain.Session) sessionResponse {
	resp := sessionResponse{
		ID:           s.ID.String(),
		TaskID:       s.TaskID.String(),
		Status:       string(s.Status),
		BranchName:   s.BranchName,
		PRURL:        s.PRURL,
		PRNumber:     s.PRNumber,
		ErrorMessage: s.ErrorMessage,
		StartedAt:    s.StartedAt.Format("2006-01-02T15:04:05Z"),
		LogLines:     len(s.Log),
	}
	if s.CompletedAt != nil {
		resp.CompletedAt = s.CompletedAt.Format("2006-01-02T15:04:05Z")
	}
	return resp
}

func sessionID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

func (s *Server) launchSession(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	taskID, err := uuid.Parse(req.TaskID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task_id")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	task := domain.TaskSnapshot{
		ID:             taskID,
		Title:          req.Title,
		Description:    req.Description,
		Priority:       domain.Priority(req.Priority),
		EstimatedHours: req.EstimatedHours,
		Tags:           req.Tags,
		GoalTitle:      req.GoalTitle,
	}

	id, err := s.orch.Launch(r.Context(), task)
	switch {
	case errors.Is(err, domain.ErrConcurrentSession):
		writeError(w, http.StatusConflict, "task already has an active session")
		return
	case errors.Is(err, domain.ErrConfigMissing):
		writeError(w, http.StatusPreconditionFailed, "agent configuration missing")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id.String()})
}

func (s *Server) listActiveSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.orch.ListActive()
	resp := make([]sessionResponse, 0, len(sessions))
	for _, session := range sessions {
		resp = append(resp, toSessionResponse(session))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	session, err := s.orch.GetStatus(id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (s *Server) getSessionLog(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	session, err := s.orch.GetStatus(id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": session.ID.String(),
		"log":        session.Log,
	})
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	err = s.orch.Cancel(id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func (s *Server) listTaskSessions(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	sessions, err := s.orch.ListForTask(taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make([]sessionResponse, 0, len(sessions))
	for _, session := range sessions {
		resp = append(resp, toSessionResponse(session))
	}
	writeJSON(w, http.StatusOK, resp)
}

// configPayload is the wire form of the agent configuration. The session
// duration crosses the wire in minutes.
type configPayload struct {
	GitHubOwner       string `json:"github_owner"`
	GitHubRepo        string `json:"github_repo"`
	CloneURL          string `json:"clone_url,omitempty"`
	BaseBranch        string `json:"base_branch"`
	AgentModel        string `json:"agent_model"`
	MaxSessionMinutes int    `json:"max_session_minutes"`
	AutoCreatePR      bool   `json:"auto_create_pr"`
	WorkingDirectory  string `json:"working_directory,omitempty"`
}

func toConfigPayload(cfg *domain.AgentConfig) configPayload {
	return configPayload{
		GitHubOwner:       cfg.GitHubOwner,
		GitHubRepo:        cfg.GitHubRepo,
		CloneURL:          cfg.CloneURL,
		BaseBranch:        cfg.BaseBranch,
		AgentModel:        cfg.AgentModel,
		MaxSessionMinutes: int(cfg.MaxSessionDuration / time.Minute),
		AutoCreatePR:      cfg.AutoCreatePR,
		WorkingDirectory:  cfg.WorkingDirectory,
	}
}

func (p configPayload) toDomain() *domain.AgentConfig {
	cfg := domain.DefaultAgentConfig(p.GitHubOwner, p.GitHubRepo)
	cfg.CloneURL = p.CloneURL
	if p.BaseBranch != "" {
		cfg.BaseBranch = p.BaseBranch
	}
	if p.AgentModel != "" {
		cfg.AgentModel = p.AgentModel
	}
	if p.MaxSessionMinutes > 0 {
		cfg.MaxSessionDuration = time.Duration(p.MaxSessionMinutes) * time.Minute
	}
	cfg.AutoCreatePR = p.AutoCreatePR
	cfg.WorkingDirectory = p.WorkingDirectory
	return cfg
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.store.GetConfig()
	if errors.Is(err, domain.ErrConfigMissing) {
		writeError(w, http.StatusNotFound, "no configuration saved")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toConfigPayload(cfg))
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var payload configPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cfg := payload.toDomain()
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SaveConfig(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toConfigPayload(cfg))
}

func (s *Server) listTemplates(w http.ResponseWriter, _ *http.Request) {
	tmpls, err := s.store.ListTemplates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tmpls)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
