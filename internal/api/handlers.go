package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/sprite-ai/agmend/internal/analysis"
	"github.com/sprite-ai/agmend/internal/audit"
	"github.com/sprite-ai/agmend/internal/diff"
	"github.com/sprite-ai/agmend/internal/escalation"
	"github.com/sprite-ai/agmend/internal/model"
	"github.com/sprite-ai/agmend/internal/recovery"
	"github.com/sprite-ai/agmend/internal/transcript"
)

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Evaluate ---

type evaluateRequest struct {
	Messages []model.Message `json:"messages" validate:"required,min=1"`
}

// evaluateResponse carries the gated decision and, separately, the raw
// predicates. should_use_smart_recovery can be true while the decision is
// continue, e.g. when a recent diagnosis holds the agent in cooldown.
type evaluateResponse struct {
	escalation.Evaluation
	Diagnose      bool                     `json:"should_diagnose"`
	SmartRecovery bool                     `json:"should_use_smart_recovery"`
	Patterns      transcript.PatternReport `json:"patterns"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.evaluate(req.Messages))
}

func (s *Server) evaluate(msgs []model.Message) evaluateResponse {
	model.Renumber(msgs)
	eng := s.deps.Escalation
	ev := eng.Evaluate(msgs)
	return evaluateResponse{
		Evaluation:    ev,
		Diagnose:      eng.ShouldDiagnoseError(msgs),
		SmartRecovery: eng.ShouldUseSmartRecovery(msgs),
		Patterns:      eng.Analyzer.ErrorPatterns(msgs),
	}
}

// --- Recover ---

type recoverRequest struct {
	ThreadID        string          `json:"thread_id"`
	Messages        []model.Message `json:"messages" validate:"required,min=1"`
	TaskDescription string          `json:"task_description" validate:"required"`
	CompletedTasks  string          `json:"completed_tasks,omitempty"`
	CodebaseHint    string          `json:"codebase_hint,omitempty"`
}

type recoverResponse struct {
	recovery.Outcome
	CircuitOpen bool   `json:"circuit_open"`
	HelpText    string `json:"help_text,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if !s.readJSON(w, r, &req) {
		return
	}

	resp, err := s.runRecovery(r.Context(), req)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, recovery.ErrNoDiagnosis):
		s.writeJSON(w, http.StatusBadGateway, resp)
	case r.Context().Err() != nil:
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// runRecovery runs one invocation. A missing diagnosis still returns the
// outcome so callers can see the strategy and context that were built.
func (s *Server) runRecovery(ctx context.Context, req recoverRequest) (recoverResponse, error) {
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}
	model.Renumber(req.Messages)

	out, err := s.deps.Recovery.Recover(ctx, req.ThreadID, recovery.Request{
		Messages:        req.Messages,
		TaskDescription: req.TaskDescription,
		CompletedTasks:  req.CompletedTasks,
		CodebaseHint:    req.CodebaseHint,
	})
	resp := recoverResponse{Outcome: out, CircuitOpen: out.CircuitOpen()}
	if out.HumanHelp != nil {
		resp.HelpText = out.HumanHelp.String()
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp, err
}

func (s *Server) handleRecoverState(w http.ResponseWriter, r *http.Request) {
	st, ok := s.deps.Recovery.Store.Snapshot(r.PathValue("thread"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "no recovery state for thread")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRecoverReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Recovery.Reset(r.PathValue("thread"))
	w.WriteHeader(http.StatusNoContent)
}

// --- Audit ---

type auditRequest struct {
	ThreadID string `json:"thread_id"`
	WorkDir  string `json:"work_dir" validate:"required"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if !s.readJSON(w, r, &req) {
		return
	}

	st, err := s.deps.Audit.Run(r.Context(), audit.Request{ThreadID: req.ThreadID, WorkDir: req.WorkDir})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// --- Analyze ---

type analyzeRequest struct {
	Diff    string   `json:"diff" validate:"required"`
	RepoDir string   `json:"repo_dir,omitempty"`
	Skip    []string `json:"skip,omitempty"`
}

type diffStats struct {
	Files   int `json:"files"`
	Added   int `json:"added"`
	Deleted int `json:"deleted"`
}

type analyzeResponse struct {
	Summary  string             `json:"summary"`
	MaxRisk  model.RiskLevel    `json:"max_risk"`
	Findings []analysis.Finding `json:"findings"`
	Stats    diffStats          `json:"stats"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !s.readJSON(w, r, &req) {
		return
	}

	ds, err := diff.Parse(req.Diff)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	skip := req.Skip
	if skip == nil {
		skip = s.deps.Skip
	}
	results := analysis.Run(ds, req.RepoDir, skip)

	files, added, deleted := ds.Stats()
	resp := analyzeResponse{
		Summary:  results.Summary(),
		MaxRisk:  results.MaxRisk(),
		Findings: results.Findings,
		Stats:    diffStats{Files: files, Added: added, Deleted: deleted},
	}
	if resp.Findings == nil {
		resp.Findings = []analysis.Finding{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// --- Synthesize ---

type synthesizeRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Synthesizer.Synthesize(req.Text))
}
