// Package audit drives a staged security audit of code changes:
// initialize, scan, an optional recommendations pass, and finalize.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sprite-ai/agmend/internal/model"
	"github.com/sprite-ai/agmend/internal/report"
	"github.com/sprite-ai/agmend/internal/threadlock"
)

const (
	// DefaultBranch is used when the base branch cannot be determined.
	DefaultBranch = "main"

	DefaultStageTimeout = 2 * time.Minute

	// DegradedPrefix marks messages that stand in for a failed collaborator.
	DegradedPrefix = "[degraded]"

	// RecommendTool is the tool call analysts attach to ask for a
	// recommendations pass.
	RecommendTool = "request_recommendations"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agmend_audit_runs_total",
		Help: "Completed audit runs by overall risk",
	}, []string{"risk"})

	degradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agmend_audit_degraded_stages_total",
		Help: "Audit stages that fell back to a degraded message",
	}, []string{"stage"})
)

var tracer = otel.Tracer("github.com/sprite-ai/agmend/internal/audit")

// SourceDiff is the source-control collaborator.
type SourceDiff interface {
	BaseBranch(ctx context.Context, workDir string) (string, error)
	ChangedFiles(ctx context.Context, workDir, base string) ([]string, error)
	Diff(ctx context.Context, workDir, base string, files []string) (string, error)
}

// ScanRequest is what the analyst sees during Scan.
type ScanRequest struct {
	WorkDir    string
	BaseBranch string
	Files      []string
	Diff       string
}

// Analyst is the model collaborator. Analyze returns an agent message whose
// ToolCalls, if any, ask for a recommendations pass.
type Analyst interface {
	Analyze(ctx context.Context, req ScanRequest) (model.Message, error)
	Recommend(ctx context.Context, analysis string) (model.Message, error)
}

// Synthesizer folds accumulated text into a report.
type Synthesizer interface {
	Synthesize(text string) model.SecurityAuditReport
}

// AuditState is owned by one Run.
type AuditState struct {
	RunID        string                     `json:"run_id"`
	ThreadID     string                     `json:"thread_id"`
	WorkDir      string                     `json:"work_dir"`
	BaseBranch   string                     `json:"base_branch"`
	ChangedFiles []string                   `json:"changed_files"`
	ScannedFiles []string                   `json:"scanned_files"`
	Messages     []model.Message            `json:"messages"`
	Report       *model.SecurityAuditReport `json:"report,omitempty"`
	Visited      []Stage                    `json:"visited"`
	Degraded     []Stage                    `json:"degraded,omitempty"`

	// SynthesizedRisk is the keyword risk of the analysis text. Report's
	// OverallRisk differs from it only when RiskRaised is set.
	SynthesizedRisk model.RiskLevel `json:"synthesized_risk"`
	RiskRaised      bool            `json:"risk_raised,omitempty"`
}

// Visits reports whether the run went through stage s.
func (st *AuditState) Visits(s Stage) bool {
	for _, v := range st.Visited {
		if v == s {
			return true
		}
	}
	return false
}

// AnalysisText joins the content of agent and system messages.
func (st *AuditState) AnalysisText() string {
	var parts []string
	for _, m := range st.Messages {
		if m.Role != model.RoleAgent && m.Role != model.RoleSystem {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n\n")
}

func (st *AuditState) last() (model.Message, bool) {
	if len(st.Messages) == 0 {
		return model.Message{}, false
	}
	return st.Messages[len(st.Messages)-1], true
}

func (st *AuditState) appendMessage(m model.Message) {
	m.Order = len(st.Messages)
	st.Messages = append(st.Messages, m)
}

// RouteAfterScan picks Recommend when the last message asks for follow-on
// actions and Finalize otherwise.
func RouteAfterScan(last model.Message) Stage {
	if len(last.ToolCalls) > 0 {
		return StageRecommend
	}
	return StageFinalize
}

// StageEvent is emitted after each stage.
type StageEvent struct {
	RunID    string                     `json:"run_id"`
	ThreadID string                     `json:"thread_id"`
	Stage    Stage                      `json:"stage"`
	Next     Stage                      `json:"next"`
	Degraded bool                       `json:"degraded"`
	Message  string                     `json:"message,omitempty"`
	Elapsed  time.Duration              `json:"elapsed_ns"`
	Report   *model.SecurityAuditReport `json:"report,omitempty"`
	// RiskRaised marks a finalize event whose report risk was lifted to
	// medium because a stage degraded.
	RiskRaised bool `json:"risk_raised,omitempty"`
}

// Observer receives stage events. It runs on the pipeline goroutine.
type Observer interface {
	OnStage(StageEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(StageEvent)

// OnStage implements Observer.
func (f ObserverFunc) OnStage(e StageEvent) { f(e) }

// Request starts one audit run.
type Request struct {
	ThreadID string `json:"thread_id"`
	WorkDir  string `json:"work_dir"`
}

// Pipeline runs audits. A Pipeline is safe for concurrent use; runs for the
// same thread id are serialized.
type Pipeline struct {
	Source        SourceDiff
	Analyst       Analyst
	Synthesizer   Synthesizer
	Locks         *threadlock.Map
	Logger        *slog.Logger
	DefaultBranch string
	StageTimeout  time.Duration
	Observer      Observer
}

// New returns a pipeline with default settings.
func New(src SourceDiff, analyst Analyst, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		Source:        src,
		Analyst:       analyst,
		Synthesizer:   report.New(report.Options{}),
		Locks:         threadlock.New(),
		Logger:        logger,
		DefaultBranch: DefaultBranch,
		StageTimeout:  DefaultStageTimeout,
	}
}

// Run executes one audit and returns its final state. The only errors are
// failing to take the thread lock and a broken transition table; collaborator
// failures degrade the report instead.
func (p *Pipeline) Run(ctx context.Context, req Request) (*AuditState, error) {
	st := &AuditState{
		RunID:    uuid.NewString(),
		ThreadID: req.ThreadID,
		WorkDir:  req.WorkDir,
	}
	if st.ThreadID == "" {
		st.ThreadID = st.RunID
	}

	ctx, span := tracer.Start(ctx, "audit.Run",
		trace.WithAttributes(
			attribute.String("agmend.run_id", st.RunID),
			attribute.String("agmend.thread_id", st.ThreadID),
		),
	)
	defer span.End()

	locks := p.Locks
	if locks == nil {
		locks = threadlock.New()
	}
	unlock, err := locks.LockContext(ctx, st.ThreadID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock thread")
		return nil, fmt.Errorf("waiting for audit on thread %s: %w", st.ThreadID, err)
	}
	defer unlock()

	p.logger().Info("audit started", "run_id", st.RunID, "thread_id", st.ThreadID, "work_dir", st.WorkDir)

	started := time.Now()
	m := p.machine(&started)
	if err := m.Run(ctx, st); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return st, err
	}

	if st.Report != nil {
		runsTotal.WithLabelValues(st.Report.OverallRisk.String()).Inc()
		span.SetAttributes(attribute.String("agmend.overall_risk", st.Report.OverallRisk.String()))
	}
	return st, nil
}

func (p *Pipeline) machine(started *time.Time) *Machine[AuditState] {
	return &Machine[AuditState]{
		Start:    StageInitialize,
		Terminal: StageDone,
		Nodes: map[Stage]Node[AuditState]{
			StageInitialize: {Run: p.initialize, Next: Goto[AuditState](StageScan)},
			StageScan: {Run: p.scan, Next: func(st *AuditState) Stage {
				last, _ := st.last()
				return RouteAfterScan(last)
			}},
			StageRecommend: {Run: p.recommend, Next: Goto[AuditState](StageFinalize)},
			StageFinalize:  {Run: p.finalize, Next: Goto[AuditState](StageDone)},
		},
		After: func(_ context.Context, from, to Stage, st *AuditState) {
			st.Visited = append(st.Visited, from)
			p.emit(st, from, to, started)
		},
	}
}

func (p *Pipeline) emit(st *AuditState, from, to Stage, started *time.Time) {
	now := time.Now()
	ev := StageEvent{
		RunID:    st.RunID,
		ThreadID: st.ThreadID,
		Stage:    from,
		Next:     to,
		Elapsed:  now.Sub(*started),
	}
	*started = now
	for _, d := range st.Degraded {
		if d == from {
			ev.Degraded = true
		}
	}
	if from != StageInitialize {
		if last, ok := st.last(); ok {
			ev.Message = last.Content
		}
	}
	if from == StageFinalize {
		ev.Report = st.Report
		ev.RiskRaised = st.RiskRaised
	}

	p.logger().Debug("audit stage complete",
		"run_id", st.RunID,
		"stage", from.String(),
		"next", to.String(),
		"degraded", ev.Degraded,
	)
	if p.Observer != nil {
		p.Observer.OnStage(ev)
	}
}

func (p *Pipeline) initialize(ctx context.Context, st *AuditState) {
	_, span := tracer.Start(ctx, "audit.initialize")
	defer span.End()

	base := ""
	if p.Source != nil {
		b, err := p.Source.BaseBranch(ctx, st.WorkDir)
		if err != nil {
			p.logger().Warn("base branch lookup failed", "run_id", st.RunID, "error", err)
		}
		base = strings.TrimSpace(b)
	}
	if base == "" {
		base = p.defaultBranch()
	}
	st.BaseBranch = base

	st.ChangedFiles = []string{}
	if p.Source == nil {
		return
	}
	files, err := p.Source.ChangedFiles(ctx, st.WorkDir, base)
	if err != nil {
		p.logger().Warn("changed files lookup failed", "run_id", st.RunID, "base", base, "error", err)
		return
	}
	for _, f := range files {
		if f = strings.TrimSpace(f); f != "" {
			st.ChangedFiles = append(st.ChangedFiles, f)
		}
	}
	span.SetAttributes(
		attribute.String("agmend.base_branch", base),
		attribute.Int("agmend.changed_files", len(st.ChangedFiles)),
	)
}

func (p *Pipeline) scan(ctx context.Context, st *AuditState) {
	ctx, span := tracer.Start(ctx, "audit.scan")
	defer span.End()

	if len(st.ChangedFiles) == 0 {
		st.appendMessage(model.Message{
			Role:    model.RoleAgent,
			Content: fmt.Sprintf("No changed files found relative to %s. Nothing to audit.", st.BaseBranch),
		})
		return
	}

	if p.Analyst == nil {
		p.degrade(st, StageScan, span, errors.New("no analyst configured"))
		return
	}

	cctx, cancel := p.collaboratorContext(ctx)
	defer cancel()

	diffText, err := p.Source.Diff(cctx, st.WorkDir, st.BaseBranch, st.ChangedFiles)
	if err != nil {
		p.degrade(st, StageScan, span, fmt.Errorf("retrieving diff: %w", err))
		return
	}

	msg, err := p.Analyst.Analyze(cctx, ScanRequest{
		WorkDir:    st.WorkDir,
		BaseBranch: st.BaseBranch,
		Files:      st.ChangedFiles,
		Diff:       diffText,
	})
	if err != nil {
		p.degrade(st, StageScan, span, fmt.Errorf("analysis: %w", err))
		return
	}

	msg.Role = model.RoleAgent
	st.appendMessage(msg)
	st.ScannedFiles = append([]string(nil), st.ChangedFiles...)
}

func (p *Pipeline) recommend(ctx context.Context, st *AuditState) {
	ctx, span := tracer.Start(ctx, "audit.recommend")
	defer span.End()

	if p.Analyst == nil {
		p.degrade(st, StageRecommend, span, errors.New("no analyst configured"))
		return
	}

	cctx, cancel := p.collaboratorContext(ctx)
	defer cancel()

	msg, err := p.Analyst.Recommend(cctx, st.AnalysisText())
	if err != nil {
		p.degrade(st, StageRecommend, span, fmt.Errorf("recommendations: %w", err))
		return
	}
	msg.Role = model.RoleAgent
	msg.ToolCalls = nil
	st.appendMessage(msg)
}

func (p *Pipeline) finalize(ctx context.Context, st *AuditState) {
	_, span := tracer.Start(ctx, "audit.finalize")
	defer span.End()

	r := p.synthesize(st)
	st.SynthesizedRisk = r.OverallRisk
	if len(st.Degraded) > 0 && r.OverallRisk < model.RiskMedium {
		// A partial audit cannot vouch for low risk.
		st.RiskRaised = true
		r.OverallRisk = model.RiskMedium
		if len(r.Recommendations) < report.DefaultMaxRecommendations {
			r.Recommendations = append(r.Recommendations, report.Fallback().Recommendations...)
		}
	}
	st.Report = &r
	span.SetAttributes(attribute.String("agmend.overall_risk", r.OverallRisk.String()))

	st.appendMessage(model.Message{
		Role: model.RoleAgent,
		Content: fmt.Sprintf("Security audit complete. Overall risk: %s. %d vulnerabilit(y/ies), %d recommendation(s).",
			r.OverallRisk, len(r.Vulnerabilities), len(r.Recommendations)),
	})
	p.logger().Info("audit finished",
		"run_id", st.RunID,
		"risk", r.OverallRisk.String(),
		"recommendations", len(r.Recommendations),
		"degraded", len(st.Degraded),
		"risk_raised", st.RiskRaised,
	)
}

// synthesize never lets a synthesizer failure escape.
func (p *Pipeline) synthesize(st *AuditState) (r model.SecurityAuditReport) {
	defer func() {
		if v := recover(); v != nil {
			p.logger().Error("report synthesis failed, using fallback", "run_id", st.RunID, "panic", v)
			r = report.Fallback()
		}
	}()

	syn := p.Synthesizer
	if syn == nil {
		syn = report.New(report.Options{})
	}
	r = syn.Synthesize(st.AnalysisText())
	if r.Vulnerabilities == nil {
		r.Vulnerabilities = []model.Vulnerability{}
	}
	if r.Recommendations == nil {
		r.Recommendations = []string{}
	}
	return r
}

func (p *Pipeline) degrade(st *AuditState, stage Stage, span trace.Span, err error) {
	st.Degraded = append(st.Degraded, stage)
	degradedTotal.WithLabelValues(stage.String()).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "degraded")

	p.logger().Error("audit stage degraded", "run_id", st.RunID, "stage", stage.String(), "error", err)

	what := "Security scan"
	if stage == StageRecommend {
		what = "Recommendation generation"
	}
	st.appendMessage(model.Message{
		Role:    model.RoleSystem,
		Content: fmt.Sprintf("%s %s is unavailable (%v). Results may be incomplete.", DegradedPrefix, what, err),
	})
}

func (p *Pipeline) collaboratorContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.StageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.StageTimeout)
}

func (p *Pipeline) defaultBranch() string {
	if p.DefaultBranch != "" {
		return p.DefaultBranch
	}
	return DefaultBranch
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
