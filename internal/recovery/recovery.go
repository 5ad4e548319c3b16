// Package recovery picks an escalating recovery strategy for a stuck agent
// and trips a circuit breaker once the retry budget is spent.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sprite-ai/agmend/internal/model"
	"github.com/sprite-ai/agmend/internal/transcript"
)

// DefaultMaxRetries is the retry budget before the breaker trips.
const DefaultMaxRetries = 5

// ErrNoDiagnosis means the collaborator returned no structured diagnosis.
// It aborts the recovery attempt and must reach the caller.
var ErrNoDiagnosis = errors.New("recovery: no structured diagnosis returned")

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agmend_recovery_attempts_total",
		Help: "Enhanced recovery attempts by strategy",
	}, []string{"strategy"})

	breakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agmend_recovery_breaker_trips_total",
		Help: "Recovery invocations refused by the circuit breaker",
	})

	diagnosisFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agmend_recovery_diagnosis_failures_total",
		Help: "Recovery attempts aborted for lack of a diagnosis",
	})
)

var tracer = otel.Tracer("github.com/sprite-ai/agmend/internal/recovery")

// Request is the input to one recovery invocation.
type Request struct {
	Messages        []model.Message `json:"messages"`
	TaskDescription string          `json:"task_description"`
	CompletedTasks  string          `json:"completed_tasks,omitempty"`
	CodebaseHint    string          `json:"codebase_hint,omitempty"`
}

// EnhancedContext is what the diagnosis collaborator gets to work with.
type EnhancedContext struct {
	ThreadID        string   `json:"thread_id"`
	RetryCount      int      `json:"retry_count"`
	Strategy        Strategy `json:"strategy"`
	ErrorAnalysis   string   `json:"error_analysis"`
	Alternatives    []string `json:"alternatives"`
	TaskDescription string   `json:"task_description"`
	CompletedTasks  string   `json:"completed_tasks,omitempty"`
	CodebaseHint    string   `json:"codebase_hint,omitempty"`
}

// Prompt renders the context as plain text for a model.
func (c EnhancedContext) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recovery attempt %d, strategy %s.\n%s\n\n", c.RetryCount, c.Strategy.Name, c.Strategy.Directive)

	b.WriteString("## Error analysis\n")
	b.WriteString(c.ErrorAnalysis)
	b.WriteString("\n\n")

	if len(c.Alternatives) > 0 {
		b.WriteString("## Alternative approaches to consider\n")
		for i, a := range c.Alternatives {
			fmt.Fprintf(&b, "%d. %s\n", i+1, a)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Current task\n")
	b.WriteString(orNone(c.TaskDescription))
	b.WriteString("\n\n## Completed so far\n")
	b.WriteString(orNone(c.CompletedTasks))
	b.WriteString("\n\n## Codebase\n")
	b.WriteString(orNone(c.CodebaseHint))
	b.WriteString("\n")
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

// Diagnosis is the one structured result expected from the collaborator.
type Diagnosis struct {
	Summary   string   `json:"summary"`
	RootCause string   `json:"root_cause,omitempty"`
	NextSteps []string `json:"next_steps,omitempty"`
}

// Diagnoser is the model-invocation collaborator. Returning (nil, nil) is
// treated the same as an error.
type Diagnoser interface {
	Diagnose(ctx context.Context, ec EnhancedContext) (*Diagnosis, error)
}

// DiagnoserFunc adapts a function to Diagnoser.
type DiagnoserFunc func(ctx context.Context, ec EnhancedContext) (*Diagnosis, error)

// Diagnose implements Diagnoser.
func (f DiagnoserFunc) Diagnose(ctx context.Context, ec EnhancedContext) (*Diagnosis, error) {
	return f(ctx, ec)
}

// Outcome is the result of one invocation. Exactly one of HumanHelp and
// Diagnosis is set.
type Outcome struct {
	ThreadID   string           `json:"thread_id"`
	RetryCount int              `json:"retry_count"`
	Strategy   string           `json:"strategy,omitempty"`
	Context    *EnhancedContext `json:"context,omitempty"`
	Diagnosis  *Diagnosis       `json:"diagnosis,omitempty"`
	HumanHelp  *HelpRequest     `json:"human_help,omitempty"`
}

// CircuitOpen reports whether the breaker refused this invocation.
func (o Outcome) CircuitOpen() bool { return o.HumanHelp != nil }

// Selector runs recovery invocations.
type Selector struct {
	Store        *Store
	Strategies   []Strategy
	Alternatives []string
	MaxRetries   int
	Analyzer     *transcript.Analyzer
	Diagnoser    Diagnoser
	Logger       *slog.Logger
}

// NewSelector returns a selector with default strategies and budget.
func NewSelector(store *Store, diagnoser Diagnoser, logger *slog.Logger) *Selector {
	if store == nil {
		store = NewStore(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		Store:        store,
		Strategies:   DefaultStrategies(),
		Alternatives: DefaultAlternatives(),
		MaxRetries:   DefaultMaxRetries,
		Analyzer:     transcript.NewAnalyzer(),
		Diagnoser:    diagnoser,
		Logger:       logger,
	}
}

// StrategyIndex is the rotation slot for a 1-based retry count.
func StrategyIndex(retry, n int) int {
	if n <= 0 {
		return 0
	}
	if retry < 1 {
		retry = 1
	}
	return (retry - 1) % n
}

// Recover runs one enhanced-recovery invocation for threadID. Invocations for
// the same thread are serialized; other threads are not blocked.
func (s *Selector) Recover(ctx context.Context, threadID string, req Request) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "recovery.Recover",
		trace.WithAttributes(attribute.String("agmend.thread_id", threadID)))
	defer span.End()

	st, release, err := s.Store.Acquire(ctx, threadID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire thread")
		return Outcome{}, fmt.Errorf("acquiring recovery state for %s: %w", threadID, err)
	}
	defer release()

	st.RetryCount++
	s.recordPatterns(st, req.Messages)
	span.SetAttributes(attribute.Int("agmend.retry_count", st.RetryCount))

	out := Outcome{ThreadID: threadID, RetryCount: st.RetryCount}

	if st.RetryCount > s.MaxRetries {
		out.HumanHelp = newHelpRequest(st, s.MaxRetries)
		breakerTrips.Inc()
		span.SetAttributes(attribute.Bool("agmend.circuit_open", true))
		s.Logger.Warn("recovery circuit breaker open",
			"thread_id", threadID,
			"retry_count", st.RetryCount,
			"max_retries", s.MaxRetries,
		)
		return out, nil
	}

	if len(s.Strategies) == 0 {
		return out, errors.New("recovery: no strategies configured")
	}
	strategy := s.Strategies[StrategyIndex(st.RetryCount, len(s.Strategies))]
	out.Strategy = strategy.Name
	span.SetAttributes(attribute.String("agmend.strategy", strategy.Name))

	ec := EnhancedContext{
		ThreadID:        threadID,
		RetryCount:      st.RetryCount,
		Strategy:        strategy,
		ErrorAnalysis:   s.Analyzer.AnalyzeErrorPatterns(req.Messages),
		Alternatives:    firstN(s.Alternatives, MaxAlternatives),
		TaskDescription: req.TaskDescription,
		CompletedTasks:  req.CompletedTasks,
		CodebaseHint:    req.CodebaseHint,
	}
	out.Context = &ec

	st.LastStrategy = strategy.Name
	attemptsTotal.WithLabelValues(strategy.Name).Inc()
	s.Logger.Info("enhanced recovery",
		"thread_id", threadID,
		"retry_count", st.RetryCount,
		"strategy", strategy.Name,
	)

	if s.Diagnoser == nil {
		diagnosisFailures.Inc()
		return out, fmt.Errorf("%w: no diagnoser configured", ErrNoDiagnosis)
	}

	d, err := s.Diagnoser.Diagnose(ctx, ec)
	switch {
	case err != nil:
		err = fmt.Errorf("%w: %w", ErrNoDiagnosis, err)
	case d == nil:
		err = ErrNoDiagnosis
	}
	if err != nil {
		diagnosisFailures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "diagnosis missing")
		s.Logger.Error("recovery diagnosis failed", "thread_id", threadID, "error", err)
		return out, err
	}

	out.Diagnosis = d
	return out, nil
}

// Reset clears a thread's recovery state, re-arming the breaker.
func (s *Selector) Reset(threadID string) {
	s.Store.Reset(threadID)
}

func (s *Selector) recordPatterns(st *State, msgs []model.Message) {
	report := s.Analyzer.ErrorPatterns(msgs)
	for _, t := range report.Categories {
		st.ErrorPatterns[t.Category] = PatternStat{
			Count:          t.Count,
			LastIndex:      t.LastIndex,
			RecentCommands: append([]string(nil), t.RecentCommands...),
		}
	}
}

func categoriesInOrder(st *State) []transcript.ErrorCategory {
	var out []transcript.ErrorCategory
	for _, c := range transcript.Categories {
		if _, ok := st.ErrorPatterns[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

func firstN(items []string, n int) []string {
	if len(items) > n {
		items = items[:n]
	}
	return append([]string(nil), items...)
}
