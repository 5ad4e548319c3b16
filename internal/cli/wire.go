package cli

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/sprite-ai/agmend/internal/analysis"
	"github.com/sprite-ai/agmend/internal/audit"
	"github.com/sprite-ai/agmend/internal/config"
	"github.com/sprite-ai/agmend/internal/diff"
	"github.com/sprite-ai/agmend/internal/escalation"
	"github.com/sprite-ai/agmend/internal/llm"
	"github.com/sprite-ai/agmend/internal/recovery"
	"github.com/sprite-ai/agmend/internal/report"
	"github.com/sprite-ai/agmend/internal/trace"
	"github.com/sprite-ai/agmend/internal/transcript"
)

func newAnalyzer(cfg *config.Config) *transcript.Analyzer {
	return &transcript.Analyzer{
		Classifier:     transcript.NewClassifier(cfg.Classifier.Rules),
		StuckWindow:    cfg.Classifier.StuckWindow,
		StuckThreshold: cfg.Classifier.StuckThreshold,
	}
}

func newEngine(cfg *config.Config, logger *slog.Logger) *escalation.Engine {
	e := escalation.New(newAnalyzer(cfg), logger)
	e.Thresholds = cfg.Escalation
	return e
}

func newSynthesizer(cfg *config.Config) *report.Synthesizer {
	return report.New(report.Options{
		Tiers:              cfg.Report.Tiers,
		SummaryLimit:       cfg.Report.SummaryLimit,
		MaxRecommendations: cfg.Report.MaxRecommendations,
	})
}

func traceOptions(cfg *config.Config) trace.Options {
	return trace.Options{DiagnosisTool: cfg.Classifier.DiagnosisTool}
}

// newLLM returns nil when no model is configured.
func newLLM(cfg *config.Config, logger *slog.Logger) (*llm.Client, error) {
	if !cfg.LLM.Enabled() {
		return nil, nil
	}
	return llm.New(llm.Options{
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		APIKeyEnv: cfg.LLM.APIKeyEnv,
		Timeout:   cfg.LLM.Timeout,
	}, logger)
}

func newSelector(cfg *config.Config, diagnoser recovery.Diagnoser, logger *slog.Logger) *recovery.Selector {
	s := recovery.NewSelector(recovery.NewStore(cfg.Recovery.TTL, cfg.Recovery.MaxThreads), diagnoser, logger)
	s.MaxRetries = cfg.Recovery.MaxRetries
	s.Strategies = cfg.Recovery.Strategies
	s.Alternatives = cfg.Recovery.Alternatives
	s.Analyzer = newAnalyzer(cfg)
	return s
}

// newPipeline wires the audit pipeline. The model-backed analyst is used
// when one is configured unless static is set.
func newPipeline(cfg *config.Config, src audit.SourceDiff, client *llm.Client, static bool, logger *slog.Logger) *audit.Pipeline {
	var analyst audit.Analyst = analysis.NewAnalyst(cfg.Audit.Skip, logger)
	if client != nil && !static {
		analyst = client
	}
	p := audit.New(src, analyst, logger)
	p.Synthesizer = newSynthesizer(cfg)
	p.DefaultBranch = cfg.Audit.DefaultBranch
	p.StageTimeout = cfg.Audit.StageTimeout
	return p
}

func newGit(cfg *config.Config, logger *slog.Logger) *diff.Git {
	g := diff.NewGit(logger)
	g.ContextLines = cfg.Audit.ContextLines
	return g
}

func gitRepoRoot() (string, error) {
	out, err := exec.Command("git", "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return "", fmt.Errorf("not in a git repository (or git not installed): %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
