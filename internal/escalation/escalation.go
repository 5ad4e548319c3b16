// Package escalation decides, after each tool result, whether an agent should
// keep going, stop to diagnose its errors, or switch to enhanced recovery.
package escalation

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sprite-ai/agmend/internal/model"
	"github.com/sprite-ai/agmend/internal/transcript"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agmend_escalation_decisions_total",
	Help: "Escalation decisions by outcome",
}, []string{"decision"})

// Decision is the routing outcome of one evaluation.
type Decision int

const (
	DecisionContinue Decision = iota
	DecisionDiagnose
	DecisionSmartRecovery
)

func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionDiagnose:
		return "diagnose"
	case DecisionSmartRecovery:
		return "smart_recovery"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Thresholds tunes when escalation fires.
type Thresholds struct {
	MinGroups           int     `yaml:"min_groups" json:"min_groups"`
	CooldownGroups      int     `yaml:"cooldown_groups" json:"cooldown_groups"`
	DiagnosePairRate    float64 `yaml:"diagnose_pair_rate" json:"diagnose_pair_rate"`
	DiagnoseTripleRate  float64 `yaml:"diagnose_triple_rate" json:"diagnose_triple_rate"`
	SmartTripleRate     float64 `yaml:"smart_triple_rate" json:"smart_triple_rate"`
	DiagnosisLookback   int     `yaml:"diagnosis_lookback" json:"diagnosis_lookback"`
	PriorDiagnosesLimit int     `yaml:"prior_diagnoses" json:"prior_diagnoses"`
}

// DefaultThresholds returns the stock tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinGroups:           2,
		CooldownGroups:      2,
		DiagnosePairRate:    0.5,
		DiagnoseTripleRate:  0.6,
		SmartTripleRate:     0.8,
		DiagnosisLookback:   20,
		PriorDiagnosesLimit: 2,
	}
}

// Evaluation is the result of Evaluate.
type Evaluation struct {
	Decision Decision  `json:"decision"`
	Reason   string    `json:"reason"`
	Groups   int       `json:"groups"`
	Stuck    bool      `json:"stuck"`
	Rates    []float64 `json:"recent_error_rates"` // up to the last three groups, oldest first
}

// Engine evaluates transcripts. It holds no per-thread state.
type Engine struct {
	Analyzer   *transcript.Analyzer
	Thresholds Thresholds
	Logger     *slog.Logger
}

// New returns an engine with default thresholds.
func New(analyzer *transcript.Analyzer, logger *slog.Logger) *Engine {
	if analyzer == nil {
		analyzer = transcript.NewAnalyzer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Analyzer: analyzer, Thresholds: DefaultThresholds(), Logger: logger}
}

// ShouldDiagnoseError reports whether the agent should stop and diagnose.
func (e *Engine) ShouldDiagnoseError(msgs []model.Message) bool {
	ok, _ := e.diagnose(msgs, transcript.GroupMessages(msgs))
	return ok
}

// ShouldUseSmartRecovery reports whether the evidence calls for enhanced
// recovery rather than a plain diagnosis.
func (e *Engine) ShouldUseSmartRecovery(msgs []model.Message) bool {
	ok, _ := e.smart(msgs, transcript.GroupMessages(msgs))
	return ok
}

// Evaluate combines both checks. Smart recovery wins when both fire, and is
// only considered once diagnosis is warranted.
func (e *Engine) Evaluate(msgs []model.Message) Evaluation {
	groups := transcript.GroupMessages(msgs)

	ev := Evaluation{
		Decision: DecisionContinue,
		Groups:   len(groups),
		Stuck:    e.Analyzer.DetectStuckPattern(msgs),
	}
	for _, g := range transcript.LastGroups(groups, 3) {
		ev.Rates = append(ev.Rates, transcript.ErrorRate(g))
	}

	if ok, why := e.diagnose(msgs, groups); ok {
		ev.Decision, ev.Reason = DecisionDiagnose, why
		if ok, why := e.smart(msgs, groups); ok {
			ev.Decision, ev.Reason = DecisionSmartRecovery, why
		}
	} else {
		ev.Reason = why
	}

	decisionsTotal.WithLabelValues(ev.Decision.String()).Inc()
	e.Logger.Debug("escalation evaluated",
		"decision", ev.Decision.String(),
		"reason", ev.Reason,
		"groups", ev.Groups,
		"stuck", ev.Stuck,
	)
	return ev
}

func (e *Engine) diagnose(msgs []model.Message, groups []transcript.Group) (bool, string) {
	th := e.Thresholds
	if len(groups) < th.MinGroups {
		return false, fmt.Sprintf("only %d tool group(s)", len(groups))
	}

	// Cooldown looks at the unfiltered grouping so recent diagnoses are visible.
	for _, g := range transcript.LastGroups(transcript.GroupWithDiagnoses(msgs), th.CooldownGroups) {
		for _, m := range g.Results {
			if m.IsDiagnosis() {
				return false, "diagnosis ran recently"
			}
		}
	}

	if e.Analyzer.DetectStuckPattern(msgs) {
		return true, "same tool keeps failing"
	}

	if allAtLeast(transcript.LastGroups(groups, 2), th.DiagnosePairRate) {
		return true, fmt.Sprintf("last 2 groups error rate >= %.2f", th.DiagnosePairRate)
	}

	if len(groups) >= 3 && allAtLeast(transcript.LastGroups(groups, 3), th.DiagnoseTripleRate) {
		return true, fmt.Sprintf("last 3 groups error rate >= %.2f", th.DiagnoseTripleRate)
	}
	return false, "error rate below thresholds"
}

func (e *Engine) smart(msgs []model.Message, groups []transcript.Group) (bool, string) {
	th := e.Thresholds
	if len(groups) < th.MinGroups {
		return false, fmt.Sprintf("only %d tool group(s)", len(groups))
	}

	recent := msgs
	if th.DiagnosisLookback > 0 && len(recent) > th.DiagnosisLookback {
		recent = recent[len(recent)-th.DiagnosisLookback:]
	}
	prior := 0
	for _, m := range recent {
		if m.IsDiagnosis() {
			prior++
		}
	}
	if prior >= th.PriorDiagnosesLimit {
		return true, fmt.Sprintf("%d diagnoses already attempted", prior)
	}

	if len(groups) >= 3 && allAtLeast(transcript.LastGroups(groups, 3), th.SmartTripleRate) {
		return true, fmt.Sprintf("last 3 groups error rate >= %.2f", th.SmartTripleRate)
	}

	if e.Analyzer.DetectStuckPattern(msgs) {
		return true, "same tool keeps failing"
	}
	return false, "no strong failure evidence"
}

func allAtLeast(groups []transcript.Group, rate float64) bool {
	if len(groups) == 0 {
		return false
	}
	for _, g := range groups {
		if transcript.ErrorRate(g) < rate {
			return false
		}
	}
	return true
}
