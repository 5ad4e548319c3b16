// Package report folds free-form audit analysis text into a structured,
// risk-ranked SecurityAuditReport.
package report

import (
	"regexp"
	"strings"

	"github.com/sprite-ai/agmend/internal/model"
)

const (
	DefaultSummaryLimit       = 500
	DefaultMaxRecommendations = 10

	// EmptySummary is used when there is no analysis text at all.
	EmptySummary = "No security issues identified in the analyzed changes."

	ellipsis = "..."
)

// Tier is a set of keywords that, when present, raise the report to Risk.
type Tier struct {
	Risk     model.RiskLevel `yaml:"risk" json:"risk"`
	Keywords []string        `yaml:"keywords" json:"keywords" validate:"required,min=1,dive,required"`
}

// DefaultTiers returns the keyword tiers in priority order.
func DefaultTiers() []Tier {
	return []Tier{
		{model.RiskCritical, []string{"critical", "remote code execution", "rce", "sql injection", "authentication bypass", "hardcoded secret", "hardcoded password", "private key"}},
		{model.RiskHigh, []string{"high", "xss", "cross-site scripting", "command injection", "path traversal", "csrf", "insecure deserialization", "ssrf"}},
		{model.RiskMedium, []string{"medium", "weak", "deprecated", "missing validation", "information disclosure", "insecure"}},
	}
}

// recommendationLine matches a list item (number, dash or asterisk marker)
// that contains one of the advisory verbs anywhere, including inside a longer
// word such as "reconsider".
var recommendationLine = regexp.MustCompile(`(?i)^\s*(?:\d+[.)]?|[-*])\s*(.*(?:recommend|should|consider).*)$`)

type compiledTier struct {
	risk model.RiskLevel
	re   *regexp.Regexp
}

// Synthesizer turns analysis text into a report. The zero value is not
// usable; build one with New.
type Synthesizer struct {
	tiers              []compiledTier
	summaryLimit       int
	maxRecommendations int
}

// Options tune a Synthesizer. Zero fields take the defaults.
type Options struct {
	Tiers              []Tier
	SummaryLimit       int
	MaxRecommendations int
}

// New compiles the keyword tiers. Keywords match case-insensitively on word
// boundaries so that "rce" does not fire inside "source".
func New(opts Options) *Synthesizer {
	if len(opts.Tiers) == 0 {
		opts.Tiers = DefaultTiers()
	}
	if opts.SummaryLimit <= 0 {
		opts.SummaryLimit = DefaultSummaryLimit
	}
	if opts.MaxRecommendations <= 0 {
		opts.MaxRecommendations = DefaultMaxRecommendations
	}

	s := &Synthesizer{
		summaryLimit:       opts.SummaryLimit,
		maxRecommendations: opts.MaxRecommendations,
	}
	for _, t := range opts.Tiers {
		var alts []string
		for _, kw := range t.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			alts = append(alts, regexp.QuoteMeta(kw))
		}
		if len(alts) == 0 {
			continue
		}
		s.tiers = append(s.tiers, compiledTier{
			risk: t.Risk,
			re:   regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`),
		})
	}
	return s
}

var defaultSynthesizer = New(Options{})

// Synthesize builds a report with the default settings.
func Synthesize(text string) model.SecurityAuditReport {
	return defaultSynthesizer.Synthesize(text)
}

// Synthesize derives overall risk, recommendations and summary from text.
// Vulnerabilities are never extracted from free text.
func (s *Synthesizer) Synthesize(text string) model.SecurityAuditReport {
	return model.SecurityAuditReport{
		Vulnerabilities: []model.Vulnerability{},
		Summary:         s.Summary(text),
		OverallRisk:     s.Risk(text),
		Recommendations: s.Recommendations(text),
	}
}

// Risk returns the first tier whose keywords appear in text, or low.
func (s *Synthesizer) Risk(text string) model.RiskLevel {
	for _, t := range s.tiers {
		if t.re.MatchString(text) {
			return t.risk
		}
	}
	return model.RiskLow
}

// Recommendations returns advisory list items in document order, marker
// stripped, capped at the configured maximum.
func (s *Synthesizer) Recommendations(text string) []string {
	recs := []string{}
	for _, line := range strings.Split(text, "\n") {
		m := recommendationLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		rec := strings.TrimSpace(m[1])
		if rec == "" {
			continue
		}
		recs = append(recs, rec)
		if len(recs) == s.maxRecommendations {
			break
		}
	}
	return recs
}

// Summary returns text verbatim when short enough, otherwise its first
// SummaryLimit characters and an ellipsis.
func (s *Synthesizer) Summary(text string) string {
	if text == "" {
		return EmptySummary
	}
	runes := []rune(text)
	if len(runes) <= s.summaryLimit {
		return text
	}
	return string(runes[:s.summaryLimit]) + ellipsis
}

// Fallback is the fixed report used when synthesis itself fails.
func Fallback() model.SecurityAuditReport {
	return model.SecurityAuditReport{
		Vulnerabilities: []model.Vulnerability{},
		Summary:         "Security audit could not be completed automatically.",
		OverallRisk:     model.RiskMedium,
		Recommendations: []string{"Perform a manual security review of the changes"},
	}
}

// ExitCode maps a report to a process exit status: 2 for high or critical
// risk, 1 for medium, 0 otherwise.
func ExitCode(r model.SecurityAuditReport) int {
	switch {
	case r.OverallRisk >= model.RiskHigh:
		return 2
	case r.OverallRisk >= model.RiskMedium:
		return 1
	default:
		return 0
	}
}
