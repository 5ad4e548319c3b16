package transcript

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sprite-ai/agmend/internal/model"
)

const (
	// DefaultStuckWindow is how many trailing messages stuck detection inspects.
	DefaultStuckWindow = 10

	// DefaultStuckThreshold is how many same-name failures count as stuck.
	DefaultStuckThreshold = 3

	// recentCommandsKept bounds the per-category command history.
	recentCommandsKept = 3
)

// ErrorRate returns the fraction of failed results in g. An empty group has
// rate 0.
func ErrorRate(g Group) float64 {
	if len(g.Results) == 0 {
		return 0
	}
	failed := 0
	for _, m := range g.Results {
		if m.Status == model.StatusError {
			failed++
		}
	}
	return float64(failed) / float64(len(g.Results))
}

// CategoryTally summarizes the failures that fell into one category.
type CategoryTally struct {
	Category       ErrorCategory `json:"category"`
	Count          int           `json:"count"`
	LastIndex      int           `json:"last_index"`      // slice index of the latest failure
	RecentCommands []string      `json:"recent_commands"` // oldest first, at most three
}

// RepeatedCommand is a failing command string seen more than once.
type RepeatedCommand struct {
	Command string `json:"command"`
	Count   int    `json:"count"`
}

// PatternReport is the structured form of AnalyzeErrorPatterns.
type PatternReport struct {
	TotalErrors int               `json:"total_errors"`
	Categories  []CategoryTally   `json:"categories"`
	Repeated    []RepeatedCommand `json:"repeated"`
}

// Analyzer bundles the classifier and stuck-detection settings.
type Analyzer struct {
	Classifier     *Classifier
	StuckWindow    int
	StuckThreshold int
}

// NewAnalyzer returns an analyzer with default settings.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		Classifier:     DefaultClassifier(),
		StuckWindow:    DefaultStuckWindow,
		StuckThreshold: DefaultStuckThreshold,
	}
}

func (a *Analyzer) classifier() *Classifier {
	if a == nil || a.Classifier == nil {
		return defaultClassifier
	}
	return a.Classifier
}

// ErrorPatterns tallies failed tool results by category and finds commands
// that failed repeatedly.
func (a *Analyzer) ErrorPatterns(msgs []model.Message) PatternReport {
	cls := a.classifier()
	byCat := make(map[ErrorCategory]*CategoryTally)

	commands := make(map[string]int)
	var order []string

	var report PatternReport
	for i, m := range msgs {
		if !m.IsError() {
			continue
		}
		report.TotalErrors++

		cat := cls.Classify(m)
		t, ok := byCat[cat]
		if !ok {
			t = &CategoryTally{Category: cat}
			byCat[cat] = t
		}
		t.Count++
		t.LastIndex = i
		cmd := m.CommandLine()
		t.RecentCommands = append(t.RecentCommands, cmd)
		if len(t.RecentCommands) > recentCommandsKept {
			t.RecentCommands = t.RecentCommands[len(t.RecentCommands)-recentCommandsKept:]
		}

		if cmd == "" {
			continue
		}
		if commands[cmd] == 0 {
			order = append(order, cmd)
		}
		commands[cmd]++
	}

	for _, c := range Categories {
		if t, ok := byCat[c]; ok {
			report.Categories = append(report.Categories, *t)
		}
	}

	for _, cmd := range order {
		if n := commands[cmd]; n >= 2 {
			report.Repeated = append(report.Repeated, RepeatedCommand{Command: cmd, Count: n})
		}
	}
	sort.SliceStable(report.Repeated, func(i, j int) bool {
		return report.Repeated[i].Count > report.Repeated[j].Count
	})

	return report
}

// String renders the report as the text handed to a diagnosis model.
func (r PatternReport) String() string {
	if r.TotalErrors == 0 {
		return "No failed tool invocations found."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Error pattern analysis (%d failed tool invocation(s)):\n", r.TotalErrors)
	for _, t := range r.Categories {
		fmt.Fprintf(&b, "- %s: %d occurrence(s)", t.Category, t.Count)
		if len(t.RecentCommands) > 0 {
			fmt.Fprintf(&b, "; recent: %s", strings.Join(t.RecentCommands, ", "))
		}
		b.WriteByte('\n')
	}

	if len(r.Repeated) > 0 {
		b.WriteString("\nRepeated failing commands:\n")
		for _, rc := range r.Repeated {
			fmt.Fprintf(&b, "- %q failed %d times\n", rc.Command, rc.Count)
		}
	}
	return b.String()
}

// AnalyzeErrorPatterns returns the textual error-pattern report.
func (a *Analyzer) AnalyzeErrorPatterns(msgs []model.Message) string {
	return a.ErrorPatterns(msgs).String()
}

// DetectStuckPattern reports whether, within the trailing window, the same
// tool failed right after an agent message StuckThreshold or more times.
func (a *Analyzer) DetectStuckPattern(msgs []model.Message) bool {
	window, threshold := DefaultStuckWindow, DefaultStuckThreshold
	if a != nil {
		if a.StuckWindow > 0 {
			window = a.StuckWindow
		}
		if a.StuckThreshold > 0 {
			threshold = a.StuckThreshold
		}
	}
	return detectStuck(msgs, window, threshold)
}

func detectStuck(msgs []model.Message, window, threshold int) bool {
	if len(msgs) > window {
		msgs = msgs[len(msgs)-window:]
	}

	counts := make(map[string]int)
	for i := 0; i+1 < len(msgs); i++ {
		if !msgs[i].IsAgent() || !msgs[i+1].IsError() {
			continue
		}
		name := msgs[i+1].Name
		counts[name]++
		if counts[name] >= threshold {
			return true
		}
	}
	return false
}

// AnalyzeErrorPatterns runs the default analyzer.
func AnalyzeErrorPatterns(msgs []model.Message) string {
	return NewAnalyzer().AnalyzeErrorPatterns(msgs)
}

// DetectStuckPattern runs stuck detection over the trailing window.
func DetectStuckPattern(msgs []model.Message, window int) bool {
	if window <= 0 {
		window = DefaultStuckWindow
	}
	return detectStuck(msgs, window, DefaultStuckThreshold)
}
