// Package trace loads agent conversation transcripts from disk into the
// flat message list the escalation engine works on.
package trace

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sprite-ai/agmend/internal/model"
)

// DefaultDiagnosisTool is the tool whose results are flagged as diagnoses.
const DefaultDiagnosisTool = "diagnose_error"

// Options tune parsing.
type Options struct {
	// DiagnosisTool names the tool whose results count as diagnosis passes.
	DiagnosisTool string
}

func (o Options) diagnosisTool() string {
	if o.DiagnosisTool == "" {
		return DefaultDiagnosisTool
	}
	return o.DiagnosisTool
}

// Transcript is a parsed agent conversation.
type Transcript struct {
	Source    string // "claude-code", "aider", "generic"
	Path      string
	SessionID string
	StartTime time.Time
	EndTime   time.Time
	Messages  []model.Message

	FilesChanged []string
}

// ToolResults returns the number of tool results and how many failed.
func (t *Transcript) ToolResults() (total, failed int) {
	for _, m := range t.Messages {
		if !m.IsToolResult() {
			continue
		}
		total++
		if m.IsError() {
			failed++
		}
	}
	return total, failed
}

// Summary renders a short markdown overview of the session.
func (t *Transcript) Summary() string {
	var b strings.Builder
	total, failed := t.ToolResults()

	b.WriteString("## Session\n\n")
	fmt.Fprintf(&b, "%d message(s), %d tool result(s), %d failed", len(t.Messages), total, failed)
	if !t.StartTime.IsZero() && t.EndTime.After(t.StartTime) {
		fmt.Fprintf(&b, ", %s", t.EndTime.Sub(t.StartTime).Round(time.Second))
	}
	b.WriteString("\n\n")

	if len(t.FilesChanged) > 0 {
		b.WriteString("### Files\n")
		for _, f := range t.FilesChanged {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
		b.WriteString("\n")
	}

	if failed > 0 {
		b.WriteString("### Failures\n")
		shown := 0
		for _, m := range t.Messages {
			if !m.IsError() {
				continue
			}
			fmt.Fprintf(&b, "- `%s`: %s\n", truncateStr(m.CommandLine(), 60), truncateStr(firstLine(m.Content), 120))
			shown++
			if shown == 10 && failed > shown {
				fmt.Fprintf(&b, "- ... and %d more\n", failed-shown)
				break
			}
		}
		b.WriteString("\n")
	}

	for _, m := range t.Messages {
		if m.IsAgent() && len(m.Content) > 50 {
			b.WriteString("### Agent Reasoning\n")
			b.WriteString(truncateStr(m.Content, 500))
			b.WriteString("\n")
			break
		}
	}
	return b.String()
}

type fileSet map[string]bool

func (s fileSet) sorted() []string {
	out := make([]string, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (t *Transcript) observe(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if t.StartTime.IsZero() {
		t.StartTime = ts
	}
	t.EndTime = ts
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, format := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05Z",
	} {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func truncateStr(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func shortPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) <= 2 {
		return path
	}
	return strings.Join(parts[len(parts)-2:], "/")
}
