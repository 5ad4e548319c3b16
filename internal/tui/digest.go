package tui

import (
	"fmt"
	"strings"

	"github.com/sprite-ai/agmend/internal/transcript"
)

// Digest renders the inspector content as plain text, for terminals without
// a TTY and for piping into other tools.
func Digest(in Input) string {
	var b strings.Builder

	if in.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", in.Title)
	}

	ev := in.Evaluation
	fmt.Fprintf(&b, "Decision: %s (%s)\n", ev.Decision, ev.Reason)
	fmt.Fprintf(&b, "Groups: %d, stuck: %t\n", ev.Groups, ev.Stuck)

	groups := transcript.GroupWithDiagnoses(in.Messages)
	if len(groups) > 0 {
		b.WriteString("\nGroups:\n")
		for i, g := range groups {
			failed := 0
			for _, m := range g.Results {
				if m.IsError() {
					failed++
				}
			}
			fmt.Fprintf(&b, "  %3d  %d/%d failed  %s\n", i+1, failed, g.Len(), strings.Join(g.Names(), ", "))
		}
	}

	if in.Patterns.TotalErrors > 0 {
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(in.Patterns.String(), "\n"))
		b.WriteString("\n")
	}

	if r := in.Report; r != nil {
		fmt.Fprintf(&b, "\nAudit: overall risk %s\n", r.OverallRisk)
		for i, rec := range r.Recommendations {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, rec)
		}
	}

	if in.Diff != nil {
		files, added, deleted := in.Diff.Stats()
		fmt.Fprintf(&b, "\nDiff: %d file(s), +%d -%d, %d finding(s)\n", files, added, deleted, len(in.Findings))
		for _, f := range in.Findings {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	}
	return b.String()
}
