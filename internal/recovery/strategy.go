package recovery

import (
	"fmt"
	"strings"
)

// Strategy is one way of re-approaching a stuck task.
type Strategy struct {
	Name      string `yaml:"name" json:"name" validate:"required"`
	Directive string `yaml:"directive" json:"directive" validate:"required"`
}

// DefaultStrategies is the rotation used when none is configured. The first
// entry is the one retried on attempts 1, 4, 7...
func DefaultStrategies() []Strategy {
	return []Strategy{
		{
			Name:      "fresh_perspective",
			Directive: "Step back and re-read the task from scratch. Ignore the approach taken so far and explain what the errors actually say before proposing anything.",
		},
		{
			Name:      "alternative_approach",
			Directive: "The current approach has failed repeatedly. Propose a materially different approach, a different tool, library, or file, rather than another variation of the failing command.",
		},
		{
			Name:      "simplify_and_decompose",
			Directive: "Reduce the problem to the smallest failing piece. Split the task into steps that can each be verified on their own and only attempt the first one.",
		},
	}
}

// DefaultAlternatives is the ranked menu of alternative approaches offered to
// the diagnosis model. Only the first MaxAlternatives are used.
func DefaultAlternatives() []string {
	return []string{
		"Verify file paths and working directory before running commands",
		"Check that required tools and dependencies are installed",
		"Read the relevant source files again instead of relying on earlier output",
		"Run a smaller, isolated version of the failing command",
		"Search the codebase for existing patterns that solve the same problem",
		"Inspect configuration files for environment-specific settings",
		"Roll back the most recent edit and retry from a known good state",
	}
}

// MaxAlternatives is how many alternative approaches go into a context.
const MaxAlternatives = 5

// HelpRequest asks a human to step in once automated recovery gives up.
type HelpRequest struct {
	ThreadID    string   `json:"thread_id"`
	RetryCount  int      `json:"retry_count"`
	Title       string   `json:"title"`
	Problem     string   `json:"problem"`
	WhatITried  []string `json:"what_i_tried,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func newHelpRequest(st *State, maxRetries int) *HelpRequest {
	h := &HelpRequest{
		ThreadID:   st.ThreadID,
		RetryCount: st.RetryCount,
		Title:      "Automated recovery stopped, human help needed",
		Problem: fmt.Sprintf("The agent failed to recover after %d attempt(s) (limit %d). Further automatic retries are disabled for this thread.",
			st.RetryCount-1, maxRetries),
		Suggestions: []string{
			"Review the most recent errors and clarify the task or its constraints",
			"Fix the environment issue (missing tool, permission, credentials) by hand",
			"Reset recovery for this thread once the blocker is removed",
		},
	}
	if st.LastStrategy != "" {
		h.WhatITried = append(h.WhatITried, "last recovery strategy: "+st.LastStrategy)
	}
	for _, c := range categoriesInOrder(st) {
		stat := st.ErrorPatterns[c]
		h.WhatITried = append(h.WhatITried, fmt.Sprintf("%s errors: %d", c, stat.Count))
	}
	return h
}

// String renders the request as markdown.
func (h HelpRequest) String() string {
	var b strings.Builder

	b.WriteString("## ")
	b.WriteString(h.Title)
	b.WriteString("\n\n")

	if h.Problem != "" {
		b.WriteString(h.Problem)
		b.WriteString("\n\n")
	}

	if len(h.WhatITried) > 0 {
		b.WriteString("### What was tried\n")
		for i, attempt := range h.WhatITried {
			fmt.Fprintf(&b, "%d. %s\n", i+1, attempt)
		}
		b.WriteString("\n")
	}

	if len(h.Suggestions) > 0 {
		b.WriteString("### How you can help\n")
		for _, s := range h.Suggestions {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
	}
	return b.String()
}
