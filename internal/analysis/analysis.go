// Package analysis runs regex passes over a diff and reports changes that
// deserve a security review. It backs the offline audit analyst.
package analysis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sprite-ai/agmend/internal/diff"
	"github.com/sprite-ai/agmend/internal/model"
)

// Finding is one observation tied to a file and, optionally, a line.
type Finding struct {
	Pass     string          `json:"pass"`
	Category string          `json:"category,omitempty"`
	File     string          `json:"file"`
	Line     int             `json:"line,omitempty"` // new-file line, 0 if file-level
	Message  string          `json:"message"`
	Risk     model.RiskLevel `json:"risk"`
}

// Tag is the bracketed pass/category label used in rendered text.
func (f Finding) Tag() string {
	if f.Category == "" {
		return f.Pass
	}
	return f.Pass + "/" + f.Category
}

func (f Finding) String() string {
	loc := f.File
	if f.Line > 0 {
		loc = fmt.Sprintf("%s:%d", f.File, f.Line)
	}
	return fmt.Sprintf("%s [%s] %s: %s", f.Risk, f.Tag(), loc, f.Message)
}

// Results holds the findings of one run.
type Results struct {
	Findings []Finding
}

// MaxRisk returns the highest risk among the findings, or info.
func (r *Results) MaxRisk() model.RiskLevel {
	max := model.RiskInfo
	for _, f := range r.Findings {
		if f.Risk > max {
			max = f.Risk
		}
	}
	return max
}

// Summary returns counts per risk level, highest first.
func (r *Results) Summary() string {
	if len(r.Findings) == 0 {
		return "no findings"
	}
	counts := make(map[model.RiskLevel]int)
	for _, f := range r.Findings {
		counts[f.Risk]++
	}
	var parts []string
	for _, level := range []model.RiskLevel{model.RiskCritical, model.RiskHigh, model.RiskMedium, model.RiskLow, model.RiskInfo} {
		if c := counts[level]; c > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c, level))
		}
	}
	return strings.Join(parts, ", ")
}

// Pass inspects a diff. repoDir may be empty when there is no checkout.
type Pass func(ds *diff.Set, repoDir string) []Finding

type namedPass struct {
	name string
	run  Pass
}

var passes = []namedPass{
	{"security", SecurityPass},
	{"deps", DependencyPass},
	{"schema", SchemaPass},
	{"deleted", DeletedCodePass},
	{"anti_patterns", AntiPatternPass},
}

// PassNames lists the passes in run order, for skip lists and validation.
func PassNames() []string {
	out := make([]string, len(passes))
	for i, p := range passes {
		out[i] = p.name
	}
	return out
}

// Run executes every pass not named in skip. Findings are sorted by risk,
// highest first, then by file and line.
func Run(ds *diff.Set, repoDir string, skip []string) *Results {
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}

	r := &Results{}
	for _, p := range passes {
		if skipped[p.name] {
			continue
		}
		r.Findings = append(r.Findings, p.run(ds, repoDir)...)
	}

	sort.SliceStable(r.Findings, func(i, j int) bool {
		a, b := r.Findings[i], r.Findings[j]
		if a.Risk != b.Risk {
			return a.Risk > b.Risk
		}
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Line < b.Line
	})
	return r
}

// isComment reports whether a trimmed line is only a comment.
func isComment(trimmed string) bool {
	for _, p := range []string{"//", "#", "*", "/*", "--"} {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}
