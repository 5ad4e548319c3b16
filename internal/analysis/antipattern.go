package analysis

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sprite-ai/agmend/internal/diff"
	"github.com/sprite-ai/agmend/internal/model"
)

var swallowedErrors = []*regexp.Regexp{
	regexp.MustCompile(`^\s*except\s*:`),                                // Python bare except
	regexp.MustCompile(`^\s*except\s+(Base)?Exception\s*:\s*(pass)?$`), // Python catch-all
	regexp.MustCompile(`catch\s*\(\s*(\w+\s+)?(Exception|Throwable|e|_)\s*\)\s*\{\s*\}`),
	regexp.MustCompile(`\.catch\(\s*(?:\(\s*\)|_)\s*=>\s*\{?\s*\}?\s*\)`),
	regexp.MustCompile(`^\s*rescue\s*(StandardError)?\s*$`),
	regexp.MustCompile(`^\s*_\s*=\s*\w+(\.\w+)*\(.*\)\s*$`), // Go: discarded call result
}

var (
	debugLeftovers = regexp.MustCompile(`(?i)\b(console\.log|println!|pdb\.set_trace|breakpoint\(\)|debugger;)`)
	markers        = regexp.MustCompile(`\b(TODO|FIXME|HACK|XXX)\b`)
)

// AntiPatternPass reports error handling that hides failures, debug
// leftovers and work-in-progress markers in added lines.
func AntiPatternPass(ds *diff.Set, _ string) []Finding {
	var findings []Finding
	for _, f := range ds.Files {
		for _, line := range f.Added() {
			text := strings.TrimSpace(line.Text)
			fd := Finding{Pass: "anti_patterns", File: f.Name(), Line: line.Number}
			switch {
			case matchAny(swallowedErrors, line.Text):
				fd.Category = "error handling"
				fd.Message = fmt.Sprintf("error swallowed: %s", truncate(text, 100))
				fd.Risk = model.RiskMedium
			case debugLeftovers.MatchString(text):
				fd.Category = "debug"
				fd.Message = fmt.Sprintf("debug statement left in: %s", truncate(text, 100))
				fd.Risk = model.RiskLow
			case markers.MatchString(text):
				fd.Category = "marker"
				fd.Message = fmt.Sprintf("%s left in: %s", markers.FindString(text), truncate(text, 100))
				fd.Risk = model.RiskInfo
			default:
				continue
			}
			findings = append(findings, fd)
		}
	}
	return findings
}
