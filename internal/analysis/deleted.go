package analysis

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sprite-ai/agmend/internal/diff"
	"github.com/sprite-ai/agmend/internal/model"
)

var funcDefs = []*regexp.Regexp{
	regexp.MustCompile(`^\s*func\s+(?:\([^)]*\)\s*)?(\w+)\s*[(\[]`),                  // Go
	regexp.MustCompile(`^\s*(?:async\s+)?def\s+(\w+)`),                               // Python, Ruby
	regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+(\w+)`),            // JS/TS
	regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let)\s+(\w+)\s*=\s*(?:async\s*)?\(`), // JS arrow
	regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?fn\s+(\w+)`),       // Rust
	regexp.MustCompile(`^\s*defp?\s+(\w+)`),                                          // Elixir
}

// securityNames marks deleted functions that probably enforced a check.
var securityNames = regexp.MustCompile(`(?i)(auth|verify|validat|sanitiz|escape|check|permission|csrf|rate.?limit)`)

// DeletedCodePass reports removed functions. Removing a check such as
// validateToken is high risk; removing one that tests still reference is
// medium; anything else is informational.
func DeletedCodePass(ds *diff.Set, repoDir string) []Finding {
	var findings []Finding
	for _, f := range ds.Files {
		added := make(map[string]bool)
		for _, line := range f.Added() {
			if name := funcName(line.Text); name != "" {
				added[name] = true
			}
		}

		for _, line := range f.Deleted() {
			name := funcName(line.Text)
			// A function that was only moved or re-signed is still there.
			if name == "" || added[name] {
				continue
			}
			fd := Finding{
				Pass:     "deleted",
				Category: "function",
				File:     f.Name(),
				Line:     line.Number,
				Message:  fmt.Sprintf("removed function %s", name),
				Risk:     model.RiskInfo,
			}
			if refs := testReferences(repoDir, f.Name(), name); len(refs) > 0 {
				fd.Message += fmt.Sprintf(", still referenced by %s", strings.Join(refs, ", "))
				fd.Risk = model.RiskMedium
			}
			if securityNames.MatchString(name) {
				fd.Category = "check"
				fd.Message += " (looks like a security check)"
				fd.Risk = model.RiskHigh
			}
			findings = append(findings, fd)
		}
	}
	return findings
}

func funcName(line string) string {
	for _, re := range funcDefs {
		if m := re.FindStringSubmatch(line); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

// testReferences lists test files next to file, or below its directory,
// that mention name.
func testReferences(repoDir, file, name string) []string {
	if repoDir == "" {
		return nil
	}
	word := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
	root := filepath.Dir(filepath.Join(repoDir, file))

	var refs []string
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isTestFile(d.Name()) {
			return nil
		}
		body, err := os.ReadFile(p)
		if err != nil || !word.Match(body) {
			return nil
		}
		rel, err := filepath.Rel(repoDir, p)
		if err != nil {
			rel = p
		}
		refs = append(refs, filepath.ToSlash(rel))
		return nil
	})
	return refs
}

func isTestFile(name string) bool {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.HasSuffix(base, "_test") || strings.HasSuffix(base, ".test") ||
		strings.HasSuffix(base, ".spec") || strings.HasSuffix(base, "_spec") ||
		strings.HasPrefix(base, "test_")
}
