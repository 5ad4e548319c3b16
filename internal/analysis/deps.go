package analysis

import (
	"fmt"
	"path"
	"strings"

	"github.com/sprite-ai/agmend/internal/diff"
	"github.com/sprite-ai/agmend/internal/model"
)

// Manifests whose added lines declare dependencies. Lockfiles are left out;
// they repeat what the manifest says.
var manifests = map[string]string{
	"go.mod":           "go",
	"package.json":     "npm",
	"Cargo.toml":       "cargo",
	"requirements.txt": "pip",
	"pyproject.toml":   "pip",
	"Gemfile":          "gem",
	"mix.exs":          "hex",
}

// DependencyPass reports dependencies added to a manifest. New third-party
// code is supply-chain surface, so each is a medium finding.
func DependencyPass(ds *diff.Set, _ string) []Finding {
	var findings []Finding
	for _, f := range ds.Files {
		eco, ok := manifests[path.Base(f.Name())]
		if !ok {
			continue
		}
		for _, line := range f.Added() {
			name := depName(strings.TrimSpace(line.Text), eco)
			if name == "" {
				continue
			}
			findings = append(findings, Finding{
				Pass:     "deps",
				Category: eco,
				File:     f.Name(),
				Line:     line.Number,
				Message:  fmt.Sprintf("new %s dependency %s", eco, name),
				Risk:     model.RiskMedium,
			})
		}
	}
	return findings
}

var manifestKeys = map[string]bool{
	"name": true, "version": true, "edition": true, "authors": true,
	"description": true, "license": true, "dependencies": true,
	"devDependencies": true, "peerDependencies": true, "scripts": true,
	"main": true, "private": true, "requires-python": true,
}

// depName extracts the dependency declared on one manifest line.
func depName(line, eco string) string {
	if line == "" || isComment(line) {
		return ""
	}
	switch eco {
	case "go":
		// "require example.com/x v1" or a bare line inside a require block
		fields := strings.Fields(strings.TrimPrefix(line, "require "))
		if len(fields) >= 2 && strings.Contains(fields[0], "/") && strings.HasPrefix(fields[1], "v") {
			return fields[0]
		}

	case "npm":
		k, _, ok := strings.Cut(strings.TrimSuffix(line, ","), ":")
		k = strings.Trim(k, `" `)
		if ok && k != "" && !manifestKeys[k] && !strings.HasPrefix(k, "@types/") {
			return k
		}

	case "cargo":
		if strings.HasPrefix(line, "[") {
			return ""
		}
		k, _, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if ok && k != "" && !manifestKeys[k] && !strings.Contains(k, ".") {
			return k
		}

	case "pip":
		if strings.HasPrefix(line, "-") || strings.HasPrefix(line, "[") {
			return ""
		}
		line = strings.Trim(line, `",`)
		if i := strings.IndexAny(line, "=<>!~ ;["); i > 0 {
			line = line[:i]
		}
		if line != "" && !strings.ContainsAny(line, "=:") && !manifestKeys[line] {
			return line
		}

	case "gem":
		if rest, ok := strings.CutPrefix(line, "gem "); ok {
			name, _, _ := strings.Cut(rest, ",")
			return strings.Trim(name, `'" `)
		}

	case "hex":
		if rest, ok := strings.CutPrefix(line, "{:"); ok {
			if name, _, ok := strings.Cut(rest, ","); ok {
				return name
			}
		}
	}
	return ""
}
