package analysis

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sprite-ai/agmend/internal/audit"
	"github.com/sprite-ai/agmend/internal/diff"
	"github.com/sprite-ai/agmend/internal/model"
	"github.com/sprite-ai/agmend/internal/report"
)

const securityDiff = `diff --git a/server.go b/server.go
new file mode 100644
--- /dev/null
+++ b/server.go
@@ -0,0 +1,6 @@
+package server
+// exec.Command("rm") in a comment is ignored
+	rows, _ := db.Query("SELECT * FROM t WHERE id=" + id)
+var apiKey = "sk-live-abcdef123456"
+	cmd := exec.Command("bash", "-c", userInput)
+	x := 1
`

const goModDiff = `diff --git a/go.mod b/go.mod
index abc1234..def5678 100644
--- a/go.mod
+++ b/go.mod
@@ -3,3 +3,5 @@
 require (
+	github.com/newdep/foo v1.2.3
+	github.com/anotherdep/bar v0.1.0 // indirect
 	github.com/existing/dep v1.0.0
 )
`

const npmDiff = `diff --git a/package.json b/package.json
index abc1234..def5678 100644
--- a/package.json
+++ b/package.json
@@ -5,3 +5,5 @@
   "dependencies": {
     "express": "^4.0.0",
+    "lodash": "^4.17.21",
+    "@types/node": "^20.0.0"
   }
`

const migrationDiff = `diff --git a/migrations/001_users.sql b/migrations/001_users.sql
new file mode 100644
--- /dev/null
+++ b/migrations/001_users.sql
@@ -0,0 +1,5 @@
+CREATE TABLE users (
+    id SERIAL,
+    name TEXT NOT NULL
+);
+DROP TABLE legacy_users;
`

const deletedDiff = `diff --git a/main.go b/main.go
index abc1234..def5678 100644
--- a/main.go
+++ b/main.go
@@ -1,9 +1,6 @@
 package main
 import "strings"
-func oldHelper(x int) int {
-	return x * 2
-}
-func validateToken(t string) bool {
-	return t != ""
-}
-func formatName(s string) string { return strings.Title(s) }
+func oldHelper(x, y int) int {
+	return x * y
+}
+func newHelper() {}
`

const antiDiff = `diff --git a/handler.py b/handler.py
new file mode 100644
--- /dev/null
+++ b/handler.py
@@ -0,0 +1,7 @@
+def handle():
+    try:
+        do_something()
+    except:
+        pass
+# TODO: clean this up later
+    breakpoint()
`

const readmeDiff = `diff --git a/readme.md b/readme.md
index abc1234..def5678 100644
--- a/readme.md
+++ b/readme.md
@@ -1,2 +1,2 @@
 # Project
-Old description
+New description
`

func parse(t *testing.T, raw string) *diff.Set {
	t.Helper()
	ds, err := diff.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return ds
}

func TestSecurityPass(t *testing.T) {
	findings := SecurityPass(parse(t, securityDiff), "")

	want := map[string]model.RiskLevel{
		"sql":               model.RiskHigh,
		"hardcoded secret":  model.RiskCritical,
		"command execution": model.RiskHigh,
	}
	if len(findings) != len(want) {
		for _, f := range findings {
			t.Logf("  finding: %s", f)
		}
		t.Fatalf("expected %d findings, got %d", len(want), len(findings))
	}
	for _, f := range findings {
		risk, ok := want[f.Category]
		if !ok {
			t.Errorf("unexpected category %q", f.Category)
			continue
		}
		if f.Risk != risk {
			t.Errorf("%s: expected %s, got %s", f.Category, risk, f.Risk)
		}
		if f.Line < 3 || f.Line > 5 {
			t.Errorf("%s: line %d outside the added code", f.Category, f.Line)
		}
	}
}

func TestDependencyPass(t *testing.T) {
	tests := []struct {
		name string
		diff string
		want []string
	}{
		{"go", goModDiff, []string{"github.com/newdep/foo", "github.com/anotherdep/bar"}},
		{"npm", npmDiff, []string{"lodash"}},
		{"not a manifest", readmeDiff, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := DependencyPass(parse(t, tt.diff), "")
			if len(findings) != len(tt.want) {
				t.Fatalf("expected %d findings, got %v", len(tt.want), findings)
			}
			for i, f := range findings {
				if !strings.HasSuffix(f.Message, tt.want[i]) {
					t.Errorf("finding %d: expected %s, got %q", i, tt.want[i], f.Message)
				}
				if f.Risk != model.RiskMedium {
					t.Errorf("finding %d: expected medium, got %s", i, f.Risk)
				}
			}
		})
	}

	if f := DependencyPass(parse(t, goModDiff), ""); len(f) > 0 && f[0].Line != 4 {
		t.Errorf("expected first dependency on line 4, got %d", f[0].Line)
	}
}

func TestDepName(t *testing.T) {
	tests := []struct {
		line, eco, want string
	}{
		{"require github.com/x/y v1.0.0", "go", "github.com/x/y"},
		{"// github.com/x/y v1.0.0", "go", ""},
		{"go 1.22", "go", ""},
		{`"version": "1.0.0",`, "npm", ""},
		{`serde = { version = "1" }`, "cargo", "serde"},
		{"[dependencies]", "cargo", ""},
		{"requests>=2.31", "pip", "requests"},
		{"-r base.txt", "pip", ""},
		{`gem 'rails', '~> 7.0'`, "gem", "rails"},
		{`{:jason, "~> 1.4"},`, "hex", "jason"},
	}
	for _, tt := range tests {
		if got := depName(tt.line, tt.eco); got != tt.want {
			t.Errorf("depName(%q, %s) = %q, want %q", tt.line, tt.eco, got, tt.want)
		}
	}
}

func TestSchemaPass(t *testing.T) {
	findings := SchemaPass(parse(t, migrationDiff), "")

	var file, create, drop bool
	for _, f := range findings {
		switch {
		case f.Category == "database migration":
			file = true
		case strings.HasPrefix(f.Message, "CREATE TABLE"):
			create = f.Risk == model.RiskMedium
		case strings.HasPrefix(f.Message, "DROP TABLE"):
			drop = f.Risk == model.RiskHigh && f.Line == 5
		}
	}
	if !file {
		t.Error("expected migration file finding")
	}
	if !create {
		t.Error("expected medium CREATE TABLE finding")
	}
	if !drop {
		t.Errorf("expected high DROP TABLE finding on line 5, got %v", findings)
	}

	if f := SchemaPass(parse(t, readmeDiff), ""); len(f) != 0 {
		t.Errorf("expected no schema findings for readme, got %v", f)
	}
}

func TestDeletedCodePass(t *testing.T) {
	repo := t.TempDir()
	test := "package main\n\nfunc TestFormat(t *testing.T) { formatName(\"a\") }\n"
	if err := os.WriteFile(filepath.Join(repo, "main_test.go"), []byte(test), 0o644); err != nil {
		t.Fatal(err)
	}

	findings := DeletedCodePass(parse(t, deletedDiff), repo)

	got := make(map[string]Finding)
	for _, f := range findings {
		got[strings.Fields(f.Message)[2]] = f
	}
	if _, ok := got["oldHelper"]; ok {
		t.Error("oldHelper was re-added and should not be reported")
	}

	v, ok := got["validateToken"]
	if !ok || v.Risk != model.RiskHigh || v.Category != "check" || v.Line != 6 {
		t.Errorf("validateToken: got %+v", v)
	}

	fn, ok := got["formatName,"]
	if !ok || fn.Risk != model.RiskMedium || !strings.Contains(fn.Message, "main_test.go") {
		t.Errorf("formatName: got %+v (all: %v)", fn, findings)
	}
}

func TestDeletedCodePassNoRepo(t *testing.T) {
	for _, f := range DeletedCodePass(parse(t, deletedDiff), "") {
		if strings.Contains(f.Message, "referenced") {
			t.Errorf("no test references without a checkout, got %q", f.Message)
		}
	}
}

func TestAntiPatternPass(t *testing.T) {
	findings := AntiPatternPass(parse(t, antiDiff), "")

	cats := make(map[string]int)
	for _, f := range findings {
		cats[f.Category] = f.Line
	}
	if cats["error handling"] != 4 {
		t.Errorf("expected swallowed error on line 4, got %v", findings)
	}
	if cats["marker"] != 6 {
		t.Errorf("expected TODO marker on line 6, got %v", findings)
	}
	if cats["debug"] != 7 {
		t.Errorf("expected debug leftover on line 7, got %v", findings)
	}
}

func TestRunOrdersAndSkips(t *testing.T) {
	ds := parse(t, antiDiff+securityDiff+migrationDiff)

	results := Run(ds, "", nil)
	if len(results.Findings) == 0 {
		t.Fatal("expected findings")
	}
	if results.Findings[0].Risk != model.RiskCritical {
		t.Errorf("expected critical finding first, got %s", results.Findings[0])
	}
	for i := 1; i < len(results.Findings); i++ {
		if results.Findings[i].Risk > results.Findings[i-1].Risk {
			t.Fatalf("findings not sorted by risk at %d", i)
		}
	}
	if results.MaxRisk() != model.RiskCritical {
		t.Errorf("expected critical max risk, got %s", results.MaxRisk())
	}
	if s := results.Summary(); !strings.HasPrefix(s, "1 critical") {
		t.Errorf("unexpected summary %q", s)
	}

	skipped := Run(ds, "", []string{"security", "schema"})
	for _, f := range skipped.Findings {
		if f.Pass == "security" || f.Pass == "schema" {
			t.Errorf("pass %s should have been skipped", f.Pass)
		}
	}

	if names := PassNames(); len(names) != 5 || names[0] != "security" {
		t.Errorf("unexpected pass names %v", names)
	}
}

func TestAnalystAnalyze(t *testing.T) {
	a := NewAnalyst(nil, nil)
	ctx := context.Background()

	msg, err := a.Analyze(ctx, audit.ScanRequest{BaseBranch: "main", Files: []string{"server.go"}, Diff: securityDiff})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !strings.Contains(msg.Content, "critical [security/hardcoded secret] server.go:4") {
		t.Errorf("unexpected analysis:\n%s", msg.Content)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Name != audit.RecommendTool {
		t.Errorf("expected a recommendations tool call, got %+v", msg.ToolCalls)
	}

	clean, err := a.Analyze(ctx, audit.ScanRequest{BaseBranch: "main", Diff: readmeDiff})
	if err != nil {
		t.Fatal(err)
	}
	if len(clean.ToolCalls) != 0 || !strings.Contains(clean.Content, "nothing to flag") {
		t.Errorf("expected clean analysis, got %+v", clean)
	}
	if r := report.Synthesize(clean.Content); r.OverallRisk != model.RiskLow {
		t.Errorf("clean analysis should synthesize to low risk, got %s", r.OverallRisk)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := a.Analyze(cancelled, audit.ScanRequest{Diff: securityDiff}); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestAnalystListLimit(t *testing.T) {
	a := NewAnalyst(nil, nil)
	a.MaxListed = 1

	msg, err := a.Analyze(context.Background(), audit.ScanRequest{Diff: securityDiff})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg.Content, "- ... 2 more not listed") {
		t.Errorf("expected truncation line, got:\n%s", msg.Content)
	}
}

func TestAnalystRecommend(t *testing.T) {
	a := NewAnalyst(nil, nil)
	analysis := strings.Join([]string{
		"- high [security/sql] a.go:1: db.Query(q)",
		"- high [security/sql] a.go:9: db.Exec(q)",
		"- medium [deps/go] go.mod:4: new go dependency x",
		"- info [unknown] x",
	}, "\n")

	msg, err := a.Recommend(context.Background(), analysis)
	if err != nil {
		t.Fatal(err)
	}
	recs := report.New(report.Options{}).Recommendations(msg.Content)
	if len(recs) != 2 {
		t.Fatalf("expected 2 deduplicated recommendations, got %v", recs)
	}
	if !strings.Contains(recs[0], "parameterized queries") || !strings.Contains(recs[1], "dependencies") {
		t.Errorf("unexpected recommendations %v", recs)
	}

	none, _ := a.Recommend(context.Background(), "nothing tagged")
	if none.Content != "No specific recommendations." {
		t.Errorf("unexpected content %q", none.Content)
	}
}

type fakeSource struct{ diff string }

func (f fakeSource) BaseBranch(context.Context, string) (string, error) { return "main", nil }
func (f fakeSource) ChangedFiles(context.Context, string, string) ([]string, error) {
	return []string{"server.go"}, nil
}
func (f fakeSource) Diff(context.Context, string, string, []string) (string, error) {
	return f.diff, nil
}

func TestAnalystDrivesPipeline(t *testing.T) {
	p := audit.New(fakeSource{diff: securityDiff}, NewAnalyst(nil, nil), nil)

	st, err := p.Run(context.Background(), audit.Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !st.Visits(audit.StageRecommend) {
		t.Errorf("expected the recommend stage, visited %v", st.Visited)
	}
	if st.Report == nil {
		t.Fatal("expected a report")
	}
	if st.Report.OverallRisk != model.RiskCritical {
		t.Errorf("expected critical risk, got %s", st.Report.OverallRisk)
	}
	if len(st.Report.Recommendations) != 3 {
		t.Errorf("expected 3 recommendations, got %v", st.Report.Recommendations)
	}
}
