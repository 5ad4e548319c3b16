package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sprite-ai/agmend/internal/config"
	"github.com/sprite-ai/agmend/internal/escalation"
	"github.com/sprite-ai/agmend/internal/logging"
	"github.com/sprite-ai/agmend/internal/trace"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{"evaluate", "recover", "audit", "inspect", "serve", "summary", "config", "version"} {
		if !names[want] {
			t.Errorf("root command missing subcommand %q", want)
		}
	}
}

func TestVersionOutput(t *testing.T) {
	// version vars are set via ldflags; in tests they have their defaults
	if version != "dev" {
		t.Errorf("expected default version %q, got %q", "dev", version)
	}
}

const failingLine = `{"type":"bash","command":"make build","exit_code":2,"content":"make: *** No rule to make target"}` + "\n"

func writeTranscript(t *testing.T, name string, failures int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString(`{"type":"user","content":"build the project"}` + "\n")
	for i := 0; i < failures; i++ {
		b.WriteString(failingLine)
	}
	if failures == 0 {
		b.WriteString(`{"type":"bash","command":"ls","exit_code":0,"content":"Makefile"}` + "\n")
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEvaluateAllKeepsOrder(t *testing.T) {
	healthy := writeTranscript(t, "healthy.jsonl", 0)
	stuck := writeTranscript(t, "stuck.jsonl", 3)

	engine := escalation.New(nil, logging.Discard())
	results, err := evaluateAll(context.Background(), []string{stuck, healthy}, "generic", trace.Options{}, engine, true, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Path != stuck || results[1].Path != healthy {
		t.Errorf("results out of order: %s, %s", results[0].Path, results[1].Path)
	}
	if results[0].Evaluation.Decision != escalation.DecisionSmartRecovery {
		t.Errorf("expected smart recovery for the stuck transcript, got %s", results[0].Evaluation.Decision)
	}
	if results[1].Evaluation.Decision != escalation.DecisionContinue {
		t.Errorf("expected continue for the healthy transcript, got %s", results[1].Evaluation.Decision)
	}
	if results[0].Patterns == nil || results[0].Patterns.TotalErrors != 3 {
		t.Errorf("expected 3 errors in the pattern report, got %+v", results[0].Patterns)
	}
}

func TestEvaluateAllMissingFile(t *testing.T) {
	engine := escalation.New(nil, logging.Discard())
	_, err := evaluateAll(context.Background(), []string{filepath.Join(t.TempDir(), "nope.jsonl")}, "generic", trace.Options{}, engine, false, 1)
	if err == nil {
		t.Fatal("expected an error for a missing transcript")
	}
}

func TestPrintEvaluations(t *testing.T) {
	engine := escalation.New(nil, logging.Discard())
	results, err := evaluateAll(context.Background(), []string{writeTranscript(t, "stuck.jsonl", 3)}, "generic", trace.Options{}, engine, true, 1)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	printEvaluations(&buf, results)
	out := buf.String()
	for _, want := range []string{"!! ", "smart_recovery", "generic", "    Error pattern analysis"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestIndent(t *testing.T) {
	got := indent("a\n\nb\n", "  ")
	if got != "  a\n\n  b\n" {
		t.Errorf("indent = %q", got)
	}
}

const rawDiff = `diff --git a/db.go b/db.go
new file mode 100644
--- /dev/null
+++ b/db.go
@@ -0,0 +1,2 @@
+package db
+var q = "SELECT * FROM users WHERE id = " + id
`

func TestRawSource(t *testing.T) {
	src, err := newRawSource(rawDiff)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	base, err := src.BaseBranch(ctx, ".")
	if err != nil || base != "" {
		t.Errorf("BaseBranch = %q, %v", base, err)
	}
	files, err := src.ChangedFiles(ctx, ".", base)
	if err != nil || len(files) != 1 || files[0] != "db.go" {
		t.Errorf("ChangedFiles = %v, %v", files, err)
	}
	raw, err := src.Diff(ctx, ".", base, files)
	if err != nil || raw != rawDiff {
		t.Errorf("Diff returned %q, %v", raw, err)
	}
}

func TestNewPipelineFallsBackToStaticAnalyst(t *testing.T) {
	cfg := config.Default()
	p := newPipeline(cfg, nil, nil, false, logging.Discard())
	if p.Analyst == nil {
		t.Fatal("expected an analyst")
	}
	if p.DefaultBranch != cfg.Audit.DefaultBranch {
		t.Errorf("DefaultBranch = %q, want %q", p.DefaultBranch, cfg.Audit.DefaultBranch)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigValidateReportsProblems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agmend.yaml")
	if err := os.WriteFile(path, []byte("escalation:\n  diagnose_pair_rate: 1.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "config", "validate", path)
	var exit *ExitError
	if !errors.As(err, &exit) || exit.Code != 1 {
		t.Fatalf("expected exit status 1, got %v", err)
	}
	if !strings.Contains(out, "escalation.diagnose_pair_rate") {
		t.Errorf("expected the bad field in the output, got:\n%s", out)
	}
}

func TestEvaluateCommandExitCode(t *testing.T) {
	path := writeTranscript(t, "stuck.jsonl", 3)

	out, err := execute(t, "evaluate", "--format", "json", "--transcript-format", "generic", "--log-level", "error", path)
	var exit *ExitError
	if !errors.As(err, &exit) || exit.Code != int(escalation.DecisionSmartRecovery) {
		t.Fatalf("expected exit status %d, got %v", int(escalation.DecisionSmartRecovery), err)
	}
	if !strings.Contains(out, `"decision": "smart_recovery"`) {
		t.Errorf("expected a smart_recovery decision in the JSON, got:\n%s", out)
	}
}
