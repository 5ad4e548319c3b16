package trace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sprite-ai/agmend/internal/escalation"
	"github.com/sprite-ai/agmend/internal/model"
)

func TestParseClaudeCode(t *testing.T) {
	jsonl := `{"type":"user","sessionId":"abc-123","timestamp":"2026-01-15T10:00:00Z","message":{"role":"user","content":"Add a login page"}}
{"type":"assistant","sessionId":"abc-123","timestamp":"2026-01-15T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"I'll create a login page for you."}]}}
{"type":"assistant","sessionId":"abc-123","timestamp":"2026-01-15T10:00:10Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"Write","input":{"file_path":"/app/login.go","content":"package main\n"}}]}}
{"type":"user","sessionId":"abc-123","timestamp":"2026-01-15T10:00:11Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"File created"}]}}
{"type":"assistant","sessionId":"abc-123","timestamp":"2026-01-15T10:00:20Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_2","name":"Bash","input":{"command":"go test ./...","description":"Run tests"}}]}}
{"type":"user","sessionId":"abc-123","timestamp":"2026-01-15T10:00:25Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_2","is_error":true,"content":[{"type":"text","text":"./login.go:3: syntax error: unexpected }"}]}]}}
{"type":"assistant","sessionId":"abc-123","timestamp":"2026-01-15T10:00:30Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_3","name":"diagnose_error","input":{}}]}}
{"type":"user","sessionId":"abc-123","timestamp":"2026-01-15T10:00:31Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_3","content":"missing brace"}]}}
not json at all
`

	tr, err := parseClaudeReader(strings.NewReader(jsonl), Options{})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if tr.Source != "claude-code" {
		t.Errorf("expected source 'claude-code', got %q", tr.Source)
	}
	if tr.SessionID != "abc-123" {
		t.Errorf("expected session 'abc-123', got %q", tr.SessionID)
	}

	roles := []model.Role{
		model.RoleUser, model.RoleAgent,
		model.RoleAgent, model.RoleTool,
		model.RoleAgent, model.RoleTool,
		model.RoleAgent, model.RoleTool,
	}
	if len(tr.Messages) != len(roles) {
		t.Fatalf("expected %d messages, got %d", len(roles), len(tr.Messages))
	}
	for i, want := range roles {
		if tr.Messages[i].Role != want {
			t.Errorf("message[%d]: expected role %s, got %s", i, want, tr.Messages[i].Role)
		}
		if tr.Messages[i].Order != i {
			t.Errorf("message[%d]: expected order %d, got %d", i, i, tr.Messages[i].Order)
		}
	}

	write := tr.Messages[3]
	if write.Name != "Write" || write.Status != model.StatusSuccess || write.Command != "Write /app/login.go" {
		t.Errorf("write result: got %+v", write)
	}

	bash := tr.Messages[5]
	if !bash.IsError() {
		t.Error("expected bash result to be an error")
	}
	if bash.Command != "go test ./..." {
		t.Errorf("bash result: expected command 'go test ./...', got %q", bash.Command)
	}
	if !strings.Contains(bash.Content, "syntax error") {
		t.Errorf("bash result: content not flattened: %q", bash.Content)
	}

	if !tr.Messages[7].IsDiagnosis() {
		t.Error("expected diagnose_error result to be flagged")
	}
	if len(tr.Messages[2].ToolCalls) != 1 || tr.Messages[2].ToolCalls[0].ID != "tu_1" {
		t.Errorf("expected tool call tu_1 on agent message, got %+v", tr.Messages[2].ToolCalls)
	}

	if len(tr.FilesChanged) != 1 || tr.FilesChanged[0] != "/app/login.go" {
		t.Errorf("expected [/app/login.go] changed, got %v", tr.FilesChanged)
	}

	total, failed := tr.ToolResults()
	if total != 3 || failed != 1 {
		t.Errorf("expected 3 results / 1 failed, got %d / %d", total, failed)
	}

	summary := tr.Summary()
	if !strings.Contains(summary, "### Failures") || !strings.Contains(summary, "go test ./...") {
		t.Errorf("summary missing failures:\n%s", summary)
	}
}

func TestParseGenericJSONL(t *testing.T) {
	jsonl := `{"type":"user","content":"add rate limiting"}
{"type":"plan","content":"I'll add rate limiting using a token bucket"}
{"type":"file_read","path":"api/middleware.go"}
{"type":"file_edit","path":"api/middleware.go","description":"Add RateLimiter struct"}
{"type":"bash","command":"go test ./...","exit_code":1,"content":"FAIL"}
{"type":"agent","content":"retrying","tool_calls":[{"id":"c1","name":"bash"}]}
{"type":"tool_result","call_id":"c1","name":"bash","command":"go vet ./...","status":"error","content":"vet: bad"}
{"type":"tool_result","name":"diagnose_error","status":"success"}
`

	tr, err := parseGenericReader(strings.NewReader(jsonl), Options{})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if tr.Source != "generic" {
		t.Errorf("expected source 'generic', got %q", tr.Source)
	}

	// user, plan, read (2), edit (2), bash (2), agent, result, diagnosis
	if len(tr.Messages) != 11 {
		t.Fatalf("expected 11 messages, got %d", len(tr.Messages))
	}

	if bash := tr.Messages[7]; !bash.IsError() || bash.Command != "go test ./..." {
		t.Errorf("legacy bash entry: got %+v", bash)
	}
	if r := tr.Messages[9]; !r.IsError() || r.CallID != "c1" {
		t.Errorf("tool_result entry: got %+v", r)
	}
	if !tr.Messages[10].IsDiagnosis() {
		t.Error("expected diagnosis flag")
	}
	if len(tr.FilesChanged) != 1 || tr.FilesChanged[0] != "api/middleware.go" {
		t.Errorf("expected [api/middleware.go], got %v", tr.FilesChanged)
	}
}

func TestGenericTranscriptDrivesEscalation(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteString(`{"type":"bash","command":"make build","exit_code":2,"content":"make: *** No rule to make target"}` + "\n")
	}
	tr, err := parseGenericReader(strings.NewReader(b.String()), Options{})
	if err != nil {
		t.Fatal(err)
	}

	ev := escalation.New(nil, nil).Evaluate(tr.Messages)
	if ev.Decision != escalation.DecisionSmartRecovery {
		t.Errorf("expected smart recovery for three failing groups, got %s (%s)", ev.Decision, ev.Reason)
	}
}

func TestParseAider(t *testing.T) {
	md := `# aider chat started at 2026-01-15 10:00:00

#### make the function async

I'll modify the function to be async. Here's the change:

app/worker.py
` + "```python" + `
async def foo():
    await bar()
` + "```" + `

#### /ask what does this code do?

The code implements a simple rate limiter using the token bucket algorithm.
`

	path := filepath.Join(t.TempDir(), "history.md")
	if err := os.WriteFile(path, []byte(md), 0o644); err != nil {
		t.Fatal(err)
	}

	tr, err := ParseAider(path)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if tr.Source != "aider" {
		t.Errorf("expected source 'aider', got %q", tr.Source)
	}

	want := []model.Role{model.RoleUser, model.RoleAgent, model.RoleUser, model.RoleAgent}
	if len(tr.Messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(tr.Messages))
	}
	for i, r := range want {
		if tr.Messages[i].Role != r {
			t.Errorf("message[%d]: expected %s, got %s", i, r, tr.Messages[i].Role)
		}
	}
	if len(tr.FilesChanged) != 1 || tr.FilesChanged[0] != "app/worker.py" {
		t.Errorf("expected [app/worker.py], got %v", tr.FilesChanged)
	}
}

func TestLoadAutoDetectsFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, GenericFileName)
	if err := os.WriteFile(path, []byte(`{"type":"bash","command":"ls","exit_code":0}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr, err := Load(path, "", Options{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if tr.Source != "generic" || len(tr.Messages) != 2 {
		t.Errorf("expected generic transcript with 2 messages, got %s / %d", tr.Source, len(tr.Messages))
	}

	if _, err := Load(path, "bogus", Options{}); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := Load(filepath.Join(dir, "notes.txt"), "", Options{}); err == nil {
		t.Error("expected error for undetectable format")
	}
}

func TestParseMessagesJSON(t *testing.T) {
	msgs, err := ParseMessagesJSON([]byte(`[{"role":"agent"},{"role":"tool","status":"error","name":"bash"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || !msgs[1].IsError() || msgs[1].Order != 1 {
		t.Errorf("unexpected messages: %+v", msgs)
	}

	if _, err := ParseMessagesJSON([]byte(`[{"role":"robot"}]`)); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestDetectNoRepo(t *testing.T) {
	path, format := Detect("/nonexistent/path")
	if path != "" {
		t.Errorf("expected empty path, got %q (format: %s)", path, format)
	}
}

func withClaudeProjects(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	prev := claudeProjectsDir
	claudeProjectsDir = func() string { return root }
	t.Cleanup(func() { claudeProjectsDir = prev })
	return root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDetectNewestClaudeSession(t *testing.T) {
	projects := withClaudeProjects(t)
	repo := t.TempDir()
	project := filepath.Join(projects, strings.ReplaceAll(repo, string(filepath.Separator), "-"))

	older := filepath.Join(project, "older.jsonl")
	newer := filepath.Join(project, "newer.jsonl")
	writeFile(t, older, "{}\n")
	writeFile(t, newer, "{}\n")
	writeFile(t, filepath.Join(project, "notes.txt"), "")
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatal(err)
	}
	// repo files lose to the session
	writeFile(t, filepath.Join(repo, AiderFileName), "#### hi\n")

	path, format := Detect(repo)
	if path != newer || format != FormatClaudeCode {
		t.Errorf("Detect = %q, %q; want %q, %q", path, format, newer, FormatClaudeCode)
	}

	// a subdirectory of the repo resolves to the same project
	sub := filepath.Join(repo, "pkg", "api")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if path, _ := Detect(sub); path != newer {
		t.Errorf("Detect from subdirectory = %q, want %q", path, newer)
	}
}

func TestDetectRepoFiles(t *testing.T) {
	withClaudeProjects(t)
	repo := t.TempDir()

	if path, _ := Detect(repo); path != "" {
		t.Fatalf("expected nothing in an empty repo, got %q", path)
	}

	writeFile(t, filepath.Join(repo, GenericFileName), `{"type":"user","content":"hi"}`+"\n")
	if path, format := Detect(repo); format != FormatGeneric || path != filepath.Join(repo, GenericFileName) {
		t.Errorf("Detect = %q, %q; want the generic transcript", path, format)
	}

	writeFile(t, filepath.Join(repo, AiderFileName), "#### hi\n")
	if _, format := Detect(repo); format != FormatAider {
		t.Errorf("expected aider history to win over the generic file, got %q", format)
	}
}
