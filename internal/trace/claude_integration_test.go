package trace

import (
	"os"
	"testing"
)

// Set AGMEND_TEST_TRANSCRIPT to a real Claude Code session to run this.
func TestParseRealClaudeCodeTranscript(t *testing.T) {
	path := os.Getenv("AGMEND_TEST_TRANSCRIPT")
	if path == "" {
		t.Skip("AGMEND_TEST_TRANSCRIPT not set")
	}

	tr, err := ParseClaudeCode(path, Options{})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(tr.Messages) == 0 {
		t.Error("expected messages from real transcript")
	}

	roles := make(map[string]int)
	for _, m := range tr.Messages {
		roles[m.Role.String()]++
	}
	total, failed := tr.ToolResults()
	t.Logf("Session: %s", tr.SessionID)
	t.Logf("Messages: %d (tool results %d, failed %d)", len(tr.Messages), total, failed)
	for k, v := range roles {
		t.Logf("  %s: %d", k, v)
	}
	for _, f := range tr.FilesChanged {
		t.Logf("  changed %s", f)
	}
}
