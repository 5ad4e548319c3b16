package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sprite-ai/agmend/internal/analysis"
	"github.com/sprite-ai/agmend/internal/audit"
	"github.com/sprite-ai/agmend/internal/logging"
	"github.com/sprite-ai/agmend/internal/model"
	"github.com/sprite-ai/agmend/internal/recovery"
)

const testDiff = `diff --git a/db.go b/db.go
new file mode 100644
--- /dev/null
+++ b/db.go
@@ -0,0 +1,3 @@
+package db
+
+var rows, _ = db.Query("SELECT * FROM users WHERE name='" + name + "'")
`

type fakeSource struct{}

func (fakeSource) BaseBranch(context.Context, string) (string, error) { return "main", nil }
func (fakeSource) ChangedFiles(context.Context, string, string) ([]string, error) {
	return []string{"db.go"}, nil
}
func (fakeSource) Diff(context.Context, string, string, []string) (string, error) {
	return testDiff, nil
}

func newTestServer(diagnoser recovery.Diagnoser) *Server {
	logger := logging.Discard()
	return New(":0", Deps{
		Recovery: recovery.NewSelector(nil, diagnoser, logger),
		Audit:    audit.New(fakeSource{}, analysis.NewAnalyst(nil, logger), logger),
	}, logger)
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("json decode: %v\n%s", err, w.Body.String())
	}
}

// failingGroups builds n agent/tool pairs where the tool failed.
func failingGroups(n int) []model.Message {
	var msgs []model.Message
	for i := 0; i < n; i++ {
		msgs = append(msgs,
			model.Message{Role: model.RoleAgent, ToolCalls: []model.ToolCall{{Name: "bash"}}},
			model.Message{Role: model.RoleTool, Name: "bash", Command: "go build", Status: model.StatusError, Content: "syntax error: unexpected }"},
		)
	}
	return msgs
}

func TestHealthEndpoint(t *testing.T) {
	w := do(t, newTestServer(nil), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %q", resp["status"])
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	srv := newTestServer(nil)

	w := do(t, srv, http.MethodPost, "/api/evaluate", map[string]any{"messages": failingGroups(3)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Decision      string `json:"decision"`
		Diagnose      bool   `json:"should_diagnose"`
		SmartRecovery bool   `json:"should_use_smart_recovery"`
		Stuck         bool   `json:"stuck"`
		Patterns      struct {
			TotalErrors int `json:"total_errors"`
		} `json:"patterns"`
	}
	decode(t, w, &resp)
	if resp.Decision != "smart_recovery" || !resp.Diagnose || !resp.SmartRecovery || !resp.Stuck {
		t.Errorf("unexpected evaluation %+v", resp)
	}
	if resp.Patterns.TotalErrors != 3 {
		t.Errorf("expected 3 errors, got %d", resp.Patterns.TotalErrors)
	}

	w = do(t, srv, http.MethodPost, "/api/evaluate", map[string]any{"messages": failingGroups(1)})
	resp.Diagnose = false
	decode(t, w, &resp)
	if resp.Decision != "continue" || resp.Diagnose {
		t.Errorf("one group should continue, got %+v", resp)
	}
}

func TestEvaluateReportsRawPredicates(t *testing.T) {
	srv := newTestServer(nil)

	diagnosis := func() []model.Message {
		return []model.Message{
			{Role: model.RoleAgent, ToolCalls: []model.ToolCall{{Name: "diagnose_error"}}},
			{Role: model.RoleTool, Name: "diagnose_error", Status: model.StatusSuccess, Flags: []string{model.FlagDiagnosis}},
		}
	}
	msgs := failingGroups(2)
	msgs = append(msgs, diagnosis()...)
	msgs = append(msgs, diagnosis()...)

	w := do(t, srv, http.MethodPost, "/api/evaluate", map[string]any{"messages": msgs})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Decision      string `json:"decision"`
		Diagnose      bool   `json:"should_diagnose"`
		SmartRecovery bool   `json:"should_use_smart_recovery"`
	}
	decode(t, w, &resp)
	// cooldown holds the decision while two prior diagnoses already call
	// for smart recovery
	if resp.Decision != "continue" || resp.Diagnose || !resp.SmartRecovery {
		t.Errorf("unexpected evaluation %+v", resp)
	}
}

func TestEvaluateValidation(t *testing.T) {
	srv := newTestServer(nil)

	tests := []struct {
		name string
		body string
	}{
		{"empty messages", `{"messages":[]}`},
		{"missing messages", `{}`},
		{"bad role", `{"messages":[{"role":"robot"}]}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/evaluate", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

type recoverBody struct {
	ThreadID    string              `json:"thread_id"`
	RetryCount  int                 `json:"retry_count"`
	Strategy    string              `json:"strategy"`
	Diagnosis   *recovery.Diagnosis `json:"diagnosis"`
	CircuitOpen bool                `json:"circuit_open"`
	HelpText    string              `json:"help_text"`
}

func TestRecoverEndpoint(t *testing.T) {
	diag := recovery.DiagnoserFunc(func(_ context.Context, ec recovery.EnhancedContext) (*recovery.Diagnosis, error) {
		return &recovery.Diagnosis{Summary: "fix the brace", NextSteps: []string{ec.Strategy.Name}}, nil
	})
	srv := newTestServer(diag)

	body := map[string]any{
		"thread_id":        "t-1",
		"messages":         failingGroups(3),
		"task_description": "make the build pass",
	}

	w := do(t, srv, http.MethodPost, "/api/recover", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp recoverBody
	decode(t, w, &resp)
	if resp.ThreadID != "t-1" || resp.RetryCount != 1 || resp.Diagnosis == nil || resp.Diagnosis.Summary != "fix the brace" {
		t.Errorf("unexpected outcome %+v", resp)
	}
	if resp.Strategy != recovery.DefaultStrategies()[0].Name {
		t.Errorf("expected first strategy, got %q", resp.Strategy)
	}

	for i := 2; i <= recovery.DefaultMaxRetries+1; i++ {
		w = do(t, srv, http.MethodPost, "/api/recover", body)
	}
	resp = recoverBody{}
	decode(t, w, &resp)
	if !resp.CircuitOpen || resp.HelpText == "" || resp.Diagnosis != nil {
		t.Errorf("expected open breaker after %d calls, got %+v", recovery.DefaultMaxRetries+1, resp)
	}

	w = do(t, srv, http.MethodGet, "/api/recover/t-1", nil)
	var st recovery.State
	decode(t, w, &st)
	if st.RetryCount != recovery.DefaultMaxRetries+1 {
		t.Errorf("expected retry count %d, got %d", recovery.DefaultMaxRetries+1, st.RetryCount)
	}

	if w = do(t, srv, http.MethodDelete, "/api/recover/t-1", nil); w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if w = do(t, srv, http.MethodGet, "/api/recover/t-1", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after reset, got %d", w.Code)
	}
}

func TestRecoverWithoutDiagnoser(t *testing.T) {
	srv := newTestServer(nil)

	w := do(t, srv, http.MethodPost, "/api/recover", map[string]any{
		"messages":         failingGroups(2),
		"task_description": "fix it",
	})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		ThreadID string `json:"thread_id"`
		Strategy string `json:"strategy"`
		Context  *struct {
			ErrorAnalysis string `json:"error_analysis"`
		} `json:"context"`
		Error string `json:"error"`
	}
	decode(t, w, &resp)
	if resp.ThreadID == "" {
		t.Error("expected a generated thread id")
	}
	if resp.Strategy == "" || resp.Context == nil || resp.Error == "" {
		t.Errorf("expected strategy, context and error, got %+v", resp)
	}

	w = do(t, srv, http.MethodPost, "/api/recover", map[string]any{"messages": failingGroups(1)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing task_description: expected 400, got %d", w.Code)
	}
}

func TestAuditEndpoint(t *testing.T) {
	srv := newTestServer(nil)

	w := do(t, srv, http.MethodPost, "/api/audit", map[string]string{"work_dir": "/repo", "thread_id": "a-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var st audit.AuditState
	decode(t, w, &st)
	if st.ThreadID != "a-1" || st.BaseBranch != "main" {
		t.Errorf("unexpected state %+v", st)
	}
	if st.Report == nil || st.Report.OverallRisk != model.RiskHigh {
		t.Fatalf("expected a high risk report, got %+v", st.Report)
	}
	if len(st.Report.Recommendations) == 0 {
		t.Error("expected recommendations")
	}

	if w = do(t, srv, http.MethodPost, "/api/audit", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing work_dir: expected 400, got %d", w.Code)
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	srv := newTestServer(nil)

	w := do(t, srv, http.MethodPost, "/api/analyze", analyzeRequest{Diff: testDiff})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp analyzeResponse
	decode(t, w, &resp)
	if resp.Stats.Files != 1 || resp.Stats.Added != 3 {
		t.Errorf("unexpected stats %+v", resp.Stats)
	}
	if resp.MaxRisk != model.RiskHigh || len(resp.Findings) == 0 {
		t.Errorf("expected high risk findings, got %+v", resp)
	}

	w = do(t, srv, http.MethodPost, "/api/analyze", analyzeRequest{Diff: testDiff, Skip: analysis.PassNames()})
	resp = analyzeResponse{}
	decode(t, w, &resp)
	if len(resp.Findings) != 0 || resp.Findings == nil {
		t.Errorf("expected an empty findings list with every pass skipped, got %v", resp.Findings)
	}

	if w = do(t, srv, http.MethodPost, "/api/analyze", analyzeRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty diff: expected 400, got %d", w.Code)
	}
}

func TestSynthesizeEndpoint(t *testing.T) {
	srv := newTestServer(nil)

	text := "Found a SQL injection in the login handler.\n1. You should use bound parameters.\n- consider adding tests"
	w := do(t, srv, http.MethodPost, "/api/synthesize", map[string]string{"text": text})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var r model.SecurityAuditReport
	decode(t, w, &r)
	if r.OverallRisk != model.RiskCritical {
		t.Errorf("expected critical, got %s", r.OverallRisk)
	}
	if len(r.Recommendations) != 2 || r.Recommendations[0] != "You should use bound parameters." {
		t.Errorf("unexpected recommendations %q", r.Recommendations)
	}
	if r.Vulnerabilities == nil || len(r.Vulnerabilities) != 0 {
		t.Errorf("expected empty vulnerabilities, got %v", r.Vulnerabilities)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(nil)
	do(t, srv, http.MethodPost, "/api/evaluate", map[string]any{"messages": failingGroups(1)})

	w := do(t, srv, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "agmend_escalation_decisions_total") {
		t.Error("expected escalation counter in metrics output")
	}
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	raw, _ := json.Marshal(data)
	if err := conn.WriteJSON(wsMessage{Type: msgType, Data: raw}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readWS(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocketAuditStreamsStages(t *testing.T) {
	conn := dialWS(t, newTestServer(nil))

	sendWS(t, conn, wsMsgAudit, map[string]string{"work_dir": "/repo"})

	var stages []string
	for {
		msg := readWS(t, conn)
		if msg.Type == wsMsgReport {
			var st audit.AuditState
			if err := json.Unmarshal(msg.Data, &st); err != nil {
				t.Fatal(err)
			}
			if st.Report == nil {
				t.Error("expected report in final message")
			}
			break
		}
		if msg.Type != wsMsgStage {
			t.Fatalf("unexpected message %s: %s", msg.Type, msg.Data)
		}
		var ev struct {
			Stage string `json:"stage"`
		}
		json.Unmarshal(msg.Data, &ev)
		stages = append(stages, ev.Stage)
	}

	want := []string{"initialize", "scan", "recommend", "finalize"}
	if strings.Join(stages, ",") != strings.Join(want, ",") {
		t.Errorf("expected stages %v, got %v", want, stages)
	}
}

func TestWebSocketEvaluateAndErrors(t *testing.T) {
	conn := dialWS(t, newTestServer(nil))

	sendWS(t, conn, wsMsgEvaluate, map[string]any{"messages": failingGroups(3)})
	msg := readWS(t, conn)
	if msg.Type != wsMsgEvaluation || !strings.Contains(string(msg.Data), "smart_recovery") {
		t.Errorf("unexpected reply %s: %s", msg.Type, msg.Data)
	}

	sendWS(t, conn, "bogus", nil)
	if msg = readWS(t, conn); msg.Type != wsMsgError {
		t.Errorf("expected error for unknown type, got %s", msg.Type)
	}

	sendWS(t, conn, wsMsgAudit, map[string]string{})
	if msg = readWS(t, conn); msg.Type != wsMsgError || !strings.Contains(string(msg.Data), "work_dir") {
		t.Errorf("expected validation error, got %s: %s", msg.Type, msg.Data)
	}
}
