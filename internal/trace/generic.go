package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sprite-ai/agmend/internal/model"
)

// Generic JSONL transcript format:
//
//	{"type": "user", "content": "fix the failing test"}
//	{"type": "agent", "content": "Running the tests", "tool_calls": [{"id": "1", "name": "bash"}]}
//	{"type": "tool_result", "call_id": "1", "name": "bash", "command": "go test ./...", "status": "error", "content": "FAIL"}
//
// Older agent logs with one line per action are also accepted; each action
// becomes an agent message followed by its result:
//
//	{"type": "bash", "command": "go test ./...", "exit_code": 1}
//	{"type": "file_edit", "path": "api/middleware.go", "description": "Add RateLimiter struct"}
//	{"type": "reasoning", "content": "Tests pass. Now I need to..."}
type genericEntry struct {
	Type        string           `json:"type"`
	Content     string           `json:"content"`
	Name        string           `json:"name"`
	CallID      string           `json:"call_id"`
	Status      string           `json:"status"`
	Flags       []string         `json:"flags"`
	ToolCalls   []model.ToolCall `json:"tool_calls"`
	Path        string           `json:"path"`
	Description string           `json:"description"`
	Command     string           `json:"command"`
	ExitCode    *int             `json:"exit_code"`
	Timestamp   string           `json:"timestamp"`
}

// ParseGenericJSONL parses a generic JSONL transcript.
func ParseGenericJSONL(path string, opts Options) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	t, err := parseGenericReader(f, opts)
	if err != nil {
		return nil, err
	}
	t.Path = path
	return t, nil
}

func parseGenericReader(r io.Reader, opts Options) (*Transcript, error) {
	t := &Transcript{Source: "generic"}
	files := make(fileSet)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	add := func(m model.Message) { t.Messages = append(t.Messages, m) }

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry genericEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		t.observe(parseTimestamp(entry.Timestamp))

		switch entry.Type {
		case "user":
			add(model.Message{Role: model.RoleUser, Content: entry.Content})

		case "agent", "assistant", "plan", "reasoning":
			add(model.Message{Role: model.RoleAgent, Content: entry.Content, ToolCalls: entry.ToolCalls})

		case "tool_result", "tool":
			m := model.Message{
				Role:    model.RoleTool,
				CallID:  entry.CallID,
				Name:    entry.Name,
				Command: entry.Command,
				Content: entry.Content,
				Flags:   entry.Flags,
			}
			var st model.Status
			if err := st.UnmarshalText([]byte(entry.Status)); err == nil {
				m.Status = st
			}
			if m.Status == model.StatusUnset && entry.ExitCode != nil {
				m.Status = statusFromExit(*entry.ExitCode)
			}
			if m.Name == opts.diagnosisTool() && !m.HasFlag(model.FlagDiagnosis) {
				m.Flags = append(m.Flags, model.FlagDiagnosis)
			}
			add(m)

		case "bash":
			add(model.Message{Role: model.RoleAgent, ToolCalls: []model.ToolCall{{Name: "bash"}}})
			m := model.Message{
				Role:    model.RoleTool,
				Status:  model.StatusSuccess,
				Name:    "bash",
				Command: entry.Command,
				Content: entry.Content,
			}
			if entry.ExitCode != nil {
				m.Status = statusFromExit(*entry.ExitCode)
			}
			add(m)

		case "file_read", "file_write", "file_edit":
			verb := map[string]string{"file_read": "read", "file_write": "write", "file_edit": "edit"}[entry.Type]
			if verb != "read" {
				files[entry.Path] = true
			}
			content := entry.Description
			if content == "" {
				content = fmt.Sprintf("%s %s", verb, shortPath(entry.Path))
			}
			add(model.Message{Role: model.RoleAgent, Content: content, ToolCalls: []model.ToolCall{{Name: verb}}})
			add(model.Message{
				Role:    model.RoleTool,
				Status:  model.StatusSuccess,
				Name:    verb,
				Command: verb + " " + entry.Path,
			})
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning transcript: %w", err)
	}

	t.FilesChanged = files.sorted()
	model.Renumber(t.Messages)
	return t, nil
}

func statusFromExit(code int) model.Status {
	if code != 0 {
		return model.StatusError
	}
	return model.StatusSuccess
}

// ParseMessagesJSON decodes a JSON array of messages, as accepted by the
// HTTP API, and renumbers it.
func ParseMessagesJSON(data []byte) ([]model.Message, error) {
	var msgs []model.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	model.Renumber(msgs)
	return msgs, nil
}
