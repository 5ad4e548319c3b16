package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sprite-ai/agmend/internal/model"
)

// Claude Code JSONL entry structure.
type claudeEntry struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	Message   json.RawMessage `json:"message"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Content can be a string or array of content blocks.
type claudeContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`          // tool_use id
	Name      string          `json:"name"`        // tool name for tool_use
	Input     json.RawMessage `json:"input"`       // tool input for tool_use
	ToolUseID string          `json:"tool_use_id"` // for tool_result
	Content   json.RawMessage `json:"content"`     // for tool_result
	IsError   bool            `json:"is_error"`    // for tool_result
}

type toolInput struct {
	FilePath string `json:"file_path"`
	Command  string `json:"command"`
	Pattern  string `json:"pattern"`
}

// toolUse remembers what a tool_use asked for so its result can be named.
type toolUse struct {
	name    string
	command string
}

// ParseClaudeCode parses a Claude Code JSONL transcript.
func ParseClaudeCode(path string, opts Options) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	t, err := parseClaudeReader(f, opts)
	if err != nil {
		return nil, err
	}
	t.Path = path
	return t, nil
}

type claudeParser struct {
	opts  Options
	t     *Transcript
	uses  map[string]toolUse
	files fileSet
}

func parseClaudeReader(r io.Reader, opts Options) (*Transcript, error) {
	p := &claudeParser{
		opts:  opts,
		t:     &Transcript{Source: "claude-code"},
		uses:  make(map[string]toolUse),
		files: make(fileSet),
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024) // 10MB max line

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry claudeEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue // skip malformed lines
		}
		if p.t.SessionID == "" && entry.SessionID != "" {
			p.t.SessionID = entry.SessionID
		}
		p.t.observe(parseTimestamp(entry.Timestamp))

		var msg claudeMessage
		if len(entry.Message) == 0 || json.Unmarshal(entry.Message, &msg) != nil {
			continue
		}

		switch entry.Type {
		case "user":
			p.user(msg)
		case "assistant":
			p.assistant(msg)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning transcript: %w", err)
	}

	p.t.FilesChanged = p.files.sorted()
	model.Renumber(p.t.Messages)
	return p.t, nil
}

func (p *claudeParser) add(m model.Message) {
	p.t.Messages = append(p.t.Messages, m)
}

func (p *claudeParser) user(msg claudeMessage) {
	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		if strings.TrimSpace(text) != "" {
			p.add(model.Message{Role: model.RoleUser, Content: text})
		}
		return
	}

	var blocks []claudeContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return
	}
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) != "" {
				p.add(model.Message{Role: model.RoleUser, Content: block.Text})
			}
		case "tool_result":
			p.add(p.toolResult(block))
		}
	}
}

func (p *claudeParser) toolResult(block claudeContentBlock) model.Message {
	use := p.uses[block.ToolUseID]
	m := model.Message{
		Role:    model.RoleTool,
		Status:  model.StatusSuccess,
		CallID:  block.ToolUseID,
		Name:    use.name,
		Command: use.command,
		Content: resultText(block.Content),
	}
	if block.IsError {
		m.Status = model.StatusError
	}
	if use.name != "" && use.name == p.opts.diagnosisTool() {
		m.Flags = append(m.Flags, model.FlagDiagnosis)
	}
	return m
}

// resultText flattens a tool_result content field, which is either a string
// or a list of text blocks.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []claudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (p *claudeParser) assistant(msg claudeMessage) {
	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		if strings.TrimSpace(text) != "" {
			p.add(model.Message{Role: model.RoleAgent, Content: text})
		}
		return
	}

	var blocks []claudeContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return
	}

	var (
		texts []string
		calls []model.ToolCall
	)
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case "tool_use":
			p.uses[block.ID] = toolUse{name: block.Name, command: p.commandFor(block)}
			calls = append(calls, model.ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}
	if len(texts) == 0 && len(calls) == 0 {
		return
	}
	p.add(model.Message{Role: model.RoleAgent, Content: strings.Join(texts, "\n"), ToolCalls: calls})
}

// commandFor describes what a tool_use ran, e.g. the shell command for Bash
// or "Edit path" for file tools.
func (p *claudeParser) commandFor(block claudeContentBlock) string {
	var inp toolInput
	if err := json.Unmarshal(block.Input, &inp); err != nil {
		return ""
	}
	switch block.Name {
	case "Bash":
		return inp.Command
	case "Write", "Edit", "MultiEdit":
		if inp.FilePath != "" {
			p.files[inp.FilePath] = true
		}
		return block.Name + " " + inp.FilePath
	case "Read":
		return "Read " + inp.FilePath
	case "Grep", "Glob":
		return block.Name + " " + inp.Pattern
	}
	return ""
}
