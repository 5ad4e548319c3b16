package trace

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sprite-ai/agmend/internal/model"
)

// ParseAider parses an Aider chat history markdown file:
//
//	# aider chat started at 2024-01-15 10:30:00
//
//	#### make the function async
//
//	I'll modify the function to be async...
//
// Aider does not record tool results, so only user and agent messages are
// produced.
func ParseAider(path string) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening aider history: %w", err)
	}
	defer f.Close()

	t := &Transcript{Source: "aider", Path: path}
	files := make(fileSet)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var block strings.Builder
	inBlock := false

	flush := func() {
		if !inBlock {
			return
		}
		text := strings.TrimSpace(block.String())
		block.Reset()
		inBlock = false
		if text == "" {
			return
		}
		for _, line := range strings.Split(text, "\n") {
			if isFilePath(line) {
				files[strings.TrimSpace(line)] = true
			}
		}
		t.Messages = append(t.Messages, model.Message{Role: model.RoleAgent, Content: text})
	}

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "# aider chat started") {
			continue
		}
		if strings.HasPrefix(line, "#### ") {
			flush()
			t.Messages = append(t.Messages, model.Message{
				Role:    model.RoleUser,
				Content: strings.TrimPrefix(line, "#### "),
			})
			inBlock = true
			continue
		}
		if inBlock {
			block.WriteString(line)
			block.WriteByte('\n')
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning aider history: %w", err)
	}

	t.FilesChanged = files.sorted()
	model.Renumber(t.Messages)
	return t, nil
}

// isFilePath is a simple heuristic to detect file paths.
func isFilePath(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "```") || strings.ContainsAny(s, " \t{}()[]") {
		return false
	}
	// Must contain a dot (extension) or slash
	return strings.Contains(s, ".") && !strings.HasPrefix(s, "http")
}
