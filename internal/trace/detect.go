package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Transcript formats accepted by Load.
const (
	FormatClaudeCode = "claude-code"
	FormatAider      = "aider"
	FormatGeneric    = "generic"
)

const (
	// GenericFileName is the transcript file looked for in a repository root.
	GenericFileName = ".agmend-transcript.jsonl"
	// AiderFileName is Aider's chat history in a repository root.
	AiderFileName = ".aider.chat.history.md"
)

// claudeProjectsDir returns where Claude Code keeps per-project sessions.
// Tests point it at a temp dir.
var claudeProjectsDir = func() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}

// DetectAndLoad finds the most recent transcript for repoDir and loads it.
// It returns (nil, nil) when there is none.
func DetectAndLoad(repoDir string, opts Options) (*Transcript, error) {
	path, format := Detect(repoDir)
	if path == "" {
		return nil, nil
	}
	return Load(path, format, opts)
}

// Load parses a transcript with the given format hint; an empty hint sniffs
// the format from the file.
func Load(path, format string, opts Options) (*Transcript, error) {
	switch format {
	case FormatClaudeCode:
		return ParseClaudeCode(path, opts)
	case FormatAider:
		return ParseAider(path)
	case FormatGeneric:
		return ParseGenericJSONL(path, opts)
	case "":
		return autoLoad(path, opts)
	default:
		return nil, fmt.Errorf("unknown transcript format %q", format)
	}
}

// Detect returns the transcript an agent most likely left for repoDir and
// its format. Claude Code sessions win over files in the repository.
func Detect(repoDir string) (path, format string) {
	abs, err := filepath.Abs(repoDir)
	if err != nil {
		return "", ""
	}
	if p := newestSession(abs); p != "" {
		return p, FormatClaudeCode
	}
	for _, c := range []struct{ name, format string }{
		{AiderFileName, FormatAider},
		{GenericFileName, FormatGeneric},
	} {
		p := filepath.Join(abs, c.name)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, c.format
		}
	}
	return "", ""
}

// newestSession looks for the Claude Code project of repo or its closest
// ancestor and returns its most recently written session file. Claude Code
// names project directories after the absolute path with separators turned
// into dashes.
func newestSession(repo string) string {
	root := claudeProjectsDir()
	if root == "" {
		return ""
	}
	for dir := repo; ; dir = filepath.Dir(dir) {
		project := filepath.Join(root, strings.ReplaceAll(dir, string(filepath.Separator), "-"))
		if p := newestJSONL(project); p != "" {
			return p
		}
		if parent := filepath.Dir(dir); parent == dir {
			return ""
		}
	}
}

func newestJSONL(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var (
		best     string
		bestTime time.Time
	)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best, bestTime = filepath.Join(dir, e.Name()), info.ModTime()
		}
	}
	return best
}

// autoLoad tries the JSON formats by content and falls back to Aider for
// markdown.
func autoLoad(path string, opts Options) (*Transcript, error) {
	switch filepath.Ext(path) {
	case ".jsonl", ".json":
		for _, parse := range []func(string, Options) (*Transcript, error){ParseClaudeCode, ParseGenericJSONL} {
			if t, err := parse(path, opts); err == nil && len(t.Messages) > 0 {
				return t, nil
			}
		}
	case ".md":
		return ParseAider(path)
	}
	return nil, fmt.Errorf("unable to determine transcript format for %s", path)
}
