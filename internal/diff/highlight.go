package diff

import (
	"path/filepath"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// Token is a highlighted chunk of text. Color is a hex colour such as
// "#ff79c6", or empty for the default foreground.
type Token struct {
	Text  string
	Color string
}

// Highlighted is one line of tokens.
type Highlighted []Token

// Plain returns the line text without colour.
func (h Highlighted) Plain() string {
	var b strings.Builder
	for _, t := range h {
		b.WriteString(t.Text)
	}
	return b.String()
}

var style = func() *chroma.Style {
	if s := styles.Get("dracula"); s != nil {
		return s
	}
	return styles.Fallback
}()

// HighlightCommand colours a shell command line.
func HighlightCommand(cmd string) []Highlighted {
	return highlight(lexers.Get("bash"), strings.Split(cmd, "\n"))
}

// HighlightFile colours lines of source, picking the lexer from filename.
func HighlightFile(filename string, lines []string) []Highlighted {
	lexer := lexers.Match(filename)
	if lexer == nil {
		if ext := filepath.Ext(filename); ext != "" {
			lexer = lexers.Match("file" + ext)
		}
	}
	return highlight(lexer, lines)
}

// highlight always returns exactly len(lines) lines.
func highlight(lexer chroma.Lexer, lines []string) []Highlighted {
	out := make([]Highlighted, 0, len(lines))
	if lexer == nil {
		for _, l := range lines {
			out = append(out, Highlighted{{Text: l}})
		}
		return out
	}

	it, err := chroma.Coalesce(lexer).Tokenise(nil, strings.Join(lines, "\n"))
	if err != nil {
		return highlight(nil, lines)
	}

	var cur Highlighted
	for _, tok := range it.Tokens() {
		for i, part := range strings.Split(tok.Value, "\n") {
			if i > 0 {
				out = append(out, cur)
				cur = nil
			}
			if part == "" {
				continue
			}
			color := ""
			if e := style.Get(tok.Type); e.Colour.IsSet() {
				color = e.Colour.String()
			}
			cur = append(cur, Token{Text: part, Color: color})
		}
	}
	out = append(out, cur)

	// Lexers may append a trailing newline token.
	if len(out) > len(lines) {
		out = out[:len(lines)]
	}
	for len(out) < len(lines) {
		out = append(out, nil)
	}
	return out
}
