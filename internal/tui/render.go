package tui

import (
	"fmt"
	"math"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/charmbracelet/lipgloss"

	"github.com/sprite-ai/agmend/internal/analysis"
	"github.com/sprite-ai/agmend/internal/diff"
	"github.com/sprite-ai/agmend/internal/model"
	"github.com/sprite-ai/agmend/internal/transcript"
)

type lineKind int

const (
	kindPlain lineKind = iota
	kindDim
	kindHeader
	kindAgent
	kindUser
	kindOK
	kindError
	kindDiagnosis
	kindCommand
	kindHunk
	kindAdded
	kindDeleted
	kindContext
	kindFinding
)

// renderedLine is one display line of the detail pane.
type renderedLine struct {
	Kind   lineKind
	Text   string
	Tokens diff.Highlighted // nil = no highlighting

	OldNum int // diff lines only; 0 = not applicable
	NewNum int
	Risk   model.RiskLevel // kindFinding only
}

// maxContentLines caps how much of a tool result body is shown.
const maxContentLines = 8

// renderGroup lays out one tool-invocation group: the triggering agent
// message, then each result with its command and the head of its output.
func renderGroup(g transcript.Group, index int) []renderedLine {
	failed := 0
	for _, m := range g.Results {
		if m.IsError() {
			failed++
		}
	}
	lines := []renderedLine{{
		Kind: kindHeader,
		Text: fmt.Sprintf("Group %d: %d/%d failed (error rate %.0f%%)", index+1, failed, g.Len(), transcript.ErrorRate(g)*100),
	}}

	if text := strings.TrimSpace(g.Trigger.Content); text != "" {
		lines = append(lines, renderedLine{Kind: kindAgent, Text: "agent: " + firstLine(text)})
	} else {
		lines = append(lines, renderedLine{Kind: kindAgent, Text: "agent:"})
	}
	for _, tc := range g.Trigger.ToolCalls {
		lines = append(lines, renderedLine{Kind: kindDim, Text: "  → " + tc.Name})
	}

	for _, m := range g.Results {
		lines = append(lines, renderedLine{})
		lines = append(lines, resultHeader(m))

		if m.Command != "" && m.Command != m.Name {
			for _, hl := range diff.HighlightCommand(m.Command) {
				lines = append(lines, renderedLine{Kind: kindCommand, Text: "  $ " + hl.Plain(), Tokens: hl})
			}
		}

		body := strings.Split(strings.TrimRight(m.Content, "\n"), "\n")
		for i, l := range body {
			if i == maxContentLines {
				lines = append(lines, renderedLine{Kind: kindDim, Text: fmt.Sprintf("    ... %d more line(s)", len(body)-maxContentLines)})
				break
			}
			if l == "" && len(body) == 1 {
				break
			}
			lines = append(lines, renderedLine{Kind: kindPlain, Text: "    " + l})
		}
	}
	return lines
}

func resultHeader(m model.Message) renderedLine {
	name := m.Name
	if name == "" {
		name = "(unnamed tool)"
	}
	switch {
	case m.IsDiagnosis():
		return renderedLine{Kind: kindDiagnosis, Text: "◆ " + name + " (diagnosis)"}
	case m.IsError():
		cat := transcript.Classify(m)
		return renderedLine{Kind: kindError, Text: fmt.Sprintf("✗ %s [%s]", name, cat)}
	default:
		return renderedLine{Kind: kindOK, Text: "✓ " + name}
	}
}

// renderMessages lays out messages outside any group, such as user turns.
func renderMessages(msgs []model.Message) []renderedLine {
	var lines []renderedLine
	for _, m := range msgs {
		switch m.Role {
		case model.RoleUser:
			lines = append(lines, renderedLine{Kind: kindUser, Text: "user: " + firstLine(m.Content)})
		case model.RoleSystem:
			lines = append(lines, renderedLine{Kind: kindDim, Text: "system: " + firstLine(m.Content)})
		}
	}
	return lines
}

// renderFile produces the diff lines of one file, with a finding line
// inserted after each flagged new-file line.
func renderFile(f *diff.File, findings []analysis.Finding) []renderedLine {
	byLine := make(map[int][]analysis.Finding)
	var fileLevel []analysis.Finding
	for _, fd := range findings {
		if fd.File != f.Name() {
			continue
		}
		if fd.Line > 0 {
			byLine[fd.Line] = append(byLine[fd.Line], fd)
		} else {
			fileLevel = append(fileLevel, fd)
		}
	}

	var lines []renderedLine
	for _, fd := range fileLevel {
		lines = append(lines, findingLine(fd))
	}

	var content []string
	for _, frag := range f.Fragments {
		for _, line := range frag.Lines {
			content = append(content, strings.TrimRight(line.Line, "\n\r"))
		}
	}
	highlighted := diff.HighlightFile(f.Name(), content)
	hl := 0

	for i, frag := range f.Fragments {
		lines = append(lines, renderedLine{Kind: kindHunk, Text: formatHunkHeader(frag)})

		oldLine := int(frag.OldPosition)
		newLine := int(frag.NewPosition)
		for _, line := range frag.Lines {
			rl := renderedLine{Text: strings.TrimRight(line.Line, "\n\r")}
			if hl < len(highlighted) {
				rl.Tokens = highlighted[hl]
				hl++
			}

			var flagged []analysis.Finding
			switch line.Op {
			case gitdiff.OpContext:
				rl.Kind = kindContext
				rl.OldNum, rl.NewNum = oldLine, newLine
				oldLine++
				newLine++
			case gitdiff.OpDelete:
				rl.Kind = kindDeleted
				rl.OldNum = oldLine
				oldLine++
			case gitdiff.OpAdd:
				rl.Kind = kindAdded
				rl.NewNum = newLine
				flagged = byLine[newLine]
				newLine++
			}

			lines = append(lines, rl)
			for _, fd := range flagged {
				lines = append(lines, findingLine(fd))
			}
		}

		if i < len(f.Fragments)-1 {
			lines = append(lines, renderedLine{})
		}
	}
	return lines
}

func findingLine(fd analysis.Finding) renderedLine {
	return renderedLine{
		Kind: kindFinding,
		Text: fmt.Sprintf("         ▲ %s [%s] %s", fd.Risk, fd.Tag(), fd.Message),
		Risk: fd.Risk,
	}
}

func formatHunkHeader(frag *gitdiff.TextFragment) string {
	old := fmt.Sprintf("-%d", frag.OldPosition)
	if frag.OldLines != 1 {
		old += fmt.Sprintf(",%d", frag.OldLines)
	}
	nw := fmt.Sprintf("+%d", frag.NewPosition)
	if frag.NewLines != 1 {
		nw += fmt.Sprintf(",%d", frag.NewLines)
	}
	header := fmt.Sprintf("@@ %s %s @@", old, nw)
	if frag.Comment != "" {
		header += " " + frag.Comment
	}
	return header
}

// pulseColor interpolates between a dim and bright colour; the finding
// annotations breathe with the animation phase.
func pulseColor(dimRGB, brightRGB [3]int, phase float64) lipgloss.Color {
	t := (math.Sin(phase) + 1) / 2
	r := dimRGB[0] + int(t*float64(brightRGB[0]-dimRGB[0]))
	g := dimRGB[1] + int(t*float64(brightRGB[1]-dimRGB[1]))
	b := dimRGB[2] + int(t*float64(brightRGB[2]-dimRGB[2]))
	return lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", r, g, b))
}

var (
	findingHighDim    = [3]int{0x8a, 0x5c, 0x3a}
	findingHighBright = [3]int{0xff, 0xb8, 0x6c}
	findingMedDim     = [3]int{0x8a, 0x8a, 0x4c}
	findingMedBright  = [3]int{0xf1, 0xfa, 0x8c}
	findingLowDim     = [3]int{0x8a, 0x8a, 0x8a}
	findingLowBright  = [3]int{0xf8, 0xf8, 0xf2}
)

// styleLine renders a line for the detail pane.
func styleLine(rl renderedLine, width int, phase float64) string {
	switch rl.Kind {
	case kindFinding:
		dim, bright := findingLowDim, findingLowBright
		bold := false
		switch {
		case rl.Risk >= model.RiskHigh:
			dim, bright, bold = findingHighDim, findingHighBright, true
		case rl.Risk >= model.RiskMedium:
			dim, bright = findingMedDim, findingMedBright
		}
		return lipgloss.NewStyle().Foreground(pulseColor(dim, bright, phase)).Bold(bold).Render(truncate(rl.Text, width))
	case kindHeader:
		return headerStyle.Render(truncate(rl.Text, width))
	case kindHunk:
		return hunkHeaderStyle.Width(width).Render(truncate(rl.Text, width))
	case kindAgent:
		return agentStyle.Render(truncate(rl.Text, width))
	case kindUser:
		return userStyle.Render(truncate(rl.Text, width))
	case kindOK:
		return okStyle.Render(truncate(rl.Text, width))
	case kindError:
		return errorStyle.Render(truncate(rl.Text, width))
	case kindDiagnosis:
		return diagnosisStyle.Render(truncate(rl.Text, width))
	case kindDim:
		return dimStyle.Render(truncate(rl.Text, width))
	case kindCommand:
		return "  $ " + renderTokens(rl.Tokens, width-4)
	case kindAdded, kindDeleted, kindContext:
		return styleDiffLine(rl, width)
	default:
		return plainStyle.Render(truncate(rl.Text, width))
	}
}

func styleDiffLine(rl renderedLine, width int) string {
	num := func(n int) string {
		if n > 0 {
			return fmt.Sprintf("%4d", n)
		}
		return "    "
	}
	nums := lineNumberStyle.Render(num(rl.OldNum)) + " " + lineNumberStyle.Render(num(rl.NewNum)) + " "
	max := width - 10

	switch rl.Kind {
	case kindAdded:
		return nums + addedLineStyle.Render(truncate("+"+rl.Text, max))
	case kindDeleted:
		return nums + deletedLineStyle.Render(truncate("-"+rl.Text, max))
	}
	// context lines get syntax colours
	if len(rl.Tokens) == 0 || lipgloss.Width(rl.Text) > max-1 {
		return nums + plainStyle.Render(truncate(" "+rl.Text, max))
	}
	return nums + " " + renderTokens(rl.Tokens, max-1)
}

func renderTokens(tokens diff.Highlighted, width int) string {
	if lipgloss.Width(tokens.Plain()) > width {
		return plainStyle.Render(truncate(tokens.Plain(), width))
	}
	var b strings.Builder
	for _, tok := range tokens {
		if tok.Color == "" {
			b.WriteString(tok.Text)
			continue
		}
		b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color(tok.Color)).Render(tok.Text))
	}
	return b.String()
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
