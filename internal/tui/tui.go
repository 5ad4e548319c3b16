// Package tui implements the Bubble Tea inspector for agent transcripts and
// audit results.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sprite-ai/agmend/internal/analysis"
	"github.com/sprite-ai/agmend/internal/diff"
	"github.com/sprite-ai/agmend/internal/escalation"
	"github.com/sprite-ai/agmend/internal/model"
	"github.com/sprite-ai/agmend/internal/transcript"
)

// Input is everything the inspector shows. Report, Diff and Findings are
// optional; without them the audit pane is hidden.
type Input struct {
	Title      string
	Messages   []model.Message
	Evaluation escalation.Evaluation
	Patterns   transcript.PatternReport
	Report     *model.SecurityAuditReport
	Diff       *diff.Set
	Findings   []analysis.Finding
}

type pane int

const (
	paneGroups pane = iota
	panePatterns
	paneAudit
)

func (p pane) String() string {
	switch p {
	case paneGroups:
		return "groups"
	case panePatterns:
		return "patterns"
	default:
		return "audit"
	}
}

type tickMsg time.Time

// Model is the top-level Bubble Tea model.
type Model struct {
	in     Input
	groups []transcript.Group
	panes  []pane

	width      int
	height     int
	viewHeight int

	pane     pane
	index    int // selected group, or selected entry on the audit pane
	scroll   int
	lines    []renderedLine
	phase    float64
	showHelp bool
}

// New builds the model. Groups keep diagnosis results so the inspector shows
// where diagnoses ran.
func New(in Input) Model {
	m := Model{
		in:     in,
		groups: transcript.GroupWithDiagnoses(in.Messages),
		panes:  []pane{paneGroups, panePatterns},
	}
	if in.Report != nil || in.Diff != nil {
		m.panes = append(m.panes, paneAudit)
	}
	m.updateLines()
	return m
}

func (m *Model) updateLines() {
	switch m.pane {
	case paneGroups:
		if len(m.groups) == 0 {
			m.lines = append([]renderedLine{{Kind: kindDim, Text: "No tool-invocation groups in this transcript."}}, renderMessages(m.in.Messages)...)
			return
		}
		m.lines = renderGroup(m.groups[m.index], m.index)
	case panePatterns:
		m.lines = m.patternLines()
	case paneAudit:
		m.lines = m.auditLines()
	}
}

func (m Model) patternLines() []renderedLine {
	ev := m.in.Evaluation
	lines := []renderedLine{
		{Kind: kindHeader, Text: "Escalation"},
		{Kind: kindPlain, Text: "decision: " + ev.Decision.String()},
		{Kind: kindPlain, Text: "reason:   " + ev.Reason},
		{Kind: kindPlain, Text: fmt.Sprintf("groups:   %d", ev.Groups)},
		{Kind: kindPlain, Text: fmt.Sprintf("stuck:    %t", ev.Stuck)},
	}
	if len(ev.Rates) > 0 {
		rates := make([]string, len(ev.Rates))
		for i, r := range ev.Rates {
			rates[i] = fmt.Sprintf("%.2f", r)
		}
		lines = append(lines, renderedLine{Kind: kindPlain, Text: "recent error rates: " + strings.Join(rates, " ")})
	}
	lines = append(lines, renderedLine{}, renderedLine{Kind: kindHeader, Text: "Error patterns"})
	for _, l := range strings.Split(strings.TrimRight(m.in.Patterns.String(), "\n"), "\n") {
		lines = append(lines, renderedLine{Kind: kindPlain, Text: l})
	}
	return lines
}

func (m Model) auditLines() []renderedLine {
	var lines []renderedLine
	if r := m.in.Report; r != nil && m.index == 0 {
		lines = append(lines,
			renderedLine{Kind: kindHeader, Text: "Security audit: overall risk " + r.OverallRisk.String()},
		)
		for _, l := range strings.Split(r.Summary, "\n") {
			lines = append(lines, renderedLine{Kind: kindPlain, Text: l})
		}
		if len(r.Recommendations) > 0 {
			lines = append(lines, renderedLine{}, renderedLine{Kind: kindHeader, Text: "Recommendations"})
			for i, rec := range r.Recommendations {
				lines = append(lines, renderedLine{Kind: kindPlain, Text: fmt.Sprintf("%d. %s", i+1, rec)})
			}
		}
		return lines
	}
	f := m.auditFile()
	if f == nil {
		return []renderedLine{{Kind: kindDim, Text: "No diff."}}
	}
	lines = append(lines, renderedLine{Kind: kindHeader, Text: f.Name()})
	return append(lines, renderFile(f, m.in.Findings)...)
}

// auditEntries is the number of entries in the audit list: the report (if
// any) followed by the diff files.
func (m Model) auditEntries() int {
	n := 0
	if m.in.Report != nil {
		n++
	}
	if m.in.Diff != nil {
		n += len(m.in.Diff.Files)
	}
	return n
}

func (m Model) auditFile() *diff.File {
	if m.in.Diff == nil {
		return nil
	}
	i := m.index
	if m.in.Report != nil {
		i--
	}
	if i < 0 || i >= len(m.in.Diff.Files) {
		return nil
	}
	return m.in.Diff.Files[i]
}

func (m Model) entries() int {
	switch m.pane {
	case paneGroups:
		return len(m.groups)
	case paneAudit:
		return m.auditEntries()
	}
	return 1
}

func tick() tea.Cmd {
	return tea.Tick(120*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	if len(m.in.Findings) > 0 {
		return tick()
	}
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewHeight = m.height - 4
		return m, nil

	case tickMsg:
		m.phase += 0.3
		return m, tick()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, keys.Down):
			if m.scroll < len(m.lines)-1 {
				m.scroll++
			}

		case key.Matches(msg, keys.Up):
			if m.scroll > 0 {
				m.scroll--
			}

		case key.Matches(msg, keys.Next):
			if m.index < m.entries()-1 {
				m.index++
				m.scroll = 0
				m.updateLines()
			}

		case key.Matches(msg, keys.Prev):
			if m.index > 0 {
				m.index--
				m.scroll = 0
				m.updateLines()
			}

		case key.Matches(msg, keys.NextFailure):
			m.jumpFailure(1)

		case key.Matches(msg, keys.PrevFailure):
			m.jumpFailure(-1)

		case key.Matches(msg, keys.Pane):
			for i, p := range m.panes {
				if p == m.pane {
					m.pane = m.panes[(i+1)%len(m.panes)]
					break
				}
			}
			m.index, m.scroll = 0, 0
			m.updateLines()

		case key.Matches(msg, keys.Help):
			m.showHelp = !m.showHelp
		}
	}
	return m, nil
}

// jumpFailure moves to the next group in dir that has a failed result.
func (m *Model) jumpFailure(dir int) {
	if m.pane != paneGroups {
		return
	}
	for i := m.index + dir; i >= 0 && i < len(m.groups); i += dir {
		if transcript.ErrorRate(m.groups[i]) > 0 {
			m.index, m.scroll = i, 0
			m.updateLines()
			return
		}
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	if m.showHelp {
		return m.renderHelp()
	}

	height := m.height - 2
	var main string
	if m.pane == panePatterns {
		main = m.renderDetail(m.width, height)
	} else {
		lw := m.listWidth()
		main = lipgloss.JoinHorizontal(lipgloss.Top, m.renderList(lw, height), " ", m.renderDetail(m.width-lw-1, height))
	}
	return lipgloss.JoinVertical(lipgloss.Left, main, m.renderStatusBar())
}

func (m Model) listItems() (items []string, failing []bool) {
	switch m.pane {
	case paneGroups:
		for i, g := range m.groups {
			rate := transcript.ErrorRate(g)
			items = append(items, fmt.Sprintf("%3d %-14s %3.0f%%", i+1, strings.Join(g.Names(), ","), rate*100))
			failing = append(failing, rate > 0)
		}
	case paneAudit:
		if r := m.in.Report; r != nil {
			items = append(items, "report ("+r.OverallRisk.String()+")")
			failing = append(failing, r.OverallRisk >= model.RiskHigh)
		}
		if m.in.Diff != nil {
			flagged := make(map[string]bool)
			for _, f := range m.in.Findings {
				flagged[f.File] = true
			}
			for _, f := range m.in.Diff.Files {
				items = append(items, fmt.Sprintf("%s +%d -%d", f.Name(), f.AddedLines, f.DeletedLines))
				failing = append(failing, flagged[f.Name()])
			}
		}
	}
	return items, failing
}

func (m Model) listWidth() int {
	items, _ := m.listItems()
	w := 24
	for _, it := range items {
		if lipgloss.Width(it)+4 > w {
			w = lipgloss.Width(it) + 4
		}
	}
	if w > m.width/3 {
		w = m.width / 3
	}
	return w
}

func (m Model) renderList(width, height int) string {
	items, failing := m.listItems()
	inner := height - 2

	// keep the selection visible
	start := 0
	if m.index >= inner {
		start = m.index - inner + 1
	}

	var b strings.Builder
	for i := start; i < len(items) && i < start+inner; i++ {
		style := listItemStyle
		switch {
		case i == m.index:
			style = listItemSelectedStyle
		case failing[i]:
			style = listItemFailingStyle
		}
		b.WriteString(style.Width(width - 4).Render(truncate(items[i], width-4)))
		if i < len(items)-1 {
			b.WriteByte('\n')
		}
	}
	return listStyle.Width(width).Height(inner).Render(b.String())
}

func (m Model) renderDetail(width, height int) string {
	inner := height - 2
	end := m.scroll + inner
	if end > len(m.lines) {
		end = len(m.lines)
	}

	var b strings.Builder
	for i := m.scroll; i < end; i++ {
		b.WriteString(styleLine(m.lines[i], width-4, m.phase))
		if i < end-1 {
			b.WriteByte('\n')
		}
	}
	return detailStyle.Width(width).Height(inner).Render(b.String())
}

func (m Model) renderStatusBar() string {
	left := fmt.Sprintf(" %s  [%s]", m.in.Title, m.pane)
	if n := m.entries(); m.pane != panePatterns && n > 0 {
		left += fmt.Sprintf("  %d/%d", m.index+1, n)
	}

	ev := m.in.Evaluation
	decision := decisionStyle(ev.Decision).Render(ev.Decision.String())
	right := fmt.Sprintf(" %d groups  ", ev.Groups) + decision + "  ? help "

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if gap < 0 {
		gap = 0
	}
	return statusBarStyle.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}

func (m Model) renderHelp() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("agmend inspect: keyboard shortcuts"))
	b.WriteString("\n\n")

	for _, k := range []key.Binding{keys.Up, keys.Down, keys.Next, keys.Prev, keys.NextFailure, keys.PrevFailure, keys.Pane, keys.Help, keys.Quit} {
		h := k.Help()
		fmt.Fprintf(&b, "  %s  %s\n", helpKeyStyle.Width(10).Render(h.Key), h.Desc)
	}

	b.WriteString("\n")
	b.WriteString(helpBarStyle.Render("Press ? to close help"))
	return b.String()
}

// Run starts the inspector.
func Run(in Input) error {
	p := tea.NewProgram(New(in), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
