package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Up          key.Binding
	Down        key.Binding
	Next        key.Binding
	Prev        key.Binding
	NextFailure key.Binding
	PrevFailure key.Binding
	Pane        key.Binding
	Help        key.Binding
	Quit        key.Binding
}

var keys = keyMap{
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	Next: key.NewBinding(
		key.WithKeys("n"),
		key.WithHelp("n", "next group/file"),
	),
	Prev: key.NewBinding(
		key.WithKeys("N"),
		key.WithHelp("N", "prev group/file"),
	),
	NextFailure: key.NewBinding(
		key.WithKeys("]"),
		key.WithHelp("]", "next failing group"),
	),
	PrevFailure: key.NewBinding(
		key.WithKeys("["),
		key.WithHelp("[", "prev failing group"),
	),
	Pane: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "switch pane"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "help"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}
