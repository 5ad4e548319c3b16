// Package transcript groups agent transcripts into tool-invocation groups and
// analyzes their failure patterns.
//
// Everything here is pure: functions only read their input slices, so they are
// safe to call from any number of goroutines.
package transcript

import "github.com/sprite-ai/agmend/internal/model"

// Group is an ordered, non-empty run of tool results that share the agent
// message that triggered them.
type Group struct {
	Trigger model.Message   // the agent-authored message that opened the group
	Results []model.Message // tool results in transcript order
}

// Len returns the number of tool results in the group.
func (g Group) Len() int { return len(g.Results) }

// Names returns the tool names in the group, in order.
func (g Group) Names() []string {
	names := make([]string, len(g.Results))
	for i, m := range g.Results {
		names[i] = m.Name
	}
	return names
}

// GroupMessages partitions messages into tool-invocation groups.
//
// An agent message closes the current group and starts collecting. Tool
// results are appended while collecting, except diagnosis-flagged ones. Any
// other message closes the current group and stops collecting.
func GroupMessages(msgs []model.Message) []Group {
	return group(msgs, false)
}

// GroupWithDiagnoses groups like GroupMessages but keeps diagnosis-flagged
// results. Used for history checks such as the diagnosis cooldown.
func GroupWithDiagnoses(msgs []model.Message) []Group {
	return group(msgs, true)
}

func group(msgs []model.Message, keepDiagnoses bool) []Group {
	var (
		groups     []Group
		current    Group
		collecting bool
	)

	emit := func() {
		if len(current.Results) > 0 {
			groups = append(groups, current)
		}
		current = Group{}
	}

	for _, m := range msgs {
		switch {
		case m.IsAgent():
			emit()
			current.Trigger = m
			collecting = true

		case !collecting:
			// nothing open

		case m.IsToolResult():
			if m.IsDiagnosis() && !keepDiagnoses {
				continue
			}
			current.Results = append(current.Results, m)

		default:
			emit()
			collecting = false
		}
	}

	if collecting {
		emit()
	}
	return groups
}

// LastGroups returns up to n trailing groups.
func LastGroups(groups []Group, n int) []Group {
	if n <= 0 {
		return nil
	}
	if n >= len(groups) {
		return groups
	}
	return groups[len(groups)-n:]
}
