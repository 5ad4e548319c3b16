package audit

import (
	"context"
	"errors"
	"fmt"
)

// Stage is a state of the audit pipeline.
type Stage int

const (
	StageInitialize Stage = iota
	StageScan
	StageRecommend
	StageFinalize
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageInitialize:
		return "initialize"
	case StageScan:
		return "scan"
	case StageRecommend:
		return "recommend"
	case StageFinalize:
		return "finalize"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(b []byte) error {
	for st := StageInitialize; st <= StageDone; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", string(b))
}

// Node is one entry of a Machine's transition table: the work done in a
// state and the function that picks the next state afterwards.
type Node[S any] struct {
	Run  func(ctx context.Context, state *S)
	Next func(state *S) Stage
}

// Goto returns a route that always moves to s.
func Goto[S any](s Stage) func(*S) Stage {
	return func(*S) Stage { return s }
}

// ErrNoNode is returned when a route leads to a stage with no handler.
var ErrNoNode = errors.New("audit: no node for stage")

// ErrTooManySteps guards against routes that loop forever.
var ErrTooManySteps = errors.New("audit: step limit exceeded")

// Machine runs a table of nodes from Start until Terminal is reached.
// Handlers never fail; they record problems in the state instead.
type Machine[S any] struct {
	Start    Stage
	Terminal Stage
	Nodes    map[Stage]Node[S]
	MaxSteps int

	// After, if set, is called once a node has run and its route is known.
	After func(ctx context.Context, from, to Stage, state *S)
}

// Run drives state through the machine.
func (m *Machine[S]) Run(ctx context.Context, state *S) error {
	limit := m.MaxSteps
	if limit <= 0 {
		limit = 4 * (len(m.Nodes) + 1)
	}

	cur := m.Start
	for steps := 0; cur != m.Terminal; steps++ {
		if steps >= limit {
			return fmt.Errorf("%w after %d steps at %s", ErrTooManySteps, steps, cur)
		}
		node, ok := m.Nodes[cur]
		if !ok {
			return fmt.Errorf("%w %s", ErrNoNode, cur)
		}

		node.Run(ctx, state)

		next := m.Terminal
		if node.Next != nil {
			next = node.Next(state)
		}
		if m.After != nil {
			m.After(ctx, cur, next, state)
		}
		cur = next
	}
	return nil
}
