package transcript

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprite-ai/agmend/internal/model"
)

func agent() model.Message { return model.Message{Role: model.RoleAgent, Content: "calling tools"} }
func user(text string) model.Message {
	return model.Message{Role: model.RoleUser, Content: text}
}

func ok(name string) model.Message {
	return model.Message{Role: model.RoleTool, Status: model.StatusSuccess, Name: name}
}

func fail(name, content string) model.Message {
	return model.Message{Role: model.RoleTool, Status: model.StatusError, Name: name, Content: content}
}

func diagnosis() model.Message {
	return model.Message{Role: model.RoleTool, Status: model.StatusSuccess, Name: "diagnose_error", Flags: []string{model.FlagDiagnosis}}
}

func numbered(msgs ...model.Message) []model.Message {
	model.Renumber(msgs)
	return msgs
}

func TestGroupMessages(t *testing.T) {
	msgs := numbered(
		user("fix the build"),
		ok("orphan"), // not collecting yet
		agent(),
		ok("read"),
		fail("bash", "boom"),
		agent(),
		ok("bash"),
		user("interrupt"),
		ok("ignored"), // collecting stopped
		agent(),
		agent(), // empty group is not emitted
		fail("bash", "x"),
	)

	groups := GroupMessages(msgs)
	require.Len(t, groups, 3)
	assert.Equal(t, []string{"read", "bash"}, groups[0].Names())
	assert.Equal(t, []string{"bash"}, groups[1].Names())
	assert.Equal(t, []string{"bash"}, groups[2].Names())
	assert.Equal(t, 2, groups[0].Trigger.Order)
}

func TestGroupMessagesSkipsDiagnoses(t *testing.T) {
	msgs := numbered(agent(), ok("a"), diagnosis(), agent(), diagnosis())

	groups := GroupMessages(msgs)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a"}, groups[0].Names())

	all := GroupWithDiagnoses(msgs)
	require.Len(t, all, 2)
	assert.True(t, all[1].Results[0].IsDiagnosis())
}

func TestGroupsPreserveOrderAndFormSubsequence(t *testing.T) {
	msgs := numbered(
		agent(), ok("a"), fail("b", ""), user("u"), agent(), ok("c"),
		agent(), ok("d"), diagnosis(), ok("e"), ok("f"),
	)

	var flat []model.Message
	for _, g := range GroupMessages(msgs) {
		require.NotZero(t, g.Len())
		flat = append(flat, g.Results...)
	}

	last := -1
	for _, m := range flat {
		assert.True(t, m.IsToolResult())
		assert.Greater(t, m.Order, last, "groups must keep transcript order")
		last = m.Order
	}
	assert.Len(t, flat, 6)
}

func TestLastGroups(t *testing.T) {
	groups := GroupMessages(numbered(agent(), ok("a"), agent(), ok("b"), agent(), ok("c")))
	require.Len(t, groups, 3)

	assert.Len(t, LastGroups(groups, 2), 2)
	assert.Equal(t, "c", LastGroups(groups, 1)[0].Results[0].Name)
	assert.Len(t, LastGroups(groups, 10), 3)
	assert.Empty(t, LastGroups(groups, 0))
	assert.Empty(t, LastGroups(groups, -1))
}

func TestErrorRate(t *testing.T) {
	assert.Equal(t, 0.0, ErrorRate(Group{}))
	assert.Equal(t, 0.0, ErrorRate(Group{Results: []model.Message{ok("a"), ok("b")}}))
	assert.Equal(t, 1.0, ErrorRate(Group{Results: []model.Message{fail("a", ""), fail("b", "")}}))

	prev := -1.0
	for failed := 0; failed <= 4; failed++ {
		var g Group
		for i := 0; i < 4; i++ {
			if i < failed {
				g.Results = append(g.Results, fail("x", ""))
			} else {
				g.Results = append(g.Results, ok("x"))
			}
		}
		rate := ErrorRate(g)
		assert.Greater(t, rate, prev)
		prev = rate
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		content string
		want    ErrorCategory
	}{
		{"SyntaxError: invalid syntax", CategorySyntax},
		{"ls: cannot access 'x': No such file or directory", CategoryNotFound},
		{"bash: line 1: foo: command not found", CategoryCommandNotFound},
		{"open /etc/shadow: Permission denied", CategoryPermission},
		{"context deadline exceeded", CategoryTimeout},
		{"Command TIMED OUT after 60s", CategoryTimeout},
		{"exit status 1", CategoryUnknown},
		{"", CategoryUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(fail("bash", tt.content)), tt.content)
	}
}

func TestClassifierFirstRuleWins(t *testing.T) {
	c := NewClassifier([]Rule{
		{CategoryTimeout, []string{"  TIMEOUT "}},
		{CategorySyntax, []string{"syntax"}},
	})
	assert.Equal(t, CategoryTimeout, c.ClassifyText("syntax check hit a timeout"))
	assert.Equal(t, "timeout", c.Rules()[0].Markers[0])
}

func TestDefaultRuleOrder(t *testing.T) {
	var order []ErrorCategory
	for _, r := range DefaultRules() {
		order = append(order, r.Category)
	}
	assert.Equal(t, []ErrorCategory{CategorySyntax, CategoryCommandNotFound, CategoryNotFound, CategoryPermission, CategoryTimeout}, order)

	// "command not found" also carries the resource-not-found marker.
	assert.Equal(t, CategoryCommandNotFound, Classify(fail("bash", "sh: 1: terraform: command not found")))
	assert.Equal(t, CategoryNotFound, Classify(fail("read", "open config.yaml: not found")))
}

func TestErrorPatterns(t *testing.T) {
	msgs := numbered(
		agent(),
		model.Message{Role: model.RoleTool, Status: model.StatusError, Name: "bash", Command: "npm test", Content: "Error: Cannot find module 'x'"},
		agent(),
		model.Message{Role: model.RoleTool, Status: model.StatusError, Name: "bash", Command: "go build", Content: "syntax error: unexpected }"},
		agent(),
		model.Message{Role: model.RoleTool, Status: model.StatusError, Name: "bash", Command: "go build", Content: "syntax error: unexpected }"},
		agent(),
		model.Message{Role: model.RoleTool, Status: model.StatusError, Name: "bash", Command: "npm test", Content: "Cannot find module 'y'"},
		ok("bash"),
		agent(),
		model.Message{Role: model.RoleTool, Status: model.StatusError, Name: "bash", Command: "npm test", Content: "Cannot find module 'z'"},
	)

	r := NewAnalyzer().ErrorPatterns(msgs)
	assert.Equal(t, 5, r.TotalErrors)
	require.Len(t, r.Categories, 2)
	assert.Equal(t, CategorySyntax, r.Categories[0].Category)
	assert.Equal(t, 2, r.Categories[0].Count)
	assert.Equal(t, CategoryNotFound, r.Categories[1].Category)
	assert.Equal(t, 3, r.Categories[1].Count)
	assert.Equal(t, 10, r.Categories[1].LastIndex)

	require.Len(t, r.Repeated, 2)
	assert.Equal(t, RepeatedCommand{Command: "npm test", Count: 3}, r.Repeated[0])
	assert.Equal(t, RepeatedCommand{Command: "go build", Count: 2}, r.Repeated[1])

	text := r.String()
	assert.Contains(t, text, "resource-not-found: 3 occurrence(s)")
	assert.Contains(t, text, `"npm test" failed 3 times`)
}

func TestErrorPatternsKeepsLastThreeCommands(t *testing.T) {
	var msgs []model.Message
	for _, cmd := range []string{"a", "b", "c", "d"} {
		msgs = append(msgs, agent(), model.Message{Role: model.RoleTool, Status: model.StatusError, Name: "bash", Command: cmd, Content: "timed out"})
	}
	r := NewAnalyzer().ErrorPatterns(msgs)
	require.Len(t, r.Categories, 1)
	assert.Equal(t, []string{"b", "c", "d"}, r.Categories[0].RecentCommands)
}

func TestRepeatedCommandTiesKeepFirstSeen(t *testing.T) {
	var msgs []model.Message
	for _, cmd := range []string{"second", "first", "second", "first"} {
		msgs = append(msgs, model.Message{Role: model.RoleTool, Status: model.StatusError, Command: cmd})
	}
	r := NewAnalyzer().ErrorPatterns(msgs)
	require.Len(t, r.Repeated, 2)
	assert.Equal(t, "second", r.Repeated[0].Command)
	assert.Equal(t, "first", r.Repeated[1].Command)
}

func TestAnalyzeErrorPatternsNoErrors(t *testing.T) {
	out := AnalyzeErrorPatterns(numbered(agent(), ok("a")))
	assert.True(t, strings.HasPrefix(out, "No failed tool invocations"))
}

func TestDetectStuckPattern(t *testing.T) {
	stuck := numbered(
		agent(), fail("bash", "x"),
		agent(), fail("bash", "x"),
		agent(), fail("bash", "x"),
	)
	assert.True(t, DetectStuckPattern(stuck, 10))

	mixed := numbered(
		agent(), fail("bash", "x"),
		agent(), fail("edit", "x"),
		agent(), fail("bash", "x"),
	)
	assert.False(t, DetectStuckPattern(mixed, 10))

	// only failures directly after an agent message count
	detached := numbered(
		agent(), ok("read"), fail("bash", "x"),
		agent(), ok("read"), fail("bash", "x"),
		agent(), ok("read"), fail("bash", "x"),
	)
	assert.False(t, DetectStuckPattern(detached, 10))
}

func TestDetectStuckPatternWindow(t *testing.T) {
	msgs := numbered(
		agent(), fail("bash", "x"),
		agent(), fail("bash", "x"),
		agent(), fail("bash", "x"),
		agent(), ok("bash"),
		agent(), ok("bash"),
		agent(), ok("bash"),
	)
	assert.True(t, DetectStuckPattern(msgs, 12))
	assert.False(t, DetectStuckPattern(msgs, 10), "oldest failure falls outside the window")
}
