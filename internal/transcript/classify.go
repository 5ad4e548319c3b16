package transcript

import (
	"fmt"
	"strings"

	"github.com/sprite-ai/agmend/internal/model"
)

// ErrorCategory is the coarse kind of a failed tool invocation.
type ErrorCategory string

const (
	CategorySyntax          ErrorCategory = "syntax"
	CategoryNotFound        ErrorCategory = "resource-not-found"
	CategoryPermission      ErrorCategory = "permission"
	CategoryCommandNotFound ErrorCategory = "command-not-found"
	CategoryTimeout         ErrorCategory = "timeout"
	CategoryUnknown         ErrorCategory = "unknown"
)

// Categories lists every category in report order.
var Categories = []ErrorCategory{
	CategorySyntax,
	CategoryNotFound,
	CategoryPermission,
	CategoryCommandNotFound,
	CategoryTimeout,
	CategoryUnknown,
}

// ParseCategory maps a category name to an ErrorCategory.
func ParseCategory(s string) (ErrorCategory, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return CategoryUnknown, fmt.Errorf("unknown error category %q", s)
}

// Rule maps a set of marker phrases to a category.
type Rule struct {
	Category ErrorCategory `yaml:"category" json:"category"`
	Markers  []string      `yaml:"markers" json:"markers"`
}

// Classifier assigns an ErrorCategory to tool results by case-insensitive
// substring matching. Rules are tried in order and the first hit wins.
type Classifier struct {
	rules []Rule
}

// DefaultRules returns the built-in marker table. Command-not-found sits
// ahead of resource-not-found because "command not found" contains "not found".
func DefaultRules() []Rule {
	return []Rule{
		{CategorySyntax, []string{"syntaxerror", "syntax error", "unexpected token", "invalid syntax", "parse error", "indentationerror"}},
		{CategoryCommandNotFound, []string{"command not found", "not recognized as", "unknown command", "executable file not found"}},
		{CategoryNotFound, []string{"no such file", "not found", "does not exist", "filenotfounderror", "cannot find", "modulenotfounderror"}},
		{CategoryPermission, []string{"permission denied", "access denied", "eacces", "operation not permitted", "forbidden"}},
		{CategoryTimeout, []string{"timed out", "timeout", "deadline exceeded"}},
	}
}

// NewClassifier builds a classifier over rules. Markers are lowered once here.
func NewClassifier(rules []Rule) *Classifier {
	c := &Classifier{rules: make([]Rule, 0, len(rules))}
	for _, r := range rules {
		lowered := make([]string, 0, len(r.Markers))
		for _, m := range r.Markers {
			if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
				lowered = append(lowered, m)
			}
		}
		c.rules = append(c.rules, Rule{Category: r.Category, Markers: lowered})
	}
	return c
}

var defaultClassifier = NewClassifier(DefaultRules())

// DefaultClassifier returns the classifier built from DefaultRules.
func DefaultClassifier() *Classifier { return defaultClassifier }

// Rules returns a copy of the classifier's rule table.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// ClassifyText categorizes raw error text.
func (c *Classifier) ClassifyText(text string) ErrorCategory {
	lower := strings.ToLower(text)
	for _, r := range c.rules {
		for _, m := range r.Markers {
			if strings.Contains(lower, m) {
				return r.Category
			}
		}
	}
	return CategoryUnknown
}

// Classify categorizes a message by its content.
func (c *Classifier) Classify(m model.Message) ErrorCategory {
	return c.ClassifyText(m.Content)
}

// Classify categorizes a message with the default rules.
func Classify(m model.Message) ErrorCategory {
	return defaultClassifier.Classify(m)
}
