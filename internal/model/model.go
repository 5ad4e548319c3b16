// Package model defines the core data types shared across agmend.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies who authored a transcript message.
type Role int

const (
	RoleAgent Role = iota
	RoleTool
	RoleUser
	RoleSystem
)

func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleTool:
		return "tool"
	case RoleUser:
		return "user"
	case RoleSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ParseRole maps a role name to a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "agent", "assistant", "ai":
		return RoleAgent, nil
	case "tool", "tool_result":
		return RoleTool, nil
	case "user", "human":
		return RoleUser, nil
	case "system":
		return RoleSystem, nil
	}
	return RoleUser, fmt.Errorf("unknown role %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Status is the outcome of a tool invocation. Only meaningful on tool results.
type Status int

const (
	StatusUnset Status = iota
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "success", "ok":
		*s = StatusSuccess
	case "error", "failed", "failure":
		*s = StatusError
	case "":
		*s = StatusUnset
	default:
		return fmt.Errorf("unknown status %q", string(b))
	}
	return nil
}

// FlagDiagnosis marks a tool result produced by a diagnosis pass.
const FlagDiagnosis = "is-diagnosis"

// ToolCall is a follow-on action request carried by an agent message.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one entry of an agent transcript. Treat as read-only.
type Message struct {
	Role      Role       `json:"role"`
	Status    Status     `json:"status,omitempty"`
	CallID    string     `json:"call_id,omitempty"`
	Name      string     `json:"name,omitempty"`    // tool or command identifier
	Command   string     `json:"command,omitempty"` // full command line, if the tool ran one
	Content   string     `json:"content,omitempty"`
	Order     int        `json:"order"`
	Flags     []string   `json:"flags,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// IsAgent reports whether the agent authored this message.
func (m Message) IsAgent() bool { return m.Role == RoleAgent }

// IsToolResult reports whether this message carries a tool result.
func (m Message) IsToolResult() bool { return m.Role == RoleTool }

// IsError reports whether this is a failed tool result.
func (m Message) IsError() bool { return m.Role == RoleTool && m.Status == StatusError }

// HasFlag reports whether the message carries the given flag.
func (m Message) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IsDiagnosis reports whether this is a diagnosis-flagged tool result.
func (m Message) IsDiagnosis() bool {
	return m.Role == RoleTool && m.HasFlag(FlagDiagnosis)
}

// CommandLine returns the command string a tool result ran, or its name.
func (m Message) CommandLine() string {
	if m.Command != "" {
		return m.Command
	}
	return m.Name
}

// Renumber assigns sequential Order values in place.
func Renumber(msgs []Message) {
	for i := range msgs {
		msgs[i].Order = i
	}
}

// RiskLevel categorizes the risk of a change.
type RiskLevel int

const (
	RiskInfo RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskInfo:
		return "info"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel maps a level name to a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return RiskInfo, nil
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	}
	return RiskInfo, fmt.Errorf("unknown risk level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r RiskLevel) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RiskLevel) UnmarshalText(b []byte) error {
	v, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Vulnerability is a single structured security finding.
type Vulnerability struct {
	Severity       RiskLevel `json:"severity"`
	Category       string    `json:"category"`
	Description    string    `json:"description"`
	File           string    `json:"file"`
	Line           int       `json:"line,omitempty"`
	Recommendation string    `json:"recommendation"`
	CWE            string    `json:"cwe,omitempty"`
}

// SecurityAuditReport is the final product of one audit run.
type SecurityAuditReport struct {
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	Summary         string          `json:"summary"`
	OverallRisk     RiskLevel       `json:"overall_risk"`
	Recommendations []string        `json:"recommendations"`
}
