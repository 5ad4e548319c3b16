package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/sprite-ai/agmend/internal/audit"
	"github.com/sprite-ai/agmend/internal/diff"
	"github.com/sprite-ai/agmend/internal/model"
)

// DefaultMaxListed caps how many findings the analysis text lists.
const DefaultMaxListed = 50

// Analyst is an offline audit.Analyst built on the regex passes. It writes
// each finding as "risk [pass/category] file:line: message" so the report
// synthesizer can pick up the risk words, and asks for a recommendations
// pass whenever something at low risk or above turned up.
type Analyst struct {
	Skip      []string
	MaxListed int
	Logger    *slog.Logger
}

var _ audit.Analyst = (*Analyst)(nil)

// NewAnalyst returns an analyst that skips the named passes.
func NewAnalyst(skip []string, logger *slog.Logger) *Analyst {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyst{Skip: skip, MaxListed: DefaultMaxListed, Logger: logger}
}

// Analyze implements audit.Analyst.
func (a *Analyst) Analyze(ctx context.Context, req audit.ScanRequest) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	ds, err := diff.Parse(req.Diff)
	if err != nil {
		return model.Message{}, err
	}
	res := Run(ds, req.WorkDir, a.Skip)

	files := len(req.Files)
	if files == 0 {
		files = len(ds.Files)
	}
	a.logger().Info("static analysis complete",
		"files", files,
		"findings", len(res.Findings),
		"max_risk", res.MaxRisk().String(),
	)

	var b strings.Builder
	if len(res.Findings) == 0 {
		fmt.Fprintf(&b, "Static analysis of %d changed file(s) against %s found nothing to flag.", files, req.BaseBranch)
		return model.Message{Role: model.RoleAgent, Content: b.String()}, nil
	}

	fmt.Fprintf(&b, "Static analysis of %d changed file(s) against %s: %s.\n", files, req.BaseBranch, res.Summary())
	limit := a.MaxListed
	if limit <= 0 {
		limit = DefaultMaxListed
	}
	for i, f := range res.Findings {
		if i == limit {
			fmt.Fprintf(&b, "- ... %d more not listed\n", len(res.Findings)-limit)
			break
		}
		fmt.Fprintf(&b, "- %s\n", f)
	}

	msg := model.Message{Role: model.RoleAgent, Content: strings.TrimRight(b.String(), "\n")}
	if res.MaxRisk() >= model.RiskLow {
		args, _ := json.Marshal(map[string]any{
			"findings": len(res.Findings),
			"max_risk": res.MaxRisk(),
		})
		msg.ToolCalls = []model.ToolCall{{ID: uuid.NewString(), Name: audit.RecommendTool, Arguments: args}}
	}
	return msg, nil
}

var tagRe = regexp.MustCompile(`\[([a-z_]+)(?:/([^\]]+))?\]`)

// advice is keyed by "pass/category", falling back to "pass".
var advice = map[string]string{
	"security/hardcoded secret":    "move the hardcoded secret into a secret store and rotate it",
	"security/command execution":   "make sure no request data reaches a shell; pass arguments as a list, not a command string",
	"security/sql":                 "use parameterized queries for every statement built from input",
	"security/authentication":      "review the authentication changes for bypasses and session handling mistakes",
	"security/authorization":       "confirm every new code path enforces the same permission checks as before",
	"security/tls":                 "keep certificate verification enabled outside of tests",
	"security/cryptography":        "use vetted primitives (bcrypt or argon2 for passwords, AES-GCM for data)",
	"security/file system":         "clean file paths built from input and confine them to their base directory",
	"security/environment":         "check that values read from the environment are never logged or echoed back",
	"security/network":             "restrict listen addresses and allowed CORS origins",
	"security":                     "review the flagged security-sensitive lines by hand",
	"deps":                         "review new dependencies for maintenance status and known vulnerabilities",
	"schema":                       "verify migrations are reversible and try them against a copy of production data",
	"deleted/check":                "confirm removed checks are enforced somewhere else",
	"deleted":                      "update or remove tests that still reference deleted functions",
	"anti_patterns/error handling": "handle or return errors instead of discarding them",
	"anti_patterns/debug":          "remove debug statements before merging",
	"anti_patterns":                "resolve leftover TODO and FIXME markers before merging",
}

// Recommend implements audit.Analyst. It turns the tags in the analysis
// text into one numbered recommendation per distinct advice line.
func (a *Analyst) Recommend(ctx context.Context, analysis string) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}

	var recs []string
	seen := make(map[string]bool)
	for _, m := range tagRe.FindAllStringSubmatch(analysis, -1) {
		text, ok := advice[m[1]+"/"+m[2]]
		if !ok {
			text, ok = advice[m[1]]
		}
		if !ok || seen[text] {
			continue
		}
		seen[text] = true
		recs = append(recs, text)
	}

	if len(recs) == 0 {
		return model.Message{Role: model.RoleAgent, Content: "No specific recommendations."}, nil
	}
	var b strings.Builder
	b.WriteString("Recommendations:\n")
	for i, r := range recs {
		fmt.Fprintf(&b, "%d. You should %s.\n", i+1, r)
	}
	return model.Message{Role: model.RoleAgent, Content: strings.TrimRight(b.String(), "\n")}, nil
}

func (a *Analyst) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}
