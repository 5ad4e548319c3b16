package analysis

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sprite-ai/agmend/internal/diff"
	"github.com/sprite-ai/agmend/internal/model"
)

var schemaFiles = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)(^|/)migrations?/|migrat`), "database migration"},
	{regexp.MustCompile(`\.proto$`), "protobuf definition"},
	{regexp.MustCompile(`(?i)(openapi|swagger)\.(ya?ml|json)$`), "OpenAPI spec"},
	{regexp.MustCompile(`(?i)\.(graphql|gql)$`), "GraphQL schema"},
	{regexp.MustCompile(`\.prisma$`), "Prisma schema"},
	{regexp.MustCompile(`(?i)schema\.(sql|rb|ya?ml|json)$`), "schema definition"},
}

var ddl = regexp.MustCompile(`(?i)\b(?:(CREATE|ALTER|DROP)\s+(TABLE|INDEX|VIEW|SCHEMA|DATABASE|TYPE|SEQUENCE|USER|ROLE)|(ADD|DROP|RENAME|MODIFY)\s+COLUMN|GRANT\s+\w+|REVOKE\s+\w+)\b`)

// SchemaPass reports schema and migration files and DDL in added lines.
// Destructive or privilege-changing statements are high risk.
func SchemaPass(ds *diff.Set, _ string) []Finding {
	var findings []Finding
	for _, f := range ds.Files {
		name := f.Name()
		for _, s := range schemaFiles {
			if s.re.MatchString(name) {
				findings = append(findings, Finding{
					Pass:     "schema",
					Category: s.kind,
					File:     name,
					Message:  fmt.Sprintf("changes to %s", s.kind),
					Risk:     model.RiskMedium,
				})
				break
			}
		}

		for _, line := range f.Added() {
			stmt := ddl.FindString(line.Text)
			if stmt == "" {
				continue
			}
			risk := model.RiskMedium
			upper := strings.ToUpper(stmt)
			if strings.HasPrefix(upper, "DROP") || strings.HasPrefix(upper, "GRANT") || strings.HasPrefix(upper, "REVOKE") {
				risk = model.RiskHigh
			}
			findings = append(findings, Finding{
				Pass:     "schema",
				Category: "ddl",
				File:     name,
				Line:     line.Number,
				Message:  truncate(strings.TrimSpace(line.Text), 120),
				Risk:     risk,
			})
		}
	}
	return findings
}
