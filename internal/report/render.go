package report

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/sprite-ai/agmend/internal/model"
)

// Formats lists the accepted output formats.
var Formats = []string{"text", "json", "markdown", "html"}

// Render writes r to w in the given format. An empty format means text.
func Render(w io.Writer, r model.SecurityAuditReport, format string) error {
	switch format {
	case "", "text":
		return renderText(w, r)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "markdown", "md":
		return renderMarkdown(w, r)
	case "html":
		return renderHTML(w, r)
	default:
		return fmt.Errorf("unknown format %q (want one of %s)", format, strings.Join(Formats, ", "))
	}
}

func renderText(w io.Writer, r model.SecurityAuditReport) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Overall risk: %s\n\n", riskIcon(r.OverallRisk), r.OverallRisk)
	b.WriteString(r.Summary)
	b.WriteString("\n")

	if len(r.Vulnerabilities) > 0 {
		b.WriteString("\nVulnerabilities:\n")
		for _, v := range r.Vulnerabilities {
			fmt.Fprintf(&b, "  %s [%s] %s: %s\n", riskIcon(v.Severity), v.Category, location(v), v.Description)
		}
	}

	if len(r.Recommendations) > 0 {
		b.WriteString("\nRecommendations:\n")
		for i, rec := range r.Recommendations {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, rec)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func renderMarkdown(w io.Writer, r model.SecurityAuditReport) error {
	var b strings.Builder
	b.WriteString("## Security Audit Report\n\n")
	fmt.Fprintf(&b, "**Risk:** %s | **Vulnerabilities:** %d | **Recommendations:** %d\n\n",
		r.OverallRisk, len(r.Vulnerabilities), len(r.Recommendations))
	b.WriteString(r.Summary)
	b.WriteString("\n")

	if len(r.Vulnerabilities) > 0 {
		b.WriteString("\n| Severity | Category | Location | Description |\n")
		b.WriteString("|----------|----------|----------|-------------|\n")
		for _, v := range r.Vulnerabilities {
			fmt.Fprintf(&b, "| %s | %s | `%s` | %s |\n", v.Severity, v.Category, location(v), v.Description)
		}
	}

	if len(r.Recommendations) > 0 {
		b.WriteString("\n### Recommendations\n\n")
		for i, rec := range r.Recommendations {
			fmt.Fprintf(&b, "%d. %s\n", i+1, rec)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func renderHTML(w io.Writer, r model.SecurityAuditReport) error {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>agmend Security Audit</title>
<style>
  body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 900px; margin: 40px auto; padding: 0 20px; background: #282a36; color: #f8f8f2; }
  h1 { color: #bd93f9; }
  .summary { background: #343746; padding: 16px; border-radius: 8px; margin-bottom: 24px; white-space: pre-wrap; }
  .risk-critical, .risk-high { color: #ff5555; font-weight: bold; }
  .risk-medium { color: #f1fa8c; }
  .risk-low { color: #8be9fd; }
  .risk-info { color: #6272a4; }
  table { width: 100%; border-collapse: collapse; }
  th { text-align: left; padding: 8px 12px; background: #44475a; }
  td { padding: 8px 12px; border-bottom: 1px solid #44475a; }
  code { background: #343746; padding: 2px 6px; border-radius: 4px; font-size: 0.9em; }
  footer { margin-top: 32px; color: #6272a4; font-size: 0.85em; }
</style>
</head>
<body>
<h1>agmend Security Audit</h1>
`)
	fmt.Fprintf(&b, "<p>Overall risk: <span class=\"risk-%s\">%s</span></p>\n", r.OverallRisk, r.OverallRisk)
	fmt.Fprintf(&b, "<div class=\"summary\">%s</div>\n", html.EscapeString(r.Summary))

	if len(r.Vulnerabilities) > 0 {
		b.WriteString("<table>\n<thead><tr><th>Severity</th><th>Category</th><th>Location</th><th>Description</th></tr></thead>\n<tbody>\n")
		for _, v := range r.Vulnerabilities {
			fmt.Fprintf(&b, "<tr><td class=\"risk-%s\">%s</td><td>%s</td><td><code>%s</code></td><td>%s</td></tr>\n",
				v.Severity, v.Severity, html.EscapeString(v.Category), html.EscapeString(location(v)), html.EscapeString(v.Description))
		}
		b.WriteString("</tbody></table>\n")
	}

	if len(r.Recommendations) > 0 {
		b.WriteString("<h2>Recommendations</h2>\n<ol>\n")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(&b, "  <li>%s</li>\n", html.EscapeString(rec))
		}
		b.WriteString("</ol>\n")
	}

	b.WriteString("<footer>Generated by <strong>agmend</strong></footer>\n</body>\n</html>\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func location(v model.Vulnerability) string {
	if v.Line > 0 {
		return fmt.Sprintf("%s:%d", v.File, v.Line)
	}
	return v.File
}

func riskIcon(r model.RiskLevel) string {
	switch r {
	case model.RiskCritical:
		return "!!"
	case model.RiskHigh:
		return "! "
	case model.RiskMedium:
		return "* "
	case model.RiskLow:
		return "- "
	default:
		return "  "
	}
}
