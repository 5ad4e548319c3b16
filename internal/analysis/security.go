package analysis

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sprite-ai/agmend/internal/diff"
	"github.com/sprite-ai/agmend/internal/model"
)

type surface struct {
	category string
	risk     model.RiskLevel
	patterns []*regexp.Regexp
}

// Checked in order; a line reports at most once per surface.
var surfaces = []surface{
	{"hardcoded secret", model.RiskCritical, compile(
		`(?i)\b(password|passwd|secret|api_?key|token|private_?key)\s*[:=]\s*["'][^"']{6,}["']`,
		`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`,
	)},
	{"command execution", model.RiskHigh, compile(
		`exec\.Command(Context)?\(`,
		`(?i)\b(os\.system|subprocess\.|child_process|shell_exec|popen)\b`,
		`\beval\(`,
	)},
	{"sql", model.RiskHigh, compile(
		`(?i)\b(db|tx|conn)\.(Exec|Query|QueryRow)(Context)?\(`,
		`(?i)(cursor|connection)\.execute\(`,
		`(?i)["'\x60]\s*(SELECT|INSERT|UPDATE|DELETE)\b[^"'\x60]*["'\x60]\s*\+`,
		`(?i)fmt\.Sprintf\(\s*["'\x60]\s*(SELECT|INSERT|UPDATE|DELETE)\b`,
	)},
	{"authentication", model.RiskHigh, compile(
		`(?i)\b(auth|login|logout|signin|password|credential|jwt|oauth|session)\w*\b`,
	)},
	{"authorization", model.RiskHigh, compile(
		`(?i)\b(permission|rbac|acl|authorize|forbidden|is_?admin|can_?access)\w*\b`,
	)},
	{"tls", model.RiskHigh, compile(
		`InsecureSkipVerify\s*:\s*true`,
		`(?i)verify\s*=\s*false`,
	)},
	{"cryptography", model.RiskMedium, compile(
		`(?i)\b(md5|sha1|des|rc4)\.`,
		`(?i)\b(encrypt|decrypt|hmac|cipher|bcrypt|argon2|scrypt|pbkdf2)\w*\b`,
	)},
	{"file system", model.RiskMedium, compile(
		`os\.(Remove|RemoveAll|Rename|Chmod|Chown|WriteFile|OpenFile)\(`,
		`filepath\.Join\([^)]*\.\.`,
		`\.\./`,
	)},
	{"environment", model.RiskMedium, compile(
		`(?i)(os\.Getenv|os\.environ|process\.env|ENV\[)`,
	)},
	{"network", model.RiskMedium, compile(
		`http\.ListenAndServe`,
		`(?i)access-control-allow-origin|allow_?origins?`,
	)},
}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// SecurityPass flags added lines that touch security-sensitive code.
func SecurityPass(ds *diff.Set, _ string) []Finding {
	var findings []Finding
	seen := make(map[string]bool)

	for _, f := range ds.Files {
		for _, line := range f.Added() {
			text := strings.TrimSpace(line.Text)
			if text == "" || isComment(text) {
				continue
			}
			for _, s := range surfaces {
				if !matchAny(s.patterns, text) {
					continue
				}
				key := fmt.Sprintf("%s:%d:%s", f.Name(), line.Number, s.category)
				if seen[key] {
					continue
				}
				seen[key] = true
				findings = append(findings, Finding{
					Pass:     "security",
					Category: s.category,
					File:     f.Name(),
					Line:     line.Number,
					Message:  truncate(text, 120),
					Risk:     s.risk,
				})
			}
		}
	}
	return findings
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
