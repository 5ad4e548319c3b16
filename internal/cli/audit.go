package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/agmend/internal/audit"
	"github.com/sprite-ai/agmend/internal/diff"
	"github.com/sprite-ai/agmend/internal/report"
)

var auditCmd = &cobra.Command{
	Use:   "audit [dir]",
	Short: "Run the staged security audit over a working tree",
	Long: `Audit the changes in a git working tree against its base branch and print
a risk-ranked report. Useful for CI, pre-commit hooks, and piping into other
tools.

The configured model does the analysis when there is one; otherwise, or with
--static, the built-in regex passes do.

Examples:
  agmend audit                      # current repository
  agmend audit ../service -f json   # another checkout, JSON report
  git diff main | agmend audit --diff -

Exit codes:
  0 - low risk
  1 - medium risk
  2 - high or critical risk`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAudit,
}

func init() {
	f := auditCmd.Flags()
	f.StringP("format", "f", "text", "output format: "+strings.Join(report.Formats, ", "))
	f.Bool("static", false, "use the built-in static analyst even when a model is configured")
	f.StringSlice("skip", nil, "static analysis passes to skip")
	f.String("diff", "", "audit a unified diff file instead of a working tree (- for stdin)")
	f.String("thread", "", "thread id for the run (default: the run id)")
	f.BoolP("quiet", "q", false, "do not print stage progress")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, logger := env.cfg, env.logger
	flags := cmd.Flags()
	format, _ := flags.GetString("format")
	static, _ := flags.GetBool("static")
	diffPath, _ := flags.GetString("diff")
	thread, _ := flags.GetString("thread")
	quiet, _ := flags.GetBool("quiet")
	if skip, _ := flags.GetStringSlice("skip"); len(skip) > 0 {
		cfg.Audit.Skip = skip
	}

	var (
		src     audit.SourceDiff
		workDir string
	)
	switch {
	case diffPath != "":
		raw, err := readDiff(cmd.InOrStdin(), diffPath)
		if err != nil {
			return err
		}
		src, err = newRawSource(raw)
		if err != nil {
			return err
		}
		workDir = "."
	case len(args) == 1:
		workDir = args[0]
		src = newGit(cfg, logger)
	default:
		repo, err := gitRepoRoot()
		if err != nil {
			return err
		}
		workDir = repo
		src = newGit(cfg, logger)
	}

	client, err := newLLM(cfg, logger)
	if err != nil {
		return err
	}
	p := newPipeline(cfg, src, client, static, logger)
	if !quiet {
		errw := cmd.ErrOrStderr()
		p.Observer = audit.ObserverFunc(func(ev audit.StageEvent) {
			mark := "done"
			if ev.Degraded {
				mark = "degraded"
			}
			fmt.Fprintf(errw, "  %-10s %s (%s)\n", ev.Stage, mark, ev.Elapsed.Round(time.Millisecond))
		})
	}

	st, err := p.Run(cmd.Context(), audit.Request{ThreadID: thread, WorkDir: workDir})
	if err != nil {
		return err
	}
	if st.Report == nil {
		return fmt.Errorf("audit %s produced no report", st.RunID)
	}

	if err := report.Render(cmd.OutOrStdout(), *st.Report, format); err != nil {
		return err
	}
	if code := report.ExitCode(*st.Report); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

func readDiff(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading diff: %w", err)
	}
	return string(data), nil
}

// rawSource serves a diff that was handed over directly. It has no notion of
// a base branch, so the pipeline falls back to its default.
type rawSource struct {
	raw   string
	paths []string
}

func newRawSource(raw string) (*rawSource, error) {
	ds, err := diff.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}
	return &rawSource{raw: raw, paths: ds.Paths()}, nil
}

func (s *rawSource) BaseBranch(context.Context, string) (string, error) { return "", nil }

func (s *rawSource) ChangedFiles(context.Context, string, string) ([]string, error) {
	return s.paths, nil
}

func (s *rawSource) Diff(context.Context, string, string, []string) (string, error) {
	return s.raw, nil
}
