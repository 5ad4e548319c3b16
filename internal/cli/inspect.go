package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/agmend/internal/analysis"
	"github.com/sprite-ai/agmend/internal/audit"
	"github.com/sprite-ai/agmend/internal/diff"
	"github.com/sprite-ai/agmend/internal/trace"
	"github.com/sprite-ai/agmend/internal/tui"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [transcript]",
	Short: "Browse a transcript's tool groups, escalation decision and audit",
	Long: `Open an interactive view of an agent transcript: its tool-invocation
groups with failing commands highlighted, the escalation decision and error
patterns, and optionally a static audit of the working tree.

With no argument the most recent transcript for the current repository is
used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

func init() {
	f := inspectCmd.Flags()
	f.String("transcript-format", "", "transcript format: claude-code, aider, generic (default: detect)")
	f.Bool("audit", false, "also run a static audit of the repository changes")
	f.Bool("plain", false, "print a plain-text digest instead of opening the TUI")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, logger := env.cfg, env.logger
	tf, _ := cmd.Flags().GetString("transcript-format")
	withAudit, _ := cmd.Flags().GetBool("audit")
	plain, _ := cmd.Flags().GetBool("plain")

	var (
		t   *trace.Transcript
		err error
	)
	if len(args) == 1 {
		t, err = trace.Load(args[0], tf, traceOptions(cfg))
	} else {
		repo, rerr := gitRepoRoot()
		if rerr != nil {
			return rerr
		}
		t, err = trace.DetectAndLoad(repo, traceOptions(cfg))
	}
	if err != nil {
		return fmt.Errorf("loading transcript: %w", err)
	}
	if t == nil {
		return fmt.Errorf("no agent transcript found; pass one as an argument")
	}

	engine := newEngine(cfg, logger)
	in := tui.Input{
		Title:      fmt.Sprintf("%s (%s)", filepath.Base(t.Path), t.Source),
		Messages:   t.Messages,
		Evaluation: engine.Evaluate(t.Messages),
		Patterns:   engine.Analyzer.ErrorPatterns(t.Messages),
	}

	if withAudit {
		if err := inspectAudit(cmd, &in); err != nil {
			return err
		}
	}

	if plain {
		fmt.Fprint(cmd.OutOrStdout(), tui.Digest(in))
		return nil
	}
	return tui.Run(in)
}

// inspectAudit runs the static pipeline over the repository and attaches the
// report, the diff and its findings.
func inspectAudit(cmd *cobra.Command, in *tui.Input) error {
	cfg, logger := env.cfg, env.logger
	repo, err := gitRepoRoot()
	if err != nil {
		return err
	}
	git := newGit(cfg, logger)

	st, err := newPipeline(cfg, git, nil, true, logger).Run(cmd.Context(), audit.Request{WorkDir: repo})
	if err != nil {
		return err
	}
	in.Report = st.Report

	if len(st.ChangedFiles) == 0 {
		return nil
	}
	raw, err := git.Diff(cmd.Context(), repo, st.BaseBranch, st.ChangedFiles)
	if err != nil {
		logger.Warn("could not read diff", "err", err)
		return nil
	}
	ds, err := diff.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing diff: %w", err)
	}
	in.Diff = ds
	in.Findings = analysis.Run(ds, repo, cfg.Audit.Skip).Findings
	return nil
}
