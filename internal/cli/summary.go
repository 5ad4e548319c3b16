package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/agmend/internal/trace"
)

var summaryCmd = &cobra.Command{
	Use:   "summary [transcript]",
	Short: "Summarize an agent session",
	Long: `Parse an agent transcript and print a markdown summary of the session:
files changed and the tool invocations that failed. Suitable as a starting
point for a pull request description.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSummary,
}

func init() {
	summaryCmd.Flags().String("transcript-format", "", "transcript format: claude-code, aider, generic (default: detect)")
}

func runSummary(cmd *cobra.Command, args []string) error {
	tf, _ := cmd.Flags().GetString("transcript-format")
	opts := traceOptions(env.cfg)

	var (
		t   *trace.Transcript
		err error
	)
	if len(args) == 1 {
		t, err = trace.Load(args[0], tf, opts)
		if err != nil {
			return fmt.Errorf("loading transcript: %w", err)
		}
	} else {
		repoDir, repoErr := gitRepoRoot()
		if repoErr != nil {
			return fmt.Errorf("pass a transcript file: %w", repoErr)
		}
		t, err = trace.DetectAndLoad(repoDir, opts)
		if err != nil {
			return fmt.Errorf("detecting transcript: %w", err)
		}
	}

	if t == nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "No agent transcript found. Pass a transcript file.")
		return nil
	}

	total, failed := t.ToolResults()
	fmt.Fprintf(cmd.ErrOrStderr(), "Source: %s (%d messages, %d tool results, %d failed)\n\n",
		t.Source, len(t.Messages), total, failed)
	fmt.Fprint(cmd.OutOrStdout(), t.Summary())
	return nil
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n") + "\n"
}
