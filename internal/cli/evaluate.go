package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sprite-ai/agmend/internal/escalation"
	"github.com/sprite-ai/agmend/internal/trace"
	"github.com/sprite-ai/agmend/internal/transcript"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [transcript...]",
	Short: "Decide whether an agent should continue, diagnose or use smart recovery",
	Long: `Evaluate one or more agent transcripts and print the escalation decision
for each. With no arguments the most recent transcript for the current
repository is used.

Exit codes:
  0 - every agent may continue
  1 - at least one agent should diagnose
  2 - at least one agent needs smart recovery`,
	RunE: runEvaluate,
}

func init() {
	evaluateCmd.Flags().StringP("format", "f", "text", "output format: text, json")
	evaluateCmd.Flags().String("transcript-format", "", "transcript format: claude-code, aider, generic (default: detect)")
	evaluateCmd.Flags().BoolP("patterns", "p", false, "include the error pattern report")
	evaluateCmd.Flags().IntP("jobs", "j", runtime.NumCPU(), "transcripts evaluated in parallel")
}

type evaluation struct {
	Path       string                    `json:"path"`
	Source     string                    `json:"source"`
	Messages   int                       `json:"messages"`
	Evaluation escalation.Evaluation     `json:"evaluation"`
	Patterns   *transcript.PatternReport `json:"patterns,omitempty"`
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, logger := env.cfg, env.logger
	format, _ := cmd.Flags().GetString("format")
	tf, _ := cmd.Flags().GetString("transcript-format")
	withPatterns, _ := cmd.Flags().GetBool("patterns")
	jobs, _ := cmd.Flags().GetInt("jobs")

	paths := args
	if len(paths) == 0 {
		repo, err := gitRepoRoot()
		if err != nil {
			return err
		}
		path, detected := trace.Detect(repo)
		if path == "" {
			return fmt.Errorf("no agent transcript found for %s; pass one as an argument", repo)
		}
		paths, tf = []string{path}, detected
	}

	engine := newEngine(cfg, logger)
	opts := traceOptions(cfg)
	results, err := evaluateAll(cmd.Context(), paths, tf, opts, engine, withPatterns, jobs)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	case "text", "":
		printEvaluations(out, results)
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	worst := escalation.DecisionContinue
	for _, r := range results {
		if r.Evaluation.Decision > worst {
			worst = r.Evaluation.Decision
		}
	}
	if worst != escalation.DecisionContinue {
		return &ExitError{Code: int(worst)}
	}
	return nil
}

// evaluateAll loads and evaluates transcripts concurrently. Results keep the
// order of paths; the first load failure cancels the rest.
func evaluateAll(ctx context.Context, paths []string, format string, opts trace.Options, engine *escalation.Engine, withPatterns bool, jobs int) ([]evaluation, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	results := make([]evaluation, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := trace.Load(path, format, opts)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			r := evaluation{
				Path:       path,
				Source:     t.Source,
				Messages:   len(t.Messages),
				Evaluation: engine.Evaluate(t.Messages),
			}
			if withPatterns {
				p := engine.Analyzer.ErrorPatterns(t.Messages)
				r.Patterns = &p
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func printEvaluations(w io.Writer, results []evaluation) {
	for _, r := range results {
		ev := r.Evaluation
		fmt.Fprintf(w, "%s %s: %s (%s)\n", decisionIcon(ev.Decision), r.Path, ev.Decision, ev.Reason)
		fmt.Fprintf(w, "    %s, %d messages, %d groups, stuck: %t\n", r.Source, r.Messages, ev.Groups, ev.Stuck)
		if r.Patterns != nil && r.Patterns.TotalErrors > 0 {
			fmt.Fprintln(w)
			fmt.Fprint(w, indent(r.Patterns.String(), "    "))
		}
	}
}

func decisionIcon(d escalation.Decision) string {
	switch d {
	case escalation.DecisionSmartRecovery:
		return "!!"
	case escalation.DecisionDiagnose:
		return "! "
	default:
		return "ok"
	}
}
