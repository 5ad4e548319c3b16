package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sprite-ai/agmend/internal/recovery"
	"github.com/sprite-ai/agmend/internal/trace"
)

var recoverCmd = &cobra.Command{
	Use:   "recover <transcript>",
	Short: "Run one enhanced-recovery step for a stuck agent",
	Long: `Build the enhanced recovery context for a transcript (rotating strategy,
categorised error analysis, alternative approaches) and ask the configured
model for a structured diagnosis.

Recovery state lives in memory, so --attempt says which retry this is. Past
the retry budget the circuit breaker opens and a human help request is
printed instead.

Without a model configured, use --prompt-only to print the context that
would have been sent.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecover,
}

func init() {
	f := recoverCmd.Flags()
	f.StringP("task", "t", "", "description of the task the agent is working on (required)")
	f.String("completed", "", "summary of what the agent already completed")
	f.String("hint", "", "codebase hint, e.g. language and layout")
	f.String("thread", "", "thread id (default: random)")
	f.IntP("attempt", "n", 1, "which recovery attempt this is, starting at 1")
	f.String("transcript-format", "", "transcript format: claude-code, aider, generic (default: detect)")
	f.Bool("prompt-only", false, "print the recovery prompt without calling a model")
	f.StringP("format", "f", "text", "output format: text, json")
	recoverCmd.MarkFlagRequired("task")
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, logger := env.cfg, env.logger
	flags := cmd.Flags()
	task, _ := flags.GetString("task")
	completed, _ := flags.GetString("completed")
	hint, _ := flags.GetString("hint")
	thread, _ := flags.GetString("thread")
	attempt, _ := flags.GetInt("attempt")
	tf, _ := flags.GetString("transcript-format")
	promptOnly, _ := flags.GetBool("prompt-only")
	format, _ := flags.GetString("format")

	if attempt < 1 {
		return fmt.Errorf("--attempt must be at least 1, got %d", attempt)
	}
	if thread == "" {
		thread = uuid.NewString()
	}

	t, err := trace.Load(args[0], tf, traceOptions(cfg))
	if err != nil {
		return fmt.Errorf("loading transcript: %w", err)
	}

	var diagnoser recovery.Diagnoser
	if !promptOnly {
		client, err := newLLM(cfg, logger)
		if err != nil {
			return err
		}
		if client == nil {
			return errors.New("no model configured (set llm.model in agmend.yaml) and --prompt-only not given")
		}
		diagnoser = client
	}

	sel := newSelector(cfg, diagnoser, logger)
	if err := seedAttempt(cmd, sel, thread, attempt); err != nil {
		return err
	}

	out, err := sel.Recover(cmd.Context(), thread, recovery.Request{
		Messages:        t.Messages,
		TaskDescription: task,
		CompletedTasks:  completed,
		CodebaseHint:    hint,
	})
	if err != nil && !(promptOnly && errors.Is(err, recovery.ErrNoDiagnosis)) {
		return err
	}

	w := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		printOutcome(w, out, promptOnly)
	}

	if out.CircuitOpen() {
		return &ExitError{Code: 3}
	}
	return nil
}

// seedAttempt sets the thread's retry count so the next Recover is attempt n.
func seedAttempt(cmd *cobra.Command, sel *recovery.Selector, thread string, n int) error {
	if n <= 1 {
		return nil
	}
	st, release, err := sel.Store.Acquire(cmd.Context(), thread)
	if err != nil {
		return err
	}
	st.RetryCount = n - 1
	release()
	return nil
}

func printOutcome(w io.Writer, out recovery.Outcome, promptOnly bool) {
	if out.CircuitOpen() {
		fmt.Fprint(w, out.HumanHelp.String())
		return
	}

	fmt.Fprintf(w, "Thread %s, attempt %d, strategy %s\n\n", out.ThreadID, out.RetryCount, out.Strategy)
	if promptOnly || out.Diagnosis == nil {
		if out.Context != nil {
			fmt.Fprintln(w, out.Context.Prompt())
		}
		return
	}

	d := out.Diagnosis
	fmt.Fprintf(w, "Diagnosis: %s\n", d.Summary)
	if d.RootCause != "" {
		fmt.Fprintf(w, "Root cause: %s\n", d.RootCause)
	}
	if len(d.NextSteps) > 0 {
		fmt.Fprintln(w, "\nNext steps:")
		for i, s := range d.NextSteps {
			fmt.Fprintf(w, "  %d. %s\n", i+1, strings.TrimSpace(s))
		}
	}
}
