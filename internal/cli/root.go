// Package cli implements the agmend command line.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/agmend/internal/config"
	"github.com/sprite-ai/agmend/internal/logging"
)

// ExitError carries a process exit status out of a command without printing
// anything further.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// env is what the persistent pre-run resolved for the running command.
var env struct {
	cfg      *config.Config
	cfgPath  string
	logger   *slog.Logger
	closeLog func() error
}

var rootCmd = &cobra.Command{
	Use:   "agmend",
	Short: "Spot stuck coding agents, steer their recovery and audit their changes",
	Long: `agmend watches an autonomous coding agent's tool transcript, decides when
the agent is stuck and which recovery strategy to try next, and runs a staged
security audit over the changes it made.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if env.closeLog != nil {
			return env.closeLog()
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (default ./agmend.yaml, then ~/.agmend/config.yaml)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text, json")

	rootCmd.AddCommand(
		evaluateCmd,
		recoverCmd,
		auditCmd,
		inspectCmd,
		serveCmd,
		summaryCmd,
		configCmd,
		versionCmd,
	)
}

func setup(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, found, err := config.Resolve(path)
	if err != nil {
		return err
	}
	if err := config.Err(config.Validate(cfg)); err != nil {
		return fmt.Errorf("%s: %w", orDefault(found), err)
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if f, _ := cmd.Flags().GetString("log-format"); f != "" {
		cfg.Log.Format = f
	}
	logger, closeLog, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	env.cfg, env.cfgPath, env.logger, env.closeLog = cfg, found, logger, closeLog
	if found != "" {
		logger.Debug("config loaded", "path", found)
	}
	return nil
}

func orDefault(path string) string {
	if path == "" {
		return "built-in config"
	}
	return path
}

// Execute runs the root command and returns the process exit status.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}
