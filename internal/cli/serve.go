package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/agmend/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start an HTTP server exposing escalation, recovery and audit.

Endpoints:
  GET    /health              Health check
  POST   /api/evaluate        Escalation decision for a message list
  POST   /api/recover         One enhanced-recovery step for a thread
  GET    /api/recover/{id}    Recovery state of a thread
  DELETE /api/recover/{id}    Reset a thread's recovery state
  POST   /api/audit           Run the audit pipeline on a working tree
  POST   /api/analyze         Static analysis of a unified diff
  POST   /api/synthesize      Fold analysis text into a report
  GET    /api/ws              WebSocket: audit stage events, evaluations
  GET    /metrics             Prometheus metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("addr", "a", "", "address to listen on (default from config, else 127.0.0.1)")
	serveCmd.Flags().IntP("port", "p", 0, "port to listen on (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger := env.cfg, env.logger

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.Server.Addr
	}
	if addr == "" {
		addr = "127.0.0.1"
	}
	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = cfg.Server.Port
	}

	client, err := newLLM(cfg, logger)
	if err != nil {
		return err
	}
	deps := api.Deps{
		Escalation:  newEngine(cfg, logger),
		Audit:       newPipeline(cfg, newGit(cfg, logger), client, false, logger),
		Synthesizer: newSynthesizer(cfg),
		Skip:        cfg.Audit.Skip,
	}
	if client != nil {
		deps.Recovery = newSelector(cfg, client, logger)
	} else {
		logger.Warn("no model configured; /api/recover will return contexts without diagnoses")
		deps.Recovery = newSelector(cfg, nil, logger)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := api.New(fmt.Sprintf("%s:%d", addr, port), deps, logger)
	return srv.ListenAndServe(ctx)
}
