// Package api serves escalation, recovery and audit over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sprite-ai/agmend/internal/analysis"
	"github.com/sprite-ai/agmend/internal/audit"
	"github.com/sprite-ai/agmend/internal/escalation"
	"github.com/sprite-ai/agmend/internal/recovery"
	"github.com/sprite-ai/agmend/internal/report"
)

// maxBodyBytes bounds request bodies; transcripts and diffs can be large.
const maxBodyBytes = 32 << 20

// Deps are the engines the server exposes. Nil fields get defaults.
type Deps struct {
	Escalation  *escalation.Engine
	Recovery    *recovery.Selector
	Audit       *audit.Pipeline
	Synthesizer *report.Synthesizer
	Skip        []string // analysis passes skipped by /api/analyze
}

// Server is the agmend HTTP API server.
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
	server *http.Server
}

// New creates a server listening on addr.
func New(addr string, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Escalation == nil {
		deps.Escalation = escalation.New(nil, logger)
	}
	if deps.Recovery == nil {
		deps.Recovery = recovery.NewSelector(nil, nil, logger)
	}
	if deps.Audit == nil {
		deps.Audit = audit.New(nil, analysis.NewAnalyst(deps.Skip, logger), logger)
	}
	if deps.Synthesizer == nil {
		deps.Synthesizer = report.New(report.Options{})
	}

	s := &Server{addr: addr, deps: deps, logger: logger, mux: http.NewServeMux()}
	s.registerRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // audits call out to a model
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/evaluate", s.handleEvaluate)
	s.mux.HandleFunc("POST /api/recover", s.handleRecover)
	s.mux.HandleFunc("GET /api/recover/{thread}", s.handleRecoverState)
	s.mux.HandleFunc("DELETE /api/recover/{thread}", s.handleRecoverReset)
	s.mux.HandleFunc("POST /api/audit", s.handleAudit)
	s.mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	s.mux.HandleFunc("POST /api/synthesize", s.handleSynthesize)
	s.mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.addr)
		errc <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("api server shutting down")
		return s.server.Shutdown(shutdown)
	}
}

// Handler returns the HTTP handler, with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/ws" {
			// hijacked connections cannot be wrapped
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// validationMessage flattens validator errors into one line.
func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.logger.Warn("json encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// readJSON decodes and validates a request body. On failure it has already
// written a 400 response.
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		s.writeError(w, http.StatusBadRequest, "empty request body")
		return false
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	if err := validate.Struct(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+validationMessage(err))
		return false
	}
	return true
}
