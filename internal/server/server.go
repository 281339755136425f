package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"deploy-go/internal/config"
	"deploy-go/internal/deploy"
)

// Instrumentation records HTTP metrics and serves them.
type Instrumentation interface {
	ObserveRequest(method, route string, status int, d time.Duration)
	Handler() http.Handler
}

// Options configures the listener and request limits.
type Options struct {
	Listen          string
	MaxRequestBytes int64
	ShutdownTimeout time.Duration
}

// OptionsFromConfig maps the [server] config section onto Options.
func OptionsFromConfig(cfg config.ServerConfig) Options {
	return Options{
		Listen:          cfg.Listen,
		MaxRequestBytes: cfg.RequestLimit(),
		ShutdownTimeout: cfg.ShutdownGrace(),
	}
}

// Server is the agent-facing HTTP endpoint.
type Server struct {
	negotiator *deploy.Negotiator
	repo       *deploy.Repository
	inst       Instrumentation
	logger     deploy.Logger
	clock      deploy.Clock
	schema     *jsonschema.Schema
	opts       Options
}

// New creates a Server. inst may be nil, in which case /metrics is not served.
func New(negotiator *deploy.Negotiator, repo *deploy.Repository, inst Instrumentation, logger deploy.Logger, clock deploy.Clock, opts Options) (*Server, error) {
	schema, err := compileAgentSchema()
	if err != nil {
		return nil, err
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = config.DefaultMaxRequestBytes
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = config.DefaultShutdownTimeout * time.Second
	}
	if opts.Listen == "" {
		opts.Listen = config.DefaultListen
	}
	return &Server{
		negotiator: negotiator,
		repo:       repo,
		inst:       inst,
		logger:     logger,
		clock:      clock,
		schema:     schema,
		opts:       opts,
	}, nil
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /deploy/agent", s.handleAgent)
	s.handle(mux, "POST /deploy/agent", s.handleAgent)
	s.handle(mux, "GET /deploy/files/{hash}", s.handleFile)
	s.handle(mux, "GET /deploy/info", s.handleInfo)
	s.handle(mux, "GET /healthz", s.handleHealth)
	if s.inst != nil {
		mux.Handle("GET /metrics", s.inst.Handler())
	}
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, s.instrumented(pattern, fn))
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then drains in-flight
// requests for up to the shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	s.logger.Info("http listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	s.logger.Info("http stopped")
	return nil
}

// handleAgent always answers 200 with a JSON object. Anything it cannot
// understand gets {}.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	params, err := s.agentParams(w, r)
	if err != nil {
		s.logger.Warn("rejected agent request", "remote", r.RemoteAddr, "error", err)
		writeJSON(w, http.StatusOK, deploy.EmptyResponse{})
		return
	}
	resp := s.negotiator.Handle(r.Context(), deploy.ParseRequest(params))
	writeJSON(w, http.StatusOK, resp)
}

// handleFile streams content to a known agent. Every refusal is a bare 404.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	if !deploy.ValidHash(hash) || !s.negotiator.MachineKnown(r.Context(), r.URL.Query().Get("machineid")) {
		http.NotFound(w, r)
		return
	}
	c, err := s.repo.Content(r.Context(), hash)
	if err != nil {
		if !errors.Is(err, deploy.ErrNotFound) {
			s.logger.Error("file lookup failed", "hash", hash, "error", err)
		}
		http.NotFound(w, r)
		return
	}

	mimeType := c.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h := w.Header()
	h.Set("Content-Type", mimeType)
	h.Set("Content-Length", strconv.FormatInt(c.Size, 10))
	h.Set("ETag", `"`+hash+`"`)
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	if err := s.repo.ReadContent(r.Context(), hash, w); err != nil {
		// Headers are gone; the short body tells the agent the download failed.
		s.logger.Error("file download interrupted", "hash", hash, "error", err)
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.negotiator.Advertisement())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
