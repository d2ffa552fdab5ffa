package controlserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mmmagent/logger"
)

// HTTP server timeouts.
const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
)

const maxBodyBytes = 1 << 20

// Options configures a Server.
type Options struct {
	// PublicURL prefixes the url and hashrate_url fields handed to agents.
	PublicURL string
	// Username and Password enable HTTP basic auth when Username is set.
	Username string
	Password string
	Registry *Registry
	Events   *EventLog
	Logger   *slog.Logger
}

// Server implements the mmm-server API consumed by the agent.
type Server struct {
	publicURL string
	username  string
	password  string
	registry  *Registry
	events    *EventLog
	logger    *slog.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = NewRegistry(nil)
	}
	if opts.Events == nil {
		opts.Events = NewEventLog(opts.Registry, "", 0, nil)
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Server{
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		username:  opts.Username,
		password:  opts.Password,
		registry:  opts.Registry,
		events:    opts.Events,
		logger:    opts.Logger,
	}
}

// Registry returns the server's rig registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rigs.json", s.handleListRigs)
	mux.HandleFunc("POST /rigs.json", s.handleRegisterRig)
	mux.HandleFunc("GET /rigs/{file}", s.handleGetRig)
	mux.HandleFunc("PUT /rigs/{id}/hashrates.json", s.handleReport)
	mux.HandleFunc("PUT /rigs/{id}/what_to_mine.json", s.handleSetOperation)
	mux.HandleFunc("GET /events.json", s.handleEvents)
	return s.requestLogger(s.authMiddleware(mux))
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("mmm-server listening", "addr", addr, "public_url", s.publicURL)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// requestLogger scopes the server logger to the request and stores it in the
// request context.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := s.logger.With("method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(logger.WithLogger(r.Context(), log)))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.username == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
			logger.WarnContext(r.Context(), "unauthorized request", "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="mmm-server"`)
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) rigURL(id string) string {
	return fmt.Sprintf("%s/rigs/%s.json", s.publicURL, id)
}

func (s *Server) hashrateURL(id string) string {
	return fmt.Sprintf("%s/rigs/%s/hashrates.json", s.publicURL, id)
}

type rigSummary struct {
	Hostname string `json:"hostname"`
	URL      string `json:"url"`
}

func (s *Server) handleListRigs(w http.ResponseWriter, r *http.Request) {
	rigs := s.registry.List()
	response := make([]rigSummary, len(rigs))
	for i, rig := range rigs {
		response[i] = rigSummary{Hostname: rig.Hostname, URL: s.rigURL(rig.ID)}
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleRegisterRig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hostname      string  `json:"hostname"`
		PowerPrice    float64 `json:"power_price"`
		PowerCurrency string  `json:"power_currency"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Hostname == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "hostname is required")
		return
	}

	rig, err := s.registry.Register(req.Hostname, req.PowerPrice, req.PowerCurrency)
	if err != nil {
		logger.ErrorContext(r.Context(), "rig registration failed", "hostname", req.Hostname, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.InfoContext(r.Context(), "rig registered", "hostname", rig.Hostname, "id", rig.ID)
	s.events.LogEvent(EventRigRegistered, "Rig registered", rig.ID, map[string]any{
		"hostname":       rig.Hostname,
		"power_price":    rig.PowerPrice,
		"power_currency": rig.PowerCurrency,
	})

	response := map[string]any{"rig": map[string]any{
		"id":       map[string]string{"$oid": rig.ID},
		"hostname": rig.Hostname,
	}}
	s.writeJSON(w, http.StatusCreated, response)
}

func (s *Server) handleGetRig(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutSuffix(r.PathValue("file"), ".json")
	if !ok || id == "" {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}

	rig, err := s.registry.Get(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	body := map[string]any{
		"id":             map[string]string{"$oid": rig.ID},
		"hostname":       rig.Hostname,
		"power_price":    rig.PowerPrice,
		"power_currency": rig.PowerCurrency,
		"what_to_mine":   nil,
	}
	if len(rig.WhatToMine) > 0 {
		body["what_to_mine"] = rig.WhatToMine
		body["hashrate_url"] = s.hashrateURL(rig.ID)
	}

	s.events.LogEvent(EventDirectiveFetched, "Directive fetched", rig.ID, map[string]any{
		"has_operation": len(rig.WhatToMine) > 0,
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"rig": body})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Rate       *int64 `json:"rate"`
		PowerUsage int64  `json:"power_usage"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Rate == nil {
		s.writeError(w, http.StatusBadRequest, "rate is required")
		return
	}

	if err := s.registry.RecordReport(id, *req.Rate, req.PowerUsage); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	logger.DebugContext(r.Context(), "stats reported", "id", id, "rate", *req.Rate, "power_usage", req.PowerUsage)
	s.events.LogEvent(EventStatsReported, "Stats reported", id, map[string]any{
		"rate":        *req.Rate,
		"power_usage": req.PowerUsage,
	})
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	var operation json.RawMessage
	if trimmed := strings.TrimSpace(string(raw)); trimmed != "" && trimmed != "null" {
		if !json.Valid(raw) {
			s.writeError(w, http.StatusBadRequest, "what_to_mine must be JSON")
			return
		}
		operation = json.RawMessage(trimmed)
	}

	if err := s.registry.SetOperation(id, operation); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	logger.InfoContext(r.Context(), "mining operation assigned", "id", id, "cleared", operation == nil)
	s.events.LogEvent(EventOperationSet, "Mining operation assigned", id, map[string]any{
		"what_to_mine": operation,
	})
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events":   s.events.Events(),
		"snapshot": s.events.Snapshot(),
	})
}
