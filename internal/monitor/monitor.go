// Package monitor serves the health/readiness/startup HTTP endpoints
// (spec.md §6's health_check block) and a live event stream, adapted
// from the teacher's internal/api.Server (http.ServeMux route table,
// writeJSON/withLogging helpers) and internal/web's RegisterRoutes
// mounting convention. Where the teacher mixes business routes into one
// mux, this package only ever serves observability surfaces: liveness/
// readiness/startup probes for the Connector, plus Flow/Router/
// Request-Reply audit introspection and a gorilla/websocket feed of
// internal/events.Bus activity, grounded on the teacher's
// internal/homeassistant WSClient's ReadJSON/WriteJSON usage of that
// same library (there a client dialing out, here a server accepting
// connections).
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solaceflow/connector/internal/config"
	"github.com/solaceflow/connector/internal/connector"
	"github.com/solaceflow/connector/internal/events"
)

// writeJSON encodes v as JSON to w, logging any write error at debug
// level — typically just means the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server serves spec.md §6's health_check endpoints plus flow/router/
// request-reply introspection over the Connector it wraps.
type Server struct {
	cfg    config.HealthCheckConfig
	conn   *connector.Connector
	bus    *events.Bus
	logger *slog.Logger
	server *http.Server

	upgrader websocket.Upgrader
}

// New creates a Server bound to conn. Start does not run until Start
// is called.
func New(cfg config.HealthCheckConfig, conn *connector.Connector, bus *events.Bus, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		conn:   conn,
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving HTTP requests on cfg.Port. Blocks until the
// server stops (Shutdown called, or a listener error).
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+s.cfg.LivenessPath, s.handleLiveness)
	mux.HandleFunc("GET "+s.cfg.ReadinessPath, s.handleReadiness)
	mux.HandleFunc("GET "+s.cfg.StartupPath, s.handleStartup)

	mux.HandleFunc("GET /apps", s.handleApps)
	mux.HandleFunc("GET /apps/{app}/flows/{flow}/metrics", s.handleFlowMetrics)
	mux.HandleFunc("GET /apps/{app}/flows/{flow}/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /apps/{app}/sessions", s.handleSessions)
	mux.HandleFunc("GET /events", s.handleEventStream)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /events streams indefinitely
	}

	s.logger.Info("starting monitor server", "port", s.cfg.Port)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("monitor request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// handleLiveness answers the liveness probe: whether the Connector
// process is still running its lifecycle (spec.md §6's liveness_path).
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if !s.conn.IsLive() {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{"status": "not live"}, s.logger)
		return
	}
	writeJSON(w, map[string]string{"status": "live"}, s.logger)
}

// handleReadiness answers the readiness probe: whether every
// registered App is ready to process traffic.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.conn.IsReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{"status": "not ready"}, s.logger)
		return
	}
	writeJSON(w, map[string]string{"status": "ready"}, s.logger)
}

// handleStartup answers the startup probe: whether every App has
// completed its one-time startup sequence.
func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	for _, a := range s.conn.Apps() {
		if !a.IsStartupComplete() {
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, map[string]string{"status": "starting"}, s.logger)
			return
		}
	}
	writeJSON(w, map[string]string{"status": "started"}, s.logger)
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	type appSummary struct {
		Name             string `json:"name"`
		Ready            bool   `json:"ready"`
		StartupComplete  bool   `json:"startup_complete"`
		Flows            []string `json:"flows"`
	}
	apps := s.conn.Apps()
	out := make([]appSummary, 0, len(apps))
	for _, a := range apps {
		flowNames := make([]string, 0, len(a.Flows()))
		for name := range a.Flows() {
			flowNames = append(flowNames, name)
		}
		out = append(out, appSummary{Name: a.Name(), Ready: a.IsReady(), StartupComplete: a.IsStartupComplete(), Flows: flowNames})
	}
	writeJSON(w, map[string]any{"apps": out, "count": len(out)}, s.logger)
}

func (s *Server) handleFlowMetrics(w http.ResponseWriter, r *http.Request) {
	a, ok := s.conn.App(r.PathValue("app"))
	if !ok {
		http.Error(w, "app not found", http.StatusNotFound)
		return
	}
	f, ok := a.Flows()[r.PathValue("flow")]
	if !ok {
		http.Error(w, "flow not found", http.StatusNotFound)
		return
	}
	writeJSON(w, f.Metrics(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	a, ok := s.conn.App(r.PathValue("app"))
	if !ok {
		http.Error(w, "app not found", http.StatusNotFound)
		return
	}
	f, ok := a.Flows()[r.PathValue("flow")]
	if !ok {
		http.Error(w, "flow not found", http.StatusNotFound)
		return
	}
	rt := f.Router()
	if rt == nil {
		http.Error(w, "flow has no subscription router", http.StatusNotFound)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	writeJSON(w, map[string]any{"decisions": rt.AuditLog(limit)}, s.logger)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	a, ok := s.conn.App(r.PathValue("app"))
	if !ok {
		http.Error(w, "app not found", http.StatusNotFound)
		return
	}
	rr := a.RequestReply()
	if rr == nil {
		writeJSON(w, map[string]any{"sessions": []any{}, "count": 0}, s.logger)
		return
	}
	sessions := rr.ListSessions()
	writeJSON(w, map[string]any{"sessions": sessions, "count": len(sessions)}, s.logger)
}

// handleEventStream upgrades the request to a WebSocket and relays
// every events.Bus Event to the client as JSON until the connection
// closes.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	for ev := range sub {
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Debug("event stream write failed", "error", err)
			return
		}
	}
}
