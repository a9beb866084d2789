// Package gateway is the HTTP surface of the research engine: a REST API
// over the command layer plus a WebSocket progress stream fed by the
// broadcaster. All endpoints except /healthz require the bearer token.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alliecatowo/legalease-ai/internal/broadcast"
	"github.com/alliecatowo/legalease-ai/internal/commands"
	"github.com/alliecatowo/legalease-ai/internal/persistence"
	"github.com/alliecatowo/legalease-ai/internal/shared"
	"github.com/alliecatowo/legalease-ai/internal/workflow"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type Config struct {
	Commands    *commands.Commands
	Runner      *workflow.Runner
	Store       *persistence.Store
	Broadcaster *broadcast.Broadcaster

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/research", s.handleResearch)
	mux.HandleFunc("/api/v1/research/", s.handleResearchByID)
	mux.HandleFunc("/ws/research", s.handleStream)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := true
	active, err := s.cfg.Store.ListActiveRuns(ctx)
	if err != nil {
		dbOK = false
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":          dbOK,
		"db":          dbOK,
		"active_runs": len(active),
		"subscribers": s.cfg.Broadcaster.SubscriberCount(),
	})
}

// handleResearch serves POST (start a run) and GET (list runs).
func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req commands.StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		res, err := s.cfg.Commands.Start(ctx, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeResult(w, res, http.StatusCreated)
	case http.MethodGet:
		caseID := r.URL.Query().Get("case_id")
		status := persistence.RunStatus(r.URL.Query().Get("status"))
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		runs, err := s.cfg.Commands.ListRuns(r.Context(), caseID, status, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleResearchByID routes /api/v1/research/{id}[/op].
func (s *Server) handleResearchByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/research/")
	runID, op, _ := strings.Cut(rest, "/")
	if runID == "" {
		http.Error(w, "run_id required", http.StatusBadRequest)
		return
	}
	ctx := shared.WithRunID(shared.WithTraceID(r.Context(), shared.NewTraceID()), runID)

	switch {
	case op == "" && r.Method == http.MethodGet:
		res, err := s.cfg.Commands.Status(ctx, runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeResult(w, res, http.StatusOK)
	case op == "state" && r.Method == http.MethodGet:
		st, err := s.cfg.Runner.Query(ctx, runID)
		if errors.Is(err, workflow.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, st)
	case op == "checkpoints" && r.Method == http.MethodGet:
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		cps, err := s.cfg.Store.ListCheckpoints(ctx, runID, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"checkpoints": cps, "count": len(cps)})
	case op == "events" && r.Method == http.MethodGet:
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		events, err := s.cfg.Store.ListRunEvents(ctx, runID, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
	case op == "pause" && r.Method == http.MethodPost:
		s.command(w, ctx, runID, s.cfg.Commands.Pause)
	case op == "resume" && r.Method == http.MethodPost:
		s.command(w, ctx, runID, s.cfg.Commands.Resume)
	case op == "cancel" && r.Method == http.MethodPost:
		// The body is optional; {"reason": "..."} is recorded on the run.
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		res, err := s.cfg.Commands.Cancel(ctx, runID, body.Reason)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeResult(w, res, http.StatusOK)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) command(w http.ResponseWriter, ctx context.Context, runID string, fn func(context.Context, string) (*commands.Result, error)) {
	res, err := fn(ctx, runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeResult(w, res, http.StatusOK)
}

// writeResult maps a command result onto an HTTP status: retryable
// infrastructure conditions get 503 with Retry-After so clients back off.
func (s *Server) writeResult(w http.ResponseWriter, res *commands.Result, okStatus int) {
	status := okStatus
	switch {
	case res.Success:
	case res.NotFound:
		status = http.StatusNotFound
	case res.Retryable:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "2")
	default:
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

// wsSubscriber adapts one WebSocket connection to the broadcaster. A write
// failure marks it dead; the broadcaster prunes and closes it.
type wsSubscriber struct {
	conn   *websocket.Conn
	closed chan struct{}
}

func (ws *wsSubscriber) Send(ev broadcast.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, ws.conn, ev)
}

func (ws *wsSubscriber) Close() {
	_ = ws.conn.Close(websocket.StatusNormalClosure, "stream finished")
	close(ws.closed)
}

// handleStream upgrades to WebSocket and streams run progress events until
// the run finishes or the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	sub := &wsSubscriber{conn: conn, closed: make(chan struct{})}

	detach, err := s.cfg.Broadcaster.Subscribe(r.Context(), runID, sub)
	if err != nil {
		if errors.Is(err, workflow.ErrRunNotFound) {
			_ = conn.Close(websocket.StatusPolicyViolation, "run not found")
		} else {
			_ = conn.Close(websocket.StatusInternalError, fmt.Sprintf("subscribe: %v", err))
		}
		return
	}
	s.logger.Info("stream subscribed", "run_id", runID)

	// The stream is server-push only. CloseRead surfaces client disconnects.
	readCtx := conn.CloseRead(r.Context())
	select {
	case <-readCtx.Done():
		detach()
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
	case <-sub.closed:
		// Terminal event delivered and connection closed by the broadcaster.
	}
	s.logger.Info("stream detached", "run_id", runID)
}
