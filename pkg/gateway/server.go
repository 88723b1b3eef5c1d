// Package gateway exposes the tool registry over HTTP and WebSocket for
// local clients: single-shot invocations on /rpc, a persistent
// invocation stream on /ws, plus health and metrics endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/pkg/tools"
	"github.com/rs/zerolog"
)

// secretHeader carries the shared secret on HTTP requests. WebSocket
// clients may use the query parameter instead since browsers cannot set
// headers on upgrade.
const secretHeader = "X-Mnemo-Secret"

// InvocationRequest is one tool call over the wire.
type InvocationRequest struct {
	ID     string                 `json:"id,omitempty"`
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// InvocationResponse pairs a request id with its result.
type InvocationResponse struct {
	ID     string       `json:"id,omitempty"`
	Result tools.Result `json:"result"`
}

// Server serves the tool registry to local clients.
type Server struct {
	host         string
	port         int
	sharedSecret string
	registry     *tools.Registry
	logger       zerolog.Logger

	// dispatchSem bounds concurrent tool invocations across all
	// transports so a burst of clients cannot starve the store.
	dispatchSem chan struct{}

	upgrader websocket.Upgrader
	server   *http.Server

	shutdownMu     sync.RWMutex
	isShuttingDown bool
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	Registry     *tools.Registry
	MaxInFlight  int
	Logger       zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}

	return &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		sharedSecret: cfg.SharedSecret,
		registry:     cfg.Registry,
		logger:       cfg.Logger,
		dispatchSem:  make(chan struct{}, cfg.MaxInFlight),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // loopback-bound, secret-gated
			},
		},
	}, nil
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Str("host", s.host).Int("port", s.port).Msg("Starting gateway")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	if s.server == nil {
		return nil
	}

	s.logger.Info().Msg("Shutting down gateway")
	return s.server.Shutdown(ctx)
}

// authorized checks the shared secret on an incoming request.
func (s *Server) authorized(r *http.Request) bool {
	secret := r.Header.Get(secretHeader)
	if secret == "" {
		secret = r.URL.Query().Get("token")
	}
	return secret == s.sharedSecret
}

// handleRPC runs one tool invocation per POST.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req InvocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp := s.dispatch(r.Context(), req)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write RPC response")
	}
}

// handleWebSocket upgrades the connection and serves a stream of
// invocations. Requests on one connection run sequentially; concurrency
// comes from multiple connections, all bounded by the dispatch pool.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	for {
		if s.shuttingDown() {
			return
		}

		var req InvocationRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		resp := s.dispatch(r.Context(), req)
		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Warn().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// dispatch runs one invocation under the in-flight bound.
func (s *Server) dispatch(ctx context.Context, req InvocationRequest) InvocationResponse {
	select {
	case s.dispatchSem <- struct{}{}:
		defer func() { <-s.dispatchSem }()
	case <-ctx.Done():
		return InvocationResponse{ID: req.ID, Result: tools.Result{Error: ctx.Err().Error()}}
	case <-time.After(30 * time.Second):
		return InvocationResponse{ID: req.ID, Result: tools.Result{Error: "server busy"}}
	}

	return InvocationResponse{
		ID:     req.ID,
		Result: s.registry.Execute(ctx, req.Tool, req.Params),
	}
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}
