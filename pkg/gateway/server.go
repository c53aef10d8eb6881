package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server accepts UI connections over WebSocket, feeds inbound frames to
// the dispatcher, and pushes event frames from the bridge to every
// connected client.
type Server struct {
	host           string
	port           int
	sharedSecret   string
	server         *http.Server
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	dispatcher     *Dispatcher
	bridge         *Bridge
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	pumpWG         sync.WaitGroup
}

// ServerConfig holds gateway server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	SharedSecret string
	Dispatcher   *Dispatcher
	Bridge       *Bridge
	Logger       zerolog.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("event bridge is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	return &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		sharedSecret: cfg.SharedSecret,
		clients:      NewClientRegistry(),
		dispatcher:   cfg.Dispatcher,
		bridge:       cfg.Bridge,
		logger:       cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The gateway binds to loopback; the secret check is the
				// real gate.
				return true
			},
		},
	}, nil
}

// Start begins listening. It does not block.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: mux,
	}

	s.logger.Info().Str("host", s.host).Int("port", s.port).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop drains in-flight requests and closes all client connections.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		s.bridge.Unsubscribe(client.ID)
		client.Conn.Close()
	}
	s.pumpWG.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// GetConnectedClients returns information about all connected clients.
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

func (s *Server) authorized(r *http.Request) bool {
	if s.sharedSecret == "" {
		return true
	}
	secret := r.Header.Get("X-Workbench-Secret")
	if secret == "" {
		secret = r.URL.Query().Get("secret")
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.sharedSecret)) == 1
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &Client{
		ID:           uuid.NewString(),
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", client.ID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	frames := s.bridge.Subscribe(client.ID)
	s.pumpWG.Add(1)
	go s.pumpEvents(client, frames)
	go s.handleClient(client)
}

// pumpEvents forwards bridge frames to one client until its queue is
// closed by Unsubscribe.
func (s *Server) pumpEvents(client *Client, frames <-chan EventFrame) {
	defer s.pumpWG.Done()

	for frame := range frames {
		if err := client.WriteJSON(frame); err != nil {
			s.logger.Debug().
				Err(err).
				Str("clientId", client.ID).
				Msg("Failed to push event frame")
			return
		}
	}
}

// handleClient reads messages from a client until the connection drops.
func (s *Server) handleClient(client *Client) {
	defer func() {
		s.bridge.Unsubscribe(client.ID)
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			break
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage dispatches a single inbound message asynchronously so a
// slow plugin call never stalls the read loop.
func (s *Server) handleMessage(client *Client, message []byte) {
	s.inFlightReqs.Add(1)

	go func() {
		defer s.inFlightReqs.Done()

		reply := s.dispatcher.Handle(context.Background(), message)
		if reply == nil {
			return
		}
		if err := client.WriteRaw(reply); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Msg("Failed to send response")
		}
	}()
}

// handleRPC handles single-shot HTTP requests with the same envelope as
// the WebSocket path. Useful for scripting against a running host.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	reply := s.dispatcher.Handle(r.Context(), body)
	if reply == nil {
		// Notification over HTTP still needs a status line.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(reply); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write RPC response")
	}
}
