// Package dashboard streams sync activity of a replica to WebSocket clients.
//
// Every sync outcome is broadcast as a JSON Message; new clients first get
// a stats message describing the replica as it is now.
package dashboard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSyncComplete is sent after every successful sync
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeSyncError is sent when a sync fails
	MessageTypeSyncError MessageType = "sync_error"

	// MessageTypeConflict is sent when the remote rejected a push
	MessageTypeConflict MessageType = "conflict"

	// MessageTypeStats carries the replica's cursor and pending count
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncCompleteData describes a successful sync.
type SyncCompleteData struct {
	ReplicaID  string         `json:"replica_id"`
	Pulled     map[string]int `json:"pulled"`
	Pushed     map[string]int `json:"pushed"`
	Kept       int            `json:"kept"`
	DurationMs int64          `json:"duration_ms"`
	Cursor     *int64         `json:"last_pulled_at"`
}

// SyncErrorData describes a failed sync.
type SyncErrorData struct {
	ReplicaID string `json:"replica_id"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// ConflictData lists the records the remote refused.
type ConflictData struct {
	ReplicaID string   `json:"replica_id"`
	IDs       []string `json:"ids"`
}

// StatsData is a point-in-time view of the replica.
type StatsData struct {
	ReplicaID     string `json:"replica_id"`
	SchemaVersion int    `json:"schema_version"`
	Pending       int    `json:"pending"`
	LastPulledAt  *int64 `json:"last_pulled_at"`
	LastSyncAt    *int64 `json:"last_sync_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// Config holds server configuration
type Config struct {
	// Addr to listen on, e.g. ":8081". Port 0 picks a free port.
	Addr string

	// OriginPatterns allowed to open a WebSocket (default: all).
	OriginPatterns []string

	Logger *zap.Logger
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	config   Config
	listener net.Listener
	server   *http.Server
	log      *zap.Logger

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	// welcome builds the first message sent to a new client.
	welcome func(ctx context.Context) (Message, bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config Config) *Server {
	if config.Addr == "" {
		config.Addr = ":8081"
	}
	if len(config.OriginPatterns) == 0 {
		config.OriginPatterns = []string{"*"}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    config,
		log:       config.Logger.With(zap.String("component", "dashboard")),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handler returns the HTTP routes of the dashboard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("dashboard listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("dashboard server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()

	s.log.Info("dashboard stopped")
	return nil
}

// Broadcast queues msg for every connected client. Messages are dropped
// when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.log.Warn("broadcast channel full, dropping message", zap.String("type", string(msg.Type)))
	}
}

// BroadcastData marshals data into a message of type typ and queues it.
func (s *Server) BroadcastData(typ MessageType, data any) {
	msg, err := newMessage(typ, data)
	if err != nil {
		s.log.Warn("failed to marshal message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	s.Broadcast(msg)
}

func newMessage(typ MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, nil
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Warn("failed to marshal message", zap.Error(err))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.log.Debug("failed to send to client", zap.Error(err))
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.OriginPatterns,
	})
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// The welcome goes out before the client is registered, so it is always
	// the first message the client reads.
	if s.welcome != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		if msg, ok := s.welcome(ctx); ok {
			if data, err := json.Marshal(msg); err == nil {
				_ = conn.Write(ctx, websocket.MessageText, data)
			}
		}
		cancel()
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debug("client connected", zap.Int("clients", clientCount))

	go s.readLoop(conn)
}

// readLoop drains client frames until the client goes away.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.log.Debug("client disconnected", zap.Int("clients", clientCount))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, _ := json.Marshal(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Replica Dashboard</title>
</head>
<body>
    <h1>Replica Dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
