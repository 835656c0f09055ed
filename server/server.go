package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openmodal/voicerelay/config"
	"github.com/openmodal/voicerelay/protocol"
	"github.com/openmodal/voicerelay/relay"
)

// Server accepts client sockets and hands each one to the relay manager.
type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	manager    *relay.Manager
	config     *config.Config
}

func New(cfg *config.Config, manager *relay.Manager, registry *prometheus.Registry) *Server {
	s := &Server{
		manager: manager,
		config:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio chunks
			WriteBufferSize:   64 * 1024, // 64KB for audio chunks
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
		// No ReadTimeout/WriteTimeout — these interfere with long-lived WebSocket
		// connections. The WebSocket layer sets its own deadlines.
	}

	return s
}

// Start begins listening for connections
func (s *Server) Start() error {
	log.Printf("🚀 Voice relay starting on port %d", s.config.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost:%d/ws", s.config.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("🛑 Shutting down server...")
	s.manager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	session, err := s.manager.CreateSession(r.Context(), conn)
	if err != nil {
		log.Printf("❌ Session setup failed: %v", err)
		s.rejectConn(conn, err)
		return
	}

	log.Printf("✅ New session created: %s", session.ID)

	session.Start()

	// Wait for session to close
	<-session.CloseChan

	_ = s.manager.RemoveSession(context.Background(), session.ID)
	log.Printf("🔌 Session closed: %s", session.ID)
}

// rejectConn surfaces a fatal setup error to the client as an error frame
// followed by a close frame. Every fatal condition reaches the client.
func (s *Server) rejectConn(conn *websocket.Conn, cause error) {
	deadline := time.Now().Add(s.config.WriteTimeout)
	if data, err := protocol.Encode(protocol.NewErrorFrame(cause.Error())); err == nil {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session setup failed"),
	)
	_ = conn.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.manager.ActiveSessions())
}
