// Package admin serves a live status feed for operators: a WebSocket
// endpoint that pushes registry snapshots at a fixed interval. It rides
// plain HTTP and is entirely separate from the game wire.
package admin

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Snapshot is one status sample pushed to every feed subscriber.
type Snapshot struct {
	ServerName    string `json:"server_name"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Connections   int    `json:"connections"`
}

// Provider produces the current snapshot on demand.
type Provider func() Snapshot

// Server hosts the /live WebSocket endpoint.
type Server struct {
	addr     string
	interval time.Duration
	provider Provider

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu    sync.Mutex
	ln    net.Listener
	stop  chan struct{}
	conns map[string]*websocket.Conn
}

const writeWait = 5 * time.Second

func New(addr string, interval time.Duration, provider Provider) *Server {
	s := &Server{
		addr:     addr,
		interval: interval,
		provider: provider,
		stop:     make(chan struct{}),
		conns:    make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			// The feed is bound to an operator address; origin checks
			// are delegated to the deployment's reverse proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/live", s.handleLive)
	s.httpSrv = &http.Server{Handler: mux}
	return s
}

// Start binds the admin listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server stopped", "err", err)
		}
	}()
	slog.Info("admin feed listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, useful when Start was given
// port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and every feed subscriber.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	for id, conn := range s.conns {
		conn.Close()
		delete(s.conns, id)
	}
	s.mu.Unlock()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("feed upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()
	slog.Debug("feed subscriber connected", "client", id, "remote", r.RemoteAddr)

	// Inbound frames are irrelevant; the reader exists to notice the
	// peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		conn.Close()
		slog.Debug("feed subscriber disconnected", "client", id)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First sample immediately so subscribers never wait a full interval.
	if err := s.push(conn); err != nil {
		return
	}
	for {
		select {
		case <-ticker.C:
			if err := s.push(conn); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.stop:
			return
		}
	}
}

func (s *Server) push(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(s.provider())
}
