package network

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ravenfell/ravenfell/pkg/config"
)

// bindRetryDelay is how long a ServicePort waits before retrying a failed
// bind. Variable so tests can shorten it.
var bindRetryDelay = 15 * time.Second

var (
	ErrSingleSocketPort = errors.New("port is reserved by a single-socket service")
	ErrMixedServices    = errors.New("single-socket services cannot share a port")
)

// ServicePort owns one listening TCP port: it accepts sockets, wraps them
// in Connections, and selects a Protocol for each from its configured
// services. A failed bind re-arms itself on a retry timer.
type ServicePort struct {
	cfg     *config.Config
	reactor *Reactor
	conns   *ConnectionManager
	disp    *Dispatcher
	ban     BanPolicy

	mu           sync.Mutex
	serverPort   uint16
	boundPort    uint16
	acceptor     net.Listener
	services     []*Service
	retryTimer   *Timer
	pendingStart bool
}

func NewServicePort(cfg *config.Config, r *Reactor, conns *ConnectionManager, disp *Dispatcher, ban BanPolicy) *ServicePort {
	return &ServicePort{
		cfg:        cfg,
		reactor:    r,
		conns:      conns,
		disp:       disp,
		ban:        ban,
		retryTimer: r.NewTimer(),
	}
}

// AddService registers a service on this port. A port hosts either exactly
// one single-socket service or any number of multiplexed ones.
func (sp *ServicePort) AddService(svc *Service) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, existing := range sp.services {
		if existing.SingleSocket {
			return ErrSingleSocketPort
		}
	}
	if svc.SingleSocket && len(sp.services) > 0 {
		return ErrMixedServices
	}
	sp.services = append(sp.services, svc)
	return nil
}

// IsSingleSocket reports whether the port is owned by a single-socket
// service.
func (sp *ServicePort) IsSingleSocket() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.services) > 0 && sp.services[0].SingleSocket
}

// ProtocolNames lists the hosted services for logs.
func (sp *ServicePort) ProtocolNames() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	names := make([]string, len(sp.services))
	for i, svc := range sp.services {
		names[i] = svc.Name
	}
	return strings.Join(names, ", ")
}

// Open binds the acceptor and starts accepting. Port 0 binds an ephemeral
// port, retrievable through BoundPort. On bind failure the port enters a
// retry-pending state and re-opens after bindRetryDelay.
func (sp *ServicePort) Open(port uint16) {
	sp.Close()

	sp.mu.Lock()
	sp.serverPort = port
	sp.pendingStart = false

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	if sp.cfg.BindOnlyGlobalAddress {
		addr = net.JoinHostPort(sp.cfg.IP, fmt.Sprintf("%d", port))
	}

	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		slog.Warn("bind failed, retrying", "addr", addr, "err", err)
		sp.pendingStart = true
		sp.retryTimer.ExpiresFromNow(bindRetryDelay, func() { sp.Open(port) })
		sp.mu.Unlock()
		return
	}

	sp.acceptor = ln
	sp.boundPort = uint16(ln.Addr().(*net.TCPAddr).Port)
	names := make([]string, len(sp.services))
	for i, svc := range sp.services {
		names[i] = svc.Name
	}
	slog.Info("service port open", "port", sp.boundPort, "services", strings.Join(names, ", "))
	sp.mu.Unlock()

	sp.accept()
}

// BoundPort returns the actual listening port, useful when Open was given
// port 0.
func (sp *ServicePort) BoundPort() uint16 {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.boundPort
}

func (sp *ServicePort) accept() {
	sp.mu.Lock()
	ln := sp.acceptor
	sp.mu.Unlock()
	if ln == nil {
		return
	}
	sp.reactor.AsyncAccept(ln, sp.onAccept)
}

func (sp *ServicePort) onAccept(sock net.Conn, err error) {
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return
		}
		slog.Warn("accept error", "err", err, "port", sp.BoundPort())
		sp.mu.Lock()
		pending := sp.pendingStart
		port := sp.serverPort
		if !pending {
			sp.pendingStart = true
		}
		sp.mu.Unlock()
		if !pending {
			sp.Close()
			sp.retryTimer.ExpiresFromNow(ConnectionReadTimeout, func() { sp.Open(port) })
		}
		return
	}

	if tcp, ok := sock.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	sp.mu.Lock()
	hasServices := len(sp.services) > 0
	var front *Service
	if hasServices {
		front = sp.services[0]
	}
	sp.mu.Unlock()

	if !hasServices {
		sock.Close()
		sp.accept()
		return
	}

	conn := sp.conns.CreateConnection(sock, sp)
	if ip := conn.IP(); ip != 0 && sp.ban.AcceptConnection(ip) {
		if front.SingleSocket {
			conn.Accept(front.NewProtocol(conn))
		} else {
			conn.Accept(nil)
		}
	} else {
		conn.Close(ForceClose)
	}

	sp.accept()
}

// MakeProtocol selects a service by the protocol identifier byte at the
// message cursor. Checksummed services only match when the first packet's
// checksum verified. Returns nil when nothing matches.
func (sp *ServicePort) MakeProtocol(checksummed bool, msg *NetworkMessage, conn *Connection) Protocol {
	protocolID := msg.GetByte()

	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, svc := range sp.services {
		if svc.ProtocolID != protocolID {
			continue
		}
		if !svc.Checksummed || checksummed {
			return svc.NewProtocol(conn)
		}
	}
	return nil
}

// OnStopServer closes the acceptor as part of manager shutdown.
func (sp *ServicePort) OnStopServer() {
	sp.Close()
}

// Close shuts the acceptor; pending accepts complete with net.ErrClosed.
func (sp *ServicePort) Close() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.acceptor != nil {
		sp.acceptor.Close()
		sp.acceptor = nil
	}
}
