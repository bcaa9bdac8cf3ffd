package network

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ravenfell/ravenfell/pkg/config"
)

// deathDelay is the grace period between Stop and the reactor being torn
// down, letting posted acceptor closes and final writes run. Variable so
// tests can shorten it.
var deathDelay = 3 * time.Second

var ErrAlreadyRunning = errors.New("service manager is already running")

// ServiceManager owns the reactor and the map of open service ports. Run
// blocks the caller driving the reactor alongside a pool of workers; Stop
// closes every port and winds the reactor down after a short grace
// period.
type ServiceManager struct {
	cfg   *config.Config
	conns *ConnectionManager
	disp  *Dispatcher
	ban   BanPolicy

	reactor *Reactor
	workers int

	mu         sync.Mutex
	acceptors  map[uint16]*ServicePort
	deathTimer *Timer
	running    bool
	stopped    bool
}

// NewServiceManager wires a manager with the given worker-pool size
// (minimum 1; the Run caller counts as one worker).
func NewServiceManager(cfg *config.Config, conns *ConnectionManager, disp *Dispatcher, ban BanPolicy, workers int) *ServiceManager {
	if workers < 1 {
		workers = 1
	}
	r := NewReactor()
	return &ServiceManager{
		cfg:        cfg,
		conns:      conns,
		disp:       disp,
		ban:        ban,
		reactor:    r,
		workers:    workers,
		acceptors:  make(map[uint16]*ServicePort),
		deathTimer: r.NewTimer(),
	}
}

// Reactor exposes the manager's reactor for components sharing its loop.
func (m *ServiceManager) Reactor() *Reactor { return m.reactor }

// IsRunning reports whether Run is active.
func (m *ServiceManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Add registers svc on port, opening the port on first use. Port 0 binds
// an ephemeral port; look it up through Port(0).BoundPort().
func (m *ServiceManager) Add(svc *Service, port uint16) error {
	m.mu.Lock()
	sp, ok := m.acceptors[port]
	if !ok {
		sp = NewServicePort(m.cfg, m.reactor, m.conns, m.disp, m.ban)
		m.acceptors[port] = sp
	}
	m.mu.Unlock()

	if err := sp.AddService(svc); err != nil {
		slog.Error("service rejected", "service", svc.Name, "port", port, "err", err)
		return err
	}
	if !ok {
		sp.Open(port)
	}
	slog.Info("service registered", "service", svc.Name, "port", port)
	return nil
}

// Port returns the ServicePort registered under the given port number, or
// nil.
func (m *ServiceManager) Port(port uint16) *ServicePort {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acceptors[port]
}

// Run drives the reactor until Stop completes. Blocks the caller; spawns
// workers-1 additional loop goroutines.
func (m *ServiceManager) Run() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()

	var wg sync.WaitGroup
	for i := 1; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.reactor.Run()
		}()
	}
	m.reactor.Run()
	wg.Wait()
	m.reactor.Stop()

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	return nil
}

// Stop closes every service port and arms the death timer that finally
// releases the reactor. Idempotent.
func (m *ServiceManager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true

	for _, sp := range m.acceptors {
		sp := sp
		m.reactor.Post(sp.OnStopServer)
	}
	m.acceptors = make(map[uint16]*ServicePort)

	m.deathTimer.ExpiresFromNow(deathDelay, m.die)
	m.mu.Unlock()
}

// die releases the reactor's keep-alive: workers drain the queue and
// return from Run.
func (m *ServiceManager) die() {
	m.reactor.Shutdown()
}
