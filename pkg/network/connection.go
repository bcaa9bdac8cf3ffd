package network

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ravenfell/ravenfell/pkg/config"
)

// Connection lifecycle states. Closed is terminal; the transition into it
// is idempotent and permitted from every state.
const (
	StateOpen int32 = iota
	StateIdentifying
	StateReadingServerName
	StateClosed
)

// ForceClose tears the socket down immediately, ignoring queued writes.
const ForceClose = true

const (
	ConnectionReadTimeout  = 30 * time.Second
	ConnectionWriteTimeout = 30 * time.Second
)

// Connection drives one accepted TCP socket: the header/body read state
// machine, the outbound write queue, both deadline timers, and the packet
// rate limit. All completion handlers run on the reactor; the connection
// mutex is never held across an async operation nor across a protocol
// callback.
type Connection struct {
	id   string
	sock net.Conn

	cfg     *config.Config
	reactor *Reactor
	disp    *Dispatcher
	mgr     *ConnectionManager
	port    *ServicePort

	readTimer  *Timer
	writeTimer *Timer
	msg        *NetworkMessage

	mu       sync.Mutex
	queue    []*OutputMessage
	protocol Protocol

	state         atomic.Int32
	ip            atomic.Uint32
	packetsSent   atomic.Uint32
	timeConnected atomic.Int64
	receivedFirst atomic.Bool
	sockClosed    atomic.Bool
}

func newConnection(sock net.Conn, sp *ServicePort) *Connection {
	c := &Connection{
		id:         uuid.NewString(),
		sock:       sock,
		cfg:        sp.cfg,
		reactor:    sp.reactor,
		disp:       sp.disp,
		mgr:        sp.conns,
		port:       sp,
		msg:        NewNetworkMessage(),
		readTimer:  sp.reactor.NewTimer(),
		writeTimer: sp.reactor.NewTimer(),
	}
	c.ip.Store(1)
	c.timeConnected.Store(time.Now().Unix())
	return c
}

// ID returns the connection's registry key, stable for its lifetime.
func (c *Connection) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() int32 { return c.state.Load() }

// Accept starts reading from the freshly accepted socket. A non-nil
// protocol binds the connection immediately (single-socket service) and
// routes the first bytes through proxy identification; with nil the
// protocol is chosen later from the first packet and parsing starts at
// the header.
func (c *Connection) Accept(p Protocol) {
	if p != nil {
		c.mu.Lock()
		c.protocol = p
		c.mu.Unlock()
		c.state.Store(StateIdentifying)
		// Deferred so the protocol may Send without re-entering the
		// accept path. Historically delayed by the write timeout; the
		// deferral alone is what matters.
		c.disp.AddEvent(p.OnConnect, "protocol onConnect", 0)

		c.armReadTimer()
		c.reactor.AsyncRead(c.sock, c.msg.HeaderBuffer(), c.parseProxyIdentification)
		return
	}

	c.armReadTimer()
	c.reactor.AsyncRead(c.sock, c.msg.HeaderBuffer(), c.parseHeader)
}

func (c *Connection) armReadTimer() {
	c.readTimer.ExpiresFromNow(ConnectionReadTimeout, c.handleTimeout)
}

func (c *Connection) armWriteTimer() {
	c.writeTimer.ExpiresFromNow(ConnectionWriteTimeout, c.handleTimeout)
}

// handleTimeout runs only on genuine timer expiry; canceled timers never
// deliver their handler.
func (c *Connection) handleTimeout() {
	slog.Debug("connection timeout", "ip", IPString(c.IP()), "conn", c.id)
	c.Close(ForceClose)
}

func (c *Connection) parseProxyIdentification(err error) {
	c.mu.Lock()
	c.readTimer.Cancel()

	if err != nil || c.state.Load() == StateClosed {
		if err != nil && !isExpectedClose(err) {
			slog.Error("proxy identification read error", "err", err, "conn", c.id)
		}
		c.mu.Unlock()
		c.Close(ForceClose)
		return
	}

	serverName := c.cfg.ServerName + "\n"
	switch c.state.Load() {
	case StateIdentifying:
		hdr := c.msg.HeaderBuffer()
		if len(serverName) < HeaderLength || hdr[1] == 0x00 || !strings.EqualFold(string(hdr[:HeaderLength]), serverName[:HeaderLength]) {
			// Probably not proxy identification, try the standard parse.
			c.state.Store(StateOpen)
			c.mu.Unlock()
			c.parseHeader(nil)
			return
		}
		if remainder := len(serverName) - HeaderLength; remainder > 0 {
			c.state.Store(StateReadingServerName)
			c.armReadTimer()
			c.reactor.AsyncRead(c.sock, c.msg.IdentBuffer(remainder), c.parseProxyIdentification)
			c.mu.Unlock()
			return
		}
		c.state.Store(StateOpen)

	case StateReadingServerName:
		remainder := len(serverName) - HeaderLength
		if !strings.EqualFold(string(c.msg.IdentBuffer(remainder)), serverName[HeaderLength:]) {
			slog.Error("invalid client login, server name mismatch", "ip", IPString(c.IP()), "conn", c.id)
			c.mu.Unlock()
			c.Close(ForceClose)
			return
		}
		c.state.Store(StateOpen)
	}

	c.armReadTimer()
	c.reactor.AsyncRead(c.sock, c.msg.HeaderBuffer(), c.parseHeader)
	c.mu.Unlock()
}

func (c *Connection) parseHeader(err error) {
	c.mu.Lock()
	c.readTimer.Cancel()

	if err != nil {
		if !isExpectedClose(err) {
			slog.Error("header read error", "err", err, "conn", c.id)
		}
		c.mu.Unlock()
		c.Close(ForceClose)
		return
	}
	if c.state.Load() == StateClosed {
		c.mu.Unlock()
		return
	}

	// Sliding packet-rate window with 2-second granularity. The integer
	// division undercounts during the first second; kept for wire
	// compatibility with existing tooling.
	timePassed := time.Now().Unix() - c.timeConnected.Load() + 1
	if timePassed < 1 {
		timePassed = 1
	}
	sent := c.packetsSent.Add(1)
	if mpps := c.cfg.MaxPacketsPerSecond; mpps > 0 && int64(sent)/timePassed > int64(mpps) {
		slog.Warn("disconnected for exceeding packet per second limit", "ip", IPString(c.IP()), "conn", c.id)
		c.mu.Unlock()
		c.Close(false)
		return
	}
	if timePassed > 2 {
		c.timeConnected.Store(time.Now().Unix())
		c.packetsSent.Store(0)
	}

	size := int(c.msg.LengthHeader())
	if size == 0 || size > InputMessageMaxSize {
		c.mu.Unlock()
		c.Close(ForceClose)
		return
	}

	c.msg.SetLength(size + HeaderLength)
	c.armReadTimer()
	c.reactor.AsyncRead(c.sock, c.msg.BodyBuffer(), c.parsePacket)
	c.mu.Unlock()
}

func (c *Connection) parsePacket(err error) {
	c.mu.Lock()
	c.readTimer.Cancel()

	if err != nil || c.state.Load() == StateClosed {
		if err != nil && !isExpectedClose(err) {
			slog.Error("packet read error", "err", err, "conn", c.id)
		}
		c.mu.Unlock()
		c.Close(ForceClose)
		return
	}

	skipNextRead := false
	if !c.receivedFirst.Load() {
		c.receivedFirst.Store(true)

		if c.protocol == nil {
			var checksum uint32
			if l := c.msg.Length() - c.msg.Position() - ChecksumLength; l > 0 {
				checksum = AdlerChecksum(c.msg.PeekAfter(ChecksumLength, l))
			}
			recvChecksum := c.msg.GetUint32()
			if recvChecksum != checksum {
				// It might not have been a checksum, step back.
				c.msg.SkipBytes(-ChecksumLength)
			}

			proto := c.port.MakeProtocol(recvChecksum == checksum, c.msg, c)
			if proto == nil {
				c.mu.Unlock()
				c.Close(ForceClose)
				return
			}
			c.protocol = proto
		} else {
			// Single-socket service: there is no way to tell a checksum
			// from a sequence number here, so the field is consumed
			// unchecked along with the protocol identifier.
			c.msg.GetUint32()
			c.msg.SkipBytes(1)
		}

		p := c.protocol
		c.mu.Unlock()
		p.OnRecvFirstMessage(c.msg)
		c.mu.Lock()
	} else {
		p := c.protocol
		c.mu.Unlock()
		skipNextRead = p.OnRecvMessage(c.msg)
		c.mu.Lock()
	}

	c.armReadTimer()
	if !skipNextRead {
		c.reactor.AsyncRead(c.sock, c.msg.HeaderBuffer(), c.parseHeader)
	}
	c.mu.Unlock()
}

// ResumeWork re-arms a header read after a protocol returned true from
// OnRecvMessage.
func (c *Connection) ResumeWork() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Load() == StateClosed {
		return
	}
	c.reactor.AsyncRead(c.sock, c.msg.HeaderBuffer(), c.parseHeader)
}

// Send enqueues an output message. The first message in an idle queue
// schedules the write worker; a closed connection absorbs the call.
func (c *Connection) Send(out *OutputMessage) {
	if c.state.Load() == StateClosed {
		return
	}

	c.mu.Lock()
	idle := len(c.queue) == 0
	c.queue = append(c.queue, out)
	if !idle {
		c.mu.Unlock()
		return
	}

	if c.sockClosed.Load() {
		slog.Error("send on closed socket", "conn", c.id)
		c.queue = nil
		c.mu.Unlock()
		c.Close(ForceClose)
		return
	}
	c.mu.Unlock()
	c.reactor.Post(c.internalWorker)
}

// internalWorker dispatches the head of the write queue. It runs on the
// reactor and drops the connection lock around OnSendMessage so the
// protocol may call back into Send.
func (c *Connection) internalWorker() {
	c.mu.Lock()
	if len(c.queue) == 0 {
		if c.state.Load() == StateClosed {
			c.closeSocket()
		}
		c.mu.Unlock()
		return
	}
	out := c.queue[0]
	p := c.protocol
	c.mu.Unlock()

	if p != nil {
		p.OnSendMessage(out)
	}

	c.mu.Lock()
	c.internalSend(out)
	c.mu.Unlock()
}

// internalSend arms the write timer and issues the async write. Caller
// holds the connection lock.
func (c *Connection) internalSend(out *OutputMessage) {
	c.armWriteTimer()
	c.reactor.AsyncWrite(c.sock, out.OutputBuffer(), c.onWriteOperation)
}

func (c *Connection) onWriteOperation(err error) {
	c.mu.Lock()
	c.writeTimer.Cancel()

	if len(c.queue) > 0 {
		done := c.queue[0]
		c.queue = c.queue[1:]
		if err == nil {
			done.release()
		}
	}

	if err != nil {
		if !isExpectedClose(err) {
			slog.Error("write error", "err", err, "conn", c.id)
		}
		c.queue = nil
		c.mu.Unlock()
		c.Close(ForceClose)
		return
	}

	if len(c.queue) > 0 {
		out := c.queue[0]
		p := c.protocol
		c.mu.Unlock()
		if p != nil {
			p.OnSendMessage(out)
		}
		c.mu.Lock()
		c.internalSend(out)
		c.mu.Unlock()
		return
	}

	if c.state.Load() == StateClosed {
		c.closeSocket()
	}
	c.mu.Unlock()
}

// Close transitions the connection to Closed and unregisters it. With
// force the socket closes immediately; otherwise queued writes get a
// drain window and onWriteOperation finalizes the socket when the queue
// empties (or the write deadline fires).
func (c *Connection) Close(force bool) {
	c.mgr.ReleaseConnection(c)
	c.ip.Store(0)

	c.mu.Lock()
	if c.state.Load() == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state.Store(StateClosed)

	if c.protocol != nil {
		p := c.protocol
		// Queued writes get the full drain window before the protocol
		// drops its references.
		c.disp.AddEvent(p.Release, "protocol release", ConnectionWriteTimeout)
	}

	if len(c.queue) == 0 || force {
		c.closeSocket()
	}
	c.mu.Unlock()
}

// closeSocket cancels both timers and closes the socket, once. Pending
// async reads and writes complete with net.ErrClosed.
func (c *Connection) closeSocket() {
	if !c.sockClosed.CompareAndSwap(false, true) {
		return
	}
	c.readTimer.Cancel()
	c.writeTimer.Cancel()
	if err := c.sock.Close(); err != nil && !isExpectedClose(err) {
		slog.Error("failed to close socket", "err", err, "conn", c.id)
	}
}

// IP returns the remote IPv4 in network byte order. The sentinel 1 means
// unresolved; the first call resolves and caches it. 0 means unknown.
func (c *Connection) IP() uint32 {
	if c.ip.Load() == 1 {
		addr, ok := c.sock.RemoteAddr().(*net.TCPAddr)
		if !ok || addr.IP.To4() == nil {
			slog.Error("failed to resolve remote endpoint", "conn", c.id)
			c.ip.Store(0)
		} else {
			c.ip.Store(binary.LittleEndian.Uint32(addr.IP.To4()))
		}
	}
	return c.ip.Load()
}

// IPString formats a network-byte-order IPv4 as dotted decimal.
func IPString(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip), byte(ip>>8), byte(ip>>16), byte(ip>>24))
}
