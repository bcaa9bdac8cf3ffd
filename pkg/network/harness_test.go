package network

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ravenfell/ravenfell/pkg/config"
)

// testEnv runs a reactor pool, a dispatcher, and one open ServicePort on
// an ephemeral port.
type testEnv struct {
	cfg   *config.Config
	r     *Reactor
	conns *ConnectionManager
	disp  *Dispatcher
	sp    *ServicePort
}

func newTestEnv(t *testing.T, cfg *config.Config, svcs ...*Service) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}

	r := NewReactor()
	conns := NewConnectionManager()
	disp := NewDispatcher()
	sp := NewServicePort(cfg, r, conns, disp, AcceptAll{})
	for _, svc := range svcs {
		if err := sp.AddService(svc); err != nil {
			t.Fatalf("add service: %v", err)
		}
	}
	sp.Open(0)
	if sp.BoundPort() == 0 {
		t.Fatal("service port did not bind")
	}

	for i := 0; i < 2; i++ {
		go r.Run()
	}

	t.Cleanup(func() {
		sp.Close()
		conns.CloseAll()
		r.Stop()
		disp.Stop()
	})
	return &testEnv{cfg: cfg, r: r, conns: conns, disp: disp, sp: sp}
}

func (e *testEnv) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", e.sp.BoundPort()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// writeFrame sends one length-prefixed packet.
func writeFrame(t *testing.T, conn net.Conn, body []byte) {
	t.Helper()
	frame := make([]byte, HeaderLength+len(body))
	binary.LittleEndian.PutUint16(frame, uint16(len(body)))
	copy(frame[HeaderLength:], body)
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// readFrame receives one length-prefixed packet.
func readFrame(t *testing.T, conn net.Conn, timeout time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	hdr := make([]byte, HeaderLength)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	body := make([]byte, binary.LittleEndian.Uint16(hdr))
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read frame body: %v", err)
	}
	return body
}

// expectEOF asserts the peer closed the connection.
func expectEOF(t *testing.T, conn net.Conn, timeout time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection close, got data")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("expected connection close, read timed out")
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// firstMessage captures what a stub protocol saw in OnRecvFirstMessage.
type firstMessage struct {
	payload   []byte
	remaining int
}

// stubProtocol records protocol callbacks for assertions. reply, closeSoft
// and suppress tune its behavior per test.
type stubProtocol struct {
	BaseProtocol
	conn      *Connection
	first     chan firstMessage
	msgs      chan []byte
	released  chan struct{}
	reply     []byte // sent back from OnRecvFirstMessage when non-nil
	closeSoft bool   // Close(false) after the first message
	suppress  bool   // OnRecvMessage returns true
}

func newStubProtocol() *stubProtocol {
	return &stubProtocol{
		first:    make(chan firstMessage, 1),
		msgs:     make(chan []byte, 64),
		released: make(chan struct{}),
	}
}

// service wraps the stub in a Service description.
func (s *stubProtocol) service(id byte, checksummed, singleSocket bool) *Service {
	return &Service{
		Name:         "stub",
		ProtocolID:   id,
		Checksummed:  checksummed,
		SingleSocket: singleSocket,
		NewProtocol: func(conn *Connection) Protocol {
			s.conn = conn
			return s
		},
	}
}

func (s *stubProtocol) OnRecvFirstMessage(msg *NetworkMessage) {
	payload := append([]byte(nil), msg.GetBytes(msg.Remaining())...)
	s.first <- firstMessage{payload: payload, remaining: len(payload)}

	if s.reply != nil {
		out := NewOutputMessage()
		out.AddBytes(s.reply)
		s.conn.Send(out)
	}
	if s.closeSoft {
		s.conn.Close(false)
	}
}

func (s *stubProtocol) OnRecvMessage(msg *NetworkMessage) bool {
	s.msgs <- append([]byte(nil), msg.GetBytes(msg.Remaining())...)
	return s.suppress
}

func (s *stubProtocol) Release() {
	close(s.released)
}

// checksummedFirstBody builds a first-packet body [chksum][protoID][payload]
// with a valid Adler-32.
func checksummedFirstBody(protocolID byte, payload []byte) []byte {
	inner := append([]byte{protocolID}, payload...)
	body := make([]byte, ChecksumLength+len(inner))
	binary.LittleEndian.PutUint32(body, AdlerChecksum(inner))
	copy(body[ChecksumLength:], inner)
	return body
}
