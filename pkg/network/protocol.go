package network

// Protocol is the capability set a connection hands inbound traffic to.
// Implementations live outside the network core and are selected per
// connection, either at accept time (single-socket services) or from the
// protocol identifier in the first packet.
type Protocol interface {
	// OnConnect runs once, deferred through the dispatcher, after the
	// connection is accepted with this protocol bound.
	OnConnect()

	// OnRecvFirstMessage receives the first packet. The cursor sits past
	// the checksum/identifier prefix.
	OnRecvFirstMessage(msg *NetworkMessage)

	// OnRecvMessage receives every subsequent packet. Returning true
	// suppresses the follow-up header read; the protocol must call
	// Connection.ResumeWork when it wants traffic again.
	OnRecvMessage(msg *NetworkMessage) bool

	// OnSendMessage runs just before an output message hits the wire and
	// may mutate it (framing, checksums). The connection lock is NOT held.
	OnSendMessage(out *OutputMessage)

	// Release runs, deferred through the dispatcher, after the connection
	// closed. The protocol drops its connection reference here.
	Release()
}

// BaseProtocol carries the no-op half of the Protocol contract so
// implementations only spell out what they use. OnSendMessage stamps the
// standard length frame.
type BaseProtocol struct{}

func (BaseProtocol) OnConnect() {}

func (BaseProtocol) OnRecvMessage(*NetworkMessage) bool { return false }

func (BaseProtocol) OnSendMessage(out *OutputMessage) { out.Frame() }

func (BaseProtocol) Release() {}

// Service describes one wire protocol hosted on a ServicePort: how to
// recognize it on the wire and how to build its handler.
type Service struct {
	// Name appears in logs.
	Name string
	// ProtocolID is matched against the identifier byte of the first
	// packet on multiplexed ports.
	ProtocolID byte
	// Checksummed services only accept first packets whose Adler-32
	// checksum verified.
	Checksummed bool
	// SingleSocket services own their port exclusively and get their
	// protocol built at accept time instead of at first packet.
	SingleSocket bool
	// NewProtocol builds a handler bound to conn.
	NewProtocol func(conn *Connection) Protocol
}
