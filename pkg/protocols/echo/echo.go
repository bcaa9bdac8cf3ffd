// Package echo implements the framed echo protocol: every payload is
// mirrored back in a single output message. It exists as the smallest
// real consumer of the network core and runs both multiplexed (selected
// by protocol identifier) and single-socket.
package echo

import (
	"log/slog"

	"github.com/ravenfell/ravenfell/pkg/network"
)

// ProtocolID identifies echo on multiplexed ports.
const ProtocolID = 0x45 // 'E'

type Protocol struct {
	network.BaseProtocol
	conn *network.Connection
}

func New(conn *network.Connection) network.Protocol {
	return &Protocol{conn: conn}
}

func (p *Protocol) OnRecvFirstMessage(msg *network.NetworkMessage) {
	p.echo(msg)
}

func (p *Protocol) OnRecvMessage(msg *network.NetworkMessage) bool {
	p.echo(msg)
	return false
}

func (p *Protocol) echo(msg *network.NetworkMessage) {
	payload := msg.GetBytes(msg.Remaining())
	out := network.NewOutputMessage()
	out.AddBytes(payload)
	p.conn.Send(out)
}

func (p *Protocol) Release() {
	slog.Debug("echo protocol released")
	p.conn = nil
}

// NewService describes an echo service for a multiplexed port.
func NewService(checksummed bool) *network.Service {
	return &network.Service{
		Name:        "echo",
		ProtocolID:  ProtocolID,
		Checksummed: checksummed,
		NewProtocol: New,
	}
}

// NewSingleSocketService describes an echo service owning its port.
func NewSingleSocketService() *network.Service {
	return &network.Service{
		Name:         "echo",
		ProtocolID:   ProtocolID,
		SingleSocket: true,
		NewProtocol:  New,
	}
}
