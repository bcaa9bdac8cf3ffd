// Package status implements the public status protocol: one request, one
// JSON reply describing the server, then the connection closes. Status
// requests are never checksummed.
package status

import (
	"encoding/json"
	"log/slog"

	"github.com/ravenfell/ravenfell/pkg/network"
)

// ProtocolID identifies status on multiplexed ports.
const ProtocolID = 0xFF

// Info is the reply payload.
type Info struct {
	ServerName    string `json:"server_name"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Connections   int    `json:"connections"`
}

// Provider produces the current Info on demand.
type Provider func() Info

type Protocol struct {
	network.BaseProtocol
	conn     *network.Connection
	provider Provider
}

func New(provider Provider) func(conn *network.Connection) network.Protocol {
	return func(conn *network.Connection) network.Protocol {
		return &Protocol{conn: conn, provider: provider}
	}
}

func (p *Protocol) OnRecvFirstMessage(msg *network.NetworkMessage) {
	payload, err := json.Marshal(p.provider())
	if err != nil {
		slog.Error("status reply marshal failed", "err", err)
		p.conn.Close(network.ForceClose)
		return
	}

	out := network.NewOutputMessage()
	out.AddBytes(payload)
	p.conn.Send(out)
	p.conn.Close(false)
}

// OnRecvMessage suppresses further reads; a status exchange is a single
// round trip.
func (p *Protocol) OnRecvMessage(*network.NetworkMessage) bool {
	return true
}

func (p *Protocol) Release() {
	p.conn = nil
}

// NewService describes the status service for a multiplexed port.
func NewService(provider Provider) *network.Service {
	return &network.Service{
		Name:        "status",
		ProtocolID:  ProtocolID,
		NewProtocol: New(provider),
	}
}
