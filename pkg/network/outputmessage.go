package network

import (
	"encoding/binary"

	"github.com/ravenfell/ravenfell/internal/pool"
)

// OutputMessage is an outbound byte buffer. The submitter owns it until it
// is enqueued on a Connection; thereafter the connection's write queue
// does, and the backing buffer is recycled once the write completes.
//
// The first two bytes are reserved for the frame header; Frame fills them
// with the little-endian body length. Protocol implementations that write
// their own framing may overwrite the reservation instead.
type OutputMessage struct {
	src *[]byte
	buf []byte
}

func NewOutputMessage() *OutputMessage {
	src := pool.GetOutput()
	m := &OutputMessage{src: src, buf: (*src)[:HeaderLength]}
	m.buf[0] = 0
	m.buf[1] = 0
	return m
}

// OutputBuffer returns the bytes to put on the wire.
func (m *OutputMessage) OutputBuffer() []byte { return m.buf }

// Length returns the total number of bytes to put on the wire.
func (m *OutputMessage) Length() int { return len(m.buf) }

// BodyLength returns the number of bytes appended after the header
// reservation.
func (m *OutputMessage) BodyLength() int { return len(m.buf) - HeaderLength }

// Frame stamps the little-endian body length into the reserved header.
func (m *OutputMessage) Frame() {
	binary.LittleEndian.PutUint16(m.buf[:HeaderLength], uint16(len(m.buf)-HeaderLength))
}

func (m *OutputMessage) AddByte(v byte) {
	m.buf = append(m.buf, v)
}

func (m *OutputMessage) AddUint16(v uint16) {
	m.buf = binary.LittleEndian.AppendUint16(m.buf, v)
}

func (m *OutputMessage) AddUint32(v uint32) {
	m.buf = binary.LittleEndian.AppendUint32(m.buf, v)
}

func (m *OutputMessage) AddBytes(p []byte) {
	m.buf = append(m.buf, p...)
}

// AddString appends a length-prefixed (uint16) string.
func (m *OutputMessage) AddString(s string) {
	m.AddUint16(uint16(len(s)))
	m.buf = append(m.buf, s...)
}

// release returns the backing buffer to the pool. Called by the connection
// once the write completed; the message must not be touched afterwards.
func (m *OutputMessage) release() {
	if m.src != nil {
		pool.PutOutput(m.src)
		m.src = nil
		m.buf = nil
	}
}
