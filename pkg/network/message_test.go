package network

import (
	"bytes"
	"encoding/binary"
	"hash/adler32"
	"testing"
)

func TestNetworkMessageHeaderAndCursor(t *testing.T) {
	t.Parallel()

	m := NewNetworkMessage()
	binary.LittleEndian.PutUint16(m.HeaderBuffer(), 9)
	if got := m.LengthHeader(); got != 9 {
		t.Fatalf("LengthHeader = %d, want 9", got)
	}

	m.SetLength(9 + HeaderLength)
	body := m.BodyBuffer()
	if len(body) != 9 {
		t.Fatalf("body length = %d, want 9", len(body))
	}
	copy(body, []byte{0x78, 0x56, 0x34, 0x12, 0xAA, 'a', 'b', 'c', 'd'})

	if got := m.Position(); got != HeaderLength {
		t.Fatalf("initial position = %d, want %d", got, HeaderLength)
	}
	if got := m.GetUint32(); got != 0x12345678 {
		t.Fatalf("GetUint32 = %#x, want 0x12345678", got)
	}
	if got := m.GetByte(); got != 0xAA {
		t.Fatalf("GetByte = %#x, want 0xAA", got)
	}
	if got := m.Remaining(); got != 4 {
		t.Fatalf("Remaining = %d, want 4", got)
	}
	if got := m.GetBytes(4); !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("GetBytes = %q, want abcd", got)
	}
}

func TestNetworkMessageSkipBytesRewind(t *testing.T) {
	t.Parallel()

	m := NewNetworkMessage()
	m.SetLength(HeaderLength + 8)
	copy(m.BodyBuffer(), []byte{1, 2, 3, 4, 5, 6, 7, 8})

	m.GetUint32()
	m.SkipBytes(-ChecksumLength)
	if got := m.Position(); got != HeaderLength {
		t.Fatalf("position after rewind = %d, want %d", got, HeaderLength)
	}
	if got := m.GetByte(); got != 1 {
		t.Fatalf("re-read byte = %d, want 1", got)
	}

	m.SkipBytes(-100)
	if got := m.Position(); got != 0 {
		t.Fatalf("position clamps at 0, got %d", got)
	}
	m.SkipBytes(1000)
	if got := m.Position(); got != m.Length() {
		t.Fatalf("position clamps at length, got %d", got)
	}
}

func TestNetworkMessageBoundedReads(t *testing.T) {
	t.Parallel()

	m := NewNetworkMessage()
	m.SetLength(HeaderLength + 2)
	copy(m.BodyBuffer(), []byte{0xFF, 0xEE})

	// Too few bytes for a uint32: the cursor must not move.
	if got := m.GetUint32(); got != 0 {
		t.Fatalf("short GetUint32 = %#x, want 0", got)
	}
	if got := m.Position(); got != HeaderLength {
		t.Fatalf("cursor moved on failed read: %d", got)
	}
	if got := m.GetUint16(); got != 0xEEFF {
		t.Fatalf("GetUint16 = %#x, want 0xEEFF", got)
	}
	if got := m.GetByte(); got != 0 {
		t.Fatalf("exhausted GetByte = %d, want 0", got)
	}
	if got := m.GetBytes(1); got != nil {
		t.Fatalf("exhausted GetBytes = %v, want nil", got)
	}
}

func TestNetworkMessagePeekAfter(t *testing.T) {
	t.Parallel()

	m := NewNetworkMessage()
	m.SetLength(HeaderLength + 7)
	copy(m.BodyBuffer(), []byte{0, 0, 0, 0, 'x', 'y', 'z'})

	if got := m.PeekAfter(ChecksumLength, 3); !bytes.Equal(got, []byte("xyz")) {
		t.Fatalf("PeekAfter = %q, want xyz", got)
	}
	if got := m.Position(); got != HeaderLength {
		t.Fatalf("PeekAfter moved cursor to %d", got)
	}
	if got := m.PeekAfter(ChecksumLength, 10); got != nil {
		t.Fatalf("out-of-range PeekAfter = %v, want nil", got)
	}
}

func TestAdlerChecksumMatchesStdlib(t *testing.T) {
	t.Parallel()

	data := []byte("Wikipedia")
	if got, want := AdlerChecksum(data), adler32.Checksum(data); got != want {
		t.Fatalf("AdlerChecksum = %#x, want %#x", got, want)
	}
	if got := AdlerChecksum(data); got != 0x11E60398 {
		t.Fatalf("AdlerChecksum(%q) = %#x, want 0x11E60398", data, got)
	}
}

func TestOutputMessageFraming(t *testing.T) {
	t.Parallel()

	out := NewOutputMessage()
	out.AddByte(0x05)
	out.AddUint16(0xBEEF)
	out.AddUint32(0xDEADBEEF)
	out.AddString("hi")
	out.Frame()

	buf := out.OutputBuffer()
	if got := binary.LittleEndian.Uint16(buf); int(got) != out.BodyLength() {
		t.Fatalf("frame header = %d, want body length %d", got, out.BodyLength())
	}
	want := []byte{0x05, 0xEF, 0xBE, 0xEF, 0xBE, 0xAD, 0xDE, 0x02, 0x00, 'h', 'i'}
	if !bytes.Equal(buf[HeaderLength:], want) {
		t.Fatalf("body = %x, want %x", buf[HeaderLength:], want)
	}
	if out.Length() != HeaderLength+len(want) {
		t.Fatalf("Length = %d, want %d", out.Length(), HeaderLength+len(want))
	}
}

func TestOutputMessageGrowsPastPoolBuffer(t *testing.T) {
	t.Parallel()

	out := NewOutputMessage()
	big := make([]byte, 32*1024)
	for i := range big {
		big[i] = byte(i)
	}
	out.AddBytes(big)
	out.Frame()

	if out.BodyLength() != len(big) {
		t.Fatalf("BodyLength = %d, want %d", out.BodyLength(), len(big))
	}
	if !bytes.Equal(out.OutputBuffer()[HeaderLength:], big) {
		t.Fatal("grown buffer corrupted the payload")
	}
}

func TestIPStringFormatsNetworkOrder(t *testing.T) {
	t.Parallel()

	// 10.20.30.40 stored little-endian from its network-order bytes.
	ip := binary.LittleEndian.Uint32([]byte{10, 20, 30, 40})
	if got := IPString(ip); got != "10.20.30.40" {
		t.Fatalf("IPString = %q, want 10.20.30.40", got)
	}
}
