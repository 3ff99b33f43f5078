package adb

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command ids as they appear on the wire (ASCII, little endian).
const (
	CmdSYNC uint32 = 0x434e5953
	CmdCNXN uint32 = 0x4e584e43
	CmdAUTH uint32 = 0x48545541
	CmdOPEN uint32 = 0x4e45504f
	CmdOKAY uint32 = 0x59414b4f
	CmdCLSE uint32 = 0x45534c43
	CmdWRTE uint32 = 0x45545257
	CmdSTLS uint32 = 0x534c5453
)

// AUTH message types carried in arg0.
const (
	AuthToken        uint32 = 1
	AuthSignature    uint32 = 2
	AuthRSAPublicKey uint32 = 3
)

const (
	// Version is the protocol version we announce. Versions from 0x01000001
	// drop payload checksums, so we stay on the checksummed one.
	Version uint32 = 0x01000000
	// MaxPayload is the largest payload we announce and accept.
	MaxPayload uint32 = 256 * 1024

	headerSize = 24
)

// Message is one ADB frame.
type Message struct {
	Command uint32
	Arg0    uint32
	Arg1    uint32
	Payload []byte
}

// CommandName returns the four-letter name of an ADB command id.
func CommandName(cmd uint32) string {
	switch cmd {
	case CmdSYNC:
		return "SYNC"
	case CmdCNXN:
		return "CNXN"
	case CmdAUTH:
		return "AUTH"
	case CmdOPEN:
		return "OPEN"
	case CmdOKAY:
		return "OKAY"
	case CmdCLSE:
		return "CLSE"
	case CmdWRTE:
		return "WRTE"
	case CmdSTLS:
		return "STLS"
	default:
		return fmt.Sprintf("0x%08x", cmd)
	}
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%d, %d, %d bytes)", CommandName(m.Command), m.Arg0, m.Arg1, len(m.Payload))
}

// Checksum is the ADB payload checksum: the sum of all payload bytes.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// Header encodes the 24-byte frame header for m.
func (m Message) Header() []byte {
	h := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(h[0:], m.Command)
	binary.LittleEndian.PutUint32(h[4:], m.Arg0)
	binary.LittleEndian.PutUint32(h[8:], m.Arg1)
	binary.LittleEndian.PutUint32(h[12:], uint32(len(m.Payload)))
	binary.LittleEndian.PutUint32(h[16:], Checksum(m.Payload))
	binary.LittleEndian.PutUint32(h[20:], m.Command^0xffffffff)
	return h
}

// WriteMessage frames m onto w. Header and payload go out as separate
// writes because USB adbd expects them as separate bulk transfers.
func WriteMessage(w io.Writer, m Message) error {
	if uint32(len(m.Payload)) > MaxPayload {
		return protocolErrorf("payload of %d bytes exceeds max %d", len(m.Payload), MaxPayload)
	}
	if _, err := w.Write(m.Header()); err != nil {
		return fmt.Errorf("write %s header: %w", CommandName(m.Command), err)
	}
	if len(m.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(m.Payload); err != nil {
		return fmt.Errorf("write %s payload: %w", CommandName(m.Command), err)
	}
	return nil
}

// ReadMessage reads one frame from r. Transport failures are returned as-is;
// a bad magic, oversized length or checksum mismatch is a *ProtocolError and
// the payload is never returned.
func ReadMessage(r io.Reader) (Message, error) {
	h := make([]byte, headerSize)
	if _, err := io.ReadFull(r, h); err != nil {
		return Message{}, err
	}
	m := Message{
		Command: binary.LittleEndian.Uint32(h[0:]),
		Arg0:    binary.LittleEndian.Uint32(h[4:]),
		Arg1:    binary.LittleEndian.Uint32(h[8:]),
	}
	length := binary.LittleEndian.Uint32(h[12:])
	check := binary.LittleEndian.Uint32(h[16:])
	magic := binary.LittleEndian.Uint32(h[20:])

	if magic != m.Command^0xffffffff {
		return Message{}, protocolErrorf("bad magic 0x%08x for command 0x%08x", magic, m.Command)
	}
	if length > MaxPayload {
		return Message{}, protocolErrorf("%s declares %d byte payload, max is %d", CommandName(m.Command), length, MaxPayload)
	}
	if length > 0 {
		m.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return Message{}, err
		}
	}
	if sum := Checksum(m.Payload); sum != check {
		return Message{}, protocolErrorf("%s checksum mismatch: header 0x%08x, payload 0x%08x", CommandName(m.Command), check, sum)
	}
	return m, nil
}
