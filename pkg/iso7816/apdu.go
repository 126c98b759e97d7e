package iso7816

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Length limits of the short and extended encodings (ISO 7816-3 12.1).
// Ne uses 00 (short) or 0000 (extended) for its maximum.
const (
	MaxShortLc    = 255
	MaxShortLe    = 256
	MaxExtendedLc = 65535
	MaxExtendedLe = 65536
)

// CommandAPDU is a command sent to a card or a SAM.
type CommandAPDU struct {
	Class       Class
	Instruction Instruction
	P1, P2      byte
	Data        []byte
	// Ne is the maximum number of response bytes expected, 0 for none.
	Ne int
}

// NewCommandAPDU builds a command.
func NewCommandAPDU(cla Class, ins Instruction, p1, p2 byte, data []byte, ne int) *CommandAPDU {
	return &CommandAPDU{Class: cla, Instruction: ins, P1: p1, P2: p2, Data: data, Ne: ne}
}

// IsExtended reports whether the command needs the extended length encoding.
func (c *CommandAPDU) IsExtended() bool {
	return len(c.Data) > MaxShortLc || c.Ne > MaxShortLe
}

// Header returns CLA INS P1 P2.
func (c *CommandAPDU) Header() []byte {
	return []byte{byte(c.Class), byte(c.Instruction), c.P1, c.P2}
}

// Bytes encodes the command, choosing the short encoding whenever both Nc
// and Ne allow it.
//
//	case 1  header
//	case 2  header Le
//	case 3  header Lc data
//	case 4  header Lc data Le
func (c *CommandAPDU) Bytes() ([]byte, error) {
	nc, ne := len(c.Data), c.Ne
	if nc > MaxExtendedLc {
		return nil, fmt.Errorf("command data too long: %d bytes", nc)
	}
	if ne < 0 || ne > MaxExtendedLe {
		return nil, fmt.Errorf("invalid expected length %d", ne)
	}

	out := make([]byte, 0, 4+3+nc+3)
	out = append(out, c.Header()...)

	if !c.IsExtended() {
		if nc > 0 {
			out = append(out, byte(nc))
			out = append(out, c.Data...)
		}
		if ne > 0 {
			out = append(out, byte(ne)) // 256 wraps to 00
		}
		return out, nil
	}

	// Extended: a single 00 byte precedes the first length field.
	out = append(out, 0x00)
	if nc > 0 {
		out = binary.BigEndian.AppendUint16(out, uint16(nc))
		out = append(out, c.Data...)
	}
	if ne > 0 {
		out = binary.BigEndian.AppendUint16(out, uint16(ne)) // 65536 wraps to 0000
	}
	return out, nil
}

func (c *CommandAPDU) String() string {
	return fmt.Sprintf("%s INS %s P1 %02X P2 %02X Lc %d Le %d",
		c.Class, c.Instruction, c.P1, c.P2, len(c.Data), c.Ne)
}

// ResponseAPDU is the answer of a card or a SAM.
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

// ParseResponseAPDU splits a raw response into its data and status word.
// The data is copied.
func ParseResponseAPDU(raw []byte) (*ResponseAPDU, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("response too short: %d byte(s)", len(raw))
	}
	n := len(raw) - 2
	return &ResponseAPDU{
		Data:   bytes.Clone(raw[:n]),
		Status: NewStatusWord(raw[n], raw[n+1]),
	}, nil
}

// Bytes returns the raw response, data followed by SW1 SW2.
func (r *ResponseAPDU) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.Status.SW1(), r.Status.SW2())
}

func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("%d byte(s) %s", len(r.Data), r.Status.Verbose())
}
