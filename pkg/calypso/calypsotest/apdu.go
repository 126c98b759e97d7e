package calypsotest

import (
	"fmt"

	"github.com/gregLibert/calypso/pkg/iso7816"
)

// command is a decoded C-APDU.
type command struct {
	raw  []byte
	cla  byte
	ins  byte
	p1   byte
	p2   byte
	data []byte
	ne   int
}

// parseCommand decodes the short and extended encodings produced by
// iso7816.CommandAPDU.Bytes.
func parseCommand(raw []byte) (*command, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("command too short: %d bytes", len(raw))
	}
	c := &command{raw: raw, cla: raw[0], ins: raw[1], p1: raw[2], p2: raw[3]}
	body := raw[4:]
	switch {
	case len(body) == 0:
	case len(body) == 1:
		c.ne = int(body[0])
		if c.ne == 0 {
			c.ne = iso7816.MaxShortLe
		}
	case body[0] != 0:
		lc := int(body[0])
		if len(body) < 1+lc {
			return nil, fmt.Errorf("truncated data: Lc %d, %d bytes", lc, len(body)-1)
		}
		c.data = body[1 : 1+lc]
		if rest := body[1+lc:]; len(rest) == 1 {
			c.ne = int(rest[0])
			if c.ne == 0 {
				c.ne = iso7816.MaxShortLe
			}
		}
	case len(body) == 3:
		// Extended Le without data.
		c.ne = int(body[1])<<8 | int(body[2])
		if c.ne == 0 {
			c.ne = iso7816.MaxExtendedLe
		}
	default:
		lc := int(body[1])<<8 | int(body[2])
		if len(body) < 3+lc {
			return nil, fmt.Errorf("truncated extended data: Lc %d, %d bytes", lc, len(body)-3)
		}
		c.data = body[3 : 3+lc]
		if rest := body[3+lc:]; len(rest) == 2 {
			c.ne = int(rest[0])<<8 | int(rest[1])
			if c.ne == 0 {
				c.ne = iso7816.MaxExtendedLe
			}
		}
	}
	return c, nil
}

func status(sw iso7816.StatusWord) []byte {
	return []byte{sw.SW1(), sw.SW2()}
}

func success(data ...[]byte) []byte {
	var out []byte
	for _, d := range data {
		out = append(out, d...)
	}
	return append(out, 0x90, 0x00)
}
