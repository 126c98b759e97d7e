package iso7816

import (
	"errors"
	"fmt"

	"github.com/gregLibert/calypso/pkg/bits"
)

// Class is the CLA byte of a command.
//
// Calypso cards answer the interindustry class 00 (Calypso revision 3) or the
// proprietary class 94 (legacy revisions); Calypso SAMs use the proprietary
// class 80. For interindustry classes the byte also carries command chaining
// (bit 5), secure messaging and the logical channel:
//
//	000x SSCC  first interindustry: SM on bits 4-3, channels 0 to 3
//	01Sx CCCC  further interindustry: SM on bit 6, channels 4 to 19
type Class byte

// ClassInterindustry is the class of the ISO 7816-4 commands on the basic channel.
const ClassInterindustry Class = 0x00

// SecureMessaging is the secure messaging indication of an interindustry class.
type SecureMessaging int

const (
	SMNone SecureMessaging = iota
	SMProprietary
	SMHeaderNotProcessed
	SMHeaderAuthenticated
)

var errReservedClass = errors.New("CLA 0xFF is reserved")

// NewClass validates a raw CLA byte.
func NewClass(cla byte) (Class, error) {
	if cla == 0xFF {
		return 0, errReservedClass
	}
	return Class(cla), nil
}

// IsProprietary reports a class with bit 8 set, whose other bits carry no ISO meaning.
func (c Class) IsProprietary() bool { return bits.IsSet(byte(c), 8) }

func (c Class) further() bool { return bits.IsSet(byte(c), 7) }

// IsChained reports the command chaining bit of an interindustry class.
func (c Class) IsChained() bool {
	return !c.IsProprietary() && bits.IsSet(byte(c), 5)
}

// WithoutChaining returns the class of the last command of a chain.
func (c Class) WithoutChaining() Class {
	if c.IsProprietary() {
		return c
	}
	return c &^ Class(bits.Bit(5))
}

// Channel returns the logical channel of an interindustry class (0 to 19).
func (c Class) Channel() uint8 {
	switch {
	case c.IsProprietary():
		return 0
	case c.further():
		return bits.GetRange(byte(c), 4, 1) + 4
	default:
		return bits.GetRange(byte(c), 2, 1)
	}
}

// SecureMessaging returns the secure messaging indication of an interindustry class.
func (c Class) SecureMessaging() SecureMessaging {
	switch {
	case c.IsProprietary():
		return SMNone
	case c.further():
		if bits.IsSet(byte(c), 6) {
			return SMHeaderNotProcessed
		}
		return SMNone
	default:
		return SecureMessaging(bits.GetRange(byte(c), 4, 3))
	}
}

func (c Class) String() string {
	if c.IsProprietary() {
		return fmt.Sprintf("CLA %02X (proprietary)", byte(c))
	}
	s := fmt.Sprintf("CLA %02X (channel %d", byte(c), c.Channel())
	if c.SecureMessaging() != SMNone {
		s += ", secure messaging"
	}
	if c.IsChained() {
		s += ", chained"
	}
	return s + ")"
}
