package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Hex decodes hexadecimal fragments, ignoring white space, and panics on
// invalid input. It is meant for literals in tests and fixtures.
//
//	Hex("00 A4 04 00", "09", "315449432E49434131")
func Hex(parts ...string) []byte {
	clean := strings.Join(strings.Fields(strings.Join(parts, " ")), "")
	data, err := hex.DecodeString(clean)
	if err != nil {
		panic(fmt.Sprintf("tlv.Hex(%q): %v", clean, err))
	}
	return data
}
