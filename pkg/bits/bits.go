// Package bits provides the bit and small-integer helpers shared by the card layers:
// single-bit tests on status and header bytes, 24-bit big-endian integers used by
// Calypso counters and stored-value amounts, and bit windows inside byte strings.
//
// Bits inside a byte are numbered 1 (least significant) to 8, as in ISO/IEC 7816.
package bits

// Bit is the mask of bit n. Out of 1..8 it is zero.
func Bit(n uint) byte {
	if n == 0 || n > 8 {
		return 0
	}
	return byte(1) << (n - 1)
}

// IsSet reports whether bit n of b is one.
func IsSet(b byte, n uint) bool {
	return b&Bit(n) == Bit(n) && Bit(n) != 0
}

// Set returns b with bit n set.
func Set(b byte, n uint) byte {
	return b | Bit(n)
}

// GetRange returns bits high down to low of b, shifted to the right.
// An empty or out of byte range gives zero: GetRange(0x3C, 8, 4) is the SFI 7.
func GetRange(b byte, high, low uint) byte {
	if low == 0 || low > high || high > 8 {
		return 0
	}
	return b >> (low - 1) & (byte(0xFF) >> (8 - (high - low + 1)))
}

// MaxUint24 is the largest value held by a 3-byte unsigned integer.
const MaxUint24 = 0xFFFFFF

// Uint24 decodes the first 3 bytes of b as an unsigned big-endian integer.
// It returns 0 when b is shorter than 3 bytes.
func Uint24(b []byte) int {
	if len(b) < 3 {
		return 0
	}
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2])
}

// Int24 decodes the first 3 bytes of b as a signed (two's complement) big-endian integer.
func Int24(b []byte) int {
	v := Uint24(b)
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return v
}

// PutUint24 encodes the low 24 bits of v into the first 3 bytes of dst.
// Negative values are written in two's complement.
func PutUint24(dst []byte, v int) {
	dst[0] = byte(v >> 16)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v)
}

// AppendUint24 appends the 3-byte big-endian encoding of v to dst.
func AppendUint24(dst []byte, v int) []byte {
	return append(dst, byte(v>>16), byte(v>>8), byte(v))
}

// Int16 decodes the first 2 bytes of b as a signed big-endian integer.
func Int16(b []byte) int {
	if len(b) < 2 {
		return 0
	}
	return int(int16(uint16(b[0])<<8 | uint16(b[1])))
}

// ReadWindow returns the value of the bitLength bits starting at bitOffset
// (0 = most significant bit of data[0]). The window may not exceed 64 bits.
// Bits beyond the end of data read as zero.
func ReadWindow(data []byte, bitOffset, bitLength int) uint64 {
	var v uint64
	for i := 0; i < bitLength && i < 64; i++ {
		pos := bitOffset + i
		v <<= 1
		if pos/8 < len(data) && data[pos/8]&(0x80>>(pos%8)) != 0 {
			v |= 1
		}
	}
	return v
}

// WriteWindow overwrites the bitLength bits starting at bitOffset with the
// low bits of value. Bits beyond the end of data are dropped.
func WriteWindow(data []byte, bitOffset, bitLength int, value uint64) {
	for i := 0; i < bitLength && i < 64; i++ {
		pos := bitOffset + i
		if pos/8 >= len(data) {
			return
		}
		mask := byte(0x80 >> (pos % 8))
		if value&(1<<(bitLength-1-i)) != 0 {
			data[pos/8] |= mask
		} else {
			data[pos/8] &^= mask
		}
	}
}
