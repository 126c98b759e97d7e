package bits

import "testing"

func TestBit(t *testing.T) {
	for n, want := range map[uint]byte{0: 0x00, 1: 0x01, 5: 0x10, 8: 0x80, 9: 0x00} {
		if got := Bit(n); got != want {
			t.Errorf("Bit(%d) = %02X; want %02X", n, got, want)
		}
	}
}

func TestIsSetAndSet(t *testing.T) {
	// Proprietary Calypso class: bits 8, 5 and 3 set.
	cla := byte(0x94)
	if !IsSet(cla, 8) || !IsSet(cla, 5) || IsSet(cla, 6) {
		t.Errorf("IsSet(%02X): want bits 8 and 5 set, bit 6 clear", cla)
	}
	if IsSet(cla, 0) || IsSet(cla, 9) {
		t.Errorf("IsSet(%02X): bits out of 1..8 must read as clear", cla)
	}
	if got := Set(cla, 6); got != 0xB4 {
		t.Errorf("Set(%02X, 6) = %02X; want B4", cla, got)
	}
	if got := Set(cla, 3); got != cla {
		t.Errorf("Set(%02X, 3) = %02X; want it unchanged", cla, got)
	}
}

func TestGetRange(t *testing.T) {
	tests := []struct {
		name      string
		b         byte
		high, low uint
		want      byte
	}{
		{"SFI of a record P2", 0x3C, 8, 4, 0x07},
		{"record mode of a record P2", 0x3C, 3, 1, 0b100},
		{"remaining PIN attempts in 63C2", 0xC2, 4, 1, 2},
		{"session modification byte", 0xD7, 8, 1, 0xD7},
		{"inverted range", 0xFF, 1, 4, 0},
		{"out of byte", 0xFF, 9, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetRange(tt.b, tt.high, tt.low); got != tt.want {
				t.Errorf("GetRange(%02X, %d, %d) = %X; want %X", tt.b, tt.high, tt.low, got, tt.want)
			}
		})
	}
}

func TestUint24(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		unsigned int
		signed   int
	}{
		{"Zero", []byte{0x00, 0x00, 0x00}, 0, 0},
		{"Small", []byte{0x00, 0x01, 0x02}, 258, 258},
		{"Max positive", []byte{0x7F, 0xFF, 0xFF}, 8388607, 8388607},
		{"Min negative", []byte{0x80, 0x00, 0x00}, 8388608, -8388608},
		{"All ones", []byte{0xFF, 0xFF, 0xFF}, MaxUint24, -1},
		{"Trailing bytes ignored", []byte{0x00, 0x00, 0x10, 0xAA}, 16, 16},
		{"Too short", []byte{0x01, 0x02}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Uint24(tt.input); got != tt.unsigned {
				t.Errorf("Uint24(%X) = %d; want %d", tt.input, got, tt.unsigned)
			}
			if got := Int24(tt.input); got != tt.signed {
				t.Errorf("Int24(%X) = %d; want %d", tt.input, got, tt.signed)
			}
		})
	}
}

func TestPutUint24(t *testing.T) {
	buf := make([]byte, 3)
	PutUint24(buf, -2)
	if buf[0] != 0xFF || buf[1] != 0xFF || buf[2] != 0xFE {
		t.Errorf("PutUint24(-2) = %X; want FFFFFE", buf)
	}

	got := AppendUint24([]byte{0xAA}, 0x123456)
	if len(got) != 4 || got[1] != 0x12 || got[2] != 0x34 || got[3] != 0x56 {
		t.Errorf("AppendUint24 = %X; want AA123456", got)
	}
}

func TestInt16(t *testing.T) {
	if got := Int16([]byte{0xFF, 0x9C}); got != -100 {
		t.Errorf("Int16(FF9C) = %d; want -100", got)
	}
	if got := Int16([]byte{0x01, 0x00}); got != 256 {
		t.Errorf("Int16(0100) = %d; want 256", got)
	}
}

func TestWindow(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x00}

	WriteWindow(data, 4, 12, 0xABC)
	if data[0] != 0x0A || data[1] != 0xBC {
		t.Fatalf("WriteWindow result = %X; want 0ABC0000", data)
	}

	if got := ReadWindow(data, 4, 12); got != 0xABC {
		t.Errorf("ReadWindow = %X; want ABC", got)
	}

	if got := ReadWindow(data, 0, 8); got != 0x0A {
		t.Errorf("ReadWindow first byte = %X; want 0A", got)
	}

	// Out of range bits read as zero and are not written.
	WriteWindow(data, 28, 8, 0xFF)
	if data[3] != 0x0F {
		t.Errorf("WriteWindow past end = %X; want last byte 0F", data)
	}
	if got := ReadWindow(data, 28, 8); got != 0xF0 {
		t.Errorf("ReadWindow past end = %X; want F0", got)
	}
}
