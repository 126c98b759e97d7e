package tlv

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/moov-io/bertlv"
)

type describedTemplate struct {
	DFName   []byte `tlv:"84"`
	Label    []byte `tlv:"50" fmt:"ascii"`
	Counter  []byte `tlv:"87" fmt:"int"`
	Untagged []byte
	Empty    []byte       `tlv:"99"`
	Unknown  []bertlv.TLV `tlv:",unknown"`
}

func TestWriteFields(t *testing.T) {
	tmpl := describedTemplate{
		DFName:   Hex("315449432E49434131"),
		Label:    []byte{'R', 'T', 0x00},
		Counter:  Hex("0100"),
		Untagged: Hex("CAFE"),
		Unknown:  []bertlv.TLV{{Tag: "df01", Value: Hex("1234")}},
	}
	want := []string{
		"  6F.DFName [84]: 315449432E49434131",
		`  6F.Label [50]: 525400 "RT."`,
		"  6F.Counter [87]: 0100 (256)",
		"  6F.Untagged: CAFE",
		"  6F.? [DF01]: 1234",
	}

	for name, input := range map[string]any{"pointer": &tmpl, "value": tmpl} {
		t.Run(name, func(t *testing.T) {
			var sb strings.Builder
			WriteFields(&sb, "6F", input)
			if diff := cmp.Diff(want, strings.Split(sb.String(), "\n")); diff != "" {
				t.Errorf("WriteFields() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteFields_AppendsAndSkipsNil(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Calypso FCI")
	WriteFields(&sb, "BF0C", (*describedTemplate)(nil))
	WriteFields(&sb, "BF0C", &describedTemplate{DFName: Hex("A0")})

	if diff := cmp.Diff("Calypso FCI\n  BF0C.DFName [84]: A0", sb.String()); diff != "" {
		t.Errorf("WriteFields() mismatch (-want +got):\n%s", diff)
	}
}

func TestPrintable(t *testing.T) {
	if got := printable([]byte{0x41, 0x42, 0x00, 0x1F, 0x7F, 0x43}); got != "AB...C" {
		t.Errorf("printable() = %q, want %q", got, "AB...C")
	}
}
