package tlv

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

// WriteFields appends one line per non-empty byte slice field of the tagged
// struct s, then one line per unknown TLV. Lines read "  prefix.Field [tag]: value"
// where the `fmt` field tag picks the rendering: "ascii", "int" or hex (default).
// Nothing is written for a nil struct.
func WriteFields(sb *strings.Builder, prefix string, s any) {
	v := reflect.ValueOf(s)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	t := v.Type()

	for i := range t.NumField() {
		f, field := t.Field(i), v.Field(i)
		tag, isUnknown := fieldTag(f)
		if isUnknown {
			for _, p := range field.Interface().([]bertlv.TLV) {
				writeLine(sb, fmt.Sprintf("  %s.? [%s]: %X", prefix, strings.ToUpper(p.Tag), rawValue(p)))
			}
			continue
		}
		if !isByteSlice(field) || field.Len() == 0 {
			continue
		}
		name := prefix + "." + f.Name
		if tag != "" {
			name += " [" + tag + "]"
		}
		writeLine(sb, fmt.Sprintf("  %s: %s", name, render(field.Bytes(), f.Tag.Get("fmt"))))
	}
}

func writeLine(sb *strings.Builder, line string) {
	if sb.Len() > 0 {
		sb.WriteByte('\n')
	}
	sb.WriteString(line)
}

func render(data []byte, format string) string {
	switch format {
	case "ascii":
		return fmt.Sprintf("%X %q", data, printable(data))
	case "int":
		return fmt.Sprintf("%X (%s)", data, new(big.Int).SetBytes(data))
	default:
		return fmt.Sprintf("%X", data)
	}
}

// printable replaces the non printable ASCII characters by dots.
func printable(data []byte) string {
	out := make([]byte, len(data))
	for i, b := range data {
		if b < 0x20 || b > 0x7E {
			b = '.'
		}
		out[i] = b
	}
	return string(out)
}
