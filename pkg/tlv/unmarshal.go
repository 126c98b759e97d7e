// Package tlv maps BER-TLV data to Go structs annotated with `tlv` tags.
//
// A field tagged `tlv:"C7"` receives the value of tag C7. Byte slices get the
// raw value, strings its hex form, structs (or pointers to structs) the nested
// TLVs, and slices of those types every occurrence of the tag. A field of type
// []bertlv.TLV tagged `tlv:",unknown"` collects the tags no other field took.
package tlv

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

// Unmarshaler is implemented by field types decoding their own value.
type Unmarshaler interface {
	UnmarshalTLV(data []byte) error
}

var unknownType = reflect.TypeOf([]bertlv.TLV{})

// Unmarshal decodes BER-TLV data into target, a pointer to a tagged struct.
func Unmarshal(data []byte, target any) error {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return fmt.Errorf("bertlv decode failed: %w", err)
	}
	return UnmarshalFromPackets(packets, target)
}

// UnmarshalFromPackets fills target from TLVs already decoded by bertlv.
func UnmarshalFromPackets(packets []bertlv.TLV, target any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return errors.New("target must be a non-nil pointer to a struct")
	}
	v = v.Elem()
	t := v.Type()

	used := make([]bool, len(packets))
	var unknown reflect.Value
	for i := range t.NumField() {
		tag, isUnknown := fieldTag(t.Field(i))
		switch {
		case isUnknown:
			unknown = v.Field(i)
			continue
		case tag == "":
			continue
		}
		for j, p := range packets {
			if !strings.EqualFold(p.Tag, tag) {
				continue
			}
			if err := assign(p, v.Field(i)); err != nil {
				return fmt.Errorf("tag %s: %w", tag, err)
			}
			used[j] = true
		}
	}

	if !unknown.IsValid() || !unknown.CanSet() {
		return nil
	}
	var rest []bertlv.TLV
	for j, p := range packets {
		if !used[j] {
			rest = append(rest, p)
		}
	}
	if len(rest) > 0 {
		unknown.Set(reflect.ValueOf(rest))
	}
	return nil
}

// Search walks packets depth first and returns the first TLV with the given tag.
func Search(packets []bertlv.TLV, tag string) (bertlv.TLV, bool) {
	for _, p := range packets {
		if strings.EqualFold(p.Tag, tag) {
			return p, true
		}
		if found, ok := Search(p.TLVs, tag); ok {
			return found, true
		}
	}
	return bertlv.TLV{}, false
}

// fieldTag returns the TLV tag of a struct field, upper-cased, and whether the
// field collects unknown tags. An empty tag means the field is not mapped.
func fieldTag(f reflect.StructField) (string, bool) {
	conf, ok := f.Tag.Lookup("tlv")
	if f.Type == unknownType && (conf == ",unknown" || f.Name == "Unknown") {
		return "", true
	}
	if !ok {
		return "", false
	}
	tag, _, _ := strings.Cut(conf, ",")
	return strings.ToUpper(tag), false
}

// assign stores one TLV into field, appending when field is a repeated tag.
func assign(p bertlv.TLV, field reflect.Value) error {
	if field.Kind() == reflect.Slice && !isByteSlice(field) {
		elem := reflect.New(field.Type().Elem()).Elem()
		if err := decodeValue(p, elem); err != nil {
			return err
		}
		field.Set(reflect.Append(field, elem))
		return nil
	}
	return decodeValue(p, field)
}

func decodeValue(p bertlv.TLV, field reflect.Value) error {
	if field.CanAddr() {
		if u, ok := field.Addr().Interface().(Unmarshaler); ok {
			return u.UnmarshalTLV(rawValue(p))
		}
	}

	switch {
	case isByteSlice(field):
		field.SetBytes(rawValue(p))
	case field.Kind() == reflect.String:
		field.SetString(strings.ToUpper(hex.EncodeToString(p.Value)))
	case isStructOrPtrToStruct(field):
		if field.Kind() == reflect.Pointer && field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		target := field
		if field.Kind() == reflect.Struct {
			target = field.Addr()
		}
		if len(p.TLVs) > 0 {
			return UnmarshalFromPackets(p.TLVs, target.Interface())
		}
		return Unmarshal(p.Value, target.Interface())
	}
	return nil
}

// rawValue returns the value bytes of p, re-encoding its children when
// bertlv decoded it as a constructed TLV.
func rawValue(p bertlv.TLV) []byte {
	if len(p.TLVs) > 0 {
		if enc, err := bertlv.Encode(p.TLVs); err == nil {
			return enc
		}
	}
	return p.Value
}

func isByteSlice(v reflect.Value) bool {
	return v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8
}

func isStructOrPtrToStruct(v reflect.Value) bool {
	t := v.Type()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct
}
