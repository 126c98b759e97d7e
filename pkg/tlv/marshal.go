package tlv

import (
	"encoding/hex"
	"fmt"
	"reflect"

	"github.com/moov-io/bertlv"
)

// Marshal encodes a struct annotated with `tlv` tags into BER-TLV.
// It is the inverse of Unmarshal: byte slices become primitive TLVs, nested
// structures become constructed TLVs, strings are written from their hex form
// and fields tagged ",unknown" are re-emitted as is. Empty fields are omitted.
func Marshal(source interface{}) ([]byte, error) {
	packets, err := MarshalToPackets(source)
	if err != nil {
		return nil, err
	}
	return bertlv.Encode(packets)
}

// MarshalToPackets builds the bertlv.TLV tree of a tagged struct without encoding it.
func MarshalToPackets(source interface{}) ([]bertlv.TLV, error) {
	v := reflect.ValueOf(source)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("source must be a struct or a pointer to a struct, got %s", v.Kind())
	}
	t := v.Type()

	var packets []bertlv.TLV
	for i := range t.NumField() {
		field := v.Field(i)
		tagHex, isUnknown := fieldTag(t.Field(i))
		if isUnknown {
			packets = append(packets, field.Interface().([]bertlv.TLV)...)
			continue
		}
		if tagHex == "" {
			continue
		}

		if field.Kind() == reflect.Slice && !isByteSlice(field) {
			for j := 0; j < field.Len(); j++ {
				p, ok, err := encodeValue(tagHex, field.Index(j))
				if err != nil {
					return nil, err
				}
				if ok {
					packets = append(packets, p)
				}
			}
			continue
		}

		p, ok, err := encodeValue(tagHex, field)
		if err != nil {
			return nil, err
		}
		if ok {
			packets = append(packets, p)
		}
	}

	return packets, nil
}

// encodeValue converts a single field into a TLV. The boolean is false when
// the field is empty and must be left out.
func encodeValue(tag string, field reflect.Value) (bertlv.TLV, bool, error) {
	switch {
	case isByteSlice(field):
		if field.Len() == 0 {
			return bertlv.TLV{}, false, nil
		}
		return bertlv.TLV{Tag: tag, Value: field.Bytes()}, true, nil

	case field.Kind() == reflect.String:
		if field.Len() == 0 {
			return bertlv.TLV{}, false, nil
		}
		raw, err := hex.DecodeString(field.String())
		if err != nil {
			return bertlv.TLV{}, false, fmt.Errorf("tag %s: invalid hex string: %w", tag, err)
		}
		return bertlv.TLV{Tag: tag, Value: raw}, true, nil

	case isStructOrPtrToStruct(field):
		if field.Kind() == reflect.Ptr && field.IsNil() {
			return bertlv.TLV{}, false, nil
		}
		children, err := MarshalToPackets(field.Interface())
		if err != nil {
			return bertlv.TLV{}, false, fmt.Errorf("tag %s: %w", tag, err)
		}
		if len(children) == 0 {
			return bertlv.TLV{}, false, nil
		}
		return bertlv.TLV{Tag: tag, TLVs: children}, true, nil
	}

	return bertlv.TLV{}, false, nil
}
