package calypso

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gregLibert/calypso/pkg/tlv"
)

func TestFileData_Counters(t *testing.T) {
	tests := []struct {
		name   string
		record []byte
		want   map[int]int
	}{
		{"empty record", []byte{}, map[int]int{}},
		{"shorter than a counter", tlv.Hex("0001"), map[int]int{}},
		{"one counter", tlv.Hex("00000A"), map[int]int{1: 10}},
		{"trailing byte ignored", tlv.Hex("000001 FFFFFF 7F"), map[int]int{1: 1, 2: 0xFFFFFF}},
		{"full record", bytes.Repeat(tlv.Hex("000102"), 83), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFileData()
			d.setContent(1, tt.record)

			got := d.AllCountersValue()
			if tt.want == nil {
				assert.Len(t, got, 83)
				assert.Equal(t, 0x000102, got[83])
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFileData_CounterValue(t *testing.T) {
	d := newFileData()
	_, ok := d.CounterValue(1)
	assert.False(t, ok, "record #1 was not read")

	d.setContent(1, tlv.Hex("000005 000006 07"))
	v, ok := d.CounterValue(2)
	assert.True(t, ok)
	assert.Equal(t, 6, v)

	_, ok = d.CounterValue(3)
	assert.False(t, ok, "a truncated group is not a counter")
	_, ok = d.CounterValue(0)
	assert.False(t, ok)

	d.setCounter(3, 0x123456)
	assert.Equal(t, tlv.Hex("000005 000006 123456"), d.Content(), "the trailing byte is overwritten")
}

func TestFileData_Content(t *testing.T) {
	d := newFileData()
	d.setContent(2, tlv.Hex("0102030405"))

	assert.Nil(t, d.Content())
	assert.Nil(t, d.ContentOf(3))
	assert.Equal(t, tlv.Hex("0203"), d.ContentPart(2, 1, 2))
	assert.Nil(t, d.ContentPart(2, 4, 2), "beyond the known content")
	assert.Equal(t, []int{2}, d.RecordNumbers())

	d.setContentAt(2, tlv.Hex("AA"), 6)
	assert.Equal(t, tlv.Hex("0102030405 00 AA"), d.ContentOf(2))

	d.fillContent(2, tlv.Hex("F0"), 0)
	assert.Equal(t, byte(0xF1), d.ContentOf(2)[0])

	out := d.ContentOf(2)
	out[0] = 0
	assert.Equal(t, byte(0xF1), d.ContentOf(2)[0], "content is copied")
}

func TestFileData_AddCyclicContent(t *testing.T) {
	d := newFileData()
	d.addCyclicContent(tlv.Hex("01"), 3)
	d.addCyclicContent(tlv.Hex("02"), 3)
	d.addCyclicContent(tlv.Hex("03"), 3)
	d.addCyclicContent(tlv.Hex("04"), 3)

	assert.Equal(t, map[int][]byte{1: tlv.Hex("04"), 2: tlv.Hex("03"), 3: tlv.Hex("02")}, d.AllRecordsContent())
}
