package calypso

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/calypso/pkg/tlv"
)

func TestParseFCI(t *testing.T) {
	data := tlv.Hex(`
		6F 22
		   84 08 315449432E494341
		   A5 16
		      BF0C 13
		           C7 08 0000000012345678
		           53 07 0A3C2F05141001`)

	fci, err := ParseFCI(data)
	require.NoError(t, err)

	assert.Equal(t, tlv.Hex("315449432E494341"), fci.DFName)
	require.NotNil(t, fci.discretionary())
	assert.Equal(t, tlv.Hex("0000000012345678"), fci.discretionary().ApplicationSerialNumber)
	assert.Equal(t, tlv.Hex("0A3C2F05141001"), fci.discretionary().StartupInfo)

	want := "Calypso FCI\n" +
		"  6F.DFName [84]: 315449432E494341\n" +
		"  BF0C.ApplicationSerialNumber [C7]: 0000000012345678\n" +
		"  BF0C.StartupInfo [53]: 0A3C2F05141001"
	assert.Equal(t, want, fci.String())
}

func TestParseFCI_Errors(t *testing.T) {
	_, err := ParseFCI(tlv.Hex("84 08 315449432E494341"))
	assert.ErrorContains(t, err, "6F")
}

func TestParseSelectFileResponse(t *testing.T) {
	ef := "07 04 02 1D 03 1F000000 01010100 00 000000 0000 2020 2010"
	df := "00 02 00 00 00 10100000 01020300 00 7E7E7E 212730 00 2000"

	t.Run("EF in a 62 template", func(t *testing.T) {
		selected, err := parseSelectFileResponse(tlv.Hex("62 19 85 17", ef))
		require.NoError(t, err)
		require.NotNil(t, selected.file)
		assert.Nil(t, selected.dir)

		h := selected.file
		assert.Equal(t, byte(0x07), selected.sfi)
		assert.Equal(t, uint16(0x2010), h.LID())
		assert.Equal(t, FileTypeLinear, h.Type())
		assert.Equal(t, 0x1D, h.RecordSize())
		assert.Equal(t, 3, h.RecordsNumber())
		assert.Equal(t, tlv.Hex("1F000000"), h.AccessConditions())
		ref, ok := h.SharedReference()
		assert.True(t, ok)
		assert.Equal(t, uint16(0x2020), ref)
	})

	t.Run("DF in a 6F template", func(t *testing.T) {
		selected, err := parseSelectFileResponse(tlv.Hex("6F 19 85 17", df))
		require.NoError(t, err)
		require.NotNil(t, selected.dir)

		d := selected.dir
		assert.Equal(t, uint16(0x2000), d.LID())
		kif, ok := d.KIF(WriteAccessDebit)
		assert.True(t, ok)
		assert.Equal(t, byte(0x30), kif)
		kvc, _ := d.KVC(WriteAccessLoad)
		assert.Equal(t, byte(0x7E), kvc)
	})

	t.Run("bare proprietary information", func(t *testing.T) {
		selected, err := parseSelectFileResponse(tlv.Hex("85 17", ef))
		require.NoError(t, err)
		assert.NotNil(t, selected.file)
	})

	t.Run("missing tag 85", func(t *testing.T) {
		_, err := parseSelectFileResponse(tlv.Hex("62 03 86 01 00"))
		assert.ErrorContains(t, err, "tag 85")
	})

	t.Run("truncated information", func(t *testing.T) {
		_, err := parseSelectFileResponse(tlv.Hex("85 03 070402"))
		assert.ErrorContains(t, err, "too short")
	})
}

func TestParseEFList(t *testing.T) {
	entries, err := parseEFList(tlv.Hex(`
		C0 10
		   C1 06 2010 07 02 1D 03
		   C1 06 2069 19 09 1D 01`))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, byte(0x07), entries[0].sfi)
	assert.Equal(t, uint16(0x2010), entries[0].header.LID())
	assert.Equal(t, FileTypeLinear, entries[0].header.Type())
	assert.Equal(t, FileTypeCounters, entries[1].header.Type())
	assert.Equal(t, 1, entries[1].header.RecordsNumber())
}
