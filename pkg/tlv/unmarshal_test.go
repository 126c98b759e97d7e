package tlv

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/moov-io/bertlv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discretionaryData struct {
	Serial  []byte       `tlv:"C7"`
	Startup []byte       `tlv:"53"`
	Unknown []bertlv.TLV `tlv:",unknown"`
}

type proprietaryTemplate struct {
	Discretionary *discretionaryData `tlv:"BF0C"`
}

type fciTemplate struct {
	DFName      []byte              `tlv:"84"`
	Label       string              `tlv:"50"`
	Proprietary proprietaryTemplate `tlv:"a5"`
	Descriptors [][]byte            `tlv:"C1"`
	Counter     counter             `tlv:"C2"`
	Unknown     []bertlv.TLV        `tlv:",unknown"`
}

// counter decodes its value as a big-endian integer.
type counter int

func (c *counter) UnmarshalTLV(data []byte) error {
	for _, b := range data {
		*c = *c<<8 | counter(b)
	}
	return nil
}

func TestUnmarshal(t *testing.T) {
	data := Hex(
		"84 09 315449432E49434131",
		"50 02 4142",
		"A5 16 BF0C 13",
		"C7 08 0000000012345678",
		"53 07 0A3C2F05141001",
		"C1 02 2001",
		"C1 02 2002",
		"C2 02 0102",
		"DF01 01 BB",
	)

	var fci fciTemplate
	require.NoError(t, Unmarshal(data, &fci))

	assert.Equal(t, Hex("315449432E49434131"), fci.DFName)
	assert.Equal(t, "4142", fci.Label)
	require.NotNil(t, fci.Proprietary.Discretionary)
	assert.Equal(t, Hex("0000000012345678"), fci.Proprietary.Discretionary.Serial)
	assert.Equal(t, Hex("0A3C2F05141001"), fci.Proprietary.Discretionary.Startup)
	assert.Nil(t, fci.Proprietary.Discretionary.Unknown)
	assert.Equal(t, [][]byte{Hex("2001"), Hex("2002")}, fci.Descriptors)
	assert.Equal(t, counter(0x0102), fci.Counter)

	require.Len(t, fci.Unknown, 1)
	assert.True(t, strings.EqualFold("DF01", fci.Unknown[0].Tag))
	if diff := cmp.Diff([]byte{0xBB}, fci.Unknown[0].Value); diff != "" {
		t.Errorf("unknown tag value mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	var fci fciTemplate
	assert.Error(t, Unmarshal(Hex("84 01 00"), fci), "not a pointer")
	assert.Error(t, Unmarshal(Hex("84 01 00"), (*fciTemplate)(nil)))
	var notStruct []byte
	assert.Error(t, Unmarshal(Hex("84 01 00"), &notStruct))
}

func TestSearch(t *testing.T) {
	packets, err := bertlv.Decode(Hex(
		"6F 0E",
		"84 03 315449",
		"62 07 85 05 0102030405",
	))
	require.NoError(t, err)

	found, ok := Search(packets, "85")
	require.True(t, ok)
	assert.Equal(t, Hex("0102030405"), found.Value)

	found, ok = Search(packets, "6f")
	require.True(t, ok)
	assert.Len(t, found.TLVs, 2)

	_, ok = Search(packets, "C7")
	assert.False(t, ok)
}
