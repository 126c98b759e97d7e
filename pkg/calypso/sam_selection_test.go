package calypso

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/calypso/pkg/calypso/calypsotest"
	"github.com/gregLibert/calypso/pkg/tlv"
)

func TestParseSamPowerOnData(t *testing.T) {
	sam, err := ParseSamPowerOnData(calypsotest.NewSam().PowerOnData())
	require.NoError(t, err)
	assert.Equal(t, SamC1, sam.ProductType())
	assert.Equal(t, calypsotest.DefaultSamSerial, sam.SerialNumber())

	_, err = ParseSamPowerOnData(calypsotest.DefaultATR)
	assert.Error(t, err, "a card ATR is not a SAM")
}

func TestSamSelection_Filters(t *testing.T) {
	tests := []struct {
		name    string
		sam     []calypsotest.SamOption
		sel     *SamSelection
		matched bool
	}{
		{"any SAM", nil, NewSamSelection(), true},
		{"product accepted", nil, NewSamSelection().FilterByProductType(SamC1), true},
		{"product rejected", nil, NewSamSelection().FilterByProductType(SamS1E1), false},
		{"S1E1 accepted", []calypsotest.SamOption{calypsotest.WithSamSubtype(0xE1)}, NewSamSelection().FilterByProductType(SamS1E1), true},
		{"serial accepted", nil, NewSamSelection().FilterBySerialNumber("^1234"), true},
		{"serial rejected", nil, NewSamSelection().FilterBySerialNumber("^AB"), false},
		{
			"serial set",
			[]calypsotest.SamOption{calypsotest.WithSamSerial(tlv.Hex("ABCDEF01"))},
			NewSamSelection().FilterBySerialNumber("^ABCDEF01$"),
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := calypsotest.NewReader(calypsotest.NewSam(tt.sam...))
			sam, matched, err := tt.sel.Process(reader)
			require.NoError(t, err)
			assert.Equal(t, tt.matched, matched)
			assert.Equal(t, tt.matched, sam != nil)
			assert.Empty(t, reader.History(), "identification only reads the power-on data")
		})
	}
}

func TestSamSelection_NotASam(t *testing.T) {
	reader := calypsotest.NewReader(calypsotest.NewCard())
	sam, matched, err := NewSamSelection().Process(reader)
	require.NoError(t, err)
	assert.False(t, matched)
	assert.Nil(t, sam)
}

func TestSamSelection_Unlock(t *testing.T) {
	const unlock = "00112233445566778899AABBCCDDEEFF"

	sim := calypsotest.NewSam(calypsotest.WithUnlockData(tlv.Hex(unlock)))
	reader := calypsotest.NewReader(sim)
	_, matched, err := NewSamSelection().SetUnlockData(unlock).Process(reader)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.False(t, sim.IsLocked())

	sim = calypsotest.NewSam(calypsotest.WithUnlockData(tlv.Hex(unlock)))
	reader = calypsotest.NewReader(sim)
	_, matched, err = NewSamSelection().SetUnlockData("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF").Process(reader)
	assert.ErrorIs(t, err, KindUnexpectedStatus)
	assert.False(t, matched)
	assert.True(t, sim.IsLocked())
}

func TestSamSelection_InvalidArguments(t *testing.T) {
	tests := []struct {
		name string
		sel  *SamSelection
	}{
		{"short unlock data", NewSamSelection().SetUnlockData("123")},
		{"non hexadecimal unlock data", NewSamSelection().SetUnlockData("ZZZZZZZZZZZZZZZZ")},
		{"bad regular expression", NewSamSelection().FilterBySerialNumber("([")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := calypsotest.NewReader(calypsotest.NewSam())
			_, matched, err := tt.sel.Process(reader)
			assert.False(t, matched)
			assert.ErrorIs(t, err, KindIllegalArgument)
			assert.Empty(t, reader.History())
		})
	}

	_, _, err := NewSamSelection().Process(nil)
	assert.ErrorIs(t, err, KindIllegalArgument)
}
