package iso7816

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInstruction(t *testing.T) {
	for _, ins := range []byte{0xA4, 0xB2, 0x8A, 0x7C, 0x00} {
		got, err := NewInstruction(ins)
		require.NoError(t, err, "INS %02X", ins)
		assert.Equal(t, Instruction(ins), got)
	}
	for _, ins := range []byte{0x60, 0x6C, 0x90, 0x9F} {
		_, err := NewInstruction(ins)
		assert.Error(t, err, "INS %02X", ins)
	}
}

func TestInstruction_String(t *testing.T) {
	assert.Equal(t, "A4 SELECT", InsSelect.String())
	assert.Equal(t, "C0 GET RESPONSE", InsGetResponse.String())
	assert.Equal(t, "8E", Instruction(0x8E).String())
}
