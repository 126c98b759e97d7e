package iso7816

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/calypso/pkg/tlv"
)

func TestRecordP2(t *testing.T) {
	assert.Equal(t, byte(0x3C), RecordP2(0x07, ReadRecordP1))
	assert.Equal(t, byte(0x45), RecordP2(0x08, ReadRecordsFromP1))
	assert.Equal(t, byte(0x06), RecordP2(0x00, ReadRecordsFromLastToP1), "current EF")
}

func TestNewReadRecordCommand(t *testing.T) {
	tests := []struct {
		name string
		cmd  *CommandAPDU
		want []byte
	}{
		{
			name: "one environment record",
			cmd:  NewReadRecordCommand(ClassInterindustry, 0x07, 1, ReadRecordP1, 29),
			want: tlv.Hex("00 B2 01 3C 1D"),
		},
		{
			name: "legacy card, three contracts",
			cmd:  NewReadRecordCommand(0x94, 0x09, 1, ReadRecordsFromP1, 3*31),
			want: tlv.Hex("94 B2 01 4D 5D"),
		},
		{
			name: "current EF, Le 256",
			cmd:  NewReadRecordCommand(ClassInterindustry, 0, 5, ReadRecordP1, MaxShortLe),
			want: tlv.Hex("00 B2 05 04 00"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Bytes()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "records from P1", ReadRecordsFromP1.String())
}
