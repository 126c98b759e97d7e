package iso7816

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/calypso/pkg/tlv"
)

func TestNewSelectCommand(t *testing.T) {
	tests := []struct {
		name string
		cmd  *CommandAPDU
		want []byte
	}{
		{
			name: "application by AID",
			cmd:  NewSelectCommand(ClassInterindustry, SelectByDFName, FirstOrOnlyOccurrence, ReturnFCI, tlv.Hex("315449432E49434131")),
			want: tlv.Hex("00 A4 04 00 09 315449432E49434131"),
		},
		{
			name: "next application sharing the AID prefix",
			cmd:  NewSelectCommand(ClassInterindustry, SelectByDFName, NextOccurrence, ReturnFCI, tlv.Hex("315449432E494341")),
			want: tlv.Hex("00 A4 04 02 08 315449432E494341"),
		},
		{
			name: "legacy card, EF by LID",
			cmd:  NewSelectCommand(0x94, SelectPathFromCurrentDF, FirstOrOnlyOccurrence, ReturnFCI, tlv.Hex("2010")),
			want: tlv.Hex("94 A4 09 00 02 2010"),
		},
		{
			name: "FCP without data",
			cmd:  NewSelectCommand(ClassInterindustry, SelectByFileID, FirstOrOnlyOccurrence, ReturnFCP, nil),
			want: tlv.Hex("00 A4 00 04 00"),
		},
		{
			name: "no response data",
			cmd:  NewSelectCommand(ClassInterindustry, SelectByFileID, LastOccurrence, ReturnNoData, nil),
			want: tlv.Hex("00 A4 00 0D"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Bytes()
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Bytes() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSelectEnums_String(t *testing.T) {
	assert.Equal(t, "DF name", SelectByDFName.String())
	assert.Equal(t, "method 07", SelectionMethod(0x07).String())
	assert.Equal(t, "next", NextOccurrence.String())
	assert.Equal(t, "FMD", ReturnFMD.String())
}
