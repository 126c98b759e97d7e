package calypso

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gregLibert/calypso/pkg/iso7816"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "status word",
			err:  &Error{Kind: KindUnexpectedStatus, Op: "Verify PIN", Status: iso7816.NewStatusWord(0x63, 0xC2), Msg: "incorrect PIN"},
			want: "unexpected command status: Verify PIN: incorrect PIN (SW 63C2)",
		},
		{
			name: "cause",
			err:  &Error{Kind: KindCardIO, Op: "ProcessCardCommands", Err: io.ErrUnexpectedEOF},
			want: "card I/O error: ProcessCardCommands: unexpected EOF",
		},
		{
			name: "kind only",
			err:  &Error{Kind: KindSamBusy},
			want: "SAM busy",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_KindSentinel(t *testing.T) {
	cause := &Error{Kind: KindSessionBufferOverflow, Op: "ProcessCardCommands", Err: io.EOF}
	err := fmt.Errorf("closing: %w", cause)

	assert.ErrorIs(t, err, KindSessionBufferOverflow)
	assert.NotErrorIs(t, err, KindIllegalState)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, KindSessionBufferOverflow, KindOf(err))
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(0), KindOf(nil))
}

func TestKind_Classification(t *testing.T) {
	security := []Kind{KindSessionAuthentication, KindInvalidCardSignature, KindInvalidSignature, KindSamRevoked, KindUnauthorizedKey}
	availability := []Kind{KindCardSignatureNotVerifiable, KindSamBusy, KindReaderIO, KindCardIO, KindSamIO}

	for _, k := range security {
		assert.True(t, k.IsSecurityFailure(), k.String())
		assert.False(t, k.IsAvailabilityFailure(), k.String())
	}
	for _, k := range availability {
		assert.True(t, k.IsAvailabilityFailure(), k.String())
		assert.False(t, k.IsSecurityFailure(), k.String())
	}
	assert.False(t, KindIllegalArgument.IsSecurityFailure())
	assert.False(t, KindIllegalArgument.IsAvailabilityFailure())
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

func TestCheckRange(t *testing.T) {
	assert.NoError(t, checkRange("op", "sfi", 30, 0, 30))
	err := checkRange("op", "sfi", 31, 0, 30)
	assert.ErrorIs(t, err, KindIllegalArgument)
	assert.EqualError(t, err, "illegal argument: op: sfi 31 out of range [0, 30]")
}
