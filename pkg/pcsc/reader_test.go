package pcsc

import (
	"errors"
	"testing"

	"github.com/ebfe/scard"
	"github.com/stretchr/testify/assert"

	"github.com/gregLibert/calypso/pkg/iso7816"
	"github.com/gregLibert/calypso/pkg/tlv"
)

func TestIsContactlessATR(t *testing.T) {
	tests := []struct {
		name string
		atr  []byte
		want bool
	}{
		{"calypso contactless", tlv.Hex("3B8F8001805A0803040002001122334482 9000E2"), true},
		{"iso 14443-4 generic", tlv.Hex("3B8880010000000000000000"), true},
		{"contact card", tlv.Hex("3B3F9600805A0A20C1800100123456788290 00"), false},
		{"too short", tlv.Hex("3B88"), false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isContactlessATR(tt.atr))
		})
	}
}

func TestWrapCardError(t *testing.T) {
	err := wrapCardError(scard.ErrRemovedCard)
	assert.ErrorIs(t, err, iso7816.ErrCardCommunication)
	assert.ErrorIs(t, err, scard.ErrRemovedCard)

	err = wrapCardError(scard.ErrReaderUnavailable)
	assert.False(t, errors.Is(err, iso7816.ErrCardCommunication), "reader failures stay reader failures")
}

func TestReaderProtocol(t *testing.T) {
	r := &Reader{}
	WithContactless(true)(r)
	assert.True(t, r.IsContactless())
	assert.Equal(t, ProtocolContactless, r.Protocol())

	WithContactless(false)(r)
	assert.Equal(t, ProtocolContact, r.Protocol())
	assert.NoError(t, r.ReleaseChannel(), "releasing a released channel is a no-op")
}
