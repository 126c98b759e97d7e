package calypso

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/calypso/pkg/calypso/calypsotest"
)

func bytePtr(b byte) *byte { return &b }

func TestCardSecuritySetting_Keys(t *testing.T) {
	setting, err := NewCardSecuritySettingBuilder().
		AssignKif(WriteAccessLoad, 0x79, 0x27).
		AssignDefaultKif(WriteAccessDebit, 0x30).
		AssignDefaultKvc(WriteAccessPersonalization, 0x79).
		Build()
	require.NoError(t, err)

	kif, ok := setting.KIF(WriteAccessLoad, 0x79)
	assert.True(t, ok)
	assert.Equal(t, byte(0x27), kif)
	_, ok = setting.KIF(WriteAccessLoad, 0x7A)
	assert.False(t, ok)

	kif, ok = setting.DefaultKIF(WriteAccessDebit)
	assert.True(t, ok)
	assert.Equal(t, byte(0x30), kif)
	_, ok = setting.DefaultKIF(WriteAccessLoad)
	assert.False(t, ok)

	kvc, ok := setting.DefaultKVC(WriteAccessPersonalization)
	assert.True(t, ok)
	assert.Equal(t, byte(0x79), kvc)
}

func TestCardSecuritySetting_AuthorizedKeys(t *testing.T) {
	open, err := NewCardSecuritySettingBuilder().Build()
	require.NoError(t, err)
	assert.True(t, open.IsSessionKeyAuthorized(bytePtr(0x21), bytePtr(0x79)), "any key until one is listed")
	assert.False(t, open.IsSessionKeyAuthorized(nil, bytePtr(0x79)))
	assert.False(t, open.IsSvKeyAuthorized(bytePtr(0x21), nil))

	restricted, err := NewCardSecuritySettingBuilder().
		AddAuthorizedSessionKey(0x27, 0x79).
		AddAuthorizedSvKey(0x30, 0x79).
		Build()
	require.NoError(t, err)
	assert.True(t, restricted.IsSessionKeyAuthorized(bytePtr(0x27), bytePtr(0x79)))
	assert.False(t, restricted.IsSessionKeyAuthorized(bytePtr(0x30), bytePtr(0x79)))
	assert.True(t, restricted.IsSvKeyAuthorized(bytePtr(0x30), bytePtr(0x79)))
	assert.False(t, restricted.IsSvKeyAuthorized(bytePtr(0x27), bytePtr(0x79)))
}

func TestCardSecuritySetting_PinKeys(t *testing.T) {
	setting, err := NewCardSecuritySettingBuilder().Build()
	require.NoError(t, err)
	_, _, ok := setting.PinVerificationCipheringKey()
	assert.False(t, ok)

	setting, err = NewCardSecuritySettingBuilder().
		SetPinVerificationCipheringKey(0x26, 0x79).
		SetPinModificationCipheringKey(0x2A, 0x7A).
		Build()
	require.NoError(t, err)
	kif, kvc, ok := setting.PinVerificationCipheringKey()
	assert.True(t, ok)
	assert.Equal(t, []byte{0x26, 0x79}, []byte{kif, kvc})
	kif, kvc, ok = setting.PinModificationCipheringKey()
	assert.True(t, ok)
	assert.Equal(t, []byte{0x2A, 0x7A}, []byte{kif, kvc})
}

func TestCardSecuritySetting_Invalid(t *testing.T) {
	unknownSam := calypsotest.NewReader(calypsotest.NewSam(calypsotest.WithSamSubtype(0x99)))
	unknownImage, matched, err := NewSamSelection().Process(unknownSam)
	require.NoError(t, err)
	require.True(t, matched)
	require.Equal(t, SamUnknown, unknownImage.ProductType())

	samReader := calypsotest.NewReader(calypsotest.NewSam())
	samImage, _, err := NewSamSelection().Process(samReader)
	require.NoError(t, err)

	tests := []struct {
		name    string
		builder *CardSecuritySettingBuilder
	}{
		{"unknown SAM product", NewCardSecuritySettingBuilder().SetSamResource(unknownSam, unknownImage)},
		{"no SAM reader", NewCardSecuritySettingBuilder().SetSamResource(nil, samImage)},
		{"no SAM image", NewCardSecuritySettingBuilder().SetSamResource(samReader, nil)},
		{"nil revocation service", NewCardSecuritySettingBuilder().SetSamRevocationService(nil)},
		{"invalid level", NewCardSecuritySettingBuilder().AssignDefaultKif(WriteAccessLevel(5), 0x21)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			assert.ErrorIs(t, err, KindIllegalArgument)
		})
	}
}

func TestSamSecuritySetting(t *testing.T) {
	_, err := NewSamSecuritySettingBuilder().SetSamRevocationService(nil).Build()
	assert.ErrorIs(t, err, KindIllegalArgument)

	control := calypsotest.NewReader(calypsotest.NewSam(calypsotest.WithSamSerial([]byte{1, 2, 3, 4})))
	controlImage, _, err := NewSamSelection().Process(control)
	require.NoError(t, err)
	revoked := &revokedSams{}
	setting, err := NewSamSecuritySettingBuilder().
		SetControlSamResource(control, controlImage).
		SetSamRevocationService(revoked).
		Build()
	require.NoError(t, err)
	assert.Same(t, controlImage, setting.SamResource().Sam)
	assert.Equal(t, SamRevocationService(revoked), setting.SamRevocationService())
}
