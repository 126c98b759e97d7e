package calypso

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/calypso/pkg/calypso/calypsotest"
)

var (
	pin      = []byte("1234")
	wrongPin = []byte("0000")
	newPin   = []byte("5678")
)

func pinCiphering(b *CardSecuritySettingBuilder) {
	b.SetPinVerificationCipheringKey(calypsotest.PinKey.KIF, calypsotest.PinKey.KVC)
	b.SetPinModificationCipheringKey(calypsotest.PinKey.KIF, calypsotest.PinKey.KVC)
}

func TestVerifyPin_Plain(t *testing.T) {
	tb := newTestbed(t, calypsotest.WithPin(pin))
	m := tb.manager(t, plainPin)

	require.NoError(t, m.ProcessVerifyPin(pin))
	left, known := tb.image.PinAttemptRemaining()
	assert.True(t, known)
	assert.Equal(t, 3, left)
	assert.Equal(t, byte(4), commandsWith(tb.reader, 0x20)[0][4])
	assert.Empty(t, tb.samReader.History())
}

func TestVerifyPin_WrongUntilBlocked(t *testing.T) {
	tb := newTestbed(t, calypsotest.WithPin(pin))
	m := tb.manager(t, plainPin)

	err := m.ProcessVerifyPin(wrongPin)
	assert.ErrorIs(t, err, KindUnexpectedStatus)
	left, _ := tb.image.PinAttemptRemaining()
	assert.Equal(t, 2, left)
	assert.False(t, tb.image.IsPinBlocked())

	assert.Error(t, m.ProcessVerifyPin(wrongPin))
	assert.Error(t, m.ProcessVerifyPin(wrongPin))
	assert.True(t, tb.image.IsPinBlocked())
	assert.Zero(t, tb.card.PinAttemptsRemaining())

	assert.ErrorIs(t, m.ProcessVerifyPin(pin), KindUnexpectedStatus, "a blocked PIN stays blocked")
}

func TestCheckPinStatus(t *testing.T) {
	tb := newTestbed(t, calypsotest.WithPin(pin))
	m := tb.manager(t, plainPin)

	require.NoError(t, m.PrepareCheckPinStatus())
	require.NoError(t, m.ProcessCardCommands())
	left, known := tb.image.PinAttemptRemaining()
	assert.True(t, known)
	assert.Equal(t, 3, left)

	assert.Error(t, m.ProcessVerifyPin(wrongPin))
	require.NoError(t, m.PrepareCheckPinStatus())
	require.NoError(t, m.ProcessCardCommands(), "a PIN status is not a failure")
	left, _ = tb.image.PinAttemptRemaining()
	assert.Equal(t, 2, left)
	assert.Empty(t, commandsWith(tb.reader, 0x20)[2][4:], "status check carries no data")
}

func TestVerifyPin_Ciphered(t *testing.T) {
	tb := newTestbed(t, calypsotest.WithPin(pin))
	m := tb.manager(t, pinCiphering)

	require.NoError(t, m.ProcessVerifyPin(pin))

	verify := commandsWith(tb.reader, 0x20)
	require.Len(t, verify, 1)
	assert.Equal(t, byte(8), verify[0][4])
	assert.Equal(t, 1, tb.reader.CountINS(0x84), "card challenge")
	assert.Equal(t, 1, tb.samReader.CountINS(0x12), "PIN ciphering")
	assert.Equal(t, 3, tb.card.PinAttemptsRemaining())

	assert.ErrorIs(t, m.ProcessVerifyPin(wrongPin), KindUnexpectedStatus)
	assert.Equal(t, 2, tb.card.PinAttemptsRemaining())
}

func TestVerifyPin_Rejected(t *testing.T) {
	tests := []struct {
		name      string
		card      []calypsotest.CardOption
		configure []func(*CardSecuritySettingBuilder)
		before    func(t *testing.T, m *CardTransactionManager)
		pin       []byte
		kind      Kind
	}{
		{
			name: "no PIN on card",
			pin:  pin,
			kind: KindUnsupportedOperation,
		},
		{
			name: "wrong length",
			card: []calypsotest.CardOption{calypsotest.WithPin(pin)},
			pin:  []byte("123"),
			kind: KindIllegalArgument,
		},
		{
			name: "no ciphering key",
			card: []calypsotest.CardOption{calypsotest.WithPin(pin)},
			pin:  pin,
			kind: KindIllegalState,
		},
		{
			name:      "ciphered inside a session",
			card:      []calypsotest.CardOption{calypsotest.WithPin(pin)},
			configure: []func(*CardSecuritySettingBuilder){pinCiphering},
			before: func(t *testing.T, m *CardTransactionManager) {
				require.NoError(t, m.ProcessOpening(WriteAccessLoad))
			},
			pin:  pin,
			kind: KindIllegalState,
		},
		{
			name:      "pending commands",
			card:      []calypsotest.CardOption{calypsotest.WithPin(pin)},
			configure: []func(*CardSecuritySettingBuilder){plainPin},
			before: func(t *testing.T, m *CardTransactionManager) {
				require.NoError(t, m.PrepareReadRecord(contractsSfi, 1))
			},
			pin:  pin,
			kind: KindIllegalState,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := newTestbed(t, tt.card...)
			m := tb.manager(t, tt.configure...)
			if tt.before != nil {
				tt.before(t, m)
			}
			assert.ErrorIs(t, m.ProcessVerifyPin(tt.pin), tt.kind)
			assert.Zero(t, tb.reader.CountINS(0x20))
		})
	}
}

func TestChangePin(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*CardSecuritySettingBuilder)
		cryptoLen byte
	}{
		{"plain", plainPin, 4},
		{"ciphered", pinCiphering, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := newTestbed(t, calypsotest.WithPin(pin))
			m := tb.manager(t, tt.configure)

			require.NoError(t, m.ProcessChangePin(newPin))
			assert.Equal(t, newPin, tb.card.Pin())
			change := commandsWith(tb.reader, 0xD8)
			require.Len(t, change, 1)
			assert.Equal(t, byte(0xFF), change[0][3])
			assert.Equal(t, tt.cryptoLen, change[0][4])

			require.NoError(t, m.ProcessVerifyPin(newPin))
		})
	}

	t.Run("inside a session", func(t *testing.T) {
		tb := newTestbed(t, calypsotest.WithPin(pin))
		m := tb.manager(t, plainPin)
		require.NoError(t, m.ProcessOpening(WriteAccessLoad))
		assert.ErrorIs(t, m.ProcessChangePin(newPin), KindIllegalState)
		assert.Equal(t, pin, tb.card.Pin())
	})
}

func TestChangeKey(t *testing.T) {
	tb := newTestbed(t)
	m := tb.manager(t)

	err := m.ProcessChangeKey(3,
		calypsotest.LoadKey.KIF, calypsotest.LoadKey.KVC,
		calypsotest.PersonalizationKey.KIF, calypsotest.PersonalizationKey.KVC)
	require.NoError(t, err)
	assert.Equal(t, calypsotest.LoadKey, tb.card.SessionKey(3))
	assert.Equal(t, 1, tb.reader.CountINS(0x84))
	assert.Equal(t, 1, tb.reader.CountINS(0xD8))

	assert.ErrorIs(t, m.ProcessChangeKey(4, 0x21, 0x79, 0x21, 0x79), KindIllegalArgument)
	assert.ErrorIs(t, m.ProcessChangeKey(0, 0x21, 0x79, 0x21, 0x79), KindIllegalArgument)

	require.NoError(t, m.ProcessOpening(WriteAccessLoad))
	assert.ErrorIs(t, m.ProcessChangeKey(1, 0x21, 0x79, 0x21, 0x79), KindIllegalState)
	assert.Equal(t, 1, tb.reader.CountINS(0xD8))
}
