package iso7816

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusWord_Bytes(t *testing.T) {
	sw := NewStatusWord(0x6A, 0x82)
	assert.Equal(t, SWFileNotFound, sw)
	assert.Equal(t, byte(0x6A), sw.SW1())
	assert.Equal(t, byte(0x82), sw.SW2())
	assert.Equal(t, "6A82", sw.String())
}

func TestStatusWord_IsSuccess(t *testing.T) {
	assert.True(t, SWSuccess.IsSuccess())
	assert.True(t, NewStatusWord(0x61, 0x10).IsSuccess(), "bytes still available")
	assert.False(t, SWFileDeactivated.IsSuccess())
	assert.False(t, NewStatusWord(0x63, 0xC2).IsSuccess())
	assert.False(t, SWSecurityStatusNotSatisfied.IsSuccess())
}

func TestStatusWord_Counter(t *testing.T) {
	n, ok := NewStatusWord(0x63, 0xC2).Counter()
	assert.True(t, ok)
	assert.Equal(t, 2, n)

	n, ok = NewStatusWord(0x63, 0xC0).Counter()
	assert.True(t, ok)
	assert.Equal(t, 0, n)

	_, ok = NewStatusWord(0x63, 0x81).Counter()
	assert.False(t, ok)
	_, ok = SWAuthenticationBlocked.Counter()
	assert.False(t, ok)
}

func TestStatusWord_Verbose(t *testing.T) {
	tests := []struct {
		sw   StatusWord
		want string
	}{
		{SWSuccess, "[9000] Success"},
		{SWIncorrectSecureMessaging, "[6988] Incorrect secure messaging data objects"},
		{NewStatusWord(0x63, 0xC1), "[63C1] Verification failed, 1 attempt(s) left"},
		{NewStatusWord(0x61, 0x1D), "[611D] 29 response bytes available"},
		{NewStatusWord(0x6C, 0x10), "[6C10] Wrong Le, 16 bytes available"},
		{NewStatusWord(0x62, 0x00), "[6200] Warning"},
		{NewStatusWord(0x69, 0x99), "[6999] Error"},
	}
	for _, tt := range tests {
		t.Run(tt.sw.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sw.Verbose())
		})
	}
}
