package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--simulate", "--log-level", "error"}, args...))
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func TestSimulated_Readers(t *testing.T) {
	out := execute(t, "readers")
	assert.Contains(t, out, simulatedCardReader)
	assert.Contains(t, out, simulatedSamReader)
}

func TestSimulated_Read(t *testing.T) {
	out := execute(t, "read", "--sfi", "7", "--from", "1", "--to", "2")
	assert.Contains(t, out, "SFI 07 #1:")
	assert.Contains(t, out, "CONTRACT 1 - AN")
	assert.Contains(t, out, "SFI 07 #2:")
}

func TestSimulated_Session(t *testing.T) {
	out := execute(t, "session", "--sfi", "7", "--record", "2", "--data", strings.Repeat("41", 29))
	assert.Contains(t, out, "SFI 07 #2:")
	assert.Contains(t, out, "AAAAAAAAAAAAAAAA")
}

func TestSimulated_StoredValue(t *testing.T) {
	assert.Contains(t, execute(t, "sv"), "Balance: 100")
	assert.Contains(t, execute(t, "sv", "--debit", "30"), "Balance: 70")
	assert.Contains(t, execute(t, "sv", "--reload", "5"), "Balance: 105")
}

func TestSimulated_Pin(t *testing.T) {
	assert.Contains(t, execute(t, "pin", "--pin", "1234", "--plain"), "PIN attempts remaining: 3")
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"personalization", "LOAD", "Debit"} {
		_, err := parseLevel(s)
		assert.NoError(t, err, s)
	}
	_, err := parseLevel("admin")
	assert.Error(t, err)
}
