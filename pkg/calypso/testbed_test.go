package calypso

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gregLibert/calypso/pkg/calypso/calypsotest"
	"github.com/gregLibert/calypso/pkg/tlv"
)

const (
	contractsSfi byte = 0x07
	eventsSfi    byte = 0x08
	countersSfi  byte = 0x19
	binarySfi    byte = 0x1A

	contractsLid uint16 = 0x2020
	countersLid  uint16 = 0x2069
)

var (
	contract1 = tlv.Hex("11 11 11 11 11 11 11 11 11 11 11 11 11 11 11 11 11 11 11 11 11 11 11 11 11 11 11 11 11")
	contract2 = tlv.Hex("22 22 22 22 22 22 22 22 22 22 22 22 22 22 22 22 22 22 22 22 22 22 22 22 22 22 22 22 22")
	contract3 = tlv.Hex("33 33 33 33 33 33 33 33 33 33 33 33 33 33 33 33 33 33 33 33 33 33 33 33 33 33 33 33 33")
)

func testFiles() []calypsotest.File {
	return []calypsotest.File{
		{
			LID: contractsLid, SFI: contractsSfi, Type: calypsotest.Linear, RecordSize: 29, Records: 4,
			Content: map[int][]byte{1: contract1, 2: contract2, 3: contract3},
		},
		{LID: 0x2010, SFI: eventsSfi, Type: calypsotest.Cyclic, RecordSize: 29, Records: 3},
		{
			LID: countersLid, SFI: countersSfi, Type: calypsotest.Counters, RecordSize: 9, Records: 1,
			Content: map[int][]byte{1: tlv.Hex("00000A 000014 00001E")},
		},
		{LID: 0x2070, SFI: binarySfi, Type: calypsotest.Binary, RecordSize: 100, Records: 1},
	}
}

// testbed holds a simulated card and SAM, each in its own reader, and their
// images after selection.
type testbed struct {
	card      *calypsotest.Card
	sam       *calypsotest.Sam
	reader    *calypsotest.Reader
	samReader *calypsotest.Reader
	image     *CalypsoCard
	samImage  *CalypsoSam
}

func newTestbed(t *testing.T, opts ...calypsotest.CardOption) *testbed {
	t.Helper()
	opts = append([]calypsotest.CardOption{calypsotest.WithFiles(testFiles()...)}, opts...)
	tb := &testbed{
		card: calypsotest.NewCard(opts...),
		sam:  calypsotest.NewSam(),
	}
	tb.reader = calypsotest.NewReader(tb.card)
	tb.samReader = calypsotest.NewReader(tb.sam)

	image, matched, err := NewCardSelection().
		FilterByDfName(calypsotest.DefaultAID).
		AcceptInvalidatedCard().
		Process(tb.reader)
	require.NoError(t, err)
	require.True(t, matched)
	tb.image = image

	samImage, matched, err := NewSamSelection().Process(tb.samReader)
	require.NoError(t, err)
	require.True(t, matched)
	tb.samImage = samImage

	tb.reader.Reset()
	tb.samReader.Reset()
	return tb
}

// manager returns a card transaction manager using the testbed SAM. Each
// configure function is applied to the setting builder.
func (tb *testbed) manager(t *testing.T, configure ...func(*CardSecuritySettingBuilder)) *CardTransactionManager {
	t.Helper()
	b := NewCardSecuritySettingBuilder().SetSamResource(tb.samReader, tb.samImage)
	for _, c := range configure {
		c(b)
	}
	setting, err := b.Build()
	require.NoError(t, err)
	m, err := NewCardTransactionManager(tb.reader, tb.image, setting)
	require.NoError(t, err)
	return m
}

func plainPin(b *CardSecuritySettingBuilder) { b.EnablePinPlainTransmission() }

func multipleSession(b *CardSecuritySettingBuilder) { b.EnableMultipleSession() }

func ratification(b *CardSecuritySettingBuilder) { b.EnableRatificationMechanism() }

// commandsWith returns the commands sent to the card with the given instruction.
func commandsWith(r *calypsotest.Reader, ins byte) [][]byte {
	var out [][]byte
	for _, c := range r.History() {
		if len(c) > 1 && c[1] == ins {
			out = append(out, c)
		}
	}
	return out
}
