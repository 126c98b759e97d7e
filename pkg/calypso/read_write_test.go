package calypso

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/calypso/pkg/calypso/calypsotest"
	"github.com/gregLibert/calypso/pkg/iso7816"
	"github.com/gregLibert/calypso/pkg/tlv"
)

func TestReadRecords_Multiple(t *testing.T) {
	tb := newTestbed(t)
	m, err := NewCardTransactionManager(tb.reader, tb.image, nil)
	require.NoError(t, err)

	require.NoError(t, m.PrepareReadRecords(contractsSfi, 1, 4, 29))
	require.NoError(t, m.ProcessCardCommands())

	reads := commandsWith(tb.reader, 0xB2)
	require.Len(t, reads, 1, "revision 3 cards read the range with one command")
	assert.Equal(t, byte(contractsSfi<<3|0x05), reads[0][3])

	want := map[int][]byte{1: contract1, 2: contract2, 3: contract3, 4: make([]byte, 29)}
	if diff := cmp.Diff(want, tb.image.FileBySfi(contractsSfi).Data().AllRecordsContent()); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, tb.image.FileBySfi(contractsSfi).Data().RecordNumbers())
}

func TestReadRecords_Split(t *testing.T) {
	tb := newTestbed(t)
	m, err := NewCardTransactionManager(tb.reader, tb.image, nil)
	require.NoError(t, err)

	// 250 / (100 + 2) gives two records per command.
	require.NoError(t, m.PrepareReadRecords(contractsSfi, 1, 3, 100))
	require.NoError(t, m.ProcessCardCommands())

	assert.Len(t, commandsWith(tb.reader, 0xB2), 2)
	assert.Equal(t, contract3, tb.image.FileBySfi(contractsSfi).Data().ContentOf(3))
}

func TestReadRecordsPartially(t *testing.T) {
	tb := newTestbed(t)
	m, err := NewCardTransactionManager(tb.reader, tb.image, nil)
	require.NoError(t, err)

	require.NoError(t, m.PrepareReadRecordsPartially(contractsSfi, 1, 3, 2, 4))
	require.NoError(t, m.ProcessCardCommands())

	assert.Equal(t, 1, tb.reader.CountINS(0xB3))
	data := tb.image.FileBySfi(contractsSfi).Data()
	assert.Equal(t, tlv.Hex("11111111"), data.ContentPart(1, 2, 4))
	assert.Equal(t, tlv.Hex("22222222"), data.ContentPart(2, 2, 4))
	assert.Equal(t, tlv.Hex("33333333"), data.ContentPart(3, 2, 4))
	assert.Nil(t, data.ContentPart(1, 2, 10), "bytes never read are unknown")
}

func TestBinary_ReadUpdateWrite(t *testing.T) {
	tb := newTestbed(t)
	m, err := NewCardTransactionManager(tb.reader, tb.image, nil)
	require.NoError(t, err)

	require.NoError(t, m.PrepareReadBinary(binarySfi, 0, 100))
	require.NoError(t, m.PrepareUpdateBinary(binarySfi, 10, []byte{0xAB, 0xCD}))
	require.NoError(t, m.PrepareWriteBinary(binarySfi, 10, []byte{0x01, 0x02}))
	require.NoError(t, m.ProcessCardCommands())

	content := tb.image.FileBySfi(binarySfi).Data().Content()
	assert.Len(t, content, 100)
	assert.Equal(t, []byte{0xAB, 0xCF}, content[10:12])
	assert.Equal(t, []byte{0xAB, 0xCF}, tb.card.Record(binarySfi, 1)[10:12])
}

func TestRecords_UpdateWriteAppend(t *testing.T) {
	tb := newTestbed(t)
	m, err := NewCardTransactionManager(tb.reader, tb.image, nil)
	require.NoError(t, err)

	event := tlv.Hex("E1 E2 E3 E4 E5 E6 E7 E8 E9 EA EB EC ED EE EF F0 F1 F2 F3 F4 F5 F6 F7 F8 F9 FA FB FC FD")

	require.NoError(t, m.PrepareReadRecord(contractsSfi, 1))
	require.NoError(t, m.PrepareWriteRecord(contractsSfi, 1, []byte{0x0F}))
	require.NoError(t, m.PrepareUpdateRecord(contractsSfi, 4, contract3))
	require.NoError(t, m.PrepareAppendRecord(eventsSfi, event))
	require.NoError(t, m.ProcessCardCommands())

	contracts := tb.image.FileBySfi(contractsSfi).Data()
	assert.Equal(t, byte(0x1F), contracts.ContentOf(1)[0])
	assert.Equal(t, contract1[1:], contracts.ContentOf(1)[1:])
	assert.Equal(t, contract3, contracts.ContentOf(4))
	assert.Equal(t, event, tb.image.FileBySfi(eventsSfi).Data().ContentOf(1))

	assert.Equal(t, byte(0x1F), tb.card.Record(contractsSfi, 1)[0])
	assert.Equal(t, contract3, tb.card.Record(contractsSfi, 4))
	assert.Equal(t, event, tb.card.Record(eventsSfi, 1))
}

func TestCounters(t *testing.T) {
	tb := newTestbed(t)
	m, err := NewCardTransactionManager(tb.reader, tb.image, nil)
	require.NoError(t, err)

	require.NoError(t, m.PrepareReadCounter(countersSfi, 3))
	require.NoError(t, m.ProcessCardCommands())
	assert.Equal(t, map[int]int{1: 10, 2: 20, 3: 30}, tb.image.FileBySfi(countersSfi).Data().AllCountersValue())

	require.NoError(t, m.PrepareIncreaseCounter(countersSfi, 1, 5))
	require.NoError(t, m.PrepareDecreaseCounter(countersSfi, 2, 5))
	require.NoError(t, m.ProcessCardCommands())

	require.NoError(t, m.PrepareIncreaseCounters(countersSfi, map[int]int{1: 1, 3: 2}))
	require.NoError(t, m.PrepareDecreaseCounters(countersSfi, map[int]int{2: 5}))
	require.NoError(t, m.ProcessCardCommands())

	assert.Equal(t, map[int]int{1: 16, 2: 10, 3: 32}, tb.image.FileBySfi(countersSfi).Data().AllCountersValue())
	assert.Equal(t, 16, tb.card.Counter(countersSfi, 1))
	assert.Equal(t, 10, tb.card.Counter(countersSfi, 2))
	assert.Equal(t, 32, tb.card.Counter(countersSfi, 3))
}

func TestSetCounter(t *testing.T) {
	tb := newTestbed(t)
	m, err := NewCardTransactionManager(tb.reader, tb.image, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, m.PrepareSetCounter(countersSfi, 1, 50), KindIllegalState)

	require.NoError(t, m.PrepareReadCounter(countersSfi, 3))
	require.NoError(t, m.ProcessCardCommands())
	tb.reader.Reset()

	require.NoError(t, m.PrepareSetCounter(countersSfi, 1, 50))
	require.NoError(t, m.PrepareSetCounter(countersSfi, 2, 20))
	require.NoError(t, m.PrepareSetCounter(countersSfi, 3, 0))
	require.NoError(t, m.ProcessCardCommands())

	assert.Equal(t, 1, tb.reader.CountINS(0x32))
	assert.Equal(t, 1, tb.reader.CountINS(0x30))
	assert.Len(t, tb.reader.History(), 2, "no command when the value is already set")
	assert.Equal(t, 50, tb.card.Counter(countersSfi, 1))
	assert.Equal(t, 0, tb.card.Counter(countersSfi, 3))
}

func TestSearchRecords(t *testing.T) {
	tb := newTestbed(t)
	m, err := NewCardTransactionManager(tb.reader, tb.image, nil)
	require.NoError(t, err)

	first := NewSearchCommandData().SetSFI(contractsSfi).SetSearchData([]byte{0x22, 0x22}).FetchFirstMatchingResult()
	repeated := NewSearchCommandData().SetSFI(contractsSfi).SetOffset(5).EnableRepeatedOffset().SetSearchData([]byte{0x30}).SetMask([]byte{0xF0})
	require.NoError(t, m.PrepareSearchRecords(first))
	require.NoError(t, m.PrepareSearchRecords(repeated))
	require.NoError(t, m.ProcessCardCommands())

	assert.Equal(t, []int{2}, first.MatchingRecordNumbers())
	assert.Equal(t, []int{3}, repeated.MatchingRecordNumbers())
	assert.Equal(t, contract2, tb.image.FileBySfi(contractsSfi).Data().ContentOf(2))
	assert.Nil(t, tb.image.FileBySfi(contractsSfi).Data().ContentOf(3), "only the first match is fetched")
}

func TestMissingDataTolerated(t *testing.T) {
	tb := newTestbed(t)
	m, err := NewCardTransactionManager(tb.reader, tb.image, nil)
	require.NoError(t, err)

	require.NoError(t, m.PrepareReadRecord(contractsSfi, 5))
	require.NoError(t, m.PrepareReadRecord(0x09, 1))
	require.NoError(t, m.PrepareSelectFile(0x3F3F))
	require.NoError(t, m.PrepareReadRecord(contractsSfi, 2))
	require.NoError(t, m.ProcessCardCommands())

	assert.Len(t, tb.reader.History(), 4)
	assert.Nil(t, tb.image.FileBySfi(0x09))
	assert.Nil(t, tb.image.FileBySfi(contractsSfi).Data().ContentOf(5))
	assert.Equal(t, contract2, tb.image.FileBySfi(contractsSfi).Data().ContentOf(2))
}

func TestSelectFileAndGetData(t *testing.T) {
	tb := newTestbed(t)
	m, err := NewCardTransactionManager(tb.reader, tb.image, nil)
	require.NoError(t, err)

	require.NoError(t, m.PrepareSelectFile(0x2000))
	require.NoError(t, m.PrepareGetData(GetDataEFList))
	require.NoError(t, m.PrepareSelectFileControl(SelectFirstEF))
	require.NoError(t, m.PrepareGetData(GetDataFCIForCurrentDF))
	require.NoError(t, m.ProcessCardCommands())

	dir := tb.image.DirectoryHeader()
	require.NotNil(t, dir)
	assert.Equal(t, uint16(0x2000), dir.LID())
	kif, ok := dir.KIF(WriteAccessLoad)
	assert.True(t, ok)
	assert.Equal(t, calypsotest.LoadKey.KIF, kif)
	kvc, ok := dir.KVC(WriteAccessDebit)
	assert.True(t, ok)
	assert.Equal(t, calypsotest.DebitKey.KVC, kvc)

	assert.Len(t, tb.image.Files(), 4)
	events := tb.image.FileByLid(0x2010)
	require.NotNil(t, events)
	assert.Equal(t, eventsSfi, events.SFI())
	assert.Equal(t, FileTypeCyclic, events.Header().Type())
	assert.Equal(t, 3, events.Header().RecordsNumber())

	contracts := tb.image.FileBySfi(contractsSfi)
	assert.Equal(t, contractsLid, contracts.Header().LID())
	assert.Equal(t, 29, contracts.Header().RecordSize())
	assert.Equal(t, FileTypeLinear, contracts.Header().Type())
	assert.Equal(t, calypsotest.DefaultSerial, tb.image.ApplicationSerialNumber())
}

func TestGetData_RequiresPrime(t *testing.T) {
	reader := calypsotest.NewReader(calypsotest.NewCard())
	image, _, err := NewCardSelection().Process(reader)
	require.NoError(t, err)
	m, err := NewCardTransactionManager(reader, image, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, m.PrepareGetData(GetDataEFList), KindUnsupportedOperation)
	assert.ErrorIs(t, m.PrepareReadBinary(binarySfi, 0, 10), KindUnsupportedOperation)
	assert.ErrorIs(t, m.PrepareGetData(GetDataTag(7)), KindIllegalArgument)
}

func TestPrepare_InvalidArguments(t *testing.T) {
	tb := newTestbed(t)
	m, err := NewCardTransactionManager(tb.reader, tb.image, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		err  error
	}{
		{"sfi", m.PrepareReadRecord(31, 1)},
		{"record", m.PrepareReadRecord(contractsSfi, 251)},
		{"range", m.PrepareReadRecords(contractsSfi, 4, 2, 29)},
		{"record size", m.PrepareReadRecords(contractsSfi, 1, 2, 0)},
		{"partial length", m.PrepareReadRecordsPartially(contractsSfi, 1, 2, 200, 60)},
		{"binary offset", m.PrepareReadBinary(binarySfi, 32768, 1)},
		{"counters", m.PrepareReadCounter(countersSfi, 84)},
		{"empty record", m.PrepareUpdateRecord(contractsSfi, 1, nil)},
		{"oversized record", m.PrepareAppendRecord(eventsSfi, make([]byte, 251))},
		{"counter value", m.PrepareIncreaseCounter(countersSfi, 1, 0x1000000)},
		{"no counter", m.PrepareIncreaseCounters(countersSfi, nil)},
		{"nil search", m.PrepareSearchRecords(nil)},
		{"empty search", m.PrepareSearchRecords(NewSearchCommandData().SetSFI(contractsSfi))},
		{"long mask", m.PrepareSearchRecords(NewSearchCommandData().SetSearchData([]byte{1}).SetMask([]byte{1, 2}))},
		{"select control", m.PrepareSelectFileControl(SelectFileControl(5))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, KindIllegalArgument)
		})
	}

	require.NoError(t, m.ProcessCardCommands())
	assert.Empty(t, tb.reader.History(), "rejected commands are not queued")
}

func TestInvalidateRehabilitate(t *testing.T) {
	tb := newTestbed(t)
	m, err := NewCardTransactionManager(tb.reader, tb.image, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, m.PrepareRehabilitate(), KindIllegalState)
	require.NoError(t, m.PrepareInvalidate())
	require.NoError(t, m.ProcessCardCommands())
	assert.True(t, tb.image.IsDfInvalidated())
	assert.True(t, tb.card.IsInvalidated())

	assert.ErrorIs(t, m.PrepareInvalidate(), KindIllegalState)
	require.NoError(t, m.PrepareRehabilitate())
	require.NoError(t, m.ProcessCardCommands())
	assert.False(t, tb.image.IsDfInvalidated())
	assert.False(t, tb.card.IsInvalidated())
}

func TestReleaseCardChannel(t *testing.T) {
	tb := newTestbed(t)
	m, err := NewCardTransactionManager(tb.reader, tb.image, nil)
	require.NoError(t, err)

	require.NoError(t, m.PrepareReadRecord(contractsSfi, 1))
	m.PrepareReleaseCardChannel()
	require.NoError(t, m.ProcessCardCommands())
	assert.Equal(t, 1, tb.reader.Released())

	require.NoError(t, m.ProcessCardCommands())
	assert.Equal(t, 1, tb.reader.Released(), "the release applies to one Process call")
}

func TestCardCommunicationFailure(t *testing.T) {
	tb := newTestbed(t)
	m, err := NewCardTransactionManager(tb.reader, tb.image, nil)
	require.NoError(t, err)
	tb.reader.FailOn = func(cmd []byte) bool { return cmd[1] == 0xB2 }

	require.NoError(t, m.PrepareReadRecord(contractsSfi, 1))
	err = m.ProcessCardCommands()
	assert.ErrorIs(t, err, KindCardIO)
	assert.ErrorIs(t, err, iso7816.ErrCardCommunication)
	assert.True(t, KindOf(err).IsAvailabilityFailure())
}

func TestSequentialReader(t *testing.T) {
	tb := newTestbed(t)
	m, err := NewCardTransactionManager(tb.reader.Sequential(), tb.image, nil)
	require.NoError(t, err)

	require.NoError(t, m.PrepareReadRecord(contractsSfi, 1))
	require.NoError(t, m.PrepareReadRecord(contractsSfi, 2))
	require.NoError(t, m.ProcessCardCommands())

	assert.Zero(t, tb.reader.Batches())
	assert.Len(t, tb.reader.History(), 2)
	assert.Equal(t, contract2, tb.image.FileBySfi(contractsSfi).Data().ContentOf(2))
}
