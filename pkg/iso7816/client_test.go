package iso7816

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/calypso/pkg/tlv"
)

// scriptedCard replays canned responses and records the commands it receives.
type scriptedCard struct {
	responses [][]byte
	received  [][]byte
	failAt    int
}

func (s *scriptedCard) Transmit(cmd []byte) ([]byte, error) {
	s.received = append(s.received, cmd)
	if s.failAt > 0 && len(s.received) == s.failAt {
		return nil, ErrCardCommunication
	}
	if len(s.responses) == 0 {
		return nil, errors.New("no more responses")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

// batchCard answers a whole batch at once.
type batchCard struct {
	scriptedCard
	answers [][]byte
}

func (b *batchCard) TransmitBatch(cmds [][]byte, _ bool) ([][]byte, error) {
	b.received = append(b.received, cmds...)
	return b.answers, nil
}

func readRecord(sfi, record byte) *CommandAPDU {
	return NewReadRecordCommand(ClassInterindustry, sfi, record, ReadRecordP1, MaxShortLe)
}

func TestClient_Send_GetResponse(t *testing.T) {
	card := &scriptedCard{responses: [][]byte{
		tlv.Hex("61 04"),
		tlv.Hex("01020304 9000"),
	}}
	client := NewClient(card)
	var observed []Transaction
	client.Observer = func(tx Transaction) { observed = append(observed, tx) }

	sel := NewSelectCommand(0x94, SelectByDFName, FirstOrOnlyOccurrence, ReturnFCI, tlv.Hex("315449432E494341"))
	trace, err := client.Send(sel)
	require.NoError(t, err)

	require.Len(t, trace, 2)
	assert.True(t, trace.IsSuccess())
	assert.Equal(t, tlv.Hex("94 C0 00 00 04"), card.received[1], "GET RESPONSE keeps the class")
	assert.Equal(t, tlv.Hex("01020304"), trace.Response().Data)
	assert.Len(t, observed, 2)
}

func TestClient_Send_WrongLength(t *testing.T) {
	card := &scriptedCard{responses: [][]byte{
		tlv.Hex("6C 1D"),
		tlv.Hex("AABB 9000"),
	}}
	cmd := readRecord(7, 1)

	trace, err := NewClient(card).Send(cmd)
	require.NoError(t, err)
	require.Len(t, trace, 2)
	assert.Equal(t, tlv.Hex("00 B2 01 3C 1D"), card.received[1])
	assert.Equal(t, MaxShortLe, cmd.Ne, "the original command is not modified")
}

func TestClient_Send_EndlessFollowUps(t *testing.T) {
	card := &scriptedCard{}
	for range maxFollowUps + 2 {
		card.responses = append(card.responses, tlv.Hex("61 10"))
	}
	_, err := NewClient(card).Send(readRecord(1, 1))
	assert.ErrorIs(t, err, ErrDesynchronized)
}

func TestClient_SendBatch_StopsOnError(t *testing.T) {
	card := &scriptedCard{responses: [][]byte{
		tlv.Hex("9000"),
		tlv.Hex("6A83"),
		tlv.Hex("9000"),
	}}
	cmds := []*CommandAPDU{readRecord(1, 1), readRecord(1, 2), readRecord(1, 3)}

	traces, err := NewClient(card).SendBatch(cmds, true)
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, SWRecordNotFound, traces[1].Response().Status)
	assert.Len(t, card.received, 2)
}

func TestClient_SendBatch_KeepsPartialTraces(t *testing.T) {
	card := &scriptedCard{
		responses: [][]byte{tlv.Hex("9000")},
		failAt:    2,
	}
	cmds := []*CommandAPDU{readRecord(1, 1), readRecord(1, 2)}

	traces, err := NewClient(card).SendBatch(cmds, false)
	assert.ErrorIs(t, err, ErrCardCommunication)
	assert.Len(t, traces, 1)
}

func TestClient_SendBatch_Desynchronized(t *testing.T) {
	cmds := []*CommandAPDU{readRecord(1, 1), readRecord(1, 2)}

	tests := []struct {
		name    string
		answers [][]byte
		wantErr bool
	}{
		{"complete answer", [][]byte{tlv.Hex("9000"), tlv.Hex("9000")}, false},
		{"too many answers", [][]byte{tlv.Hex("9000"), tlv.Hex("9000"), tlv.Hex("9000")}, true},
		{"missing answer after success", [][]byte{tlv.Hex("9000")}, true},
		{"interrupted by failure", [][]byte{tlv.Hex("6A82")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card := &batchCard{answers: tt.answers}
			_, err := NewClient(card).SendBatch(cmds, true)
			assert.Equal(t, tt.wantErr, errors.Is(err, ErrDesynchronized), "err: %v", err)
		})
	}
}
