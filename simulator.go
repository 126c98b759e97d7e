package main

import (
	"github.com/gregLibert/calypso/pkg/calypso/calypsotest"
)

// Reader names reported with --simulate.
const (
	simulatedCardReader = "Simulated contactless reader"
	simulatedSamReader  = "Simulated SAM reader"
)

// simulator holds the simulated card and SAM used with --simulate. The card
// carries a transport application: contracts (SFI 07), an event log (SFI 08),
// counters (SFI 19), a PIN and an SV purse.
type simulator struct {
	card *calypsotest.Reader
	sam  *calypsotest.Reader
}

func newSimulator(aid []byte) *simulator {
	card := calypsotest.NewCard(
		calypsotest.WithAID(aid),
		calypsotest.WithFiles(
			calypsotest.File{
				LID: 0x2020, SFI: 0x07, Type: calypsotest.Linear, RecordSize: 29, Records: 4,
				Content: map[int][]byte{1: []byte("CONTRACT 1 - ANNUAL PASS    ")},
			},
			calypsotest.File{LID: 0x2010, SFI: 0x08, Type: calypsotest.Cyclic, RecordSize: 29, Records: 3},
			calypsotest.File{
				LID: 0x2069, SFI: 0x19, Type: calypsotest.Counters, RecordSize: 9, Records: 1,
				Content: map[int][]byte{1: {0x00, 0x00, 0x0A, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}},
			},
		),
		calypsotest.WithPin([]byte("1234")),
		calypsotest.WithStoredValue(100),
	)

	sam := calypsotest.NewReader(calypsotest.NewSam())
	sam.SetContactless(false)
	sam.SetProtocol("ISO_7816_3")

	return &simulator{card: calypsotest.NewReader(card), sam: sam}
}
