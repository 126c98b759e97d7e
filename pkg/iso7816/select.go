package iso7816

import "fmt"

// SelectionMethod is P1 of SELECT: what the data field designates.
type SelectionMethod byte

const (
	SelectByFileID          SelectionMethod = 0x00
	SelectChildDF           SelectionMethod = 0x01
	SelectEFUnderCurrentDF  SelectionMethod = 0x02
	SelectParentDF          SelectionMethod = 0x03
	SelectByDFName          SelectionMethod = 0x04
	SelectPathFromMF        SelectionMethod = 0x08
	SelectPathFromCurrentDF SelectionMethod = 0x09
)

var selectionMethodNames = map[SelectionMethod]string{
	SelectByFileID:          "file identifier",
	SelectChildDF:           "child DF",
	SelectEFUnderCurrentDF:  "EF under current DF",
	SelectParentDF:          "parent DF",
	SelectByDFName:          "DF name",
	SelectPathFromMF:        "path from MF",
	SelectPathFromCurrentDF: "path from current DF",
}

func (m SelectionMethod) String() string {
	if name, ok := selectionMethodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("method %02X", byte(m))
}

// FileOccurrence is P2 bits 2-1: which of several matching files is selected.
// Calypso readers iterate over the applications sharing an AID prefix with
// NextOccurrence, and over the EFs of the current DF the same way.
type FileOccurrence byte

const (
	FirstOrOnlyOccurrence FileOccurrence = 0b00
	LastOccurrence        FileOccurrence = 0b01
	NextOccurrence        FileOccurrence = 0b10
	PreviousOccurrence    FileOccurrence = 0b11
)

func (o FileOccurrence) String() string {
	return [...]string{"first", "last", "next", "previous"}[o&0b11]
}

// SelectionControl is P2 bits 4-3: the template returned by the card.
type SelectionControl byte

const (
	ReturnFCI    SelectionControl = 0b0000
	ReturnFCP    SelectionControl = 0b0100
	ReturnFMD    SelectionControl = 0b1000
	ReturnNoData SelectionControl = 0b1100
)

func (c SelectionControl) String() string {
	return [...]string{"FCI", "FCP", "FMD", "no data"}[(c>>2)&0b11]
}

// NewSelectCommand builds a SELECT command.
//
// Le is only requested when no data is sent: a case 4 command cannot be
// conveyed as such over T=0, where the card answers 61XX instead and the
// Client fetches the response.
func NewSelectCommand(cla Class, method SelectionMethod, occurrence FileOccurrence, ctrl SelectionControl, data []byte) *CommandAPDU {
	ne := 0
	if len(data) == 0 && ctrl != ReturnNoData {
		ne = MaxShortLe
	}
	return NewCommandAPDU(cla, InsSelect, byte(method), byte(ctrl)|byte(occurrence), data, ne)
}
