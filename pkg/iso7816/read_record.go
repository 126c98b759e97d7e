package iso7816

import "fmt"

// RecordMode is P2 bits 3-1 of the record commands (READ, UPDATE, WRITE
// RECORD). With bit 3 set, P1 is a record number.
type RecordMode byte

const (
	// ReadRecordP1 addresses the single record P1.
	ReadRecordP1 RecordMode = 0b100
	// ReadRecordsFromP1 addresses the records from P1 up to the last one.
	ReadRecordsFromP1 RecordMode = 0b101
	// ReadRecordsFromLastToP1 addresses the records from the last one down to P1.
	ReadRecordsFromLastToP1 RecordMode = 0b110
)

func (m RecordMode) String() string {
	switch m {
	case ReadRecordP1:
		return "record P1"
	case ReadRecordsFromP1:
		return "records from P1"
	case ReadRecordsFromLastToP1:
		return "records from last to P1"
	}
	return fmt.Sprintf("mode %03b", byte(m))
}

// RecordP2 combines a short file identifier (0 for the current EF) with a mode.
func RecordP2(sfi byte, mode RecordMode) byte {
	return sfi<<3 | byte(mode)&0b111
}

// NewReadRecordCommand builds a READ RECORD command reading record or records
// from record of the file sfi, expecting ne response bytes.
func NewReadRecordCommand(cla Class, sfi, record byte, mode RecordMode, ne int) *CommandAPDU {
	return NewCommandAPDU(cla, InsReadRecord, record, RecordP2(sfi, mode), nil, ne)
}
