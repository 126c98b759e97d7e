package iso7816

import "fmt"

// Instruction is the INS byte of a command.
type Instruction byte

// Interindustry instructions reused by Calypso cards. Calypso specific
// instructions (secure session, Stored Value, counters) are built from raw bytes.
const (
	InsDeactivateFile   Instruction = 0x04
	InsVerify           Instruction = 0x20
	InsChangeReference  Instruction = 0x24
	InsActivateFile     Instruction = 0x44
	InsManageChannel    Instruction = 0x70
	InsExternalAuth     Instruction = 0x82
	InsGetChallenge     Instruction = 0x84
	InsInternalAuth     Instruction = 0x88
	InsSearchRecord     Instruction = 0xA2
	InsSelect           Instruction = 0xA4
	InsReadBinary       Instruction = 0xB0
	InsReadRecord       Instruction = 0xB2
	InsReadRecordBERTLV Instruction = 0xB3
	InsGetResponse      Instruction = 0xC0
	InsGetData          Instruction = 0xCA
	InsWriteBinary      Instruction = 0xD0
	InsWriteRecord      Instruction = 0xD2
	InsUpdateBinary     Instruction = 0xD6
	InsUpdateRecord     Instruction = 0xDC
	InsAppendRecord     Instruction = 0xE2
)

var instructionNames = map[Instruction]string{
	InsDeactivateFile:   "DEACTIVATE FILE",
	InsVerify:           "VERIFY",
	InsChangeReference:  "CHANGE REFERENCE DATA",
	InsActivateFile:     "ACTIVATE FILE",
	InsManageChannel:    "MANAGE CHANNEL",
	InsExternalAuth:     "EXTERNAL AUTHENTICATE",
	InsGetChallenge:     "GET CHALLENGE",
	InsInternalAuth:     "INTERNAL AUTHENTICATE",
	InsSearchRecord:     "SEARCH RECORD",
	InsSelect:           "SELECT",
	InsReadBinary:       "READ BINARY",
	InsReadRecord:       "READ RECORD",
	InsReadRecordBERTLV: "READ RECORD (BER-TLV)",
	InsGetResponse:      "GET RESPONSE",
	InsGetData:          "GET DATA",
	InsWriteBinary:      "WRITE BINARY",
	InsWriteRecord:      "WRITE RECORD",
	InsUpdateBinary:     "UPDATE BINARY",
	InsUpdateRecord:     "UPDATE RECORD",
	InsAppendRecord:     "APPEND RECORD",
}

// NewInstruction validates a raw INS byte. 6X and 9X are procedure bytes of
// the T=0 protocol and cannot be used as instructions.
func NewInstruction(ins byte) (Instruction, error) {
	if hi := ins & 0xF0; hi == 0x60 || hi == 0x90 {
		return 0, fmt.Errorf("invalid INS 0x%02X: 6X and 9X are reserved", ins)
	}
	return Instruction(ins), nil
}

func (i Instruction) String() string {
	if name, ok := instructionNames[i]; ok {
		return fmt.Sprintf("%02X %s", byte(i), name)
	}
	return fmt.Sprintf("%02X", byte(i))
}
