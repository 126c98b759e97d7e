package iso7816

import "fmt"

// StatusWord is the SW1-SW2 trailer of a response.
type StatusWord uint16

// NewStatusWord builds a status word from its two bytes.
func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(sw1)<<8 | StatusWord(sw2)
}

// Status words returned by Calypso cards and SAMs.
const (
	SWSuccess                    StatusWord = 0x9000
	SWFileDeactivated            StatusWord = 0x6283
	SWExecutionError             StatusWord = 0x6400
	SWMemoryFailure              StatusWord = 0x6581
	SWWrongLength                StatusWord = 0x6700
	SWIncompatibleFile           StatusWord = 0x6981
	SWSecurityStatusNotSatisfied StatusWord = 0x6982
	SWAuthenticationBlocked      StatusWord = 0x6983
	SWReferenceDataNotUsable     StatusWord = 0x6984
	SWConditionsNotSatisfied     StatusWord = 0x6985
	SWNoCurrentEF                StatusWord = 0x6986
	SWMissingSecureMessaging     StatusWord = 0x6987
	SWIncorrectSecureMessaging   StatusWord = 0x6988
	SWIncorrectData              StatusWord = 0x6A80
	SWFunctionNotSupported       StatusWord = 0x6A81
	SWFileNotFound               StatusWord = 0x6A82
	SWRecordNotFound             StatusWord = 0x6A83
	SWNotEnoughMemory            StatusWord = 0x6A84
	SWIncorrectP1P2              StatusWord = 0x6A86
	SWReferenceDataNotFound      StatusWord = 0x6A88
	SWWrongP1P2                  StatusWord = 0x6B00
	SWInsNotSupported            StatusWord = 0x6D00
	SWClaNotSupported            StatusWord = 0x6E00
	SWUnknown                    StatusWord = 0x6F00
)

var statusMeanings = map[StatusWord]string{
	SWSuccess:                    "Success",
	SWFileDeactivated:            "Selected file deactivated",
	SWExecutionError:             "Execution error",
	SWMemoryFailure:              "Memory failure",
	SWWrongLength:                "Wrong length",
	SWIncompatibleFile:           "Command incompatible with file structure",
	SWSecurityStatusNotSatisfied: "Security status not satisfied",
	SWAuthenticationBlocked:      "Authentication method blocked",
	SWReferenceDataNotUsable:     "Reference data not usable",
	SWConditionsNotSatisfied:     "Conditions of use not satisfied",
	SWNoCurrentEF:                "Command not allowed (no current EF)",
	SWMissingSecureMessaging:     "Expected secure messaging data objects missing",
	SWIncorrectSecureMessaging:   "Incorrect secure messaging data objects",
	SWIncorrectData:              "Incorrect parameters in the data field",
	SWFunctionNotSupported:       "Function not supported",
	SWFileNotFound:               "File not found",
	SWRecordNotFound:             "Record not found",
	SWNotEnoughMemory:            "Not enough memory space in the file",
	SWIncorrectP1P2:              "Incorrect parameters P1-P2",
	SWReferenceDataNotFound:      "Referenced data not found",
	SWWrongP1P2:                  "Wrong parameters P1-P2",
	SWInsNotSupported:            "Instruction code not supported",
	SWClaNotSupported:            "Class not supported",
	SWUnknown:                    "No precise diagnosis",
}

// SW1 returns the high byte.
func (sw StatusWord) SW1() byte { return byte(sw >> 8) }

// SW2 returns the low byte.
func (sw StatusWord) SW2() byte { return byte(sw) }

// IsSuccess reports 9000 and 61XX (response bytes still available).
func (sw StatusWord) IsSuccess() bool {
	return sw == SWSuccess || sw.SW1() == 0x61
}

// Counter returns the X of a 63CX status, which reports a retry counter such
// as the remaining PIN presentations.
func (sw StatusWord) Counter() (int, bool) {
	if sw.SW1() != 0x63 || sw.SW2()&0xF0 != 0xC0 {
		return 0, false
	}
	return int(sw.SW2() & 0x0F), true
}

// String returns the status in hexadecimal.
func (sw StatusWord) String() string {
	return fmt.Sprintf("%04X", uint16(sw))
}

// Verbose returns the status followed by its meaning.
func (sw StatusWord) Verbose() string {
	if meaning, ok := statusMeanings[sw]; ok {
		return fmt.Sprintf("[%s] %s", sw, meaning)
	}
	if n, ok := sw.Counter(); ok {
		return fmt.Sprintf("[%s] Verification failed, %d attempt(s) left", sw, n)
	}
	switch sw.SW1() {
	case 0x61:
		return fmt.Sprintf("[%s] %d response bytes available", sw, sw.SW2())
	case 0x6C:
		return fmt.Sprintf("[%s] Wrong Le, %d bytes available", sw, sw.SW2())
	case 0x62, 0x63:
		return fmt.Sprintf("[%s] Warning", sw)
	}
	return fmt.Sprintf("[%s] Error", sw)
}
