package calypso

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gregLibert/calypso/pkg/iso7816"
)

// Kind classifies every failure reported by this package.
//
// A Kind is itself an error so it can be used as a sentinel:
//
//	if errors.Is(err, calypso.KindSessionBufferOverflow) { ... }
//
// The detailed payload (operation, status word, cause) is carried by *Error.
type Kind int

const (
	// KindIllegalArgument reports an argument outside its allowed range.
	KindIllegalArgument Kind = iota + 1
	// KindIllegalState reports a call made in the wrong order or context.
	KindIllegalState
	// KindUnsupportedOperation reports a feature missing from the card or SAM product.
	KindUnsupportedOperation
	// KindReaderIO reports a communication failure with a reader.
	KindReaderIO
	// KindCardIO reports a communication failure with the card.
	KindCardIO
	// KindSamIO reports a communication failure with the SAM.
	KindSamIO
	// KindUnexpectedStatus reports a status word the command does not allow.
	KindUnexpectedStatus
	// KindSelectFile reports a Select File command whose target does not exist.
	KindSelectFile
	// KindInconsistentData reports card data missing or diverging inside a secure session.
	KindInconsistentData
	// KindDesynchronizedExchanges reports a request/response count mismatch.
	KindDesynchronizedExchanges
	// KindSessionBufferOverflow reports prepared modifications exceeding the session buffer.
	KindSessionBufferOverflow
	// KindUnauthorizedKey reports a session or SV key outside the authorized lists.
	KindUnauthorizedKey
	// KindSessionAuthentication reports a terminal signature rejected by the card.
	KindSessionAuthentication
	// KindInvalidCardSignature reports a card signature rejected by the SAM.
	KindInvalidCardSignature
	// KindCardSignatureNotVerifiable reports a card signature that the SAM could not check.
	KindCardSignatureNotVerifiable
	// KindInvalidSignature reports a signature rejected by a PSO Verify Signature.
	KindInvalidSignature
	// KindSamRevoked reports a signature produced by a revoked SAM.
	KindSamRevoked
	// KindSamBusy reports a SAM refusing verifications for a while after a failure.
	KindSamBusy
	// KindCardAnomaly reports a card behaving outside the Calypso standard.
	KindCardAnomaly
	// KindSamAnomaly reports a SAM behaving outside the Calypso standard.
	KindSamAnomaly
)

var kindNames = map[Kind]string{
	KindIllegalArgument:            "illegal argument",
	KindIllegalState:               "illegal state",
	KindUnsupportedOperation:       "unsupported operation",
	KindReaderIO:                   "reader I/O error",
	KindCardIO:                     "card I/O error",
	KindSamIO:                      "SAM I/O error",
	KindUnexpectedStatus:           "unexpected command status",
	KindSelectFile:                 "select file error",
	KindInconsistentData:           "inconsistent data",
	KindDesynchronizedExchanges:    "desynchronized exchanges",
	KindSessionBufferOverflow:      "session buffer overflow",
	KindUnauthorizedKey:            "unauthorized key",
	KindSessionAuthentication:      "session authentication failed",
	KindInvalidCardSignature:       "invalid card signature",
	KindCardSignatureNotVerifiable: "card signature not verifiable",
	KindInvalidSignature:           "invalid signature",
	KindSamRevoked:                 "SAM revoked",
	KindSamBusy:                    "SAM busy",
	KindCardAnomaly:                "card anomaly",
	KindSamAnomaly:                 "SAM anomaly",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error implements the error interface so that a Kind can be matched with errors.Is.
func (k Kind) Error() string {
	return k.String()
}

// IsSecurityFailure reports whether the kind means a security check was performed and failed.
// Such results must be rejected: they may indicate fraud or tampering.
func (k Kind) IsSecurityFailure() bool {
	switch k {
	case KindSessionAuthentication, KindInvalidCardSignature, KindInvalidSignature,
		KindSamRevoked, KindUnauthorizedKey:
		return true
	}
	return false
}

// IsAvailabilityFailure reports whether the kind means a check or exchange could not be performed.
func (k Kind) IsAvailabilityFailure() bool {
	switch k {
	case KindCardSignatureNotVerifiable, KindSamBusy, KindReaderIO, KindCardIO, KindSamIO:
		return true
	}
	return false
}

// Error is the error payload returned by card and SAM operations.
type Error struct {
	Kind Kind
	// Op names the operation or command that failed.
	Op string
	// Status is the status word returned by the device, zero when not applicable.
	Status iso7816.StatusWord
	// Msg adds context to the failure.
	Msg string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Op != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Op)
	}
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Status != 0 {
		fmt.Fprintf(&sb, " (SW %04X)", uint16(e.Status))
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a Kind sentinel against the error kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the kind of the first *Error found in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func illegalArgument(op, format string, args ...interface{}) error {
	return newError(KindIllegalArgument, op, format, args...)
}

func illegalState(op, format string, args ...interface{}) error {
	return newError(KindIllegalState, op, format, args...)
}

func unsupported(op, format string, args ...interface{}) error {
	return newError(KindUnsupportedOperation, op, format, args...)
}

func statusError(kind Kind, op string, sw iso7816.StatusWord) error {
	return &Error{Kind: kind, Op: op, Status: sw, Msg: sw.Verbose()}
}

// checkRange validates that value lies in [min, max].
func checkRange(op, name string, value, min, max int) error {
	if value < min || value > max {
		return illegalArgument(op, "%s %d out of range [%d, %d]", name, value, min, max)
	}
	return nil
}

// checkLength validates that data holds between min and max bytes.
func checkLength(op, name string, data []byte, min, max int) error {
	if len(data) < min || len(data) > max {
		return illegalArgument(op, "%s length %d out of range [%d, %d]", name, len(data), min, max)
	}
	return nil
}
