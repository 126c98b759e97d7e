package calypso

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gregLibert/calypso/pkg/bits"
)

// SV log sizes as returned by SV Get and Read Record on the SV log files.
const (
	svLoadLogSize  = 22
	svDebitLogSize = 19
)

// SvLoadLogRecord is a Stored Value reload log entry.
type SvLoadLogRecord struct {
	raw []byte
}

func parseSvLoadLog(raw []byte) (*SvLoadLogRecord, error) {
	if len(raw) < svLoadLogSize {
		return nil, fmt.Errorf("load log too short: %d bytes", len(raw))
	}
	return &SvLoadLogRecord{raw: bytes.Clone(raw[:svLoadLogSize])}, nil
}

// RawData returns the 22-byte log record.
func (r *SvLoadLogRecord) RawData() []byte { return bytes.Clone(r.raw) }

// Date returns the reload date (days counter).
func (r *SvLoadLogRecord) Date() uint16 { return binary.BigEndian.Uint16(r.raw[0:]) }

// Free returns the 2 free bytes.
func (r *SvLoadLogRecord) Free() []byte { return []byte{r.raw[2], r.raw[4]} }

// KVC returns the version of the load key.
func (r *SvLoadLogRecord) KVC() byte { return r.raw[3] }

// Balance returns the balance after the reload.
func (r *SvLoadLogRecord) Balance() int { return bits.Int24(r.raw[5:]) }

// Amount returns the reloaded amount.
func (r *SvLoadLogRecord) Amount() int { return bits.Int24(r.raw[8:]) }

// Time returns the reload time (minutes counter).
func (r *SvLoadLogRecord) Time() uint16 { return binary.BigEndian.Uint16(r.raw[11:]) }

// SamID returns the serial number of the SAM that authorized the reload.
func (r *SvLoadLogRecord) SamID() []byte { return bytes.Clone(r.raw[13:17]) }

// SamTNum returns the SAM transaction number.
func (r *SvLoadLogRecord) SamTNum() int { return bits.Uint24(r.raw[17:]) }

// SvTNum returns the card SV transaction number.
func (r *SvLoadLogRecord) SvTNum() uint16 { return binary.BigEndian.Uint16(r.raw[20:]) }

func (r *SvLoadLogRecord) String() string {
	return fmt.Sprintf("load{amount=%d balance=%d date=%d time=%d kvc=%02X svTNum=%d}",
		r.Amount(), r.Balance(), r.Date(), r.Time(), r.KVC(), r.SvTNum())
}

// SvDebitLogRecord is a Stored Value debit log entry.
type SvDebitLogRecord struct {
	raw []byte
}

func parseSvDebitLog(raw []byte) (*SvDebitLogRecord, error) {
	if len(raw) < svDebitLogSize {
		return nil, fmt.Errorf("debit log too short: %d bytes", len(raw))
	}
	return &SvDebitLogRecord{raw: bytes.Clone(raw[:svDebitLogSize])}, nil
}

// RawData returns the 19-byte log record.
func (r *SvDebitLogRecord) RawData() []byte { return bytes.Clone(r.raw) }

// Amount returns the debited amount; negative for an undebit.
func (r *SvDebitLogRecord) Amount() int { return bits.Int16(r.raw[0:]) }

// Date returns the debit date (days counter).
func (r *SvDebitLogRecord) Date() uint16 { return binary.BigEndian.Uint16(r.raw[2:]) }

// Time returns the debit time (minutes counter).
func (r *SvDebitLogRecord) Time() uint16 { return binary.BigEndian.Uint16(r.raw[4:]) }

// KVC returns the version of the debit key.
func (r *SvDebitLogRecord) KVC() byte { return r.raw[6] }

// SamID returns the serial number of the SAM that authorized the debit.
func (r *SvDebitLogRecord) SamID() []byte { return bytes.Clone(r.raw[7:11]) }

// SamTNum returns the SAM transaction number.
func (r *SvDebitLogRecord) SamTNum() int { return bits.Uint24(r.raw[11:]) }

// Balance returns the balance after the debit.
func (r *SvDebitLogRecord) Balance() int { return bits.Int24(r.raw[14:]) }

// SvTNum returns the card SV transaction number.
func (r *SvDebitLogRecord) SvTNum() uint16 { return binary.BigEndian.Uint16(r.raw[17:]) }

func (r *SvDebitLogRecord) String() string {
	return fmt.Sprintf("debit{amount=%d balance=%d date=%d time=%d kvc=%02X svTNum=%d}",
		r.Amount(), r.Balance(), r.Date(), r.Time(), r.KVC(), r.SvTNum())
}
