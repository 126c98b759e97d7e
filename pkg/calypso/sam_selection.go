package calypso

import (
	"encoding/hex"
	"log/slog"
	"regexp"
	"strings"
)

// SamSelection identifies a Calypso SAM from its power-on data and unlocks
// it when requested.
type SamSelection struct {
	productType SamProductType
	serial      *regexp.Regexp
	unlockData  []byte
	err         error
}

// NewSamSelection returns a selection accepting any Calypso SAM.
func NewSamSelection() *SamSelection {
	return &SamSelection{productType: SamUnknown}
}

func (s *SamSelection) fail(err error) *SamSelection {
	if s.err == nil {
		s.err = err
	}
	return s
}

// FilterByProductType keeps only SAMs of the given product.
func (s *SamSelection) FilterByProductType(product SamProductType) *SamSelection {
	s.productType = product
	return s
}

// FilterBySerialNumber keeps only SAMs whose serial number, in uppercase
// hexadecimal, matches the regular expression.
func (s *SamSelection) FilterBySerialNumber(pattern string) *SamSelection {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return s.fail(&Error{Kind: KindIllegalArgument, Op: "FilterBySerialNumber", Msg: "invalid regular expression", Err: err})
	}
	s.serial = re
	return s
}

// SetUnlockData sets the unlock value, 16 or 32 hexadecimal digits, sent to
// the SAM after its identification.
func (s *SamSelection) SetUnlockData(data string) *SamSelection {
	const op = "SetUnlockData"
	if len(data) != 16 && len(data) != 32 {
		return s.fail(illegalArgument(op, "%d hexadecimal digits, want 16 or 32", len(data)))
	}
	b, err := hex.DecodeString(data)
	if err != nil {
		return s.fail(&Error{Kind: KindIllegalArgument, Op: op, Msg: "invalid hexadecimal string", Err: err})
	}
	s.unlockData = b
	return s
}

// Process identifies the SAM inserted in reader. matched is false, with a nil
// error, when the power-on data is not a Calypso SAM or does not fulfil the filters.
func (s *SamSelection) Process(reader CardReader, opts ...Option) (sam *CalypsoSam, matched bool, err error) {
	const op = "SamSelection.Process"
	if s.err != nil {
		return nil, false, s.err
	}
	if reader == nil {
		return nil, false, illegalArgument(op, "nil reader")
	}
	logger := buildOptions(opts).logger
	sam, err = ParseSamPowerOnData(reader.PowerOnData())
	if err != nil {
		logger.Debug("not a Calypso SAM", slog.Any("error", err))
		return nil, false, nil
	}
	if s.productType != SamUnknown && sam.productType != s.productType {
		logger.Debug("SAM product rejected", slog.String("product", sam.productType.String()))
		return nil, false, nil
	}
	if s.serial != nil && !s.serial.MatchString(strings.ToUpper(hex.EncodeToString(sam.serialNumber))) {
		logger.Debug("SAM serial number rejected", slog.String("serial", hex.EncodeToString(sam.serialNumber)))
		return nil, false, nil
	}
	if s.unlockData != nil {
		proc := newSamCommandProcessor(&SamResource{Reader: reader, Sam: sam}, nil, logger, nil)
		if err := proc.unlock(s.unlockData); err != nil {
			return nil, false, err
		}
	}
	logger.Info("SAM selected", slog.String("sam", sam.String()))
	return sam, true, nil
}
