package calypso

import (
	"encoding/hex"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/gregLibert/calypso/pkg/iso7816"
)

// CardSelection describes how to select a Calypso card application and the
// commands sent right after a successful selection.
//
// Filter and Prepare methods record the first invalid argument; it is
// returned by Process.
type CardSelection struct {
	protocol          string
	powerOnData       *regexp.Regexp
	aid               []byte
	occurrence        iso7816.FileOccurrence
	control           iso7816.SelectionControl
	successfulSWs     []iso7816.StatusWord
	acceptInvalidated bool
	commands          []func(*CalypsoCard) cardCommand
	err               error
}

// NewCardSelection returns a selection with no filter, requesting the first
// occurrence of the application and its FCI.
func NewCardSelection() *CardSelection {
	return &CardSelection{
		occurrence: iso7816.FirstOrOnlyOccurrence,
		control:    iso7816.ReturnFCI,
	}
}

func (s *CardSelection) fail(err error) *CardSelection {
	if s.err == nil {
		s.err = err
	}
	return s
}

// FilterByCardProtocol keeps only cards communicating with protocol, as named by the reader.
func (s *CardSelection) FilterByCardProtocol(protocol string) *CardSelection {
	s.protocol = protocol
	return s
}

// FilterByPowerOnData keeps only cards whose ATR, in uppercase hexadecimal,
// matches the regular expression.
func (s *CardSelection) FilterByPowerOnData(pattern string) *CardSelection {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return s.fail(&Error{Kind: KindIllegalArgument, Op: "FilterByPowerOnData", Msg: "invalid regular expression", Err: err})
	}
	s.powerOnData = re
	return s
}

// FilterByDfName sets the AID of the application to select. It may be
// right-truncated.
func (s *CardSelection) FilterByDfName(aid []byte) *CardSelection {
	if err := checkLength("FilterByDfName", "aid", aid, 5, 16); err != nil {
		return s.fail(err)
	}
	s.aid = slices.Clone(aid)
	return s
}

// SetFileOccurrence selects which application matching the AID is selected.
func (s *CardSelection) SetFileOccurrence(occurrence iso7816.FileOccurrence) *CardSelection {
	s.occurrence = occurrence
	return s
}

// SetFileControlInformation sets the data returned by the selection.
func (s *CardSelection) SetFileControlInformation(control iso7816.SelectionControl) *CardSelection {
	s.control = control
	return s
}

// AddSuccessfulStatusWord accepts sw, besides 9000, as a successful selection.
func (s *CardSelection) AddSuccessfulStatusWord(sw iso7816.StatusWord) *CardSelection {
	s.successfulSWs = append(s.successfulSWs, sw)
	return s
}

// AcceptInvalidatedCard keeps invalidated applications (6283 answer).
func (s *CardSelection) AcceptInvalidatedCard() *CardSelection {
	s.acceptInvalidated = true
	return s
}

// PrepareSelectFile queues the selection of a file by LID after the application selection.
func (s *CardSelection) PrepareSelectFile(lid uint16) *CardSelection {
	s.commands = append(s.commands, func(c *CalypsoCard) cardCommand { return newSelectFileByLid(c, lid) })
	return s
}

// PrepareSelectFileControl queues a relative file selection.
func (s *CardSelection) PrepareSelectFileControl(ctrl SelectFileControl) *CardSelection {
	if ctrl < SelectFirstEF || ctrl > SelectCurrentDF {
		return s.fail(illegalArgument("PrepareSelectFileControl", "unknown control %d", ctrl))
	}
	s.commands = append(s.commands, func(c *CalypsoCard) cardCommand { return newSelectFileByControl(c, ctrl) })
	return s
}

// PrepareReadRecord queues the read of one record.
func (s *CardSelection) PrepareReadRecord(sfi byte, record int) *CardSelection {
	const op = "PrepareReadRecord"
	if err := checkSfi(op, sfi); err != nil {
		return s.fail(err)
	}
	if err := checkRecord(op, record); err != nil {
		return s.fail(err)
	}
	s.commands = append(s.commands, func(c *CalypsoCard) cardCommand { return newReadRecords(c, sfi, record, 1, 0) })
	return s
}

// PrepareReadRecords queues the read of records from..to, one command per record.
func (s *CardSelection) PrepareReadRecords(sfi byte, from, to int) *CardSelection {
	const op = "PrepareReadRecords"
	if err := checkSfi(op, sfi); err != nil {
		return s.fail(err)
	}
	if err := checkRecord(op, from); err != nil {
		return s.fail(err)
	}
	if err := checkRange(op, "last record number", to, from, maxRecord); err != nil {
		return s.fail(err)
	}
	for r := from; r <= to; r++ {
		s.commands = append(s.commands, func(c *CalypsoCard) cardCommand { return newReadRecords(c, sfi, r, 1, 0) })
	}
	return s
}

// PrepareGetData queues a Get Data command.
func (s *CardSelection) PrepareGetData(tag GetDataTag) *CardSelection {
	if tag < GetDataFCPForCurrentFile || tag > GetDataTraceabilityInformation {
		return s.fail(illegalArgument("PrepareGetData", "unknown tag %d", tag))
	}
	s.commands = append(s.commands, func(c *CalypsoCard) cardCommand { return newGetData(c, tag) })
	return s
}

// Process selects the card application in reader and runs the prepared
// commands. matched is false, with a nil error, when the card does not
// fulfil the filters.
func (s *CardSelection) Process(reader CardReader, opts ...Option) (card *CalypsoCard, matched bool, err error) {
	const op = "CardSelection.Process"
	if s.err != nil {
		return nil, false, s.err
	}
	if reader == nil {
		return nil, false, illegalArgument(op, "nil reader")
	}
	logger := buildOptions(opts).logger
	if s.protocol != "" && reader.Protocol() != s.protocol {
		logger.Debug("card protocol rejected", slog.String("protocol", reader.Protocol()))
		return nil, false, nil
	}
	atr := reader.PowerOnData()
	if s.powerOnData != nil && !s.powerOnData.MatchString(strings.ToUpper(hex.EncodeToString(atr))) {
		logger.Debug("power-on data rejected", slog.String("atr", hex.EncodeToString(atr)))
		return nil, false, nil
	}

	ch := newChannel(reader, "card", KindCardIO, logger, nil)
	card = newCalypsoCard()
	if s.aid == nil {
		card.initFromPowerOnData(atr)
	} else {
		ok, err := s.selectApplication(op, ch, card, logger)
		if err != nil || !ok {
			return nil, false, err
		}
		card.powerOnData = slices.Clone(atr)
	}

	if err := s.runCommands(op, ch, card, logger); err != nil {
		return nil, false, err
	}
	logger.Info("card selected", slog.String("card", card.String()))
	return card, true, nil
}

func (s *CardSelection) selectApplication(op string, ch *channel, card *CalypsoCard, logger *slog.Logger) (bool, error) {
	cla, _ := iso7816.NewClass(0x00)
	cmd := iso7816.NewSelectCommand(cla, iso7816.SelectByDFName, s.occurrence, s.control, s.aid)
	ex, err := ch.transmit(op, cmd)
	if err != nil {
		return false, err
	}
	switch sw := ex.response.Status; {
	case sw == swSuccess || slices.Contains(s.successfulSWs, sw):
	case sw == iso7816.SWFileDeactivated:
		if !s.acceptInvalidated {
			logger.Debug("invalidated application rejected", slog.String("aid", hex.EncodeToString(s.aid)))
			return false, nil
		}
		card.dfInvalidated = true
	default:
		logger.Debug("application selection failed", slog.String("status", sw.Verbose()))
		return false, nil
	}
	if err := card.initFromFCI(ex.response.Data); err != nil {
		return false, &Error{Kind: KindCardAnomaly, Op: op, Status: ex.response.Status, Msg: "invalid Calypso FCI", Err: err}
	}
	return true, nil
}

// runCommands sends the prepared commands best-effort.
func (s *CardSelection) runCommands(op string, ch *channel, card *CalypsoCard, logger *slog.Logger) error {
	if len(s.commands) == 0 {
		return nil
	}
	cmds := make([]cardCommand, len(s.commands))
	for i, build := range s.commands {
		cmds[i] = build(card)
	}
	exs, err := ch.transmitBatch(op, apdus(cmds), false)
	for i, ex := range exs {
		skip, serr := checkStatus(cmds[i], ex.response, false)
		if serr != nil {
			return serr
		}
		if skip {
			logger.Debug("missing data tolerated", slog.String("command", cmds[i].name()))
			continue
		}
		if perr := cmds[i].parse(card, ex.response); perr != nil {
			return perr
		}
	}
	return err
}
