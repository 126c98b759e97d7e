package calypso

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gregLibert/calypso/pkg/bits"
	"github.com/gregLibert/calypso/pkg/iso7816"
)

// Calypso card instruction codes.
const (
	insSelectFile           = 0xA4
	insGetData              = 0xCA
	insReadRecord           = 0xB2
	insReadRecordMultiple   = 0xB3
	insReadBinary           = 0xB0
	insSearchRecordMultiple = 0xA2
	insVerifyPin            = 0x20
	insChangeKey            = 0xD8
	insAppendRecord         = 0xE2
	insUpdateRecord         = 0xDC
	insWriteRecord          = 0xD2
	insUpdateBinary         = 0xD6
	insWriteBinary          = 0xD0
	insIncrease             = 0x32
	insDecrease             = 0x30
	insIncreaseMultiple     = 0x3A
	insDecreaseMultiple     = 0x38
	insSvGet                = 0x7C
	insSvReload             = 0xB8
	insSvDebit              = 0xBA
	insSvUndebit            = 0xBC
	insInvalidate           = 0x04
	insRehabilitate         = 0x44
	insOpenSecureSession    = 0x8A
	insCloseSecureSession   = 0x8E
	insGetChallenge         = 0x84
)

// SFIs of the SV log files.
const (
	svReloadLogSfi  = 0x14
	svDebitLogSfi   = 0x15
	svLogRecordSize = 29
)

var (
	swSuccess        = iso7816.SWSuccess
	swFileNotFound   = iso7816.SWFileNotFound
	swRecordNotFound = iso7816.SWRecordNotFound
)

// newAPDU builds a command with a raw CLA and INS.
func newAPDU(cla, ins, p1, p2 byte, data []byte, ne int) *iso7816.CommandAPDU {
	class, _ := iso7816.NewClass(cla)
	instruction, _ := iso7816.NewInstruction(ins)
	return iso7816.NewCommandAPDU(class, instruction, p1, p2, data, ne)
}

// cardCommand is a prepared card command: it knows its APDU and how a
// successful response updates the card image.
type cardCommand interface {
	name() string
	apdu() *iso7816.CommandAPDU
	// modifying reports whether the command consumes session buffer.
	modifying() bool
	// parse applies the response to the image. It is called for successful
	// responses and for the statuses accepted by statusAcceptor.
	parse(card *CalypsoCard, resp *iso7816.ResponseAPDU) error
}

// statusAcceptor is implemented by commands for which some unsuccessful
// statuses carry information (e.g. remaining PIN attempts).
type statusAcceptor interface {
	accepts(sw iso7816.StatusWord) bool
}

// readCommand marks commands whose missing target is tolerated outside a session.
type readCommand interface {
	tolerateNotFound()
}

// anticipator is implemented by commands whose response can be computed before
// sending them, so they can travel with the Close Secure Session command.
type anticipator interface {
	anticipate(counters map[counterRef]int) ([]byte, bool)
}

type counterRef struct {
	sfi byte
	n   int
}

type baseCommand struct {
	cmdName string
	request *iso7816.CommandAPDU
}

func (b *baseCommand) name() string               { return b.cmdName }
func (b *baseCommand) apdu() *iso7816.CommandAPDU { return b.request }
func (b *baseCommand) modifying() bool            { return false }

// bufferCost is the session buffer consumed by a command: its data length plus
// 6 bytes when the card counts bytes, one unit otherwise.
func bufferCost(card *CalypsoCard, cmd cardCommand) int {
	if !cmd.modifying() {
		return 0
	}
	if card.modifInBytes {
		return len(cmd.apdu().Data) + 6
	}
	return 1
}

func isNotFound(sw iso7816.StatusWord) bool {
	return sw == swFileNotFound || sw == swRecordNotFound
}

// checkStatus maps an unsuccessful status to an error. skip is true when the
// response must be ignored (best-effort read of a missing file or record).
func checkStatus(cmd cardCommand, resp *iso7816.ResponseAPDU, strict bool) (skip bool, err error) {
	sw := resp.Status
	if sw == swSuccess {
		return false, nil
	}
	if a, ok := cmd.(statusAcceptor); ok && a.accepts(sw) {
		return false, nil
	}
	if isNotFound(sw) {
		_, tolerant := cmd.(readCommand)
		switch {
		case !strict && tolerant:
			return true, nil
		case strict:
			if _, ok := cmd.(*selectFileCmd); ok {
				return false, statusError(KindSelectFile, cmd.name(), sw)
			}
			return false, statusError(KindInconsistentData, cmd.name(), sw)
		}
	}
	if sw == iso7816.SWInsNotSupported || sw == iso7816.SWClaNotSupported {
		return false, statusError(KindCardAnomaly, cmd.name(), sw)
	}
	return false, statusError(KindUnexpectedStatus, cmd.name(), sw)
}

func anomaly(op string, format string, args ...interface{}) error {
	return newError(KindCardAnomaly, op, format, args...)
}

// selectFileCmd selects an EF or DF by LID or relative position.
type selectFileCmd struct {
	baseCommand
}

func (*selectFileCmd) tolerateNotFound() {}

func newSelectFileByLid(card *CalypsoCard, lid uint16) *selectFileCmd {
	data := binary.BigEndian.AppendUint16(nil, lid)
	class, _ := iso7816.NewClass(card.class())
	return &selectFileCmd{baseCommand{
		cmdName: fmt.Sprintf("Select File %04X", lid),
		request: iso7816.NewSelectCommand(class, iso7816.SelectPathFromCurrentDF, iso7816.FirstOrOnlyOccurrence, iso7816.ReturnFCI, data),
	}}
}

func newSelectFileByControl(card *CalypsoCard, ctrl SelectFileControl) *selectFileCmd {
	class, _ := iso7816.NewClass(card.class())
	method, occurrence := iso7816.SelectEFUnderCurrentDF, iso7816.FirstOrOnlyOccurrence
	switch ctrl {
	case SelectNextEF:
		occurrence = iso7816.NextOccurrence
	case SelectCurrentDF:
		method = iso7816.SelectPathFromCurrentDF
	}
	return &selectFileCmd{baseCommand{
		cmdName: "Select File " + ctrl.String(),
		request: iso7816.NewSelectCommand(class, method, occurrence, iso7816.ReturnFCI, []byte{0x00, 0x00}),
	}}
}

func (c *selectFileCmd) parse(card *CalypsoCard, resp *iso7816.ResponseAPDU) error {
	sel, err := parseSelectFileResponse(resp.Data)
	if err != nil {
		return anomaly(c.cmdName, "%v", err)
	}
	if sel.dir != nil {
		card.setDirectoryHeader(sel.dir)
		return nil
	}
	card.setFileHeader(sel.sfi, sel.file)
	return nil
}

// getDataCmd reads a data object of the current DF or EF.
type getDataCmd struct {
	baseCommand
	tag GetDataTag
}

func (*getDataCmd) tolerateNotFound() {}

func newGetData(card *CalypsoCard, tag GetDataTag) *getDataCmd {
	p1p2 := tag.p1p2()
	return &getDataCmd{
		baseCommand: baseCommand{
			cmdName: "Get Data " + tag.String(),
			request: newAPDU(card.class(), insGetData, byte(p1p2>>8), byte(p1p2), nil, iso7816.MaxShortLe),
		},
		tag: tag,
	}
}

func (c *getDataCmd) parse(card *CalypsoCard, resp *iso7816.ResponseAPDU) error {
	switch c.tag {
	case GetDataFCPForCurrentFile:
		sel, err := parseSelectFileResponse(resp.Data)
		if err != nil {
			return anomaly(c.cmdName, "%v", err)
		}
		if sel.dir != nil {
			card.setDirectoryHeader(sel.dir)
		} else {
			card.setFileHeader(sel.sfi, sel.file)
		}
	case GetDataFCIForCurrentDF:
		if err := card.initFromFCI(resp.Data); err != nil {
			return anomaly(c.cmdName, "%v", err)
		}
	case GetDataEFList:
		entries, err := parseEFList(resp.Data)
		if err != nil {
			return anomaly(c.cmdName, "%v", err)
		}
		current := card.current
		for _, e := range entries {
			card.setFileHeader(e.sfi, e.header)
		}
		card.current = current
	case GetDataTraceabilityInformation:
		card.traceability = bytes.Clone(resp.Data)
	}
	return nil
}

// readRecordsCmd reads one record, or several consecutive records with the
// revision 3 multiple mode (response: [number, length, data]*).
type readRecordsCmd struct {
	baseCommand
	sfi        byte
	first      int
	count      int
	recordSize int
	svLogs     bool
}

func (*readRecordsCmd) tolerateNotFound() {}

func newReadRecords(card *CalypsoCard, sfi byte, first, count, recordSize int) *readRecordsCmd {
	c := &readRecordsCmd{sfi: sfi, first: first, count: count, recordSize: recordSize}
	if count == 1 {
		c.cmdName = fmt.Sprintf("Read Record SFI %02X #%d", sfi, first)
		ne := iso7816.MaxShortLe
		if recordSize > 0 {
			ne = recordSize
		}
		c.request = iso7816.NewReadRecordCommand(iso7816.Class(card.class()), sfi, byte(first), iso7816.ReadRecordP1, ne)
	} else {
		c.cmdName = fmt.Sprintf("Read Records SFI %02X #%d..%d", sfi, first, first+count-1)
		c.request = iso7816.NewReadRecordCommand(iso7816.Class(card.class()), sfi, byte(first), iso7816.ReadRecordsFromP1, count*(recordSize+2))
	}
	return c
}

func (c *readRecordsCmd) parse(card *CalypsoCard, resp *iso7816.ResponseAPDU) error {
	if c.count == 1 {
		card.setContent(c.sfi, c.first, resp.Data)
		return c.updateSvLogs(card, c.first, resp.Data)
	}
	data := resp.Data
	for len(data) > 0 {
		if len(data) < 2 || len(data) < 2+int(data[1]) {
			return anomaly(c.cmdName, "malformed multiple records response")
		}
		n, l := int(data[0]), int(data[1])
		card.setContent(c.sfi, n, data[2:2+l])
		if err := c.updateSvLogs(card, n, data[2:2+l]); err != nil {
			return err
		}
		data = data[2+l:]
	}
	return nil
}

func (c *readRecordsCmd) updateSvLogs(card *CalypsoCard, record int, content []byte) error {
	if !c.svLogs {
		return nil
	}
	switch c.sfi {
	case svReloadLogSfi:
		log, err := parseSvLoadLog(content)
		if err != nil {
			return anomaly(c.cmdName, "%v", err)
		}
		card.sv.loadLog = log
	case svDebitLogSfi:
		log, err := parseSvDebitLog(content)
		if err != nil {
			return anomaly(c.cmdName, "%v", err)
		}
		for len(card.sv.debitLogs) < record {
			card.sv.debitLogs = append(card.sv.debitLogs, nil)
		}
		card.sv.debitLogs[record-1] = log
	}
	return nil
}

// readRecordsPartiallyCmd reads the same byte range of consecutive records.
type readRecordsPartiallyCmd struct {
	baseCommand
	sfi    byte
	first  int
	count  int
	offset int
	length int
}

func (*readRecordsPartiallyCmd) tolerateNotFound() {}

func newReadRecordsPartially(card *CalypsoCard, sfi byte, first, count, offset, length int) *readRecordsPartiallyCmd {
	data := []byte{0x54, 0x02, byte(offset), byte(length)}
	return &readRecordsPartiallyCmd{
		baseCommand: baseCommand{
			cmdName: fmt.Sprintf("Read Record Multiple SFI %02X #%d..%d", sfi, first, first+count-1),
			request: newAPDU(card.class(), insReadRecordMultiple, byte(first), iso7816.RecordP2(sfi, iso7816.ReadRecordsFromP1), data, count*length),
		},
		sfi: sfi, first: first, count: count, offset: offset, length: length,
	}
}

func (c *readRecordsPartiallyCmd) parse(card *CalypsoCard, resp *iso7816.ResponseAPDU) error {
	if len(resp.Data)%c.length != 0 {
		return anomaly(c.cmdName, "response length %d is not a multiple of %d", len(resp.Data), c.length)
	}
	for i := 0; i*c.length < len(resp.Data); i++ {
		card.setContentAt(c.sfi, c.first+i, resp.Data[i*c.length:(i+1)*c.length], c.offset)
	}
	return nil
}

// binaryP1P2 encodes the SFI and offset of binary commands: SFI in P1 when the
// offset fits in P2, otherwise a 15-bit offset on the current file.
func binaryP1P2(sfi byte, offset int) (byte, byte) {
	if sfi > 0 && offset <= 0xFF {
		return 0x80 | sfi, byte(offset)
	}
	return byte(offset >> 8), byte(offset)
}

// readBinaryCmd reads bytes of a binary file.
type readBinaryCmd struct {
	baseCommand
	sfi    byte
	offset int
}

func (*readBinaryCmd) tolerateNotFound() {}

func newReadBinary(card *CalypsoCard, sfi byte, offset, length int) *readBinaryCmd {
	p1, p2 := binaryP1P2(sfi, offset)
	return &readBinaryCmd{
		baseCommand: baseCommand{
			cmdName: fmt.Sprintf("Read Binary SFI %02X offset %d", sfi, offset),
			request: newAPDU(card.class(), insReadBinary, p1, p2, nil, length),
		},
		sfi: sfi, offset: offset,
	}
}

func (c *readBinaryCmd) parse(card *CalypsoCard, resp *iso7816.ResponseAPDU) error {
	card.setContentAt(c.sfi, 1, resp.Data, c.offset)
	return nil
}

// searchRecordsCmd looks for records matching a pattern.
type searchRecordsCmd struct {
	baseCommand
	search *SearchCommandData
}

func (*searchRecordsCmd) tolerateNotFound() {}

func newSearchRecords(card *CalypsoCard, s *SearchCommandData) *searchRecordsCmd {
	var flags byte
	if s.repeatedOffset {
		flags |= 0x80
	}
	if s.fetchFirst {
		flags |= 0x01
	}
	data := []byte{flags, byte(s.offset), byte(len(s.searchData))}
	data = append(data, s.searchData...)
	mask := bytes.Repeat([]byte{0xFF}, len(s.searchData))
	copy(mask, s.mask)
	data = append(data, mask...)
	return &searchRecordsCmd{
		baseCommand: baseCommand{
			cmdName: fmt.Sprintf("Search Record Multiple SFI %02X", s.sfi),
			request: newAPDU(card.class(), insSearchRecordMultiple, byte(s.recordNumber), s.sfi<<3|0x07, data, iso7816.MaxShortLe),
		},
		search: s,
	}
}

func (c *searchRecordsCmd) parse(card *CalypsoCard, resp *iso7816.ResponseAPDU) error {
	if len(resp.Data) < 1 || len(resp.Data) < 1+int(resp.Data[0]) {
		return anomaly(c.cmdName, "malformed search response")
	}
	n := int(resp.Data[0])
	c.search.matchingRecordNumbers = make([]int, n)
	for i := range n {
		c.search.matchingRecordNumbers[i] = int(resp.Data[1+i])
	}
	if c.search.fetchFirst && n > 0 {
		card.setContent(c.search.sfi, c.search.matchingRecordNumbers[0], resp.Data[1+n:])
	}
	return nil
}

// verifyPinCmd presents a PIN, or only reads the PIN status when pin is nil.
type verifyPinCmd struct {
	baseCommand
	statusOnly bool
}

func newVerifyPin(card *CalypsoCard, pin []byte) *verifyPinCmd {
	c := &verifyPinCmd{statusOnly: pin == nil}
	c.cmdName = "Verify PIN"
	if c.statusOnly {
		c.cmdName = "Check PIN Status"
	}
	c.request = newAPDU(card.class(), insVerifyPin, 0x00, 0x00, pin, 0)
	return c
}

func (c *verifyPinCmd) accepts(sw iso7816.StatusWord) bool {
	_, counter := sw.Counter()
	return counter || sw == iso7816.SWAuthenticationBlocked
}

func (c *verifyPinCmd) parse(card *CalypsoCard, resp *iso7816.ResponseAPDU) error {
	sw := resp.Status
	switch {
	case sw == swSuccess:
		card.pinAttempts = 3
		return nil
	case sw == iso7816.SWAuthenticationBlocked:
		card.pinAttempts = 0
	default:
		if n, ok := sw.Counter(); ok {
			card.pinAttempts = n
		}
	}
	if c.statusOnly {
		return nil
	}
	return &Error{Kind: KindUnexpectedStatus, Op: c.cmdName, Status: sw,
		Msg: fmt.Sprintf("incorrect PIN, %d attempt(s) remaining", card.pinAttempts)}
}

// updateRecordCmd covers Update Record, Write Record and Append Record.
type updateRecordCmd struct {
	baseCommand
	ins    byte
	sfi    byte
	record int
	data   []byte
}

func newUpdateRecord(card *CalypsoCard, ins, sfi byte, record int, data []byte) *updateRecordCmd {
	c := &updateRecordCmd{ins: ins, sfi: sfi, record: record, data: bytes.Clone(data)}
	p1, p2 := byte(record), iso7816.RecordP2(sfi, iso7816.ReadRecordP1)
	switch ins {
	case insAppendRecord:
		c.cmdName = fmt.Sprintf("Append Record SFI %02X", sfi)
		p1, p2 = 0x00, sfi<<3
	case insWriteRecord:
		c.cmdName = fmt.Sprintf("Write Record SFI %02X #%d", sfi, record)
	default:
		c.cmdName = fmt.Sprintf("Update Record SFI %02X #%d", sfi, record)
	}
	c.request = newAPDU(card.class(), ins, p1, p2, c.data, 0)
	return c
}

func (c *updateRecordCmd) modifying() bool { return true }

func (c *updateRecordCmd) anticipate(map[counterRef]int) ([]byte, bool) {
	return []byte{0x90, 0x00}, true
}

func (c *updateRecordCmd) parse(card *CalypsoCard, _ *iso7816.ResponseAPDU) error {
	switch c.ins {
	case insAppendRecord:
		card.addCyclicContent(c.sfi, c.data)
	case insWriteRecord:
		card.fillContent(c.sfi, c.record, c.data, 0)
	default:
		card.setContent(c.sfi, c.record, c.data)
	}
	return nil
}

// updateBinaryCmd covers Update Binary and Write Binary.
type updateBinaryCmd struct {
	baseCommand
	write  bool
	sfi    byte
	offset int
	data   []byte
}

func newUpdateBinary(card *CalypsoCard, write bool, sfi byte, offset int, data []byte) *updateBinaryCmd {
	c := &updateBinaryCmd{write: write, sfi: sfi, offset: offset, data: bytes.Clone(data)}
	ins := byte(insUpdateBinary)
	c.cmdName = fmt.Sprintf("Update Binary SFI %02X offset %d", sfi, offset)
	if write {
		ins = insWriteBinary
		c.cmdName = fmt.Sprintf("Write Binary SFI %02X offset %d", sfi, offset)
	}
	p1, p2 := binaryP1P2(sfi, offset)
	c.request = newAPDU(card.class(), ins, p1, p2, c.data, 0)
	return c
}

func (c *updateBinaryCmd) modifying() bool { return true }

func (c *updateBinaryCmd) anticipate(map[counterRef]int) ([]byte, bool) {
	return []byte{0x90, 0x00}, true
}

func (c *updateBinaryCmd) parse(card *CalypsoCard, _ *iso7816.ResponseAPDU) error {
	if c.write {
		card.fillContent(c.sfi, 1, c.data, c.offset)
	} else {
		card.setContentAt(c.sfi, 1, c.data, c.offset)
	}
	return nil
}

// counterCmd increases or decreases one counter; the card returns the new value.
type counterCmd struct {
	baseCommand
	decrease bool
	sfi      byte
	counter  int
	value    int
}

func newCounterCmd(card *CalypsoCard, decrease bool, sfi byte, counter, value int) *counterCmd {
	c := &counterCmd{decrease: decrease, sfi: sfi, counter: counter, value: value}
	ins := byte(insIncrease)
	c.cmdName = fmt.Sprintf("Increase SFI %02X counter %d", sfi, counter)
	if decrease {
		ins = insDecrease
		c.cmdName = fmt.Sprintf("Decrease SFI %02X counter %d", sfi, counter)
	}
	c.request = newAPDU(card.class(), ins, byte(counter), sfi<<3, bits.AppendUint24(nil, value), 3)
	return c
}

func (c *counterCmd) modifying() bool { return true }

func (c *counterCmd) newValue(current int) (int, bool) {
	v := current + c.value
	if c.decrease {
		v = current - c.value
	}
	return v, v >= 0 && v <= bits.MaxUint24
}

func (c *counterCmd) anticipate(counters map[counterRef]int) ([]byte, bool) {
	ref := counterRef{c.sfi, c.counter}
	current, known := counters[ref]
	if !known {
		return nil, false
	}
	v, ok := c.newValue(current)
	if !ok {
		return nil, false
	}
	counters[ref] = v
	return append(bits.AppendUint24(nil, v), 0x90, 0x00), true
}

func (c *counterCmd) parse(card *CalypsoCard, resp *iso7816.ResponseAPDU) error {
	if len(resp.Data) != 3 {
		return anomaly(c.cmdName, "unexpected response length %d", len(resp.Data))
	}
	card.setCounter(c.sfi, c.counter, bits.Uint24(resp.Data))
	return nil
}

// counterEntry is one counter operation of a multiple counters command.
type counterEntry struct {
	counter int
	value   int
}

// counterMultipleCmd increases or decreases several counters of a file at once.
type counterMultipleCmd struct {
	baseCommand
	decrease bool
	sfi      byte
	entries  []counterEntry
}

func newCounterMultiple(card *CalypsoCard, decrease bool, sfi byte, entries []counterEntry) *counterMultipleCmd {
	c := &counterMultipleCmd{decrease: decrease, sfi: sfi, entries: entries}
	ins := byte(insIncreaseMultiple)
	c.cmdName = fmt.Sprintf("Increase Multiple SFI %02X", sfi)
	if decrease {
		ins = insDecreaseMultiple
		c.cmdName = fmt.Sprintf("Decrease Multiple SFI %02X", sfi)
	}
	data := make([]byte, 0, 4*len(entries))
	for _, e := range entries {
		data = bits.AppendUint24(append(data, byte(e.counter)), e.value)
	}
	c.request = newAPDU(card.class(), ins, 0x00, sfi<<3, data, 4*len(entries))
	return c
}

func (c *counterMultipleCmd) modifying() bool { return true }

func (c *counterMultipleCmd) anticipate(counters map[counterRef]int) ([]byte, bool) {
	next := make(map[counterRef]int, len(c.entries))
	out := make([]byte, 0, 4*len(c.entries)+2)
	for _, e := range c.entries {
		ref := counterRef{c.sfi, e.counter}
		current, known := counters[ref]
		if !known {
			return nil, false
		}
		v := current + e.value
		if c.decrease {
			v = current - e.value
		}
		if v < 0 || v > bits.MaxUint24 {
			return nil, false
		}
		next[ref] = v
		out = bits.AppendUint24(append(out, byte(e.counter)), v)
	}
	for ref, v := range next {
		counters[ref] = v
	}
	return append(out, 0x90, 0x00), true
}

func (c *counterMultipleCmd) parse(card *CalypsoCard, resp *iso7816.ResponseAPDU) error {
	if len(resp.Data)%4 != 0 {
		return anomaly(c.cmdName, "unexpected response length %d", len(resp.Data))
	}
	for i := 0; i < len(resp.Data); i += 4 {
		card.setCounter(c.sfi, int(resp.Data[i]), bits.Uint24(resp.Data[i+1:]))
	}
	return nil
}

// invalidateCmd invalidates or rehabilitates the current DF.
type invalidateCmd struct {
	baseCommand
	rehabilitate bool
}

func newInvalidate(card *CalypsoCard, rehabilitate bool) *invalidateCmd {
	c := &invalidateCmd{rehabilitate: rehabilitate}
	ins := byte(insInvalidate)
	c.cmdName = "Invalidate"
	if rehabilitate {
		ins = insRehabilitate
		c.cmdName = "Rehabilitate"
	}
	c.request = newAPDU(card.class(), ins, 0x00, 0x00, nil, 0)
	return c
}

func (c *invalidateCmd) modifying() bool { return true }

func (c *invalidateCmd) anticipate(map[counterRef]int) ([]byte, bool) {
	return []byte{0x90, 0x00}, true
}

func (c *invalidateCmd) parse(card *CalypsoCard, _ *iso7816.ResponseAPDU) error {
	card.dfInvalidated = !c.rehabilitate
	return nil
}

// getChallengeCmd asks the card for a random value.
type getChallengeCmd struct {
	baseCommand
	challenge []byte
}

func newGetChallenge(card *CalypsoCard) *getChallengeCmd {
	return &getChallengeCmd{baseCommand: baseCommand{
		cmdName: "Get Challenge",
		request: newAPDU(card.class(), insGetChallenge, 0x00, 0x00, nil, 8),
	}}
}

func (c *getChallengeCmd) parse(_ *CalypsoCard, resp *iso7816.ResponseAPDU) error {
	if len(resp.Data) != 8 {
		return anomaly(c.cmdName, "unexpected challenge length %d", len(resp.Data))
	}
	c.challenge = bytes.Clone(resp.Data)
	return nil
}

// changeKeyCmd sends a PIN or key cryptogram (Change PIN uses key index FF).
type changeKeyCmd struct {
	baseCommand
	pin bool
}

func newChangeKey(card *CalypsoCard, keyIndex byte, cryptogram []byte) *changeKeyCmd {
	c := &changeKeyCmd{pin: keyIndex == 0xFF}
	c.cmdName = fmt.Sprintf("Change Key %d", keyIndex)
	if c.pin {
		c.cmdName = "Change PIN"
	}
	c.request = newAPDU(card.class(), insChangeKey, 0x00, keyIndex, cryptogram, 0)
	return c
}

func (c *changeKeyCmd) parse(card *CalypsoCard, _ *iso7816.ResponseAPDU) error {
	if c.pin {
		card.pinAttempts = 3
	}
	return nil
}
