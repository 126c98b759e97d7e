// Package calypsotest simulates Calypso cards and SAMs at the APDU level.
//
// The simulated card and SAM share a KeySet: session signatures, SV
// signatures, PIN and key cryptograms computed by one are accepted by the
// other. The cryptography is not the Calypso one; only the message flow is.
package calypsotest

import (
	"bytes"
	"encoding/binary"
	"math"
	"slices"

	"github.com/gregLibert/calypso/pkg/bits"
	"github.com/gregLibert/calypso/pkg/iso7816"
	"github.com/gregLibert/calypso/pkg/tlv"
)

// Default identification of a simulated card.
var (
	DefaultAID    = []byte{0x31, 0x54, 0x49, 0x43, 0x2E, 0x49, 0x43, 0x41}
	DefaultSerial = []byte{0x00, 0x00, 0x00, 0x00, 0x11, 0x22, 0x33, 0x44}
	DefaultATR    = []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x5A, 0x08, 0x03, 0x04, 0x00, 0x02, 0x00, 0x11, 0x22, 0x33, 0x44, 0x82, 0x90, 0x00, 0xE2}
)

const (
	dfLID           = 0x2000
	svReloadLogSfi  = 0x14
	svDebitLogSfi   = 0x15
	svLogRecordSize = 29
	maxDebitLogs    = 3
	pinAttempts     = 3
	appTypeRev3     = 0x24
)

type cardState struct {
	files       []*ef
	invalidated bool
	svBalance   int
	svTNum      int
	svLastSig   []byte
	loadLog     []byte
	debitLogs   [][]byte
}

func (s *cardState) clone() *cardState {
	c := *s
	c.files = make([]*ef, len(s.files))
	for i, f := range s.files {
		c.files[i] = f.clone()
	}
	c.svLastSig = bytes.Clone(s.svLastSig)
	c.loadLog = bytes.Clone(s.loadLog)
	c.debitLogs = make([][]byte, len(s.debitLogs))
	for i, l := range s.debitLogs {
		c.debitLogs[i] = bytes.Clone(l)
	}
	return &c
}

type cardSession struct {
	digest    *sessionDigest
	snapshot  *cardState
	used      int
	postponed [][]byte
}

// Card is a simulated revision 3 Calypso card.
type Card struct {
	keys      KeySet
	aid       []byte
	serial    []byte
	atr       []byte
	startup   []byte
	extended  bool
	pinKey    KeyRef
	levelKeys [3]KeyRef

	state   *cardState
	current *ef
	pin     []byte
	pinLeft int

	challenge    []byte
	svGet        []byte
	svGetReload  bool
	session      *cardSession
	ratified     bool
	ratifPending bool
	traceability []byte
	rnd          uint32

	opened int
	closed int
}

// CardOption configures a simulated card.
type CardOption func(*Card)

// WithExtendedMode enables the revision 3.2 extended mode (8-byte challenges and signatures).
func WithExtendedMode() CardOption {
	return func(c *Card) {
		c.extended = true
		c.startup[2] |= 0x08
	}
}

// WithPin gives the card a PIN.
func WithPin(pin []byte) CardOption {
	return func(c *Card) {
		c.pin = bytes.Clone(pin)
		c.startup[2] |= 0x01
	}
}

// WithStoredValue gives the card an SV purse holding balance.
func WithStoredValue(balance int) CardOption {
	return func(c *Card) {
		c.state.svBalance = balance
		c.startup[2] |= 0x02
	}
}

// WithFiles adds elementary files to the card.
func WithFiles(files ...File) CardOption {
	return func(c *Card) {
		for _, f := range files {
			c.state.files = append(c.state.files, newEF(f))
		}
	}
}

// WithInvalidatedDF starts the card with its DF invalidated.
func WithInvalidatedDF() CardOption {
	return func(c *Card) { c.state.invalidated = true }
}

// WithSessionModification sets the session modification byte of the startup information.
func WithSessionModification(b byte) CardOption {
	return func(c *Card) { c.startup[0] = b }
}

// WithSerialNumber sets the 8-byte application serial number.
func WithSerialNumber(serial []byte) CardOption {
	return func(c *Card) { c.serial = bytes.Clone(serial) }
}

// WithAID sets the DF name of the Calypso application.
func WithAID(aid []byte) CardOption {
	return func(c *Card) { c.aid = bytes.Clone(aid) }
}

// WithKeySet sets the issuer keys the card keys are derived from.
func WithKeySet(ks KeySet) CardOption {
	return func(c *Card) { c.keys = ks }
}

// NewCard returns a card holding the default keys and no file.
func NewCard(opts ...CardOption) *Card {
	c := &Card{
		keys:      DefaultKeySet(),
		aid:       DefaultAID,
		serial:    DefaultSerial,
		atr:       DefaultATR,
		startup:   []byte{0x0A, 0x3C, appTypeRev3, 0x11, 0x01, 0x03, 0x00},
		pinKey:    PinKey,
		levelKeys: [3]KeyRef{PersonalizationKey, LoadKey, DebitKey},
		state:     &cardState{},
		pinLeft:   pinAttempts,
		ratified:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PowerOnData returns the card ATR.
func (c *Card) PowerOnData() []byte { return bytes.Clone(c.atr) }

// SerialNumber returns the application serial number.
func (c *Card) SerialNumber() []byte { return bytes.Clone(c.serial) }

// AID returns the application identifier.
func (c *Card) AID() []byte { return bytes.Clone(c.aid) }

// Record returns the content of a record, nil if it does not exist.
func (c *Card) Record(sfi byte, n int) []byte {
	f := c.fileBySfi(sfi)
	if f == nil {
		return nil
	}
	r, _ := f.record(n)
	return bytes.Clone(r)
}

// Counter returns the value of counter n of a counter file.
func (c *Card) Counter(sfi byte, n int) int {
	f := c.fileBySfi(sfi)
	if f == nil {
		return -1
	}
	b, ok := f.counter(n)
	if !ok {
		return -1
	}
	return bits.Uint24(b)
}

// SvBalance returns the SV balance.
func (c *Card) SvBalance() int { return c.state.svBalance }

// SvTNum returns the SV transaction number.
func (c *Card) SvTNum() int { return c.state.svTNum }

// IsInvalidated reports whether the DF is invalidated.
func (c *Card) IsInvalidated() bool { return c.state.invalidated }

// IsRatified reports whether the last session was ratified.
func (c *Card) IsRatified() bool { return c.ratified }

// IsSessionOpen reports whether a secure session is in progress.
func (c *Card) IsSessionOpen() bool { return c.session != nil }

// PinAttemptsRemaining returns the PIN presentations left.
func (c *Card) PinAttemptsRemaining() int { return c.pinLeft }

// Pin returns the current PIN.
func (c *Card) Pin() []byte { return bytes.Clone(c.pin) }

// SessionKey returns the key used to open sessions with key index idx (1 to 3).
func (c *Card) SessionKey(idx int) KeyRef { return c.levelKeys[idx-1] }

// SessionsOpened returns the number of secure sessions opened.
func (c *Card) SessionsOpened() int { return c.opened }

// SessionsClosed returns the number of secure sessions successfully closed.
func (c *Card) SessionsClosed() int { return c.closed }

// SessionBufferSize returns the capacity of the session buffer, in bytes.
func (c *Card) SessionBufferSize() int {
	m := int(c.startup[0])
	m = max(0x06, min(m, 0x37))
	return int(256 * math.Pow(2, float64(m-7)/4))
}

func (c *Card) random(n int) []byte {
	c.rnd++
	return mac(c.serial, binary.BigEndian.AppendUint32(nil, c.rnd))[:n]
}

func (c *Card) key(ref KeyRef) []byte {
	k, _ := c.keys.diversified(ref, c.serial)
	return k
}

func (c *Card) fileBySfi(sfi byte) *ef {
	for _, f := range c.state.files {
		if f.sfi == sfi {
			return f
		}
	}
	return nil
}

// target returns the file designated by sfi, the current EF when sfi is 0.
func (c *Card) target(sfi byte) *ef {
	if sfi == 0 {
		return c.current
	}
	if f := c.fileBySfi(sfi); f != nil {
		c.current = f
		return f
	}
	return nil
}

func isModifying(ins byte) bool {
	switch ins {
	case 0xDC, 0xD2, 0xE2, 0xD6, 0xD0, 0x32, 0x30, 0x3A, 0x38, 0x04, 0x44:
		return true
	}
	return false
}

// Process answers one C-APDU.
func (c *Card) Process(raw []byte) []byte {
	if c.ratifPending {
		c.ratified, c.ratifPending = true, false
	}
	cmd, err := parseCommand(raw)
	if err != nil {
		return status(iso7816.SWWrongLength)
	}
	if cmd.cla != 0x00 {
		return status(iso7816.SWClaNotSupported)
	}
	if cmd.ins == 0x8E {
		return c.closeSession(cmd)
	}
	if c.session != nil && isModifying(cmd.ins) {
		cost := len(cmd.data) + 6
		if c.session.used+cost > c.SessionBufferSize() {
			c.abort()
			return status(iso7816.SWExecutionError)
		}
		c.session.used += cost
	}
	session := c.session
	resp := c.dispatch(cmd)
	if session != nil && c.session == session {
		session.digest.add(raw)
		session.digest.add(resp)
	}
	return resp
}

func (c *Card) dispatch(cmd *command) []byte {
	switch cmd.ins {
	case 0xA4:
		return c.selectFile(cmd)
	case 0xCA:
		return c.getData(cmd)
	case 0xB2:
		return c.readRecord(cmd)
	case 0xB3:
		return c.readRecordMultiple(cmd)
	case 0xB0:
		return c.readBinary(cmd)
	case 0xA2:
		return c.searchRecords(cmd)
	case 0xDC, 0xD2, 0xE2:
		return c.writeRecord(cmd)
	case 0xD6, 0xD0:
		return c.writeBinary(cmd)
	case 0x32, 0x30:
		return c.changeCounter(cmd)
	case 0x3A, 0x38:
		return c.changeCounters(cmd)
	case 0x04, 0x44:
		return c.invalidate(cmd)
	case 0x84:
		c.challenge = c.random(8)
		return success(c.challenge)
	case 0x20:
		return c.verifyPin(cmd)
	case 0xD8:
		return c.changeKey(cmd)
	case 0x8A:
		return c.openSession(cmd)
	case 0x7C:
		return c.svGetData(cmd)
	case 0xB8, 0xBA, 0xBC:
		return c.svOperation(cmd)
	}
	return status(iso7816.SWInsNotSupported)
}

// FCI returns the Select Application response data.
func (c *Card) FCI() []byte {
	var fci struct {
		Template struct {
			DFName      []byte `tlv:"84"`
			Proprietary struct {
				Discretionary struct {
					Serial  []byte `tlv:"C7"`
					Startup []byte `tlv:"53"`
				} `tlv:"BF0C"`
			} `tlv:"A5"`
		} `tlv:"6F"`
	}
	fci.Template.DFName = c.aid
	fci.Template.Proprietary.Discretionary.Serial = c.serial
	fci.Template.Proprietary.Discretionary.Startup = c.startup
	out, _ := tlv.Marshal(&fci)
	return out
}

func (c *Card) dfInfo() []byte {
	info := make([]byte, 23)
	info[1] = 0x02
	if c.state.invalidated {
		info[13] = 0x01
	}
	for i, k := range c.levelKeys {
		info[14+i] = k.KVC
		info[17+i] = k.KIF
	}
	binary.BigEndian.PutUint16(info[21:], dfLID)
	return info
}

func (f *ef) info() []byte {
	info := make([]byte, 23)
	info[0] = f.sfi
	info[1] = 0x04
	info[2] = byte(f.typ)
	if f.typ == Binary {
		binary.BigEndian.PutUint16(info[3:], uint16(f.recSize))
	} else {
		info[3], info[4] = byte(f.recSize), byte(f.nbRec)
	}
	copy(info[5:], []byte{0x1F, 0x00, 0x00, 0x00, 0x01, 0x01, 0x01, 0x00})
	binary.BigEndian.PutUint16(info[21:], f.lid)
	return info
}

func proprietary(info []byte) []byte {
	return append([]byte{0x85, byte(len(info))}, info...)
}

func (c *Card) selectFile(cmd *command) []byte {
	switch cmd.p1 {
	case 0x04:
		if len(cmd.data) == 0 || !bytes.HasPrefix(c.aid, cmd.data) {
			return status(iso7816.SWFileNotFound)
		}
		if c.session != nil {
			c.abort()
		}
		c.current = nil
		if c.state.invalidated {
			return append(c.FCI(), status(iso7816.SWFileDeactivated)...)
		}
		return success(c.FCI())
	case 0x09:
		if len(cmd.data) != 2 {
			return status(iso7816.SWWrongLength)
		}
		lid := binary.BigEndian.Uint16(cmd.data)
		if lid == 0 || lid == dfLID {
			c.current = nil
			return success(proprietary(c.dfInfo()))
		}
		for _, f := range c.state.files {
			if f.lid == lid {
				c.current = f
				return success(proprietary(f.info()))
			}
		}
		return status(iso7816.SWFileNotFound)
	case 0x02:
		i := 0
		if cmd.p2&0x03 == 0x02 {
			i = slices.Index(c.state.files, c.current) + 1
		}
		if i >= len(c.state.files) {
			return status(iso7816.SWFileNotFound)
		}
		c.current = c.state.files[i]
		return success(proprietary(c.current.info()))
	}
	return status(iso7816.SWIncorrectP1P2)
}

func (c *Card) getData(cmd *command) []byte {
	switch uint16(cmd.p1)<<8 | uint16(cmd.p2) {
	case 0x0062:
		if c.current == nil {
			return success(proprietary(c.dfInfo()))
		}
		return success(proprietary(c.current.info()))
	case 0x006F:
		return success(c.FCI())
	case 0x00C0:
		var list struct {
			List struct {
				Descriptors [][]byte `tlv:"C1"`
			} `tlv:"C0"`
		}
		for _, f := range c.state.files {
			d := binary.BigEndian.AppendUint16(nil, f.lid)
			list.List.Descriptors = append(list.List.Descriptors, append(d, f.sfi, byte(f.typ), byte(f.recSize), byte(f.nbRec)))
		}
		out, _ := tlv.Marshal(&list)
		return success(out)
	case 0x0185:
		if c.traceability == nil {
			c.traceability = append(bytes.Clone(c.serial), c.startup...)
		}
		return success(c.traceability)
	}
	return status(iso7816.SWReferenceDataNotFound)
}

// svLogRecord returns the SV log records exposed through SFI 14 and 15.
func (c *Card) svLogRecord(sfi byte, n int) ([]byte, bool) {
	if c.startup[2]&0x02 == 0 {
		return nil, false
	}
	var log []byte
	switch {
	case sfi == svReloadLogSfi && n == 1:
		log = c.state.loadLog
		if log == nil {
			log = make([]byte, 22)
		}
	case sfi == svDebitLogSfi && n >= 1 && n <= maxDebitLogs:
		if n <= len(c.state.debitLogs) {
			log = c.state.debitLogs[n-1]
		} else {
			log = make([]byte, 19)
		}
	default:
		return nil, false
	}
	rec := make([]byte, svLogRecordSize)
	copy(rec, log)
	return rec, true
}

func (c *Card) readRecord(cmd *command) []byte {
	if cmd.p1 == 0 && cmd.p2 == 0 {
		// Ratification command.
		return status(iso7816.SWWrongP1P2)
	}
	sfi, mode, n := cmd.p2>>3, cmd.p2&0x07, int(cmd.p1)
	if sfi == svReloadLogSfi || sfi == svDebitLogSfi {
		rec, ok := c.svLogRecord(sfi, n)
		if !ok {
			return status(iso7816.SWRecordNotFound)
		}
		return success(rec)
	}
	f := c.target(sfi)
	if f == nil {
		return status(iso7816.SWFileNotFound)
	}
	if f.typ == Binary {
		return status(iso7816.SWIncompatibleFile)
	}
	rec, ok := f.record(n)
	if !ok {
		return status(iso7816.SWRecordNotFound)
	}
	if mode != 0x05 {
		return success(rec)
	}
	var out []byte
	for ; ok; rec, ok = f.record(n) {
		if len(out)+2+len(rec) > cmd.ne {
			break
		}
		out = append(append(out, byte(n), byte(len(rec))), rec...)
		n++
	}
	return success(out)
}

func (c *Card) readRecordMultiple(cmd *command) []byte {
	if len(cmd.data) != 4 || cmd.data[0] != 0x54 {
		return status(iso7816.SWIncorrectData)
	}
	off, length := int(cmd.data[2]), int(cmd.data[3])
	f := c.target(cmd.p2 >> 3)
	if f == nil {
		return status(iso7816.SWFileNotFound)
	}
	n := int(cmd.p1)
	rec, ok := f.record(n)
	if !ok {
		return status(iso7816.SWRecordNotFound)
	}
	if off+length > f.recSize {
		return status(iso7816.SWWrongP1P2)
	}
	var out []byte
	for ; ok && len(out)+length <= cmd.ne; rec, ok = f.record(n) {
		out = append(out, rec[off:off+length]...)
		n++
	}
	return success(out)
}

func binaryTarget(c *Card, cmd *command) (*ef, int) {
	if cmd.p1&0x80 != 0 {
		return c.target(cmd.p1 & 0x1F), int(cmd.p2)
	}
	return c.current, int(cmd.p1)<<8 | int(cmd.p2)
}

func (c *Card) readBinary(cmd *command) []byte {
	f, off := binaryTarget(c, cmd)
	if f == nil {
		return status(iso7816.SWFileNotFound)
	}
	if f.typ != Binary {
		return status(iso7816.SWIncompatibleFile)
	}
	content := f.records[0]
	if off >= len(content) {
		return status(iso7816.SWWrongP1P2)
	}
	end := min(off+cmd.ne, len(content))
	return success(content[off:end])
}

func (c *Card) searchRecords(cmd *command) []byte {
	if len(cmd.data) < 3 {
		return status(iso7816.SWWrongLength)
	}
	flags, off, n := cmd.data[0], int(cmd.data[1]), int(cmd.data[2])
	if len(cmd.data) != 3+2*n {
		return status(iso7816.SWWrongLength)
	}
	pattern, mask := cmd.data[3:3+n], cmd.data[3+n:]
	f := c.target(cmd.p2 >> 3)
	if f == nil {
		return status(iso7816.SWFileNotFound)
	}
	matches := func(rec []byte, at int) bool {
		if at+n > len(rec) {
			return false
		}
		for i := range n {
			if rec[at+i]&mask[i] != pattern[i]&mask[i] {
				return false
			}
		}
		return true
	}
	var found []byte
	for r := int(cmd.p1); r <= len(f.records); r++ {
		rec := f.records[r-1]
		last := off
		if flags&0x80 != 0 {
			last = len(rec) - n
		}
		for at := off; at <= last; at++ {
			if matches(rec, at) {
				found = append(found, byte(r))
				break
			}
		}
	}
	out := append([]byte{byte(len(found))}, found...)
	if flags&0x01 != 0 && len(found) > 0 {
		out = append(out, f.records[found[0]-1]...)
	}
	return success(out)
}

func (c *Card) writeRecord(cmd *command) []byte {
	f := c.target(cmd.p2 >> 3)
	if f == nil {
		return status(iso7816.SWFileNotFound)
	}
	if len(cmd.data) > f.recSize {
		return status(iso7816.SWWrongLength)
	}
	if cmd.ins == 0xE2 {
		if f.typ != Cyclic {
			return status(iso7816.SWIncompatibleFile)
		}
		f.push(cmd.data)
		return success()
	}
	rec, ok := f.record(int(cmd.p1))
	if !ok {
		return status(iso7816.SWRecordNotFound)
	}
	if cmd.ins == 0xD2 {
		orInto(rec, cmd.data)
	} else {
		clear(rec)
		copy(rec, cmd.data)
	}
	return success()
}

func (c *Card) writeBinary(cmd *command) []byte {
	f, off := binaryTarget(c, cmd)
	if f == nil {
		return status(iso7816.SWFileNotFound)
	}
	if f.typ != Binary {
		return status(iso7816.SWIncompatibleFile)
	}
	content := f.records[0]
	if off+len(cmd.data) > len(content) {
		return status(iso7816.SWWrongP1P2)
	}
	if cmd.ins == 0xD0 {
		orInto(content[off:], cmd.data)
	} else {
		copy(content[off:], cmd.data)
	}
	return success()
}

func (c *Card) applyCounter(f *ef, n, value int, decrease bool) ([]byte, bool) {
	slot, ok := f.counter(n)
	if !ok {
		return nil, false
	}
	v := bits.Uint24(slot) + value
	if decrease {
		v = bits.Uint24(slot) - value
	}
	if v < 0 || v > bits.MaxUint24 {
		return nil, false
	}
	bits.PutUint24(slot, v)
	return bytes.Clone(slot), true
}

func (c *Card) changeCounter(cmd *command) []byte {
	if len(cmd.data) != 3 {
		return status(iso7816.SWWrongLength)
	}
	f := c.target(cmd.p2 >> 3)
	if f == nil {
		return status(iso7816.SWFileNotFound)
	}
	v, ok := c.applyCounter(f, int(cmd.p1), bits.Uint24(cmd.data), cmd.ins == 0x30)
	if !ok {
		return status(iso7816.SWConditionsNotSatisfied)
	}
	return success(v)
}

func (c *Card) changeCounters(cmd *command) []byte {
	if len(cmd.data) == 0 || len(cmd.data)%4 != 0 {
		return status(iso7816.SWWrongLength)
	}
	f := c.target(cmd.p2 >> 3)
	if f == nil {
		return status(iso7816.SWFileNotFound)
	}
	backup := f.clone()
	var out []byte
	for i := 0; i < len(cmd.data); i += 4 {
		v, ok := c.applyCounter(f, int(cmd.data[i]), bits.Uint24(cmd.data[i+1:]), cmd.ins == 0x38)
		if !ok {
			f.records = backup.records
			return status(iso7816.SWConditionsNotSatisfied)
		}
		out = append(append(out, cmd.data[i]), v...)
	}
	return success(out)
}

func (c *Card) invalidate(cmd *command) []byte {
	invalidate := cmd.ins == 0x04
	if c.state.invalidated == invalidate {
		return status(iso7816.SWConditionsNotSatisfied)
	}
	c.state.invalidated = invalidate
	return success()
}

func (c *Card) pinStatus() []byte {
	switch {
	case c.pinLeft == 0:
		return status(iso7816.SWAuthenticationBlocked)
	case c.pinLeft < pinAttempts:
		return status(iso7816.NewStatusWord(0x63, 0xC0|byte(c.pinLeft)))
	}
	return success()
}

func (c *Card) verifyPin(cmd *command) []byte {
	if c.pin == nil {
		return status(iso7816.SWInsNotSupported)
	}
	if len(cmd.data) == 0 {
		return c.pinStatus()
	}
	if c.pinLeft == 0 {
		return status(iso7816.SWAuthenticationBlocked)
	}
	var presented []byte
	switch len(cmd.data) {
	case 4:
		presented = cmd.data
	case 8:
		if c.challenge == nil {
			return status(iso7816.SWConditionsNotSatisfied)
		}
		presented = xorStream(c.key(c.pinKey), c.challenge, cmd.data)[:4]
		c.challenge = nil
	default:
		return status(iso7816.SWWrongLength)
	}
	if !bytes.Equal(presented, c.pin) {
		c.pinLeft--
		return c.pinStatus()
	}
	c.pinLeft = pinAttempts
	return success()
}

func (c *Card) changeKey(cmd *command) []byte {
	if c.session != nil {
		return status(iso7816.SWConditionsNotSatisfied)
	}
	if cmd.p2 == 0xFF {
		return c.changePin(cmd)
	}
	idx := int(cmd.p2)
	if idx < 1 || idx > 3 || len(cmd.data) != 32 {
		return status(iso7816.SWIncorrectP1P2)
	}
	if c.challenge == nil {
		return status(iso7816.SWConditionsNotSatisfied)
	}
	plain := xorStream(c.key(c.levelKeys[0]), c.challenge, cmd.data)
	c.challenge = nil
	ref := KeyRef{KIF: plain[0], KVC: plain[1]}
	if _, ok := c.keys[ref]; !ok || !bytes.Equal(plain[2:], keyCryptogramBody(c.key(ref))) {
		return status(iso7816.SWIncorrectSecureMessaging)
	}
	c.levelKeys[idx-1] = ref
	return success()
}

func keyCryptogramBody(key []byte) []byte {
	return mac(key, []byte("G"))[:30]
}

func (c *Card) changePin(cmd *command) []byte {
	if c.pin == nil {
		return status(iso7816.SWInsNotSupported)
	}
	switch len(cmd.data) {
	case 4:
		c.pin = bytes.Clone(cmd.data)
	case 16:
		if c.challenge == nil {
			return status(iso7816.SWConditionsNotSatisfied)
		}
		plain := xorStream(c.key(c.pinKey), c.challenge, cmd.data)
		c.challenge = nil
		c.pin = bytes.Clone(plain[4:8])
	default:
		return status(iso7816.SWWrongLength)
	}
	c.pinLeft = pinAttempts
	return success()
}

func (c *Card) openSession(cmd *command) []byte {
	idx := int(cmd.p1 & 0x07)
	if idx < 1 || idx > 3 {
		return status(iso7816.SWIncorrectP1P2)
	}
	size := 4
	switch cmd.p2 & 0x07 {
	case 0x01:
	case 0x02:
		if !c.extended {
			return status(iso7816.SWIncorrectP1P2)
		}
		size = 8
	default:
		return status(iso7816.SWIncorrectP1P2)
	}
	if len(cmd.data) != size {
		return status(iso7816.SWWrongLength)
	}
	if c.session != nil {
		c.abort()
	}
	var record []byte
	if sfi, n := cmd.p2>>3, int(cmd.p1>>3); sfi != 0 && n != 0 {
		f := c.target(sfi)
		if f == nil {
			return status(iso7816.SWFileNotFound)
		}
		rec, ok := f.record(n)
		if !ok {
			return status(iso7816.SWRecordNotFound)
		}
		record = rec
	}
	ref := c.levelKeys[idx-1]
	out := c.random(size)
	if c.ratified {
		out = append(out, 0x00)
	} else {
		out = append(out, 0x01)
	}
	if c.extended {
		out = append(out, 0x00)
	}
	out = append(out, ref.KIF, ref.KVC, byte(len(record)))
	out = append(out, record...)

	c.session = &cardSession{
		digest:   newSessionDigest(c.key(ref), cmd.data, out),
		snapshot: c.state.clone(),
	}
	c.opened++
	return success(out)
}

func (c *Card) abort() {
	if c.session == nil {
		return
	}
	c.state = c.session.snapshot
	c.session = nil
	c.current = nil
}

func (c *Card) closeSession(cmd *command) []byte {
	if len(cmd.data) == 0 {
		if c.session == nil {
			return status(iso7816.SWConditionsNotSatisfied)
		}
		c.abort()
		return success()
	}
	if c.session == nil {
		return status(iso7816.SWConditionsNotSatisfied)
	}
	s := c.session
	if !bytes.Equal(cmd.data, s.digest.terminalSignature(len(cmd.data))) {
		c.abort()
		return status(iso7816.SWIncorrectSecureMessaging)
	}
	var out []byte
	for _, p := range s.postponed {
		out = append(append(out, byte(len(p))), p...)
	}
	out = append(out, s.digest.cardSignature(len(cmd.data))...)
	c.session = nil
	c.closed++
	if cmd.p1 == 0x80 {
		c.ratified = true
	} else {
		c.ratified, c.ratifPending = false, true
	}
	return success(out)
}

func (c *Card) svKey(reload bool) []byte {
	if reload {
		return c.key(KeyRef{KIF: LoadKey.KIF, KVC: c.levelKeys[1].KVC})
	}
	return c.key(KeyRef{KIF: DebitKey.KIF, KVC: c.levelKeys[2].KVC})
}

func (c *Card) svGetData(cmd *command) []byte {
	if c.startup[2]&0x02 == 0 {
		return status(iso7816.SWInsNotSupported)
	}
	reload := cmd.p2 == 0x07
	if !reload && cmd.p2 != 0x09 {
		return status(iso7816.SWIncorrectP1P2)
	}
	kvc := c.levelKeys[2].KVC
	if reload {
		kvc = c.levelKeys[1].KVC
	}
	out := c.random(2)
	out = append(out, kvc)
	out = binary.BigEndian.AppendUint16(out, uint16(c.state.svTNum))
	prev := make([]byte, 3)
	copy(prev, c.state.svLastSig)
	out = append(out, prev...)
	out = bits.AppendUint24(out, c.state.svBalance)
	if reload {
		log := c.state.loadLog
		if log == nil {
			log = make([]byte, 22)
		}
		out = append(out, log...)
	} else {
		log := make([]byte, 19)
		if len(c.state.debitLogs) > 0 {
			log = c.state.debitLogs[0]
		}
		out = append(out, log...)
	}
	c.svGet, c.svGetReload = out, reload
	return success(out)
}

func (c *Card) svOperation(cmd *command) []byte {
	reload := cmd.ins == 0xB8
	partialSize := 7
	if reload {
		partialSize = 10
	}
	if len(cmd.data) != partialSize+12 {
		return status(iso7816.SWWrongLength)
	}
	if c.svGet == nil || c.svGetReload != reload {
		return status(iso7816.SWConditionsNotSatisfied)
	}
	partial, samID, samTNum, samSig := cmd.data[:partialSize], cmd.data[partialSize:partialSize+4], cmd.data[partialSize+4:partialSize+7], cmd.data[partialSize+7:]
	key := c.svKey(reload)
	if !bytes.Equal(samSig, svSamSignature(key, c.svGet, partial, samID, samTNum)) {
		c.svGet = nil
		return status(iso7816.SWIncorrectSecureMessaging)
	}
	c.svGet = nil

	st := c.state
	st.svTNum++
	if reload {
		amount := bits.Int24(partial[5:])
		st.svBalance += amount
		log := append([]byte{}, partial[0:5]...)
		log = bits.AppendUint24(log, st.svBalance)
		log = bits.AppendUint24(log, amount)
		log = append(log, partial[8:10]...)
		log = append(append(log, samID...), samTNum...)
		st.loadLog = binary.BigEndian.AppendUint16(log, uint16(st.svTNum))
	} else {
		amount := int(binary.BigEndian.Uint16(partial))
		logged := uint16(amount)
		if cmd.ins == 0xBA {
			st.svBalance -= amount
		} else {
			st.svBalance += amount
			logged = uint16(-amount)
		}
		log := binary.BigEndian.AppendUint16(nil, logged)
		log = append(log, partial[2:7]...)
		log = append(append(log, samID...), samTNum...)
		log = bits.AppendUint24(log, st.svBalance)
		log = binary.BigEndian.AppendUint16(log, uint16(st.svTNum))
		st.debitLogs = append([][]byte{log}, st.debitLogs...)
		if len(st.debitLogs) > maxDebitLogs {
			st.debitLogs = st.debitLogs[:maxDebitLogs]
		}
	}
	sig := svCardSignature(key, samSig)
	st.svLastSig = sig
	if c.session != nil {
		c.session.postponed = append(c.session.postponed, sig)
		return success()
	}
	return success(sig)
}

func svSamSignature(key, getData, partial, samID, samTNum []byte) []byte {
	return mac(key, []byte("SV"), getData, partial, samID, samTNum)[:5]
}

func svCardSignature(key, samSig []byte) []byte {
	return mac(key, []byte("SVC"), samSig)[:3]
}
