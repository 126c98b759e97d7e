package calypso

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/gregLibert/calypso/pkg/iso7816"
)

// SessionState is the state of the secure session of a card transaction.
type SessionState int

const (
	SessionClosed SessionState = iota
	SessionOpen
	SessionAborted
)

func (s SessionState) String() string {
	switch s {
	case SessionClosed:
		return "CLOSED"
	case SessionOpen:
		return "OPEN"
	case SessionAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// sessionContext accumulates what the SAM needs to sign and verify the session.
type sessionContext struct {
	level      WriteAccessLevel
	kif        byte
	kvc        byte
	extended   bool
	openData   []byte
	transcript [][]byte
	bufferUsed int
	svOps      []*svOperationCmd
}

func (s *sessionContext) record(ex exchange) {
	s.transcript = append(s.transcript, ex.request, ex.responseBytes())
}

func apdus(cmds []cardCommand) []*iso7816.CommandAPDU {
	out := make([]*iso7816.CommandAPDU, len(cmds))
	for i, c := range cmds {
		out[i] = c.apdu()
	}
	return out
}

// rev2RecordSize is the size of the record returned by a revision 1 or 2 opening.
const rev2RecordSize = 29

// openSessionCmd is the Open Secure Session command, optionally reading a record.
type openSessionCmd struct {
	baseCommand
	rev3     bool
	extended bool
	read     *readRecordsCmd

	challenge []byte
	ratified  bool
	kif       byte
	kvc       byte
	data      []byte
}

func newOpenSession(card *CalypsoCard, level WriteAccessLevel, terminalChallenge []byte, read *readRecordsCmd) *openSessionCmd {
	c := &openSessionCmd{rev3: card.isRev3(), extended: card.extendedMode, read: read, kif: 0xFF}
	c.cmdName = "Open Secure Session " + level.String()
	var sfi, record byte
	if read != nil {
		sfi, record = read.sfi, byte(read.first)
	}
	if c.rev3 {
		p2 := sfi<<3 | 0x01
		if c.extended {
			p2 = sfi<<3 | 0x02
		}
		c.request = newAPDU(card.class(), insOpenSecureSession, record<<3|level.keyIndex(), p2, terminalChallenge, iso7816.MaxShortLe)
	} else {
		c.request = newAPDU(card.class(), insOpenSecureSession, 0x80+record<<3+level.keyIndex(), sfi<<3, terminalChallenge, iso7816.MaxShortLe)
	}
	return c
}

func (c *openSessionCmd) parse(card *CalypsoCard, resp *iso7816.ResponseAPDU) error {
	var err error
	if c.rev3 {
		err = c.parseRev3(resp.Data)
	} else {
		err = c.parseRev2(resp.Data)
	}
	if err != nil {
		return anomaly(c.cmdName, "%v", err)
	}
	card.cardChallenge = bytes.Clone(c.challenge)
	card.dfRatified, card.dfRatifiedKnown = c.ratified, true
	if c.read != nil && len(c.data) > 0 {
		card.setContent(c.read.sfi, c.read.first, c.data)
	}
	return nil
}

// parseRev3 reads challenge, ratification byte, [manage byte], KIF, KVC, length and record data.
func (c *openSessionCmd) parseRev3(data []byte) error {
	size := 4
	if c.extended {
		size = 8
	}
	pos := size + 1
	if c.extended {
		pos++
	}
	if len(data) < pos+3 {
		return fmt.Errorf("response too short: %d bytes", len(data))
	}
	c.challenge = data[:size]
	c.ratified = data[size] == 0x00
	c.kif, c.kvc = data[pos], data[pos+1]
	n := int(data[pos+2])
	if len(data) != pos+3+n {
		return fmt.Errorf("record data length %d does not match %d remaining bytes", n, len(data)-pos-3)
	}
	c.data = data[pos+3:]
	return nil
}

// parseRev2 reads KVC, challenge, optional ratification bytes and optional record data.
func (c *openSessionCmd) parseRev2(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("response too short: %d bytes", len(data))
	}
	c.kvc = data[0]
	c.challenge = data[1:5]
	rest := data[5:]
	switch len(rest) {
	case 0, rev2RecordSize:
		c.ratified = true
	case 2, rev2RecordSize + 2:
		rest = rest[2:]
	default:
		return fmt.Errorf("unexpected response length %d", len(data))
	}
	c.data = rest
	return nil
}

// closeSessionCmd is the Close Secure Session command carrying the terminal signature.
type closeSessionCmd struct {
	baseCommand
	signatureSize int

	postponed     [][]byte
	cardSignature []byte
}

// newCloseSession builds the closing. With ratifyLater, the card waits for
// the ratification command (P1 00) instead of ratifying at once (P1 80).
func newCloseSession(card *CalypsoCard, terminalSignature []byte, ratifyLater bool) *closeSessionCmd {
	p1 := byte(0x80)
	if ratifyLater {
		p1 = 0x00
	}
	return &closeSessionCmd{
		baseCommand: baseCommand{
			cmdName: "Close Secure Session",
			request: newAPDU(card.class(), insCloseSecureSession, p1, 0x00, terminalSignature, iso7816.MaxShortLe),
		},
		signatureSize: len(terminalSignature),
	}
}

func newAbortSession(card *CalypsoCard) *iso7816.CommandAPDU {
	return newAPDU(card.class(), insCloseSecureSession, 0x00, 0x00, nil, 0)
}

func newRatification(card *CalypsoCard) *iso7816.CommandAPDU {
	return newAPDU(card.class(), insReadRecord, 0x00, 0x00, nil, iso7816.MaxShortLe)
}

// parse splits ([length][postponed data])* from the card signature.
func (c *closeSessionCmd) parse(_ *CalypsoCard, resp *iso7816.ResponseAPDU) error {
	data := resp.Data
	if len(data) < c.signatureSize {
		return anomaly(c.cmdName, "response too short: %d bytes", len(data))
	}
	c.cardSignature = bytes.Clone(data[len(data)-c.signatureSize:])
	data = data[:len(data)-c.signatureSize]
	for len(data) > 0 {
		n := int(data[0])
		if len(data) < 1+n {
			return anomaly(c.cmdName, "malformed postponed data")
		}
		c.postponed = append(c.postponed, bytes.Clone(data[1:1+n]))
		data = data[1+n:]
	}
	return nil
}

// checkBufferOverflow rejects, in atomic mode, commands that do not fit in
// what is left of the session buffer.
func (m *CardTransactionManager) checkBufferOverflow(op string, cmds []cardCommand) error {
	if m.setting != nil && m.setting.IsMultipleSessionEnabled() {
		return nil
	}
	used := 0
	if m.session != nil {
		used = m.session.bufferUsed
	}
	for _, cmd := range cmds {
		used += bufferCost(m.card, cmd)
	}
	if used > m.card.modifications {
		return newError(KindSessionBufferOverflow, op, "%d needed, session buffer holds %d", used, m.card.modifications)
	}
	return nil
}

// ProcessOpening opens a secure session at the given level and sends the
// queued commands with the opening when they fit.
func (m *CardTransactionManager) ProcessOpening(level WriteAccessLevel) error {
	const op = "ProcessOpening"
	if !level.valid() {
		return illegalArgument(op, "invalid write access level %d", level)
	}
	if m.setting == nil {
		return illegalState(op, "no security setting")
	}
	if err := m.requireSam(op); err != nil {
		return err
	}
	if m.state == SessionOpen {
		return illegalState(op, "a session is already open")
	}
	return m.run(op, func(cmds []cardCommand) error {
		if err := m.checkBufferOverflow(op, cmds); err != nil {
			return err
		}
		if err := m.processSignatures(); err != nil {
			return err
		}
		return m.openSession(op, level, cmds)
	})
}

// openSession opens a session, sending with the opening the longest prefix
// of cmds that fits the buffer and holds no SV operation, then processes the rest.
func (m *CardTransactionManager) openSession(op string, level WriteAccessLevel, cmds []cardCommand) error {
	var read *readRecordsCmd
	if len(cmds) > 0 {
		if r, ok := cmds[0].(*readRecordsCmd); ok && r.count == 1 && r.sfi != 0 && r.first <= 31 && !r.svLogs {
			read, cmds = r, cmds[1:]
		}
	}
	n, used := 0, 0
	for _, cmd := range cmds {
		if _, ok := cmd.(*svOperationCmd); ok {
			break
		}
		cost := bufferCost(m.card, cmd)
		if used+cost > m.card.modifications {
			break
		}
		used += cost
		n++
	}
	group, rest := cmds[:n], cmds[n:]

	if err := m.sam.selectDiversifier(m.card.serialNumber); err != nil {
		return err
	}
	challenge, err := m.sam.challenge(m.card.extendedMode)
	if err != nil {
		return err
	}

	open := newOpenSession(m.card, level, challenge, read)
	batch := append([]cardCommand{open}, group...)
	m.card.backupFiles()
	exs, err := m.cardCh.transmitBatch(op, apdus(batch), true)
	if len(exs) == 0 {
		m.card.restoreFiles()
		if err == nil {
			err = newError(KindDesynchronizedExchanges, op, "no response to Open Secure Session")
		}
		return err
	}
	if exs[0].response.Status != swSuccess {
		m.card.restoreFiles()
		return statusError(KindUnexpectedStatus, open.name(), exs[0].response.Status)
	}
	if perr := open.parse(m.card, exs[0].response); perr != nil {
		m.abortSilently()
		return perr
	}

	ctx := &sessionContext{
		level:      level,
		extended:   open.extended,
		openData:   bytes.Clone(exs[0].response.Data),
		bufferUsed: used,
	}
	if err := m.resolveSessionKey(op, ctx, open); err != nil {
		m.abortSilently()
		return err
	}
	m.session = ctx
	m.state = SessionOpen
	m.logger.Info("secure session opened",
		slog.String("level", level.String()),
		slog.String("kif", fmt.Sprintf("%02X", ctx.kif)),
		slog.String("kvc", fmt.Sprintf("%02X", ctx.kvc)))

	if aerr := m.applyInSession(group, exs[1:]); aerr != nil {
		if err != nil {
			return err
		}
		return aerr
	}
	if err != nil {
		m.abortSilently()
		return err
	}
	return m.processInSession(op, rest)
}

// resolveSessionKey sets the session KIF and KVC: card values first, then the
// setting, and checks the key is authorized.
func (m *CardTransactionManager) resolveSessionKey(op string, ctx *sessionContext, open *openSessionCmd) error {
	// Revision 1 cards do not return their KVC.
	kvc, kvcKnown := open.kvc, !m.card.selectedByPowerOn
	if !kvcKnown {
		kvc, kvcKnown = m.setting.DefaultKVC(ctx.level)
	}
	if !kvcKnown {
		return illegalState(op, "unable to determine the session KVC")
	}
	kif, kifKnown := open.kif, open.kif != 0xFF
	if !kifKnown {
		kif, kifKnown = m.setting.KIF(ctx.level, kvc)
	}
	if !kifKnown {
		kif, kifKnown = m.setting.DefaultKIF(ctx.level)
	}
	if len(m.setting.authorizedSessionKeys) > 0 {
		var kifRef *byte
		if kifKnown {
			kifRef = &kif
		}
		if !m.setting.IsSessionKeyAuthorized(kifRef, &kvc) {
			return newError(KindUnauthorizedKey, op, "session key KIF %02X KVC %02X is not authorized", kif, kvc)
		}
	}
	if !kifKnown {
		return illegalState(op, "unable to determine the session KIF for KVC %02X", kvc)
	}
	ctx.kif, ctx.kvc = kif, kvc
	return nil
}

// applyInSession records exchanges in the session transcript and applies
// them to the image. Any unsuccessful status aborts the session.
func (m *CardTransactionManager) applyInSession(cmds []cardCommand, exs []exchange) error {
	for i, cmd := range cmds {
		if i >= len(exs) {
			m.abortSilently()
			return newError(KindDesynchronizedExchanges, cmd.name(), "no response")
		}
		m.session.record(exs[i])
		if _, err := checkStatus(cmd, exs[i].response, true); err != nil {
			m.abortSilently()
			return err
		}
		if err := cmd.parse(m.card, exs[i].response); err != nil {
			m.abortSilently()
			return err
		}
		if sv, ok := cmd.(*svOperationCmd); ok {
			m.session.svOps = append(m.session.svOps, sv)
		}
	}
	return nil
}

// processInSession sends cmds inside the open session. SV operations are
// prepared by the SAM first. In multiple session mode, the session is closed
// and reopened when the buffer is full.
func (m *CardTransactionManager) processInSession(op string, cmds []cardCommand) error {
	var batch []cardCommand
	for _, cmd := range cmds {
		if sv, ok := cmd.(*svOperationCmd); ok {
			if err := m.flushInSession(op, batch); err != nil {
				return err
			}
			batch = nil
			if err := m.prepareSvOperation(sv, true); err != nil {
				m.abortSilently()
				return err
			}
		}
		cost := bufferCost(m.card, cmd)
		if cost > m.card.modifications {
			m.abortSilently()
			return newError(KindSessionBufferOverflow, cmd.name(), "%d needed, session buffer holds %d", cost, m.card.modifications)
		}
		if m.session.bufferUsed+cost > m.card.modifications {
			if err := m.flushInSession(op, batch); err != nil {
				return err
			}
			batch = nil
			if err := m.splitSession(op); err != nil {
				return err
			}
		}
		m.session.bufferUsed += cost
		batch = append(batch, cmd)
	}
	return m.flushInSession(op, batch)
}

func (m *CardTransactionManager) flushInSession(op string, batch []cardCommand) error {
	if len(batch) == 0 {
		return nil
	}
	exs, err := m.cardCh.transmitBatch(op, apdus(batch), true)
	if aerr := m.applyInSession(batch, exs); aerr != nil {
		if err != nil {
			return err
		}
		return aerr
	}
	if err != nil {
		m.abortSilently()
		return err
	}
	return nil
}

// splitSession closes the current session and opens a new one at the same level.
func (m *CardTransactionManager) splitSession(op string) error {
	level := m.session.level
	m.logger.Info("session buffer full, closing intermediate session")
	if err := m.closeSession(op, nil, false); err != nil {
		return err
	}
	return m.openSession(op, level, nil)
}

// ProcessClosing sends the remaining commands and closes the session. The
// last commands, whose responses can be anticipated, travel with the closing.
func (m *CardTransactionManager) ProcessClosing() error {
	const op = "ProcessClosing"
	if m.state != SessionOpen {
		return illegalState(op, "no open session")
	}
	return m.run(op, func(cmds []cardCommand) error {
		if err := m.checkBufferOverflow(op, cmds); err != nil {
			return err
		}
		if err := m.processSignatures(); err != nil {
			return err
		}
		split := len(cmds)
		for split > 0 {
			if _, ok := cmds[split-1].(anticipator); !ok {
				break
			}
			split--
		}
		prefix, tail := cmds[:split], cmds[split:]
		tailCost := 0
		for _, cmd := range tail {
			tailCost += bufferCost(m.card, cmd)
		}
		if err := m.processInSession(op, prefix); err != nil {
			return err
		}
		if m.session.bufferUsed+tailCost > m.card.modifications {
			if err := m.processInSession(op, tail); err != nil {
				return err
			}
			tail = nil
		}
		ratify := m.cardCh.reader.IsContactless() && m.setting.IsRatificationMechanismEnabled()
		return m.closeSession(op, tail, ratify)
	})
}

// anticipate computes the responses of tail. When a counter value is
// unknown, the commands up to it are sent in the session and the rest is
// anticipated.
func (m *CardTransactionManager) anticipate(op string, tail []cardCommand) ([]cardCommand, [][]byte, error) {
	for {
		counters := make(map[counterRef]int)
		for _, cmd := range tail {
			for _, ref := range counterRefs(cmd) {
				if v, ok := m.card.counterValue(ref.sfi, ref.n); ok {
					counters[ref] = v
				}
			}
		}
		resps := make([][]byte, 0, len(tail))
		failed := -1
		for i, cmd := range tail {
			resp, ok := cmd.(anticipator).anticipate(counters)
			if !ok {
				failed = i
				break
			}
			resps = append(resps, resp)
		}
		if failed < 0 {
			return tail, resps, nil
		}
		if err := m.processInSession(op, tail[:failed+1]); err != nil {
			return nil, nil, err
		}
		tail = tail[failed+1:]
	}
}

func counterRefs(cmd cardCommand) []counterRef {
	switch c := cmd.(type) {
	case *counterCmd:
		return []counterRef{{c.sfi, c.counter}}
	case *counterMultipleCmd:
		refs := make([]counterRef, len(c.entries))
		for i, e := range c.entries {
			refs[i] = counterRef{c.sfi, e.counter}
		}
		return refs
	}
	return nil
}

// closeSession computes the terminal signature, sends tail with the Close
// Secure Session command and has the SAM verify the card signature.
func (m *CardTransactionManager) closeSession(op string, tail []cardCommand, ratify bool) error {
	tail, anticipated, err := m.anticipate(op, tail)
	if err != nil {
		return err
	}
	ctx := m.session
	for i, cmd := range tail {
		req, err := cmd.apdu().Bytes()
		if err != nil {
			m.abortSilently()
			return &Error{Kind: KindIllegalArgument, Op: cmd.name(), Err: err}
		}
		ctx.transcript = append(ctx.transcript, req, anticipated[i])
		ctx.bufferUsed += bufferCost(m.card, cmd)
	}

	signature, err := m.sam.terminalSignature(ctx)
	if err != nil {
		m.abortSilently()
		return err
	}

	closing := newCloseSession(m.card, signature, ratify)
	batch := apdus(tail)
	batch = append(batch, closing.apdu())
	if ratify {
		batch = append(batch, newRatification(m.card))
	}
	exs, err := m.cardCh.transmitBatch(op, batch, true)
	if len(exs) <= len(tail) {
		for i, ex := range exs {
			if _, serr := checkStatus(tail[i], ex.response, true); serr != nil {
				err = serr
				break
			}
		}
		if err == nil {
			err = newError(KindDesynchronizedExchanges, op, "no response to Close Secure Session")
		}
		m.abortSilently()
		return err
	}
	// The ratification response may be missing: once the closing is answered,
	// transmission errors are ignored.
	closeResp := exs[len(tail)].response
	if closeResp.Status != swSuccess {
		m.rollback()
		return statusError(KindSessionAuthentication, closing.name(), closeResp.Status)
	}
	if err := closing.parse(m.card, closeResp); err != nil {
		m.rollback()
		return err
	}
	for i, cmd := range tail {
		if err := cmd.parse(m.card, exs[i].response); err != nil {
			m.rollback()
			return err
		}
	}
	if err := m.sam.authenticate(closing.cardSignature); err != nil {
		m.rollback()
		return err
	}
	if len(closing.postponed) < len(ctx.svOps) {
		m.rollback()
		return newError(KindInconsistentData, closing.name(), "%d postponed data for %d SV operations", len(closing.postponed), len(ctx.svOps))
	}
	for i, sv := range ctx.svOps {
		if err := m.sam.svCheck(closing.postponed[i]); err != nil {
			m.rollback()
			return err
		}
		sv.cardSignature = closing.postponed[i]
	}
	m.card.discardBackup()
	m.session = nil
	m.state = SessionClosed
	m.logger.Info("secure session closed", slog.Int("buffer_used", ctx.bufferUsed))
	return nil
}

// ProcessCancel aborts the session. The image is rolled back.
func (m *CardTransactionManager) ProcessCancel() error {
	const op = "ProcessCancel"
	if m.state != SessionOpen {
		return illegalState(op, "no open session")
	}
	return m.run(op, func([]cardCommand) error {
		_, err := m.cardCh.transmit("Abort Secure Session", newAbortSession(m.card))
		m.rollback()
		return err
	})
}

// abortSilently aborts the session after a failure, ignoring the card answer.
func (m *CardTransactionManager) abortSilently() {
	if _, err := m.cardCh.transmit("Abort Secure Session", newAbortSession(m.card)); err != nil {
		m.logger.Debug("abort failed", slog.Any("error", err))
	}
	m.rollback()
}

func (m *CardTransactionManager) rollback() {
	m.card.restoreFiles()
	if m.sam != nil {
		m.sam.diversifier = nil
	}
	m.session = nil
	m.state = SessionAborted
	m.logger.Info("secure session aborted")
}
