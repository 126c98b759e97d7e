package calypso

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gregLibert/calypso/pkg/bits"
	"github.com/gregLibert/calypso/pkg/iso7816"
)

// SV amount bounds.
const (
	minSvReloadAmount  = -8388608
	maxSvReloadAmount  = 8388607
	maxSvDebitAmount   = 32767
	maxSvUndebitAmount = 32768
	svDebitLogRecords  = 3
)

// svGetCmd reads the SV state and the last log of the announced operation.
type svGetCmd struct {
	baseCommand
	operation SvOperation
	action    SvAction
}

func newSvGet(card *CalypsoCard, operation SvOperation, action SvAction) *svGetCmd {
	p2, ne := byte(0x09), 0x1E
	if operation == SvReload {
		p2, ne = 0x07, 0x21
	}
	return &svGetCmd{
		baseCommand: baseCommand{
			cmdName: "SV Get " + operation.String(),
			request: newAPDU(card.class(), insSvGet, 0x00, p2, nil, ne),
		},
		operation: operation,
		action:    action,
	}
}

// parse reads challenge(2) KVC(1) TNum(2) previous signature(3) balance(3)
// followed by the load log (22) or the debit log (19).
func (c *svGetCmd) parse(card *CalypsoCard, resp *iso7816.ResponseAPDU) error {
	const fixed = 11
	data := resp.Data
	want := fixed + svDebitLogSize
	if c.operation == SvReload {
		want = fixed + svLoadLogSize
	}
	if len(data) != want {
		return anomaly(c.cmdName, "response length %d, want %d", len(data), want)
	}
	sv := &card.sv
	sv.known = true
	sv.kvc = data[2]
	sv.lastTNum = int(binary.BigEndian.Uint16(data[3:]))
	sv.balance = bits.Int24(data[8:])
	sv.operation = c.operation
	sv.getHeader = c.request.Header()
	sv.getData = bytes.Clone(data)
	if c.operation == SvReload {
		log, err := parseSvLoadLog(data[fixed:])
		if err != nil {
			return anomaly(c.cmdName, "%v", err)
		}
		sv.loadLog = log
		return nil
	}
	log, err := parseSvDebitLog(data[fixed:])
	if err != nil {
		return anomaly(c.cmdName, "%v", err)
	}
	if len(sv.debitLogs) == 0 {
		sv.debitLogs = []*SvDebitLogRecord{log}
	} else {
		sv.debitLogs[0] = log
	}
	return nil
}

// svOperationCmd is an SV Reload, Debit or Undebit. Its APDU is built once
// the SAM has computed its part.
type svOperationCmd struct {
	baseCommand
	operation SvOperation
	action    SvAction
	amount    int
	date      []byte
	time      []byte
	free      []byte
	cla       byte
	ins       byte
	partial   []byte
	inSession bool

	cardSignature []byte
}

func newSvOperation(card *CalypsoCard, operation SvOperation, action SvAction, amount int, date, time, free []byte) *svOperationCmd {
	c := &svOperationCmd{
		operation: operation,
		action:    action,
		amount:    amount,
		date:      pad2(date),
		time:      pad2(time),
		free:      pad2(free),
		cla:       card.class(),
	}
	switch {
	case operation == SvReload:
		c.ins, c.cmdName = insSvReload, "SV Reload"
	case action == SvUndo:
		c.ins, c.cmdName = insSvUndebit, "SV Undebit"
	default:
		c.ins, c.cmdName = insSvDebit, "SV Debit"
	}
	return c
}

func pad2(b []byte) []byte {
	out := make([]byte, 2)
	copy(out, b)
	return out
}

// header is the command header given to the SAM.
func (c *svOperationCmd) header() []byte {
	return []byte{c.cla, c.ins, 0x00, 0x00}
}

// delta is the change applied to the balance.
func (c *svOperationCmd) delta() int {
	if c.operation == SvDebit && c.action == SvDo {
		return -c.amount
	}
	return c.amount
}

// buildPartial lays out the card data preceding the SAM data:
// reload: date(2) free(1) KVC free(1) amount(3) time(2);
// debit and undebit: amount(2) date(2) time(2) KVC.
func (c *svOperationCmd) buildPartial(kvc byte) {
	if c.operation == SvReload {
		p := append([]byte{}, c.date...)
		p = append(p, c.free[0], kvc, c.free[1])
		p = bits.AppendUint24(p, c.amount)
		c.partial = append(p, c.time...)
		return
	}
	p := binary.BigEndian.AppendUint16(nil, uint16(c.amount))
	p = append(p, c.date...)
	p = append(p, c.time...)
	c.partial = append(p, kvc)
}

// finalize completes the APDU with the SAM data (SAM id, SAM TNum, signature).
func (c *svOperationCmd) finalize(samData []byte, inSession bool) {
	c.inSession = inSession
	ne := 3
	if inSession {
		ne = 0
	}
	data := append(bytes.Clone(c.partial), samData...)
	c.request = newAPDU(c.cla, c.ins, 0x00, 0x00, data, ne)
}

// parse applies the operation to the SV state. Outside a session the card
// returns its signature; inside, the signature comes with the closing.
func (c *svOperationCmd) parse(card *CalypsoCard, resp *iso7816.ResponseAPDU) error {
	if !c.inSession {
		if len(resp.Data) != 3 {
			return anomaly(c.cmdName, "signature length %d, want 3", len(resp.Data))
		}
		c.cardSignature = bytes.Clone(resp.Data)
	}
	card.sv.balance += c.delta()
	card.sv.lastTNum++
	card.sv.getData = nil
	return nil
}

// PrepareSvGet queues the SV Get announcing an SV operation. With the SV load
// and debit log setting, the log of the other operation is read as well.
func (m *CardTransactionManager) PrepareSvGet(operation SvOperation, action SvAction) error {
	const op = "PrepareSvGet"
	if err := m.requireSvFeature(op); err != nil {
		return err
	}
	if operation != SvReload && operation != SvDebit {
		return illegalArgument(op, "unknown SV operation %d", operation)
	}
	if action != SvDo && action != SvUndo {
		return illegalArgument(op, "unknown SV action %d", action)
	}
	if m.setting != nil && m.setting.IsSvLoadAndDebitLogEnabled() && m.card.productType != ProductLight {
		other := SvDebit
		if operation == SvDebit {
			other = SvReload
		}
		m.enqueue(newSvGet(m.card, other, action))
	}
	get := newSvGet(m.card, operation, action)
	m.enqueue(get)
	m.svGet = get
	m.svAction = action
	return nil
}

func (m *CardTransactionManager) requireSvFeature(op string) error {
	if err := m.requireRev3(op); err != nil {
		return err
	}
	if !m.card.svFeature {
		return unsupported(op, "the card has no Stored Value")
	}
	return nil
}

// svPrerequisite checks an SV Get for operation precedes the SV operation,
// either queued or processed and not yet used.
func (m *CardTransactionManager) svPrerequisite(op string, operation SvOperation) (SvAction, error) {
	if m.svGet != nil {
		get := m.svGet
		m.svGet = nil
		if get.operation != operation {
			return 0, illegalState(op, "the prepared SV Get announces a %s", get.operation)
		}
		return get.action, nil
	}
	if !m.svImageConsumed && m.card.sv.getData != nil && m.card.sv.operation == operation {
		m.svImageConsumed = true
		return m.svAction, nil
	}
	return 0, illegalState(op, "an SV Get for %s must be prepared first", operation)
}

func checkSvFields(op string, date, time, free []byte) error {
	if err := checkLength(op, "date", date, 0, 2); err != nil {
		return err
	}
	if err := checkLength(op, "time", time, 0, 2); err != nil {
		return err
	}
	return checkLength(op, "free", free, 0, 2)
}

// PrepareSvReload queues an SV reload of amount. date, time and free hold 2
// bytes each, nil meaning zeros.
func (m *CardTransactionManager) PrepareSvReload(amount int, date, time, free []byte) error {
	const op = "PrepareSvReload"
	if err := m.requireSvFeature(op); err != nil {
		return err
	}
	if err := m.requireSam(op); err != nil {
		return err
	}
	if err := checkRange(op, "amount", amount, minSvReloadAmount, maxSvReloadAmount); err != nil {
		return err
	}
	if err := checkSvFields(op, date, time, free); err != nil {
		return err
	}
	action, err := m.svPrerequisite(op, SvReload)
	if err != nil {
		return err
	}
	m.enqueue(newSvOperation(m.card, SvReload, action, amount, date, time, free))
	return nil
}

// PrepareSvDebit queues an SV debit, or an undebit when the SV Get announced
// the undo action. date and time hold 2 bytes each, nil meaning zeros.
func (m *CardTransactionManager) PrepareSvDebit(amount int, date, time []byte) error {
	const op = "PrepareSvDebit"
	if err := m.requireSvFeature(op); err != nil {
		return err
	}
	if err := m.requireSam(op); err != nil {
		return err
	}
	if err := checkSvFields(op, date, time, nil); err != nil {
		return err
	}
	action := m.svAction
	if m.svGet != nil {
		action = m.svGet.action
	}
	limit := maxSvDebitAmount
	if action == SvUndo {
		limit = maxSvUndebitAmount
	}
	if err := checkRange(op, "amount", amount, 0, limit); err != nil {
		return err
	}
	action, err := m.svPrerequisite(op, SvDebit)
	if err != nil {
		return err
	}
	m.enqueue(newSvOperation(m.card, SvDebit, action, amount, date, time, nil))
	return nil
}

// PrepareSvReadAllLogs queues the read of the load log and of all debit logs.
func (m *CardTransactionManager) PrepareSvReadAllLogs() error {
	const op = "PrepareSvReadAllLogs"
	if err := m.requireSvFeature(op); err != nil {
		return err
	}
	if m.card.productType == ProductLight {
		return unsupported(op, "not supported by %s", m.card.productType)
	}
	load := newReadRecords(m.card, svReloadLogSfi, 1, 1, svLogRecordSize)
	load.svLogs = true
	m.enqueue(load)
	for r := 1; r <= svDebitLogRecords; r++ {
		debit := newReadRecords(m.card, svDebitLogSfi, r, 1, svLogRecordSize)
		debit.svLogs = true
		m.enqueue(debit)
	}
	return nil
}

// prepareSvOperation runs the checks depending on the SV Get response and
// has the SAM compute its part of the command.
func (m *CardTransactionManager) prepareSvOperation(cmd *svOperationCmd, inSession bool) error {
	sv := m.card.sv
	if sv.getData == nil {
		return illegalState(cmd.name(), "no SV Get response available")
	}
	negativeAllowed := m.setting != nil && m.setting.IsSvNegativeBalanceAuthorized()
	if newBalance := sv.balance + cmd.delta(); newBalance < 0 && !negativeAllowed {
		return illegalState(cmd.name(), "negative balance %d is not authorized", newBalance)
	}
	if m.setting != nil && len(m.setting.authorizedSvKeys) > 0 {
		level := WriteAccessLoad
		if cmd.operation == SvDebit {
			level = WriteAccessDebit
		}
		kvc := sv.kvc
		var kifRef *byte
		if kif, ok := m.setting.KIF(level, kvc); ok {
			kifRef = &kif
		} else if kif, ok := m.setting.DefaultKIF(level); ok {
			kifRef = &kif
		}
		if !m.setting.IsSvKeyAuthorized(kifRef, &kvc) {
			return newError(KindUnauthorizedKey, cmd.name(), "SV key KVC %02X is not authorized", kvc)
		}
	}
	cmd.buildPartial(sv.kvc)
	if err := m.sam.selectDiversifier(m.card.serialNumber); err != nil {
		return err
	}
	samData, err := m.sam.svPrepare(cmd, sv.getHeader, sv.getData)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd.name(), err)
	}
	cmd.finalize(samData, inSession)
	return nil
}
