package calypso

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/gregLibert/calypso/pkg/logging"
)

// Argument bounds of the prepare methods.
const (
	maxSfi          = 30
	maxRecord       = 250
	maxCounter      = 83
	maxCounterValue = 0xFFFFFF
	maxRecordOffset = 249
	maxBinaryOffset = 32767
)

// Option configures a transaction manager or a selection.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger receiving APDU traces and session events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: logging.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CardTransactionManager queues card commands and runs them, inside or
// outside a secure session, against a selected Calypso card.
//
// Prepare methods only validate and queue; Process methods perform the I/O
// and update the card image. A manager is meant for a single goroutine.
type CardTransactionManager struct {
	id      uuid.UUID
	logger  *slog.Logger
	card    *CalypsoCard
	cardCh  *channel
	setting *CardSecuritySetting
	sam     *samCommandProcessor
	audit   []AuditRecord
	queue   []cardCommand

	state   SessionState
	session *sessionContext

	svGet           *svGetCmd
	svAction        SvAction
	svImageConsumed bool
	releaseChannel  bool
}

// NewCardTransactionManager binds a manager to the card inserted in reader.
// setting may be nil for transactions without secure session.
func NewCardTransactionManager(reader CardReader, card *CalypsoCard, setting *CardSecuritySetting, opts ...Option) (*CardTransactionManager, error) {
	const op = "NewCardTransactionManager"
	if reader == nil || card == nil {
		return nil, illegalArgument(op, "reader and card are required")
	}
	o := buildOptions(opts)
	m := &CardTransactionManager{
		id:      uuid.New(),
		card:    card,
		setting: setting,
	}
	m.logger = o.logger.With(slog.String("transaction", m.id.String()))

	var audit *[]AuditRecord
	if setting != nil && setting.IsTransactionAuditEnabled() {
		audit = &m.audit
	}
	m.cardCh = newChannel(reader, "card", KindCardIO, m.logger, audit)
	if setting != nil && setting.SamResource() != nil {
		m.sam = newSamCommandProcessor(setting.SamResource(), setting.SamRevocationService(), m.logger, audit)
	}
	return m, nil
}

// ID identifies the transaction in logs.
func (m *CardTransactionManager) ID() uuid.UUID { return m.id }

// CalypsoCard returns the card image updated by the manager.
func (m *CardTransactionManager) CalypsoCard() *CalypsoCard { return m.card }

// SecuritySetting returns the security setting, nil if none.
func (m *CardTransactionManager) SecuritySetting() *CardSecuritySetting { return m.setting }

// SessionState returns the state of the secure session.
func (m *CardTransactionManager) SessionState() SessionState { return m.state }

// TransactionAuditData returns the exchanges recorded when the transaction
// audit is enabled.
func (m *CardTransactionManager) TransactionAuditData() []AuditRecord { return slices.Clone(m.audit) }

func (m *CardTransactionManager) enqueue(cmds ...cardCommand) {
	m.queue = append(m.queue, cmds...)
}

// run hands the queued commands to fn and clears the queue. The card
// channel is released afterwards when requested.
func (m *CardTransactionManager) run(op string, fn func([]cardCommand) error) error {
	cmds := m.queue
	m.queue = nil
	m.svGet = nil
	m.svImageConsumed = false

	err := fn(cmds)
	if m.releaseChannel {
		m.releaseChannel = false
		if rerr := m.cardCh.release(); err == nil {
			err = rerr
		}
	}
	if err != nil {
		m.logger.Error("card transaction failed", slog.String("op", op), slog.Any("error", err))
	}
	return err
}

func (m *CardTransactionManager) requireSam(op string) error {
	if m.sam == nil {
		return illegalState(op, "no SAM resource is set in the security setting")
	}
	return nil
}

func (m *CardTransactionManager) requireRev3(op string) error {
	if !m.card.isRev3() {
		return unsupported(op, "not supported by %s", m.card.productType)
	}
	return nil
}

func (m *CardTransactionManager) requirePrime(op string) error {
	if err := m.requireRev3(op); err != nil {
		return err
	}
	if m.card.productType == ProductLight {
		return unsupported(op, "not supported by %s", m.card.productType)
	}
	return nil
}

func checkSfi(op string, sfi byte) error {
	return checkRange(op, "sfi", int(sfi), 0, maxSfi)
}

func checkRecord(op string, record int) error {
	return checkRange(op, "record number", record, 1, maxRecord)
}

// PrepareSelectFile queues the selection of a file by LID.
func (m *CardTransactionManager) PrepareSelectFile(lid uint16) error {
	m.enqueue(newSelectFileByLid(m.card, lid))
	return nil
}

// PrepareSelectFileControl queues the selection of a file relative to the current one.
func (m *CardTransactionManager) PrepareSelectFileControl(ctrl SelectFileControl) error {
	if ctrl < SelectFirstEF || ctrl > SelectCurrentDF {
		return illegalArgument("PrepareSelectFileControl", "unknown control %d", ctrl)
	}
	m.enqueue(newSelectFileByControl(m.card, ctrl))
	return nil
}

// PrepareGetData queues a Get Data command.
func (m *CardTransactionManager) PrepareGetData(tag GetDataTag) error {
	const op = "PrepareGetData"
	switch tag {
	case GetDataFCPForCurrentFile, GetDataFCIForCurrentDF:
	case GetDataEFList, GetDataTraceabilityInformation:
		if err := m.requirePrime(op); err != nil {
			return err
		}
	default:
		return illegalArgument(op, "unknown tag %d", tag)
	}
	m.enqueue(newGetData(m.card, tag))
	return nil
}

// PrepareReadRecord queues the read of one record.
func (m *CardTransactionManager) PrepareReadRecord(sfi byte, record int) error {
	const op = "PrepareReadRecord"
	if err := checkSfi(op, sfi); err != nil {
		return err
	}
	if err := checkRecord(op, record); err != nil {
		return err
	}
	m.enqueue(newReadRecords(m.card, sfi, record, 1, 0))
	return nil
}

// PrepareReadRecords queues the read of records from..to of recordSize bytes.
// Revision 3 cards read several records per command within the payload capacity.
func (m *CardTransactionManager) PrepareReadRecords(sfi byte, from, to, recordSize int) error {
	const op = "PrepareReadRecords"
	if err := checkSfi(op, sfi); err != nil {
		return err
	}
	if err := checkRecord(op, from); err != nil {
		return err
	}
	if err := checkRange(op, "last record number", to, from, maxRecord); err != nil {
		return err
	}
	if err := checkRange(op, "record size", recordSize, 1, maxRecord); err != nil {
		return err
	}
	if from == to || !m.card.isRev3() {
		for r := from; r <= to; r++ {
			m.enqueue(newReadRecords(m.card, sfi, r, 1, recordSize))
		}
		return nil
	}
	perCmd := max(1, m.card.payloadCapacity/(recordSize+2))
	for r := from; r <= to; r += perCmd {
		count := min(perCmd, to-r+1)
		m.enqueue(newReadRecords(m.card, sfi, r, count, recordSize))
	}
	return nil
}

// PrepareReadRecordsPartially queues the read of length bytes at offset in
// records from..to.
func (m *CardTransactionManager) PrepareReadRecordsPartially(sfi byte, from, to, offset, length int) error {
	const op = "PrepareReadRecordsPartially"
	if err := m.requirePrime(op); err != nil {
		return err
	}
	if err := checkSfi(op, sfi); err != nil {
		return err
	}
	if err := checkRecord(op, from); err != nil {
		return err
	}
	if err := checkRange(op, "last record number", to, from, maxRecord); err != nil {
		return err
	}
	if err := checkRange(op, "offset", offset, 0, maxRecordOffset); err != nil {
		return err
	}
	if err := checkRange(op, "length", length, 1, maxRecord-offset); err != nil {
		return err
	}
	perCmd := max(1, m.card.payloadCapacity/length)
	for r := from; r <= to; r += perCmd {
		m.enqueue(newReadRecordsPartially(m.card, sfi, r, min(perCmd, to-r+1), offset, length))
	}
	return nil
}

// PrepareReadBinary queues the read of length bytes at offset of a binary file.
func (m *CardTransactionManager) PrepareReadBinary(sfi byte, offset, length int) error {
	const op = "PrepareReadBinary"
	if err := m.requirePrime(op); err != nil {
		return err
	}
	if err := checkSfi(op, sfi); err != nil {
		return err
	}
	if err := checkRange(op, "offset", offset, 0, maxBinaryOffset); err != nil {
		return err
	}
	if err := checkRange(op, "length", length, 1, maxBinaryOffset+1-offset); err != nil {
		return err
	}
	if sfi > 0 && offset > 0xFF {
		// The SFI cannot be combined with such an offset: select the file first.
		m.enqueue(newReadBinary(m.card, sfi, 0, 1))
	}
	for pos := offset; pos < offset+length; pos += m.card.payloadCapacity {
		m.enqueue(newReadBinary(m.card, sfi, pos, min(m.card.payloadCapacity, offset+length-pos)))
	}
	return nil
}

// PrepareReadCounter queues the read of the first counters of a counter file.
func (m *CardTransactionManager) PrepareReadCounter(sfi byte, counters int) error {
	const op = "PrepareReadCounter"
	if err := checkSfi(op, sfi); err != nil {
		return err
	}
	if err := checkRange(op, "number of counters", counters, 1, maxCounter); err != nil {
		return err
	}
	m.enqueue(newReadRecords(m.card, sfi, 1, 1, counters*3))
	return nil
}

// PrepareSearchRecords queues a Search Record Multiple command. The matching
// record numbers are stored in data after processing.
func (m *CardTransactionManager) PrepareSearchRecords(data *SearchCommandData) error {
	const op = "PrepareSearchRecords"
	if err := m.requirePrime(op); err != nil {
		return err
	}
	if data == nil {
		return illegalArgument(op, "nil search data")
	}
	if err := data.validate(op); err != nil {
		return err
	}
	m.enqueue(newSearchRecords(m.card, data))
	return nil
}

func (m *CardTransactionManager) prepareRecordWrite(op string, ins, sfi byte, record int, data []byte) error {
	if err := checkSfi(op, sfi); err != nil {
		return err
	}
	if ins != insAppendRecord {
		if err := checkRecord(op, record); err != nil {
			return err
		}
	}
	if err := checkLength(op, "data", data, 1, m.card.payloadCapacity); err != nil {
		return err
	}
	m.enqueue(newUpdateRecord(m.card, ins, sfi, record, data))
	return nil
}

// PrepareAppendRecord queues the addition of a record to a cyclic file.
func (m *CardTransactionManager) PrepareAppendRecord(sfi byte, data []byte) error {
	return m.prepareRecordWrite("PrepareAppendRecord", insAppendRecord, sfi, 0, data)
}

// PrepareUpdateRecord queues the replacement of a record.
func (m *CardTransactionManager) PrepareUpdateRecord(sfi byte, record int, data []byte) error {
	return m.prepareRecordWrite("PrepareUpdateRecord", insUpdateRecord, sfi, record, data)
}

// PrepareWriteRecord queues a Write Record: the data is ORed with the record content.
func (m *CardTransactionManager) PrepareWriteRecord(sfi byte, record int, data []byte) error {
	return m.prepareRecordWrite("PrepareWriteRecord", insWriteRecord, sfi, record, data)
}

func (m *CardTransactionManager) prepareBinaryWrite(op string, write bool, sfi byte, offset int, data []byte) error {
	if err := m.requirePrime(op); err != nil {
		return err
	}
	if err := checkSfi(op, sfi); err != nil {
		return err
	}
	if err := checkRange(op, "offset", offset, 0, maxBinaryOffset); err != nil {
		return err
	}
	if err := checkLength(op, "data", data, 1, maxBinaryOffset+1-offset); err != nil {
		return err
	}
	if sfi > 0 && offset > 0xFF {
		m.enqueue(newReadBinary(m.card, sfi, 0, 1))
	}
	capacity := m.card.payloadCapacity
	for pos := 0; pos < len(data); pos += capacity {
		chunk := data[pos:min(pos+capacity, len(data))]
		m.enqueue(newUpdateBinary(m.card, write, sfi, offset+pos, chunk))
	}
	return nil
}

// PrepareUpdateBinary queues the replacement of bytes of a binary file.
func (m *CardTransactionManager) PrepareUpdateBinary(sfi byte, offset int, data []byte) error {
	return m.prepareBinaryWrite("PrepareUpdateBinary", false, sfi, offset, data)
}

// PrepareWriteBinary queues a Write Binary: the data is ORed with the file content.
func (m *CardTransactionManager) PrepareWriteBinary(sfi byte, offset int, data []byte) error {
	return m.prepareBinaryWrite("PrepareWriteBinary", true, sfi, offset, data)
}

func (m *CardTransactionManager) prepareCounter(op string, decrease bool, sfi byte, counter, value int) error {
	if err := checkSfi(op, sfi); err != nil {
		return err
	}
	if err := checkRange(op, "counter number", counter, 1, maxCounter); err != nil {
		return err
	}
	if err := checkRange(op, "value", value, 0, maxCounterValue); err != nil {
		return err
	}
	m.enqueue(newCounterCmd(m.card, decrease, sfi, counter, value))
	return nil
}

// PrepareIncreaseCounter queues the increase of a counter.
func (m *CardTransactionManager) PrepareIncreaseCounter(sfi byte, counter, value int) error {
	return m.prepareCounter("PrepareIncreaseCounter", false, sfi, counter, value)
}

// PrepareDecreaseCounter queues the decrease of a counter.
func (m *CardTransactionManager) PrepareDecreaseCounter(sfi byte, counter, value int) error {
	return m.prepareCounter("PrepareDecreaseCounter", true, sfi, counter, value)
}

func (m *CardTransactionManager) prepareCounters(op string, decrease bool, sfi byte, values map[int]int) error {
	if err := m.requirePrime(op); err != nil {
		return err
	}
	if err := checkSfi(op, sfi); err != nil {
		return err
	}
	if len(values) == 0 {
		return illegalArgument(op, "no counter")
	}
	entries := make([]counterEntry, 0, len(values))
	for _, n := range slices.Sorted(maps.Keys(values)) {
		if err := checkRange(op, "counter number", n, 1, maxCounter); err != nil {
			return err
		}
		if err := checkRange(op, "value", values[n], 0, maxCounterValue); err != nil {
			return err
		}
		entries = append(entries, counterEntry{counter: n, value: values[n]})
	}
	perCmd := max(1, m.card.payloadCapacity/4)
	for start := 0; start < len(entries); start += perCmd {
		m.enqueue(newCounterMultiple(m.card, decrease, sfi, entries[start:min(start+perCmd, len(entries))]))
	}
	return nil
}

// PrepareIncreaseCounters queues the increase of several counters of a file,
// keyed by counter number.
func (m *CardTransactionManager) PrepareIncreaseCounters(sfi byte, values map[int]int) error {
	return m.prepareCounters("PrepareIncreaseCounters", false, sfi, values)
}

// PrepareDecreaseCounters queues the decrease of several counters of a file,
// keyed by counter number.
func (m *CardTransactionManager) PrepareDecreaseCounters(sfi byte, values map[int]int) error {
	return m.prepareCounters("PrepareDecreaseCounters", true, sfi, values)
}

// PrepareSetCounter queues the increase or decrease bringing a counter to
// value. The current value must be known from a previous read.
func (m *CardTransactionManager) PrepareSetCounter(sfi byte, counter, value int) error {
	const op = "PrepareSetCounter"
	if err := checkSfi(op, sfi); err != nil {
		return err
	}
	if err := checkRange(op, "counter number", counter, 1, maxCounter); err != nil {
		return err
	}
	if err := checkRange(op, "value", value, 0, maxCounterValue); err != nil {
		return err
	}
	current, ok := m.card.counterValue(sfi, counter)
	if !ok {
		return illegalState(op, "the value of counter %d of SFI %02X is unknown", counter, sfi)
	}
	switch {
	case value > current:
		m.enqueue(newCounterCmd(m.card, false, sfi, counter, value-current))
	case value < current:
		m.enqueue(newCounterCmd(m.card, true, sfi, counter, current-value))
	}
	return nil
}

// PrepareCheckPinStatus queues a PIN status check, updating the remaining attempts.
func (m *CardTransactionManager) PrepareCheckPinStatus() error {
	const op = "PrepareCheckPinStatus"
	if !m.card.pinFeature {
		return unsupported(op, "the card has no PIN")
	}
	m.enqueue(newVerifyPin(m.card, nil))
	return nil
}

// PrepareInvalidate queues the invalidation of the current DF.
func (m *CardTransactionManager) PrepareInvalidate() error {
	if m.card.dfInvalidated {
		return illegalState("PrepareInvalidate", "the DF is already invalidated")
	}
	m.enqueue(newInvalidate(m.card, false))
	return nil
}

// PrepareRehabilitate queues the rehabilitation of the current DF.
func (m *CardTransactionManager) PrepareRehabilitate() error {
	if !m.card.dfInvalidated {
		return illegalState("PrepareRehabilitate", "the DF is not invalidated")
	}
	m.enqueue(newInvalidate(m.card, true))
	return nil
}

// PrepareReleaseCardChannel asks for the card channel to be released after
// the next Process call.
func (m *CardTransactionManager) PrepareReleaseCardChannel() {
	m.releaseChannel = true
}

// SignatureComputation is implemented by *SignatureComputationData and
// *TraceableSignatureComputationData.
type SignatureComputation interface {
	signatureOperation
	Signature() ([]byte, error)
}

// SignatureVerification is implemented by *SignatureVerificationData and
// *TraceableSignatureVerificationData.
type SignatureVerification interface {
	signatureOperation
	IsSignatureValid() (bool, error)
}

// PrepareComputeSignature queues a signature computed by the SAM. The key is
// diversified with the card serial number unless data sets a diversifier.
func (m *CardTransactionManager) PrepareComputeSignature(data SignatureComputation) error {
	return m.prepareSignature("PrepareComputeSignature", data)
}

// PrepareVerifySignature queues a signature verification by the SAM.
func (m *CardTransactionManager) PrepareVerifySignature(data SignatureVerification) error {
	return m.prepareSignature("PrepareVerifySignature", data)
}

func (m *CardTransactionManager) prepareSignature(op string, data signatureOperation) error {
	if err := m.requireSam(op); err != nil {
		return err
	}
	if data == nil {
		return illegalArgument(op, "nil signature data")
	}
	if err := data.validate(op, m.card.serialNumber); err != nil {
		return err
	}
	m.sam.queueSignature(data)
	return nil
}

// processSignatures runs the signature operations queued on the SAM.
func (m *CardTransactionManager) processSignatures() error {
	if m.sam == nil {
		return nil
	}
	return m.sam.processSignatures()
}

// ProcessCardCommands sends the queued commands. Outside a session,
// missing files and records are tolerated. Inside, any failure aborts the
// session.
func (m *CardTransactionManager) ProcessCardCommands() error {
	const op = "ProcessCardCommands"
	return m.run(op, func(cmds []cardCommand) error {
		if m.state == SessionOpen {
			if err := m.checkBufferOverflow(op, cmds); err != nil {
				return err
			}
			if err := m.processSignatures(); err != nil {
				return err
			}
			return m.processInSession(op, cmds)
		}
		if err := m.processSignatures(); err != nil {
			return err
		}
		return m.processOutOfSession(op, cmds)
	})
}

// processOutOfSession sends cmds best-effort, in groups delimited by SV
// operations, which need the SAM before being sent.
func (m *CardTransactionManager) processOutOfSession(op string, cmds []cardCommand) error {
	var batch []cardCommand
	for _, cmd := range cmds {
		if sv, ok := cmd.(*svOperationCmd); ok {
			if err := m.flushOutOfSession(op, batch); err != nil {
				return err
			}
			batch = nil
			if err := m.prepareSvOperation(sv, false); err != nil {
				return err
			}
		}
		batch = append(batch, cmd)
	}
	return m.flushOutOfSession(op, batch)
}

func (m *CardTransactionManager) flushOutOfSession(op string, batch []cardCommand) error {
	if len(batch) == 0 {
		return nil
	}
	exs, err := m.cardCh.transmitBatch(op, apdus(batch), false)
	for i, ex := range exs {
		cmd := batch[i]
		skip, serr := checkStatus(cmd, ex.response, false)
		if serr != nil {
			return serr
		}
		if skip {
			m.logger.Debug("missing data tolerated", slog.String("command", cmd.name()))
			continue
		}
		if perr := cmd.parse(m.card, ex.response); perr != nil {
			return perr
		}
		if sv, ok := cmd.(*svOperationCmd); ok {
			if cerr := m.sam.svCheck(sv.cardSignature); cerr != nil {
				return cerr
			}
		}
	}
	return err
}
