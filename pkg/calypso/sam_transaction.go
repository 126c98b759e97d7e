package calypso

import (
	"log/slog"
	"slices"

	"github.com/google/uuid"
)

// SamTransactionManager runs signature operations on a Calypso SAM.
// Operations are queued by Prepare methods and sent by ProcessCommands.
type SamTransactionManager struct {
	id      uuid.UUID
	logger  *slog.Logger
	sam     *CalypsoSam
	setting *SamSecuritySetting
	proc    *samCommandProcessor
	audit   []AuditRecord
}

// NewSamTransactionManager binds a manager to the SAM inserted in reader.
// setting may be nil. Every exchange is recorded in the audit data.
func NewSamTransactionManager(reader CardReader, sam *CalypsoSam, setting *SamSecuritySetting, opts ...Option) (*SamTransactionManager, error) {
	const op = "NewSamTransactionManager"
	res := &SamResource{Reader: reader, Sam: sam}
	if err := res.validate(op); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	m := &SamTransactionManager{
		id:      uuid.New(),
		sam:     sam,
		setting: setting,
	}
	m.logger = o.logger.With(slog.String("transaction", m.id.String()))
	var revocation SamRevocationService
	if setting != nil {
		revocation = setting.SamRevocationService()
	}
	m.proc = newSamCommandProcessor(res, revocation, m.logger, &m.audit)
	return m, nil
}

// ID identifies the transaction in logs.
func (m *SamTransactionManager) ID() uuid.UUID { return m.id }

// CalypsoSam returns the target SAM image.
func (m *SamTransactionManager) CalypsoSam() *CalypsoSam { return m.sam }

// SecuritySetting returns the security setting, nil if none.
func (m *SamTransactionManager) SecuritySetting() *SamSecuritySetting { return m.setting }

// TransactionAuditData returns the exchanges with the SAM.
func (m *SamTransactionManager) TransactionAuditData() []AuditRecord { return slices.Clone(m.audit) }

// PrepareComputeSignature queues a signature computation. The key is
// diversified with the SAM serial number unless data sets a diversifier.
func (m *SamTransactionManager) PrepareComputeSignature(data SignatureComputation) error {
	return m.prepare("PrepareComputeSignature", data)
}

// PrepareVerifySignature queues a signature verification.
func (m *SamTransactionManager) PrepareVerifySignature(data SignatureVerification) error {
	return m.prepare("PrepareVerifySignature", data)
}

func (m *SamTransactionManager) prepare(op string, data signatureOperation) error {
	if data == nil {
		return illegalArgument(op, "nil signature data")
	}
	if err := data.validate(op, m.sam.serialNumber); err != nil {
		return err
	}
	m.proc.queueSignature(data)
	return nil
}

// ProcessCommands runs the queued operations in order and stops at the first
// failure. The queue is emptied either way.
func (m *SamTransactionManager) ProcessCommands() error {
	if err := m.proc.processSignatures(); err != nil {
		m.logger.Error("SAM transaction failed", slog.Any("error", err))
		return err
	}
	return nil
}
