package calypso

import (
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// SamResource binds a SAM image to the reader it is inserted in.
type SamResource struct {
	Reader CardReader  `validate:"required"`
	Sam    *CalypsoSam `validate:"required"`
}

func (r *SamResource) validate(op string) error {
	if err := structValidator.Struct(r); err != nil {
		return &Error{Kind: KindIllegalArgument, Op: op, Msg: "invalid SAM resource", Err: err}
	}
	if r.Sam.productType == SamUnknown {
		return illegalArgument(op, "unsupported SAM product")
	}
	return nil
}

// keyRef designates a key by its KIF and KVC.
type keyRef struct {
	kif byte
	kvc byte
}

type kifKey struct {
	level WriteAccessLevel
	kvc   byte
}

// commonSetting holds what card and SAM settings share: the SAM performing the
// cryptographic operations and the revocation service used by signature verification.
type commonSetting struct {
	sam               *SamResource
	revocationService SamRevocationService
}

// SamResource returns the SAM used for cryptographic operations, nil if none.
func (s *commonSetting) SamResource() *SamResource { return s.sam }

// SamRevocationService returns the revocation service, nil if none.
func (s *commonSetting) SamRevocationService() SamRevocationService { return s.revocationService }

// CardSecuritySetting is the immutable configuration of a card transaction.
type CardSecuritySetting struct {
	commonSetting

	multipleSession       bool
	ratificationMechanism bool
	plainPin              bool
	transactionAudit      bool
	svLoadAndDebitLog     bool
	svNegativeBalance     bool
	kifs                  map[kifKey]byte
	defaultKifs           map[WriteAccessLevel]byte
	defaultKvcs           map[WriteAccessLevel]byte
	authorizedSessionKeys []keyRef
	authorizedSvKeys      []keyRef
	pinVerificationKey    *keyRef
	pinModificationKey    *keyRef
}

// IsMultipleSessionEnabled reports whether overflowing batches are split across sessions.
func (s *CardSecuritySetting) IsMultipleSessionEnabled() bool { return s.multipleSession }

// IsRatificationMechanismEnabled reports whether a ratification command follows a contactless closing.
func (s *CardSecuritySetting) IsRatificationMechanismEnabled() bool { return s.ratificationMechanism }

// IsPinPlainTransmissionEnabled reports whether PINs are sent in plain text.
func (s *CardSecuritySetting) IsPinPlainTransmissionEnabled() bool { return s.plainPin }

// IsTransactionAuditEnabled reports whether APDU exchanges are recorded.
func (s *CardSecuritySetting) IsTransactionAuditEnabled() bool { return s.transactionAudit }

// IsSvLoadAndDebitLogEnabled reports whether both SV logs are read before an SV operation.
func (s *CardSecuritySetting) IsSvLoadAndDebitLogEnabled() bool { return s.svLoadAndDebitLog }

// IsSvNegativeBalanceAuthorized reports whether a debit may leave a negative balance.
func (s *CardSecuritySetting) IsSvNegativeBalanceAuthorized() bool { return s.svNegativeBalance }

// KIF returns the KIF assigned to the level and KVC.
func (s *CardSecuritySetting) KIF(level WriteAccessLevel, kvc byte) (byte, bool) {
	v, ok := s.kifs[kifKey{level, kvc}]
	return v, ok
}

// DefaultKIF returns the KIF used for the level when the card does not provide one.
func (s *CardSecuritySetting) DefaultKIF(level WriteAccessLevel) (byte, bool) {
	v, ok := s.defaultKifs[level]
	return v, ok
}

// DefaultKVC returns the KVC used for the level when the card does not provide one.
func (s *CardSecuritySetting) DefaultKVC(level WriteAccessLevel) (byte, bool) {
	v, ok := s.defaultKvcs[level]
	return v, ok
}

// IsSessionKeyAuthorized reports whether a session may be opened with the key.
// It is false when either value is unknown. Any key is authorized until the
// first authorized session key is added.
func (s *CardSecuritySetting) IsSessionKeyAuthorized(kif, kvc *byte) bool {
	return isKeyAuthorized(s.authorizedSessionKeys, kif, kvc)
}

// IsSvKeyAuthorized reports whether an SV operation may use the key.
// It follows the same rules as IsSessionKeyAuthorized.
func (s *CardSecuritySetting) IsSvKeyAuthorized(kif, kvc *byte) bool {
	return isKeyAuthorized(s.authorizedSvKeys, kif, kvc)
}

func isKeyAuthorized(list []keyRef, kif, kvc *byte) bool {
	if kif == nil || kvc == nil {
		return false
	}
	if list == nil {
		return true
	}
	return slices.Contains(list, keyRef{*kif, *kvc})
}

// PinVerificationCipheringKey returns the key ciphering a presented PIN.
func (s *CardSecuritySetting) PinVerificationCipheringKey() (kif, kvc byte, ok bool) {
	if s.pinVerificationKey == nil {
		return 0, 0, false
	}
	return s.pinVerificationKey.kif, s.pinVerificationKey.kvc, true
}

// PinModificationCipheringKey returns the key ciphering a new PIN.
func (s *CardSecuritySetting) PinModificationCipheringKey() (kif, kvc byte, ok bool) {
	if s.pinModificationKey == nil {
		return 0, 0, false
	}
	return s.pinModificationKey.kif, s.pinModificationKey.kvc, true
}

// CardSecuritySettingBuilder collects the card security configuration.
// The first invalid call is reported by Build.
type CardSecuritySettingBuilder struct {
	s   CardSecuritySetting
	err error
}

// NewCardSecuritySettingBuilder returns an empty builder.
func NewCardSecuritySettingBuilder() *CardSecuritySettingBuilder {
	return &CardSecuritySettingBuilder{s: CardSecuritySetting{
		kifs:        make(map[kifKey]byte),
		defaultKifs: make(map[WriteAccessLevel]byte),
		defaultKvcs: make(map[WriteAccessLevel]byte),
	}}
}

func (b *CardSecuritySettingBuilder) fail(err error) *CardSecuritySettingBuilder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// SetSamResource sets the SAM used to secure card transactions.
func (b *CardSecuritySettingBuilder) SetSamResource(reader CardReader, sam *CalypsoSam) *CardSecuritySettingBuilder {
	b.s.sam = &SamResource{Reader: reader, Sam: sam}
	return b
}

// SetSamRevocationService sets the service checking signatures from revoked SAMs.
func (b *CardSecuritySettingBuilder) SetSamRevocationService(svc SamRevocationService) *CardSecuritySettingBuilder {
	if svc == nil {
		return b.fail(illegalArgument("SetSamRevocationService", "nil service"))
	}
	b.s.revocationService = svc
	return b
}

// EnableMultipleSession splits batches overflowing the session buffer across several sessions.
func (b *CardSecuritySettingBuilder) EnableMultipleSession() *CardSecuritySettingBuilder {
	b.s.multipleSession = true
	return b
}

// EnableRatificationMechanism sends a ratification command after a contactless closing.
func (b *CardSecuritySettingBuilder) EnableRatificationMechanism() *CardSecuritySettingBuilder {
	b.s.ratificationMechanism = true
	return b
}

// EnablePinPlainTransmission sends PINs without SAM ciphering.
func (b *CardSecuritySettingBuilder) EnablePinPlainTransmission() *CardSecuritySettingBuilder {
	b.s.plainPin = true
	return b
}

// EnableTransactionAudit records every card and SAM exchange.
func (b *CardSecuritySettingBuilder) EnableTransactionAudit() *CardSecuritySettingBuilder {
	b.s.transactionAudit = true
	return b
}

// EnableSvLoadAndDebitLog reads both SV logs before an SV operation.
func (b *CardSecuritySettingBuilder) EnableSvLoadAndDebitLog() *CardSecuritySettingBuilder {
	b.s.svLoadAndDebitLog = true
	return b
}

// AuthorizeSvNegativeBalance allows debits leaving a negative balance.
func (b *CardSecuritySettingBuilder) AuthorizeSvNegativeBalance() *CardSecuritySettingBuilder {
	b.s.svNegativeBalance = true
	return b
}

// AssignKif sets the KIF to use for the level when the card announces the KVC without a KIF.
func (b *CardSecuritySettingBuilder) AssignKif(level WriteAccessLevel, kvc, kif byte) *CardSecuritySettingBuilder {
	if !level.valid() {
		return b.fail(illegalArgument("AssignKif", "invalid write access level %d", level))
	}
	b.s.kifs[kifKey{level, kvc}] = kif
	return b
}

// AssignDefaultKif sets the KIF to use for the level when nothing else is known.
func (b *CardSecuritySettingBuilder) AssignDefaultKif(level WriteAccessLevel, kif byte) *CardSecuritySettingBuilder {
	if !level.valid() {
		return b.fail(illegalArgument("AssignDefaultKif", "invalid write access level %d", level))
	}
	b.s.defaultKifs[level] = kif
	return b
}

// AssignDefaultKvc sets the KVC to use for the level when the card does not provide one.
func (b *CardSecuritySettingBuilder) AssignDefaultKvc(level WriteAccessLevel, kvc byte) *CardSecuritySettingBuilder {
	if !level.valid() {
		return b.fail(illegalArgument("AssignDefaultKvc", "invalid write access level %d", level))
	}
	b.s.defaultKvcs[level] = kvc
	return b
}

// AddAuthorizedSessionKey restricts secure sessions to the listed keys.
func (b *CardSecuritySettingBuilder) AddAuthorizedSessionKey(kif, kvc byte) *CardSecuritySettingBuilder {
	b.s.authorizedSessionKeys = append(b.s.authorizedSessionKeys, keyRef{kif, kvc})
	return b
}

// AddAuthorizedSvKey restricts SV operations to the listed keys.
func (b *CardSecuritySettingBuilder) AddAuthorizedSvKey(kif, kvc byte) *CardSecuritySettingBuilder {
	b.s.authorizedSvKeys = append(b.s.authorizedSvKeys, keyRef{kif, kvc})
	return b
}

// SetPinVerificationCipheringKey sets the key ciphering presented PINs.
func (b *CardSecuritySettingBuilder) SetPinVerificationCipheringKey(kif, kvc byte) *CardSecuritySettingBuilder {
	b.s.pinVerificationKey = &keyRef{kif, kvc}
	return b
}

// SetPinModificationCipheringKey sets the key ciphering new PINs.
func (b *CardSecuritySettingBuilder) SetPinModificationCipheringKey(kif, kvc byte) *CardSecuritySettingBuilder {
	b.s.pinModificationKey = &keyRef{kif, kvc}
	return b
}

// Build validates the configuration and returns an immutable setting.
func (b *CardSecuritySettingBuilder) Build() (*CardSecuritySetting, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.s.sam != nil {
		if err := b.s.sam.validate("Build"); err != nil {
			return nil, err
		}
	}
	s := b.s
	s.kifs = cloneMap(b.s.kifs)
	s.defaultKifs = cloneMap(b.s.defaultKifs)
	s.defaultKvcs = cloneMap(b.s.defaultKvcs)
	s.authorizedSessionKeys = slices.Clone(b.s.authorizedSessionKeys)
	s.authorizedSvKeys = slices.Clone(b.s.authorizedSvKeys)
	return &s, nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SamSecuritySetting is the immutable configuration of a SAM transaction:
// the control SAM performing operations on behalf of the target SAM.
type SamSecuritySetting struct {
	commonSetting
}

// SamSecuritySettingBuilder collects the SAM security configuration.
type SamSecuritySettingBuilder struct {
	s   SamSecuritySetting
	err error
}

// NewSamSecuritySettingBuilder returns an empty builder.
func NewSamSecuritySettingBuilder() *SamSecuritySettingBuilder {
	return &SamSecuritySettingBuilder{}
}

// SetControlSamResource sets the SAM used to secure operations on the target SAM.
func (b *SamSecuritySettingBuilder) SetControlSamResource(reader CardReader, sam *CalypsoSam) *SamSecuritySettingBuilder {
	b.s.sam = &SamResource{Reader: reader, Sam: sam}
	return b
}

// SetSamRevocationService sets the service checking signatures from revoked SAMs.
func (b *SamSecuritySettingBuilder) SetSamRevocationService(svc SamRevocationService) *SamSecuritySettingBuilder {
	if svc == nil {
		if b.err == nil {
			b.err = illegalArgument("SetSamRevocationService", "nil service")
		}
		return b
	}
	b.s.revocationService = svc
	return b
}

// Build validates the configuration and returns an immutable setting.
func (b *SamSecuritySettingBuilder) Build() (*SamSecuritySetting, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.s.sam != nil {
		if err := b.s.sam.validate("Build"); err != nil {
			return nil, err
		}
	}
	s := b.s
	return &s, nil
}

func (s *CardSecuritySetting) String() string {
	return fmt.Sprintf("CardSecuritySetting{sam=%t multipleSession=%t ratification=%t plainPin=%t}",
		s.sam != nil, s.multipleSession, s.ratificationMechanism, s.plainPin)
}
