package calypso

import (
	"bytes"
	"fmt"
	"math"
	"slices"
)

// Startup information layout (discretionary data, tag 53).
const (
	startupInfoMinSize      = 7
	siSessionModification   = 0
	siPlatform              = 1
	siApplicationType       = 2
	siApplicationSubtype    = 3
	siSoftwareIssuer        = 4
	siSoftwareVersion       = 5
	siSoftwareRevision      = 6
	appTypePinFeature       = 0x01
	appTypeSvFeature        = 0x02
	appTypeRatificationCmd  = 0x04
	appTypeExtendedMode     = 0x08
	appTypePkiMode          = 0x10
	serialNumberSize        = 8
	defaultPayloadCapacity  = 250
	defaultModificationsRev = 6
)

// CalypsoCard is the progressively filled image of a Calypso card.
//
// Product metadata is set at selection. Files, SV and PIN state are filled by
// the transaction manager as responses come in. Changes made while a secure
// session is open are rolled back if the session fails or is cancelled.
type CalypsoCard struct {
	powerOnData       []byte
	selectResponse    []byte
	fci               *FCITemplate
	dfName            []byte
	serialNumber      []byte
	startupInfo       []byte
	productType       ProductType
	isHce             bool
	extendedMode      bool
	ratifOnDeselect   bool
	pkiMode           bool
	pinFeature        bool
	svFeature         bool
	modifications     int
	modifInBytes      bool
	payloadCapacity   int
	pinAttempts       int
	dfInvalidated     bool
	dfRatified        bool
	dfRatifiedKnown   bool
	cardChallenge     []byte
	traceability      []byte
	directoryHeader   *DirectoryHeader
	files             []*ElementaryFile
	current           *ElementaryFile
	sv                svState
	backup            *cardSnapshot
	selectedByPowerOn bool
}

// svState is the Stored Value data returned by the last SV Get.
type svState struct {
	known     bool
	balance   int
	lastTNum  int
	kvc       byte
	getHeader []byte
	getData   []byte
	operation SvOperation
	loadLog   *SvLoadLogRecord
	debitLogs []*SvDebitLogRecord
}

func (s svState) clone() svState {
	c := s
	c.getHeader = bytes.Clone(s.getHeader)
	c.getData = bytes.Clone(s.getData)
	c.debitLogs = slices.Clone(s.debitLogs)
	return c
}

// cardSnapshot is the part of the image restored when a session is rolled back.
// PIN attempts are not part of it: the card never rolls them back.
type cardSnapshot struct {
	files           []*ElementaryFile
	directoryHeader *DirectoryHeader
	dfInvalidated   bool
	current         int
	sv              svState
}

func newCalypsoCard() *CalypsoCard {
	return &CalypsoCard{pinAttempts: -1, payloadCapacity: defaultPayloadCapacity}
}

// ProductType returns the Calypso product identified at selection.
func (c *CalypsoCard) ProductType() ProductType { return c.productType }

// IsExtendedModeSupported reports whether the card supports the rev 3.2 extended mode.
func (c *CalypsoCard) IsExtendedModeSupported() bool { return c.extendedMode }

// IsRatificationOnDeselectSupported reports whether the card ratifies the session on deselection.
func (c *CalypsoCard) IsRatificationOnDeselectSupported() bool { return c.ratifOnDeselect }

// IsPkiModeSupported reports whether the card supports the PKI mode.
func (c *CalypsoCard) IsPkiModeSupported() bool { return c.pkiMode }

// IsHce reports whether the application is hosted by a phone (Host Card Emulation).
func (c *CalypsoCard) IsHce() bool { return c.isHce }

// DFName returns the AID returned at selection.
func (c *CalypsoCard) DFName() []byte { return bytes.Clone(c.dfName) }

// ApplicationSerialNumber returns the 8-byte serial number.
func (c *CalypsoCard) ApplicationSerialNumber() []byte { return bytes.Clone(c.serialNumber) }

// StartupInfoRawData returns the raw startup information.
func (c *CalypsoCard) StartupInfoRawData() []byte { return bytes.Clone(c.startupInfo) }

// SessionModification returns the session modification byte of the startup information.
func (c *CalypsoCard) SessionModification() byte { return c.startupByte(siSessionModification) }

// PlatformByte returns the platform byte.
func (c *CalypsoCard) PlatformByte() byte { return c.startupByte(siPlatform) }

// ApplicationType returns the application type byte.
func (c *CalypsoCard) ApplicationType() byte { return c.startupByte(siApplicationType) }

// ApplicationSubtype returns the application subtype byte.
func (c *CalypsoCard) ApplicationSubtype() byte { return c.startupByte(siApplicationSubtype) }

// SoftwareIssuer returns the software issuer byte.
func (c *CalypsoCard) SoftwareIssuer() byte { return c.startupByte(siSoftwareIssuer) }

// SoftwareVersion returns the software version byte.
func (c *CalypsoCard) SoftwareVersion() byte { return c.startupByte(siSoftwareVersion) }

// SoftwareRevision returns the software revision byte.
func (c *CalypsoCard) SoftwareRevision() byte { return c.startupByte(siSoftwareRevision) }

func (c *CalypsoCard) startupByte(offset int) byte {
	if len(c.startupInfo) <= offset {
		return 0
	}
	return c.startupInfo[offset]
}

// PowerOnData returns the ATR of the card.
func (c *CalypsoCard) PowerOnData() []byte { return bytes.Clone(c.powerOnData) }

// SelectApplicationResponse returns the Select Application response data.
func (c *CalypsoCard) SelectApplicationResponse() []byte { return bytes.Clone(c.selectResponse) }

// FCI returns the decoded Select Application response, nil for cards selected by ATR only.
func (c *CalypsoCard) FCI() *FCITemplate { return c.fci }

// IsDfInvalidated reports whether the DF is invalidated.
func (c *CalypsoCard) IsDfInvalidated() bool { return c.dfInvalidated }

// IsDfRatified reports whether the last session was ratified.
// The second value is false until a secure session has been opened.
func (c *CalypsoCard) IsDfRatified() (ratified, known bool) { return c.dfRatified, c.dfRatifiedKnown }

// IsPinFeatureAvailable reports whether the card has a PIN.
func (c *CalypsoCard) IsPinFeatureAvailable() bool { return c.pinFeature }

// IsSvFeatureAvailable reports whether the card has a Stored Value purse.
func (c *CalypsoCard) IsSvFeatureAvailable() bool { return c.svFeature }

// PinAttemptRemaining returns the number of remaining PIN presentations.
// The second value is false until the PIN status was checked or a PIN was presented.
func (c *CalypsoCard) PinAttemptRemaining() (int, bool) {
	return c.pinAttempts, c.pinAttempts >= 0
}

// IsPinBlocked reports whether no PIN attempt remains.
func (c *CalypsoCard) IsPinBlocked() bool { return c.pinAttempts == 0 }

// SvBalance returns the SV balance from the last SV operation.
func (c *CalypsoCard) SvBalance() (int, bool) { return c.sv.balance, c.sv.known }

// SvLastTNum returns the SV transaction number from the last SV Get.
func (c *CalypsoCard) SvLastTNum() (int, bool) { return c.sv.lastTNum, c.sv.known }

// SvKVC returns the version of the SV key announced by the last SV Get.
func (c *CalypsoCard) SvKVC() (byte, bool) { return c.sv.kvc, c.sv.known }

// SvLoadLogRecord returns the last reload log, nil if not read.
func (c *CalypsoCard) SvLoadLogRecord() *SvLoadLogRecord { return c.sv.loadLog }

// SvDebitLogLastRecord returns the last debit log, nil if not read.
func (c *CalypsoCard) SvDebitLogLastRecord() *SvDebitLogRecord {
	if len(c.sv.debitLogs) == 0 {
		return nil
	}
	return c.sv.debitLogs[0]
}

// SvDebitLogAllRecords returns all known debit logs, most recent first.
func (c *CalypsoCard) SvDebitLogAllRecords() []*SvDebitLogRecord { return slices.Clone(c.sv.debitLogs) }

// DirectoryHeader returns the header of the current DF, nil if it was never selected.
func (c *CalypsoCard) DirectoryHeader() *DirectoryHeader { return c.directoryHeader }

// FileBySfi returns the file known under the SFI, nil if none.
func (c *CalypsoCard) FileBySfi(sfi byte) *ElementaryFile {
	if sfi == 0 {
		return nil
	}
	for _, f := range c.files {
		if f.sfi == sfi {
			return f
		}
	}
	return nil
}

// FileByLid returns the file known under the LID, nil if none.
func (c *CalypsoCard) FileByLid(lid uint16) *ElementaryFile {
	for _, f := range c.files {
		if f.header != nil && f.header.lid == lid {
			return f
		}
	}
	return nil
}

// Files returns all known files.
func (c *CalypsoCard) Files() []*ElementaryFile { return slices.Clone(c.files) }

// TraceabilityInformation returns the data returned by Get Data (traceability).
func (c *CalypsoCard) TraceabilityInformation() []byte { return bytes.Clone(c.traceability) }

// CardChallenge returns the challenge returned by the last Open Secure Session.
func (c *CalypsoCard) CardChallenge() []byte { return bytes.Clone(c.cardChallenge) }

// ModificationsCounter returns the session buffer capacity, in bytes when
// IsModificationsCounterInBytes is true, in number of commands otherwise.
func (c *CalypsoCard) ModificationsCounter() int { return c.modifications }

// IsModificationsCounterInBytes reports how ModificationsCounter is expressed.
func (c *CalypsoCard) IsModificationsCounterInBytes() bool { return c.modifInBytes }

// PayloadCapacity returns the maximum data length of a command or response.
func (c *CalypsoCard) PayloadCapacity() int { return c.payloadCapacity }

func (c *CalypsoCard) String() string {
	return fmt.Sprintf("CalypsoCard{product=%s serial=%X dfName=%X pin=%t sv=%t invalidated=%t}",
		c.productType, c.serialNumber, c.dfName, c.pinFeature, c.svFeature, c.dfInvalidated)
}

func (c *CalypsoCard) isRev3() bool {
	return c.productType == ProductPrimeRevision3 || c.productType == ProductLight || c.productType == ProductBasic
}

// class is the CLA byte of card commands.
func (c *CalypsoCard) class() byte {
	if c.isRev3() {
		return 0x00
	}
	return 0x94
}

// initFromFCI fills the product metadata from a Select Application response.
func (c *CalypsoCard) initFromFCI(data []byte) error {
	fci, err := ParseFCI(data)
	if err != nil {
		return err
	}
	disc := fci.discretionary()
	if disc == nil {
		return fmt.Errorf("discretionary data (BF0C) not found")
	}
	if len(disc.ApplicationSerialNumber) != serialNumberSize {
		return fmt.Errorf("invalid application serial number length: %d", len(disc.ApplicationSerialNumber))
	}
	if len(disc.StartupInfo) < startupInfoMinSize {
		return fmt.Errorf("startup information too short: %d bytes", len(disc.StartupInfo))
	}

	c.fci = fci
	c.selectResponse = bytes.Clone(data)
	c.dfName = bytes.Clone(fci.DFName)
	c.serialNumber = bytes.Clone(disc.ApplicationSerialNumber)
	c.startupInfo = bytes.Clone(disc.StartupInfo)
	c.isHce = c.serialNumber[3]&0x80 != 0

	appType := c.startupInfo[siApplicationType]
	switch {
	case appType == 0x00 || appType == 0xFF:
		c.productType = ProductUnknown
	case appType >= 0x90 && appType <= 0x97:
		c.productType = ProductLight
	case appType >= 0x98 && appType <= 0x9F:
		c.productType = ProductBasic
	case appType <= 0x1F:
		c.productType = ProductPrimeRevision2
	default:
		c.productType = ProductPrimeRevision3
	}

	if c.productType != ProductUnknown {
		c.pinFeature = appType&appTypePinFeature != 0
		c.svFeature = appType&appTypeSvFeature != 0
		c.ratifOnDeselect = appType&appTypeRatificationCmd == 0
		c.extendedMode = c.productType == ProductPrimeRevision3 && appType&appTypeExtendedMode != 0
		c.pkiMode = c.productType == ProductPrimeRevision3 && appType&appTypePkiMode != 0
	}

	modif := int(c.startupInfo[siSessionModification])
	if c.isRev3() {
		c.modifInBytes = true
		c.modifications = sessionBufferSize(modif)
	} else {
		c.modifications = modif
		if c.modifications == 0 {
			c.modifications = defaultModificationsRev
		}
	}
	return nil
}

// initFromPowerOnData identifies a revision 1 card, known only by its ATR.
func (c *CalypsoCard) initFromPowerOnData(atr []byte) {
	c.powerOnData = bytes.Clone(atr)
	c.selectedByPowerOn = true
	c.productType = ProductPrimeRevision1
	c.modifications = defaultModificationsRev
	c.ratifOnDeselect = true
}

// sessionBufferSize converts the session modification byte of a revision 3 card
// into a buffer size in bytes: 215 for 0x06, doubling every 4 steps, up to 0x37.
func sessionBufferSize(modif int) int {
	if modif < 0x06 {
		modif = 0x06
	}
	if modif > 0x37 {
		modif = 0x37
	}
	return int(256 * math.Pow(2, float64(modif-7)/4))
}

// getOrCreateFile returns the file for sfi, or the current EF when sfi is 0.
// The returned file becomes the current EF.
func (c *CalypsoCard) getOrCreateFile(sfi byte) *ElementaryFile {
	var f *ElementaryFile
	if sfi == 0 {
		f = c.current
	} else {
		f = c.FileBySfi(sfi)
	}
	if f == nil {
		f = newElementaryFile(sfi)
		c.files = append(c.files, f)
	}
	c.current = f
	return f
}

// setFileHeader records a header, merging it with a file already known by SFI or LID.
func (c *CalypsoCard) setFileHeader(sfi byte, header *FileHeader) *ElementaryFile {
	f := c.FileBySfi(sfi)
	if f == nil {
		f = c.FileByLid(header.lid)
	}
	if f == nil {
		f = newElementaryFile(sfi)
		c.files = append(c.files, f)
	}
	if f.sfi == 0 {
		f.sfi = sfi
	}
	f.header = header
	c.current = f
	return f
}

func (c *CalypsoCard) setDirectoryHeader(h *DirectoryHeader) {
	c.directoryHeader = h
	c.dfInvalidated = h.dfStatus&0x01 != 0
}

func (c *CalypsoCard) setContent(sfi byte, record int, content []byte) {
	c.getOrCreateFile(sfi).data.setContent(record, content)
}

func (c *CalypsoCard) setContentAt(sfi byte, record int, content []byte, offset int) {
	c.getOrCreateFile(sfi).data.setContentAt(record, content, offset)
}

func (c *CalypsoCard) fillContent(sfi byte, record int, content []byte, offset int) {
	c.getOrCreateFile(sfi).data.fillContent(record, content, offset)
}

func (c *CalypsoCard) addCyclicContent(sfi byte, content []byte) {
	f := c.getOrCreateFile(sfi)
	maxRecords := 0
	if f.header != nil {
		maxRecords = f.header.recordsNumber
	}
	f.data.addCyclicContent(content, maxRecords)
}

func (c *CalypsoCard) setCounter(sfi byte, n, value int) {
	c.getOrCreateFile(sfi).data.setCounter(n, value)
}

// counterValue returns the known value of a counter, without creating the file.
func (c *CalypsoCard) counterValue(sfi byte, n int) (int, bool) {
	f := c.current
	if sfi != 0 {
		f = c.FileBySfi(sfi)
	}
	if f == nil {
		return 0, false
	}
	return f.data.CounterValue(n)
}

// backupFiles takes the snapshot restored by restoreFiles.
func (c *CalypsoCard) backupFiles() {
	files := make([]*ElementaryFile, len(c.files))
	for i, f := range c.files {
		files[i] = f.clone()
	}
	c.backup = &cardSnapshot{
		files:           files,
		directoryHeader: c.directoryHeader.clone(),
		dfInvalidated:   c.dfInvalidated,
		current:         slices.Index(c.files, c.current),
		sv:              c.sv.clone(),
	}
}

// restoreFiles rolls the image back to the last snapshot.
func (c *CalypsoCard) restoreFiles() {
	if c.backup == nil {
		return
	}
	c.files = c.backup.files
	c.directoryHeader = c.backup.directoryHeader
	c.dfInvalidated = c.backup.dfInvalidated
	c.current = nil
	if c.backup.current >= 0 {
		c.current = c.files[c.backup.current]
	}
	c.sv = c.backup.sv
	c.backup = nil
}

func (c *CalypsoCard) discardBackup() {
	c.backup = nil
}
